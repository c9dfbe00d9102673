package services

import (
	"context"
	"log"
	"sync"
	"time"

	"genmedia-backend/internal/models"
	"genmedia-backend/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// reservation lifecycle states
type reservationState int

const (
	reservationActive reservationState = iota
	reservationCommitted
	reservationRefunded
)

// Reservation is the handle returned by a successful quota reservation.
// Usage is incremented at reserve time, so Commit is pure bookkeeping and
// Refund hands the units back.
type Reservation struct {
	ID      string
	OwnerID string
	Cost    int64

	state reservationState
}

// QuotaLedger provides atomic per-user, per-period quota accounting
type QuotaLedger interface {
	// Reserve atomically checks and reserves cost units. Fails with
	// ErrQuotaExceeded when used+cost would exceed the limit.
	Reserve(ctx context.Context, ownerID string, cost int64) (*Reservation, error)
	// Commit finalizes a reservation after the reserved work completed.
	Commit(ctx context.Context, res *Reservation) error
	// Refund returns the reserved units. Idempotent: refunding twice
	// changes usage only once.
	Refund(ctx context.Context, res *Reservation) error
	// AdoptReservation rebuilds a handle for usage already counted in a
	// previous process (crash recovery). It does not change counters.
	AdoptReservation(ownerID string, cost int64) *Reservation
	// Usage returns the owner's current used/limit for the running period.
	Usage(ctx context.Context, ownerID string) (used, limit int64, err error)
}

// MemoryQuotaLedger is the in-process ledger: a mutex-guarded counter map
// with optional write-through persistence so a restart cannot reset the
// running period.
type MemoryQuotaLedger struct {
	mu      sync.Mutex
	used    map[string]int64 // ownerID -> used in current bucket
	bucket  string           // period key the counters belong to
	period  models.QuotaPeriod
	limit   int64
	repo    repository.QuotaRepository // nil disables persistence
	nowFunc func() time.Time
}

// NewMemoryQuotaLedger creates the in-process quota ledger. repo may be nil.
func NewMemoryQuotaLedger(period models.QuotaPeriod, limit int64, repo repository.QuotaRepository) *MemoryQuotaLedger {
	l := &MemoryQuotaLedger{
		used:    make(map[string]int64),
		period:  period,
		limit:   limit,
		repo:    repo,
		nowFunc: time.Now,
	}
	l.bucket = period.PeriodKey(l.nowFunc())
	l.loadPersisted()
	return l
}

// loadPersisted restores current-period counters from the repository
func (l *MemoryQuotaLedger) loadPersisted() {
	if l.repo == nil {
		return
	}
	records, err := l.repo.FindByPeriodKey(context.Background(), l.period, l.bucket)
	if err != nil {
		log.Printf("⚠️ [QuotaLedger] Failed to load persisted quota records: %v", err)
		return
	}
	for _, record := range records {
		l.used[record.OwnerID] = record.Used
	}
	if len(records) > 0 {
		log.Printf("✅ [QuotaLedger] Restored %d quota records for period %s", len(records), l.bucket)
	}
}

// rollover discards counters when the period bucket has changed.
// Caller holds l.mu.
func (l *MemoryQuotaLedger) rollover() {
	key := l.period.PeriodKey(l.nowFunc())
	if key != l.bucket {
		l.bucket = key
		l.used = make(map[string]int64)
	}
}

// persist writes the owner's counter through to storage. Caller holds l.mu.
func (l *MemoryQuotaLedger) persist(ctx context.Context, ownerID string) {
	if l.repo == nil {
		return
	}
	record := &models.QuotaRecord{
		OwnerID:   ownerID,
		Period:    l.period,
		PeriodKey: l.bucket,
		Used:      l.used[ownerID],
		Limit:     l.limit,
		UpdatedAt: time.Now(),
	}
	if err := l.repo.Upsert(ctx, record); err != nil && err != gorm.ErrRecordNotFound {
		log.Printf("⚠️ [QuotaLedger] Failed to persist quota record for %s: %v", ownerID, err)
	}
}

func (l *MemoryQuotaLedger) Reserve(ctx context.Context, ownerID string, cost int64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if l.used[ownerID]+cost > l.limit {
		return nil, ErrQuotaExceeded
	}
	l.used[ownerID] += cost
	l.persist(ctx, ownerID)

	return &Reservation{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Cost:    cost,
		state:   reservationActive,
	}, nil
}

func (l *MemoryQuotaLedger) Commit(ctx context.Context, res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.state == reservationActive {
		res.state = reservationCommitted
	}
	return nil
}

func (l *MemoryQuotaLedger) Refund(ctx context.Context, res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.state != reservationActive {
		return nil
	}
	res.state = reservationRefunded
	l.rollover()

	if l.used[res.OwnerID] >= res.Cost {
		l.used[res.OwnerID] -= res.Cost
	} else {
		// Period rolled over since the reserve; nothing to hand back.
		l.used[res.OwnerID] = 0
	}
	l.persist(ctx, res.OwnerID)
	return nil
}

func (l *MemoryQuotaLedger) AdoptReservation(ownerID string, cost int64) *Reservation {
	return &Reservation{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Cost:    cost,
		state:   reservationActive,
	}
}

func (l *MemoryQuotaLedger) Usage(ctx context.Context, ownerID string) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.used[ownerID], l.limit, nil
}
