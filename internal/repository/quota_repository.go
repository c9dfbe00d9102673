package repository

import (
	"context"

	"genmedia-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaRepository persists quota usage counters. The ledger is authoritative
// at runtime; rows here survive restarts so a crash cannot hand users a
// fresh allowance mid-period.
type QuotaRepository interface {
	Upsert(ctx context.Context, record *models.QuotaRecord) error
	Get(ctx context.Context, ownerID string, period models.QuotaPeriod, periodKey string) (*models.QuotaRecord, error)
	FindByPeriodKey(ctx context.Context, period models.QuotaPeriod, periodKey string) ([]*models.QuotaRecord, error)
}

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new QuotaRepository instance
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

func (r *quotaRepository) Upsert(ctx context.Context, record *models.QuotaRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "period"}, {Name: "period_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"used", "quota_limit", "updated_at"}),
	}).Create(record).Error
}

func (r *quotaRepository) Get(ctx context.Context, ownerID string, period models.QuotaPeriod, periodKey string) (*models.QuotaRecord, error) {
	var record models.QuotaRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND period = ? AND period_key = ?", ownerID, period, periodKey).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *quotaRepository) FindByPeriodKey(ctx context.Context, period models.QuotaPeriod, periodKey string) ([]*models.QuotaRecord, error) {
	var records []*models.QuotaRecord
	err := r.db.WithContext(ctx).
		Where("period = ? AND period_key = ?", period, periodKey).
		Find(&records).Error
	return records, err
}
