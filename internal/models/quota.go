package models

import (
	"time"
)

// QuotaPeriod quota accounting period
type QuotaPeriod string

const (
	QuotaPeriodDay   QuotaPeriod = "day"
	QuotaPeriodMonth QuotaPeriod = "month"
)

// PeriodKey returns the bucket key for a point in time, e.g. "2026-08-29"
// for daily periods and "2026-08" for monthly ones. Rollover is purely a
// key change; historical records are never touched.
func (p QuotaPeriod) PeriodKey(t time.Time) string {
	if p == QuotaPeriodMonth {
		return t.UTC().Format("2006-01")
	}
	return t.UTC().Format("2006-01-02")
}

// PeriodEnd returns the instant the bucket containing t expires
func (p QuotaPeriod) PeriodEnd(t time.Time) time.Time {
	u := t.UTC()
	if p == QuotaPeriodMonth {
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// QuotaRecord per-user usage counter for one period bucket
type QuotaRecord struct {
	ID        uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID   string      `json:"owner_id" gorm:"not null;uniqueIndex:idx_quota_owner_period"`
	Period    QuotaPeriod `json:"period" gorm:"not null;uniqueIndex:idx_quota_owner_period"`
	PeriodKey string      `json:"period_key" gorm:"not null;uniqueIndex:idx_quota_owner_period"`
	Used      int64       `json:"used" gorm:"not null;default:0"`
	Limit     int64       `json:"limit" gorm:"column:quota_limit;not null"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TableName specifies the table name
func (QuotaRecord) TableName() string {
	return "quota_records"
}
