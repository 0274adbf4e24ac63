package models

import "time"

// UsageCounter records feature usage for one account on one calendar day.
// Rows for elapsed days are never mutated again; each day appends a new row.
type UsageCounter struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID   string `gorm:"type:text;not null;uniqueIndex:idx_usage_counters_scope,priority:1"`       // Owning account ID.
	FeatureID   string `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_counters_scope,priority:2"` // Guarded feature ID.
	Day         string `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_counters_scope,priority:3"` // Calendar day (YYYY-MM-DD).
	Environment string `gorm:"type:varchar(32);not null;uniqueIndex:idx_usage_counters_scope,priority:4"` // Deployment environment.

	Used         int64 `gorm:"not null;default:0"` // Attempts charged against the quota.
	SuccessCount int64 `gorm:"not null;default:0"` // Attempts reported as succeeded.
	FailureCount int64 `gorm:"not null;default:0"` // Attempts reported as failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName pins the table name used by the ledger.
func (UsageCounter) TableName() string { return "usage_counters" }
