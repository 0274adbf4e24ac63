package models

import (
	"time"

	"gorm.io/datatypes"
)

// AccountTier identifies the billing tier an account belongs to.
type AccountTier string

// AccountTier values supported by the engine.
const (
	// TierTrial marks a time-boxed account with per-feature daily quotas.
	TierTrial AccountTier = "trial"
	// TierUnlimited marks a paid account exempt from daily quotas.
	TierUnlimited AccountTier = "unlimited"
)

// Valid reports whether the tier is one the engine knows about.
func (t AccountTier) Valid() bool {
	return t == TierTrial || t == TierUnlimited
}

// Account represents an end-user account as seen by the access engine.
type Account struct {
	ID string `gorm:"type:text;primaryKey"` // Account identifier (token subject).

	Email string `gorm:"type:text;uniqueIndex"` // Email address.

	Tier AccountTier `gorm:"type:varchar(32);not null;default:'trial'"` // Billing tier.

	FeatureOverrides datatypes.JSON `gorm:"type:jsonb"` // Per-feature daily limit overrides.

	Active bool `gorm:"not null;default:true"` // Whether the account may use the product.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp; anchors the trial window.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
