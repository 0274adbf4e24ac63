// Package ledger persists per-account, per-feature daily usage counters.
// Rows are append-only per calendar day; the quota layer reads them to
// seed its in-memory counters and writes back every admitted attempt.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable indicates the backing store could not serve the call
// within its budget. The quota layer maps it to the fail policy.
var ErrUnavailable = errors.New("ledger: unavailable")

// DayFormat is the calendar-day key layout.
const DayFormat = "2006-01-02"

// Day renders t as a calendar day in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayFormat)
}

// Key identifies one daily counter.
type Key struct {
	AccountID   string
	FeatureID   string
	Day         string
	Environment string
}

// Validate rejects keys that would create unattributable rows.
func (k Key) Validate() error {
	if strings.TrimSpace(k.AccountID) == "" {
		return fmt.Errorf("ledger: key missing account id")
	}
	if strings.TrimSpace(k.FeatureID) == "" {
		return fmt.Errorf("ledger: key missing feature id")
	}
	if _, errParse := time.Parse(DayFormat, k.Day); errParse != nil {
		return fmt.Errorf("ledger: key has malformed day %q", k.Day)
	}
	if strings.TrimSpace(k.Environment) == "" {
		return fmt.Errorf("ledger: key missing environment")
	}
	return nil
}

// Counter is the persisted usage state for one key.
type Counter struct {
	Used         int64
	SuccessCount int64
	FailureCount int64
}

// Ledger is the read/write contract against the usage store.
type Ledger interface {
	// DailyCounter returns the counter for key, reporting absence
	// without error.
	DailyCounter(ctx context.Context, key Key) (Counter, bool, error)
	// Increment atomically adds one attempt to the counter for key,
	// creating it if absent, and returns the new used total.
	Increment(ctx context.Context, key Key) (int64, error)
	// RecordOutcome upserts the success/failure sub-count for an
	// attempt whose quota charge already happened at check time.
	RecordOutcome(ctx context.Context, key Key, succeeded bool) error
}
