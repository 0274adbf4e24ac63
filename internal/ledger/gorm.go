package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/careerforge/accessgate/internal/models"
)

// GormLedger persists daily usage counters via GORM. Increments happen
// in SQL so two processes sharing the database never lose an update.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger constructs a GormLedger.
func NewGormLedger(db *gorm.DB) *GormLedger { return &GormLedger{db: db} }

// DailyCounter reads the counter for key, reporting absence without error.
func (l *GormLedger) DailyCounter(ctx context.Context, key Key) (Counter, bool, error) {
	if l == nil || l.db == nil {
		return Counter{}, false, fmt.Errorf("gorm ledger: not initialized")
	}
	if errKey := key.Validate(); errKey != nil {
		return Counter{}, false, errKey
	}

	var row models.UsageCounter
	errFind := l.scope(ctx, key).First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Counter{}, false, nil
	}
	if errFind != nil {
		return Counter{}, false, fmt.Errorf("gorm ledger: read counter: %w", errFind)
	}
	return Counter{Used: row.Used, SuccessCount: row.SuccessCount, FailureCount: row.FailureCount}, true, nil
}

// Increment adds one attempt to the counter for key and returns the new
// used total. The row is created on first use of the day.
func (l *GormLedger) Increment(ctx context.Context, key Key) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("gorm ledger: not initialized")
	}
	if errKey := key.Validate(); errKey != nil {
		return 0, errKey
	}

	if errEnsure := l.ensureRow(ctx, key); errEnsure != nil {
		return 0, errEnsure
	}

	var used int64
	errUpdate := l.db.WithContext(ctx).Raw(`
		UPDATE usage_counters
		SET used = used + 1, updated_at = ?
		WHERE account_id = ? AND feature_id = ? AND day = ? AND environment = ?
		RETURNING used
	`, time.Now().UTC(), key.AccountID, key.FeatureID, key.Day, key.Environment).Scan(&used).Error
	if errUpdate != nil {
		return 0, fmt.Errorf("gorm ledger: increment: %w", errUpdate)
	}
	return used, nil
}

// RecordOutcome bumps the success or failure sub-count for key. The
// quota charge already happened at check time; this never touches used.
func (l *GormLedger) RecordOutcome(ctx context.Context, key Key, succeeded bool) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("gorm ledger: not initialized")
	}
	if errKey := key.Validate(); errKey != nil {
		return errKey
	}

	if errEnsure := l.ensureRow(ctx, key); errEnsure != nil {
		return errEnsure
	}

	column := "failure_count"
	if succeeded {
		column = "success_count"
	}
	errUpdate := l.db.WithContext(ctx).Exec(fmt.Sprintf(`
		UPDATE usage_counters
		SET %s = %s + 1, updated_at = ?
		WHERE account_id = ? AND feature_id = ? AND day = ? AND environment = ?
	`, column, column), time.Now().UTC(), key.AccountID, key.FeatureID, key.Day, key.Environment).Error
	if errUpdate != nil {
		return fmt.Errorf("gorm ledger: record outcome: %w", errUpdate)
	}
	return nil
}

func (l *GormLedger) scope(ctx context.Context, key Key) *gorm.DB {
	return l.db.WithContext(ctx).
		Where("account_id = ? AND feature_id = ? AND day = ? AND environment = ?",
			key.AccountID, key.FeatureID, key.Day, key.Environment)
}

func (l *GormLedger) ensureRow(ctx context.Context, key Key) error {
	row := models.UsageCounter{
		AccountID:   key.AccountID,
		FeatureID:   key.FeatureID,
		Day:         key.Day,
		Environment: key.Environment,
	}
	errCreate := l.db.WithContext(ctx).Create(&row).Error
	if errCreate != nil && !isDuplicateKey(errCreate) {
		return fmt.Errorf("gorm ledger: create counter row: %w", errCreate)
	}
	return nil
}

// isDuplicateKey reports whether err is a unique-constraint violation
// from either supported dialect.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
