// Package quota enforces per-account, per-feature daily ceilings. An
// in-memory counter per (account, feature, day, environment) is the
// single-process admission authority; the persistent ledger seeds it on
// first use and records every admitted attempt.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/careerforge/accessgate/internal/ledger"
)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

type counterState struct {
	mu     sync.Mutex
	used   int64
	seeded bool
}

// Cache is the quota ledger cache. The zero value is not usable;
// construct with NewCache.
type Cache struct {
	ledger     ledger.Ledger
	env        string
	loc        *time.Location
	failClosed bool
	nowFn      func() time.Time

	mu       sync.Mutex
	counters map[ledger.Key]*counterState
	group    singleflight.Group
}

// NewCache constructs a Cache over the given ledger. failClosed selects
// the policy applied when the ledger cannot be reached: deny (true) or
// admit uncounted (false).
func NewCache(led ledger.Ledger, env string, loc *time.Location, failClosed bool, nowFn func() time.Time) *Cache {
	if loc == nil {
		loc = time.UTC
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Cache{
		ledger:     led,
		env:        env,
		loc:        loc,
		failClosed: failClosed,
		nowFn:      nowFn,
		counters:   make(map[ledger.Key]*counterState),
	}
}

// CheckAndIncrement atomically admits one attempt against the daily
// ceiling. Under the limit it charges the quota (attempting consumes it,
// succeeding does not matter) and writes through to the ledger; at or
// over the limit it denies without mutating anything. A ledger outage is
// resolved by the configured fail policy; fail-closed surfaces the fault
// as an error alongside the denial.
func (c *Cache) CheckAndIncrement(ctx context.Context, accountID, featureID string, limit int64) (Decision, error) {
	now := c.nowFn()
	key := ledger.Key{
		AccountID:   accountID,
		FeatureID:   featureID,
		Day:         ledger.Day(now, c.loc),
		Environment: c.env,
	}
	if errKey := key.Validate(); errKey != nil {
		return Decision{Limit: limit, ResetAt: c.nextReset(now)}, errKey
	}
	if limit <= 0 {
		return Decision{Limit: limit, ResetAt: c.nextReset(now)}, nil
	}

	state := c.state(key)

	if errSeed := c.seed(ctx, key, state); errSeed != nil {
		return c.applyFailPolicy(limit, now, errSeed)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.used >= limit {
		return Decision{Used: state.used, Limit: limit, ResetAt: c.nextReset(now)}, nil
	}

	newUsed, errIncr := c.ledger.Increment(ctx, key)
	if errIncr != nil {
		return c.applyFailPolicy(limit, now, errIncr)
	}
	if newUsed > state.used {
		state.used = newUsed
	} else {
		state.used++
	}

	remaining := limit - state.used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Used:      state.used,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   c.nextReset(now),
	}, nil
}

// RecordOutcome reports the guarded operation's result after the fact.
// Best effort: the quota charge stays either way.
func (c *Cache) RecordOutcome(ctx context.Context, accountID, featureID, day string, succeeded bool) error {
	key := ledger.Key{AccountID: accountID, FeatureID: featureID, Day: day, Environment: c.env}
	if errKey := key.Validate(); errKey != nil {
		return errKey
	}
	if errRecord := c.ledger.RecordOutcome(ctx, key, succeeded); errRecord != nil {
		log.WithError(errRecord).WithFields(log.Fields{
			"account": accountID,
			"feature": featureID,
			"day":     day,
		}).Warn("quota: outcome report dropped")
		return errRecord
	}
	return nil
}

// EvictBefore drops cached counters for days earlier than day and
// returns how many were removed. Day keys sort lexically.
func (c *Cache) EvictBefore(day string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key := range c.counters {
		if key.Day < day {
			delete(c.counters, key)
			evicted++
		}
	}
	return evicted
}

// Today returns the current calendar day in the cache's timezone.
func (c *Cache) Today() string {
	return ledger.Day(c.nowFn(), c.loc)
}

func (c *Cache) state(key ledger.Key) *counterState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.counters[key]
	if state == nil {
		state = &counterState{}
		c.counters[key] = state
	}
	return state
}

// seed populates a fresh counter from the ledger. Concurrent seeds for
// the same key collapse into one read.
func (c *Cache) seed(ctx context.Context, key ledger.Key, state *counterState) error {
	state.mu.Lock()
	seeded := state.seeded
	state.mu.Unlock()
	if seeded {
		return nil
	}

	flightKey := key.AccountID + "|" + key.FeatureID + "|" + key.Day + "|" + key.Environment
	res, errRead, _ := c.group.Do(flightKey, func() (any, error) {
		counter, _, errDaily := c.ledger.DailyCounter(ctx, key)
		if errDaily != nil {
			return nil, errDaily
		}
		return counter, nil
	})
	if errRead != nil {
		return errRead
	}

	counter := res.(ledger.Counter)
	state.mu.Lock()
	if !state.seeded {
		state.used = counter.Used
		state.seeded = true
	}
	state.mu.Unlock()
	return nil
}

func (c *Cache) applyFailPolicy(limit int64, now time.Time, cause error) (Decision, error) {
	if c.failClosed {
		return Decision{Limit: limit, ResetAt: c.nextReset(now)},
			fmt.Errorf("quota: ledger unavailable: %w", cause)
	}
	log.WithError(cause).Warn("quota: ledger unavailable, admitting uncounted")
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   c.nextReset(now),
	}, nil
}

func (c *Cache) nextReset(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.loc)
}
