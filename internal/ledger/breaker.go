package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Breaker defaults. The ledger sits on the request hot path, so the
// breaker trips fast and each call carries a hard deadline.
const (
	breakerMaxRequests = 3
	breakerInterval    = 30 * time.Second
	breakerTimeout     = 30 * time.Second
	breakerMinRequests = 5
	breakerFailureRate = 0.6
)

// BreakerLedger wraps a Ledger with a circuit breaker and a per-call
// timeout. Breaker-open and deadline errors surface as ErrUnavailable so
// the quota layer can apply its fail policy.
type BreakerLedger struct {
	inner   Ledger
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreakerLedger wraps inner with breaker protection.
func NewBreakerLedger(inner Ledger, timeout time.Duration) *BreakerLedger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "usage-ledger",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= breakerFailureRate
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(log.Fields{
				"circuit": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("ledger circuit breaker state changed")
		},
	}
	return &BreakerLedger{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}
}

// DailyCounter implements Ledger.
func (b *BreakerLedger) DailyCounter(ctx context.Context, key Key) (Counter, bool, error) {
	type readResult struct {
		counter Counter
		found   bool
	}
	res, errExec := b.execute(ctx, func(ctx context.Context) (any, error) {
		counter, found, errRead := b.inner.DailyCounter(ctx, key)
		if errRead != nil {
			return nil, errRead
		}
		return readResult{counter: counter, found: found}, nil
	})
	if errExec != nil {
		return Counter{}, false, errExec
	}
	read := res.(readResult)
	return read.counter, read.found, nil
}

// Increment implements Ledger.
func (b *BreakerLedger) Increment(ctx context.Context, key Key) (int64, error) {
	res, errExec := b.execute(ctx, func(ctx context.Context) (any, error) {
		return b.inner.Increment(ctx, key)
	})
	if errExec != nil {
		return 0, errExec
	}
	return res.(int64), nil
}

// RecordOutcome implements Ledger.
func (b *BreakerLedger) RecordOutcome(ctx context.Context, key Key, succeeded bool) error {
	_, errExec := b.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, b.inner.RecordOutcome(ctx, key, succeeded)
	})
	return errExec
}

func (b *BreakerLedger) execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, errExec := b.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
	if errExec == nil {
		return res, nil
	}
	if errors.Is(errExec, gobreaker.ErrOpenState) || errors.Is(errExec, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if errors.Is(errExec, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: timeout after %s", ErrUnavailable, b.timeout)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, errExec)
}
