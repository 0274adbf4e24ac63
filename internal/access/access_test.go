package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/careerforge/accessgate/internal/ledger"
	"github.com/careerforge/accessgate/internal/models"
	"github.com/careerforge/accessgate/internal/quota"
	"github.com/careerforge/accessgate/internal/ratelimit"
)

type memLedger struct {
	mu       sync.Mutex
	counters map[ledger.Key]*ledger.Counter
	err      error
}

func newMemLedger() *memLedger {
	return &memLedger{counters: make(map[ledger.Key]*ledger.Counter)}
}

func (m *memLedger) DailyCounter(_ context.Context, key ledger.Key) (ledger.Counter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return ledger.Counter{}, false, m.err
	}
	counter, ok := m.counters[key]
	if !ok {
		return ledger.Counter{}, false, nil
	}
	return *counter, true, nil
}

func (m *memLedger) Increment(_ context.Context, key ledger.Key) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	counter := m.counters[key]
	if counter == nil {
		counter = &ledger.Counter{}
		m.counters[key] = counter
	}
	counter.Used++
	return counter.Used, nil
}

func (m *memLedger) RecordOutcome(_ context.Context, key ledger.Key, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter := m.counters[key]
	if counter == nil {
		counter = &ledger.Counter{}
		m.counters[key] = counter
	}
	if succeeded {
		counter.SuccessCount++
	} else {
		counter.FailureCount++
	}
	return nil
}

// clock is a mutable test clock shared by every engine component.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineOpts struct {
	failClosed  bool
	abusePolicy []ratelimit.Policy
	limits      map[string]map[string]int64
}

func defaultOpts() engineOpts {
	return engineOpts{
		failClosed: true,
		abusePolicy: []ratelimit.Policy{
			{Prefix: "/", Window: time.Minute, MaxRequests: 100},
		},
		limits: map[string]map[string]int64{
			"trial": {"interview_prep": 3, "resume_generate": 5},
		},
	}
}

func testEngine(led ledger.Ledger, clk *clock, opts engineOpts) *Engine {
	manager := ratelimit.NewManager(nil, clk.Now, nil)
	abuse := ratelimit.NewAbuseLimiter(ratelimit.NewPolicyTable(opts.abusePolicy), manager, clk.Now)
	quotaCache := quota.NewCache(led, "test", time.UTC, opts.failClosed, clk.Now)
	limits := LimitTableFunc(func(tier, featureID string) (int64, bool) {
		limit, ok := opts.limits[tier][featureID]
		return limit, ok
	})
	return NewEngine(abuse, quotaCache, limits, 7, clk.Now)
}

func trialRequest(createdAt time.Time) Request {
	return Request{
		Fingerprint:      "203.0.113.7|ua",
		Route:            "/v1/generate/interview",
		AccountID:        "acct-1",
		Tier:             models.TierTrial,
		AccountCreatedAt: createdAt,
		FeatureID:        "interview_prep",
	}
}

func TestDecideTrialQuotaScenario(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{now: t0.Add(time.Hour)}
	engine := testEngine(newMemLedger(), clk, defaultOpts())

	for want := int64(2); want >= 0; want-- {
		verdict, errDecide := engine.Decide(context.Background(), trialRequest(t0))
		if errDecide != nil {
			t.Fatalf("decide: %v", errDecide)
		}
		if !verdict.Allowed || verdict.Reason != ReasonOK {
			t.Fatalf("expected allow, got %+v", verdict)
		}
		if verdict.Remaining != want {
			t.Fatalf("expected remaining %d, got %d", want, verdict.Remaining)
		}
	}

	verdict, errDecide := engine.Decide(context.Background(), trialRequest(t0))
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Allowed || verdict.Reason != ReasonQuotaExceeded || verdict.Remaining != 0 {
		t.Fatalf("expected quota_exceeded with remaining 0, got %+v", verdict)
	}

	clk.Advance(24 * time.Hour)
	verdict, errDecide = engine.Decide(context.Background(), trialRequest(t0))
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if !verdict.Allowed || verdict.Remaining != 2 {
		t.Fatalf("expected fresh day with remaining 2, got %+v", verdict)
	}
}

func TestDecideTrialExpired(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)}
	engine := testEngine(newMemLedger(), clk, defaultOpts())

	verdict, errDecide := engine.Decide(context.Background(), trialRequest(clk.Now().Add(-8*24*time.Hour)))
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Allowed || verdict.Reason != ReasonTrialExpired {
		t.Fatalf("expected trial_expired, got %+v", verdict)
	}
	if verdict.TrialDaysRemaining != 0 {
		t.Fatalf("expected 0 trial days remaining, got %d", verdict.TrialDaysRemaining)
	}
}

func TestDecideUnlimitedBypassesQuotaNotAbuse(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := defaultOpts()
	opts.abusePolicy = []ratelimit.Policy{{Prefix: "/", Window: time.Minute, MaxRequests: 2}}
	led := newMemLedger()
	engine := testEngine(led, clk, opts)

	req := trialRequest(clk.Now().Add(-365 * 24 * time.Hour))
	req.Tier = models.TierUnlimited

	for i := 0; i < 2; i++ {
		verdict, errDecide := engine.Decide(context.Background(), req)
		if errDecide != nil {
			t.Fatalf("decide: %v", errDecide)
		}
		if !verdict.Allowed {
			t.Fatalf("expected unlimited account allowed, got %+v", verdict)
		}
	}

	verdict, errDecide := engine.Decide(context.Background(), req)
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Allowed || verdict.Reason != ReasonRateLimited {
		t.Fatalf("expected abuse limit to apply to unlimited tier, got %+v", verdict)
	}
	if len(led.counters) != 0 {
		t.Fatalf("expected quota ledger untouched for unlimited tier")
	}
}

func TestDecideRateLimitedNeverConsumesQuota(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := defaultOpts()
	opts.abusePolicy = []ratelimit.Policy{{Prefix: "/", Window: time.Minute, MaxRequests: 1}}
	led := newMemLedger()
	engine := testEngine(led, clk, opts)

	t0 := clk.Now().Add(-time.Hour)
	if verdict, _ := engine.Decide(context.Background(), trialRequest(t0)); !verdict.Allowed {
		t.Fatalf("expected first request allowed, got %+v", verdict)
	}
	verdict, errDecide := engine.Decide(context.Background(), trialRequest(t0))
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Allowed || verdict.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %+v", verdict)
	}

	key := ledger.Key{AccountID: "acct-1", FeatureID: "interview_prep", Day: "2025-06-01", Environment: "test"}
	if led.counters[key].Used != 1 {
		t.Fatalf("expected quota charged once, got %d", led.counters[key].Used)
	}
}

func TestDecideAnonymousUsesRateRemaining(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := defaultOpts()
	opts.abusePolicy = []ratelimit.Policy{{Prefix: "/", Window: time.Minute, MaxRequests: 10}}
	engine := testEngine(newMemLedger(), clk, opts)

	verdict, errDecide := engine.Decide(context.Background(), Request{
		Fingerprint: "203.0.113.7|ua",
		Route:       "/v1/data",
	})
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if !verdict.Allowed || verdict.Reason != ReasonOK {
		t.Fatalf("expected ok, got %+v", verdict)
	}
	if verdict.Remaining != 9 {
		t.Fatalf("expected rate-limit remaining 9, got %d", verdict.Remaining)
	}
}

func TestDecideInvalidFingerprintDenies(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := testEngine(newMemLedger(), clk, defaultOpts())

	verdict, errDecide := engine.Decide(context.Background(), Request{Route: "/v1/data"})
	if errDecide != nil {
		t.Fatalf("expected denial without error, got %v", errDecide)
	}
	if verdict.Allowed {
		t.Fatalf("expected denial for empty fingerprint, got %+v", verdict)
	}
}

func TestDecideMissingLimitDenies(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := testEngine(newMemLedger(), clk, defaultOpts())

	req := trialRequest(clk.Now().Add(-time.Hour))
	req.FeatureID = "unconfigured_feature"

	verdict, errDecide := engine.Decide(context.Background(), req)
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Allowed || verdict.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected denial for unconfigured feature, got %+v", verdict)
	}
}

func TestDecideOverrideRaisesLimit(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := testEngine(newMemLedger(), clk, defaultOpts())

	req := trialRequest(clk.Now().Add(-time.Hour))
	req.LimitOverrides = map[string]int64{"interview_prep": 5}

	verdict, errDecide := engine.Decide(context.Background(), req)
	if errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if verdict.Remaining != 4 {
		t.Fatalf("expected override limit 5 with remaining 4, got %+v", verdict)
	}
}

func TestDecideLedgerDownFailClosed(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	led := newMemLedger()
	led.err = errors.New("connection refused")
	engine := testEngine(led, clk, defaultOpts())

	verdict, errDecide := engine.Decide(context.Background(), trialRequest(clk.Now().Add(-time.Hour)))
	if errDecide == nil {
		t.Fatalf("expected infrastructure error surfaced")
	}
	if verdict.Allowed {
		t.Fatalf("expected no admission on ledger outage, got %+v", verdict)
	}
}

func TestDecideLedgerDownFailOpen(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	led := newMemLedger()
	led.err = errors.New("connection refused")
	opts := defaultOpts()
	opts.failClosed = false
	engine := testEngine(led, clk, opts)

	verdict, errDecide := engine.Decide(context.Background(), trialRequest(clk.Now().Add(-time.Hour)))
	if errDecide != nil {
		t.Fatalf("expected fail-open admission, got %v", errDecide)
	}
	if !verdict.Allowed {
		t.Fatalf("expected fail-open admission, got %+v", verdict)
	}
}

func TestRecordOutcomeFlowsToLedger(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	led := newMemLedger()
	engine := testEngine(led, clk, defaultOpts())

	if _, errDecide := engine.Decide(context.Background(), trialRequest(clk.Now().Add(-time.Hour))); errDecide != nil {
		t.Fatalf("decide: %v", errDecide)
	}
	if errOutcome := engine.RecordOutcome(context.Background(), "acct-1", "interview_prep", engine.Today(), false); errOutcome != nil {
		t.Fatalf("record outcome: %v", errOutcome)
	}

	key := ledger.Key{AccountID: "acct-1", FeatureID: "interview_prep", Day: "2025-06-01", Environment: "test"}
	if led.counters[key].FailureCount != 1 {
		t.Fatalf("expected failure recorded, got %+v", led.counters[key])
	}
}
