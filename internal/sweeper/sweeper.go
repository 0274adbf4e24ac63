// Package sweeper evicts expired window records and stale quota counters
// on a schedule, independent of request traffic, so memory stays bounded
// even for keys that are never queried again.
package sweeper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/careerforge/accessgate/internal/metrics"
	"github.com/careerforge/accessgate/internal/quota"
	"github.com/careerforge/accessgate/internal/ratelimit"
)

// Sweeper runs periodic eviction passes over the engine's in-memory state.
type Sweeper struct {
	cron    *cron.Cron
	windows *ratelimit.MemoryStore
	quotas  *quota.Cache
	nowFn   func() time.Time
}

// New constructs a Sweeper on the given cron schedule in loc.
func New(schedule string, loc *time.Location, windows *ratelimit.MemoryStore, quotas *quota.Cache, nowFn func() time.Time) (*Sweeper, error) {
	if loc == nil {
		loc = time.UTC
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &Sweeper{
		cron:    cron.New(cron.WithLocation(loc)),
		windows: windows,
		quotas:  quotas,
		nowFn:   nowFn,
	}
	if _, errAdd := s.cron.AddFunc(schedule, s.RunOnce); errAdd != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, errAdd)
	}
	return s, nil
}

// Start begins the background schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single eviction pass.
func (s *Sweeper) RunOnce() {
	now := s.nowFn()

	windowEvicted := 0
	if s.windows != nil {
		windowEvicted = s.windows.Sweep(now)
		metrics.RecordSweep("window", windowEvicted)
		metrics.WindowStoreSize.Set(float64(s.windows.Len()))
	}

	quotaEvicted := 0
	if s.quotas != nil {
		quotaEvicted = s.quotas.EvictBefore(s.quotas.Today())
		metrics.RecordSweep("quota", quotaEvicted)
	}

	log.WithFields(log.Fields{
		"window_evicted": windowEvicted,
		"quota_evicted":  quotaEvicted,
	}).Debug("sweep pass complete")
}
