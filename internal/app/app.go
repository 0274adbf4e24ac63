// Package app wires configuration, storage, and the access engine into a
// runnable server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/careerforge/accessgate/internal/access"
	"github.com/careerforge/accessgate/internal/config"
	"github.com/careerforge/accessgate/internal/db"
	"github.com/careerforge/accessgate/internal/identity"
	"github.com/careerforge/accessgate/internal/ledger"
	"github.com/careerforge/accessgate/internal/quota"
	"github.com/careerforge/accessgate/internal/ratelimit"
	"github.com/careerforge/accessgate/internal/server"
	"github.com/careerforge/accessgate/internal/sweeper"
)

const shutdownGrace = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(_ context.Context, appCfg config.AppConfig) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the access decision server and blocks until ctx is
// cancelled or the listener fails.
func RunServer(ctx context.Context, appCfg config.AppConfig, defaultPort int) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	loc := cfg.Location()

	manager := ratelimit.NewManager(redisSettingsProvider(cfg.Redis), nil, nil)
	abuse := ratelimit.NewAbuseLimiter(ratelimit.NewPolicyTable(routePolicies(cfg.RateLimits)), manager, nil)

	usageLedger := ledger.NewBreakerLedger(ledger.NewGormLedger(conn), cfg.LedgerTimeout.Std())
	quotaCache := quota.NewCache(usageLedger, cfg.Environment, loc, cfg.FailClosed(), nil)

	limits := access.LimitTableFunc(cfg.FeatureLimit)
	engine := access.NewEngine(abuse, quotaCache, limits, cfg.TrialLengthDays, nil)

	sweep, errSweep := sweeper.New(cfg.SweepSchedule, loc, manager.Store(), quotaCache, nil)
	if errSweep != nil {
		return errSweep
	}
	sweep.Start()
	defer sweep.Stop()

	resolver := identity.NewGormResolver(conn, cfg.JWT.Secret)
	srv := server.New(engine, resolver, cfg.Environment)

	if defaultPort <= 0 {
		defaultPort = 8318
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", defaultPort),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":        httpServer.Addr,
			"environment": cfg.Environment,
		}).Info("access server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// redisSettingsProvider snapshots the Redis config for the limiter backend.
func redisSettingsProvider(redisCfg config.RedisConfig) ratelimit.SettingsProvider {
	settings := ratelimit.RedisSettings{
		Enabled:  redisCfg.Enabled,
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		Prefix:   redisCfg.Prefix,
	}
	return func() ratelimit.RedisSettings { return settings }
}

func routePolicies(policies []config.RoutePolicy) []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(policies))
	for _, policy := range policies {
		out = append(out, ratelimit.Policy{
			Prefix:      policy.RoutePrefix,
			Window:      policy.Window.Std(),
			MaxRequests: policy.MaxRequests,
		})
	}
	return out
}
