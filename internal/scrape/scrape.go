// Package scrape orchestrates the portal navigator (C2) into the two
// passes spec.md §4.3 defines: a cheap, rerunnable listing pass and a
// slower per-filing detail pass with browser-restart and backoff
// bookkeeping, grounded on the teacher's worker-pool/errgroup usage in
// internal/pipeline/pipeline.go and cmd/batch.go.
package scrape

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/config"
	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/portal"
	"github.com/sells-group/hermes/internal/resilience"
	"github.com/sells-group/hermes/internal/store"
)

// NavigatorFactory constructs a fresh Navigator. A field rather than a
// direct portal.New call so tests can substitute a fake without a real
// browser.
type NavigatorFactory func() (*portal.Navigator, error)

// Orchestrator drives listing and detail passes for one portal across
// every enabled state, holding the pacing/restart knobs from
// config.ScrapeConfig.
type Orchestrator struct {
	store      store.Store
	portalCfg  config.PortalConfig
	scrapeCfg  config.ScrapeConfig
	storageCfg config.StorageConfig
	newNav     NavigatorFactory
	breakers   *resilience.ServiceBreakers
}

// NewOrchestrator wires a default navigator factory from portalCfg, plus a
// per-state circuit breaker registry for the portal_blocked escalation path
// (spec.md §7: "portal_blocked ... forces a long cooldown + browser
// restart; task-level, not filing-level"). A single portal_blocked trip
// opens that state's breaker for the cooldown window so every call made
// during it fails fast instead of re-hitting an already-blocking portal.
// Tests that need to avoid a real browser should set Orchestrator.newNav
// directly.
func NewOrchestrator(st store.Store, portalCfg config.PortalConfig, scrapeCfg config.ScrapeConfig, storageCfg config.StorageConfig) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		portalCfg:  portalCfg,
		scrapeCfg:  scrapeCfg,
		storageCfg: storageCfg,
	}
	o.newNav = func() (*portal.Navigator, error) { return portal.New(portalCfg) }
	o.breakers = resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     o.captchaCooldown(),
		ShouldTrip:       func(err error) bool { return herrors.Is(err, herrors.KindPortalBlocked) },
	})
	return o
}

// withBreaker runs fn through state's circuit breaker. A portal_blocked
// failure trips it; while open, every subsequent call for that state fails
// fast with a portal_blocked error instead of reaching the navigator, until
// ResetTimeout elapses and a single probe call is let through.
func (o *Orchestrator) withBreaker(ctx context.Context, state string, fn func(ctx context.Context) error) error {
	cb := o.breakers.Get(state)
	err := cb.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return herrors.New(herrors.KindPortalBlocked, eris.Wrapf(err, "scrape: circuit open for state %s", state))
	}
	return err
}

// defaultListingLookback is the fallback date-from filter for a state with
// no prior cursor, per spec.md §4.3's "date-from fallback = 24 months ago".
const defaultListingLookback = 24 * 30 * 24 * time.Hour

// scrapeDelay returns the configured inter-batch pacing delay, defaulting
// to 2s when unset so a zero-value config doesn't hammer the portal.
func (o *Orchestrator) scrapeDelay() time.Duration {
	if o.scrapeCfg.DelaySeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(o.scrapeCfg.DelaySeconds) * time.Second
}

func (o *Orchestrator) parallelism() int {
	if o.scrapeCfg.Parallelism <= 0 {
		return 2
	}
	return o.scrapeCfg.Parallelism
}

func (o *Orchestrator) browserRestartEvery() int {
	if o.scrapeCfg.BrowserRestartEvery <= 0 {
		return 200
	}
	return o.scrapeCfg.BrowserRestartEvery
}

func (o *Orchestrator) batchFlushSize() int {
	if o.scrapeCfg.BatchFlushSize <= 0 {
		return 20
	}
	return o.scrapeCfg.BatchFlushSize
}

func (o *Orchestrator) captchaCooldown() time.Duration {
	if o.scrapeCfg.CaptchaCooldownSecs <= 0 {
		return 180 * time.Second
	}
	return time.Duration(o.scrapeCfg.CaptchaCooldownSecs) * time.Second
}

// consecutiveErrorThreshold is the "≈18" rewind trigger from spec.md §4.3.
const consecutiveErrorThreshold = 18

// maxRestartsAtPosition is how many times the queue may restart at the same
// position before the batch is skipped outright (spec.md §4.3).
const maxRestartsAtPosition = 3

func logScrapeStart(state, pass string) *zap.Logger {
	return zap.L().With(zap.String("state", state), zap.String("pass", pass))
}
