// Package task implements the idempotent named entry points invoked by an
// external scheduler (C9): each wires the already-built components (C6-C8)
// behind a thin, rerun-safe operation that returns a summary map, the way the
// teacher's cmd/*.go files each wrap one operation behind a cobra command.
package task

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/alert"
	"github.com/sells-group/hermes/internal/appetite"
	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// ScrapeRunner performs one incremental listing pass for a state, returning
// how many filings were seen and how many failed. Implemented by C2/C3;
// Runner accepts a nil ScrapeRunner so the task surface is wireable before
// the portal/orchestrator land.
type ScrapeRunner interface {
	RunListingPass(ctx context.Context, state string, since time.Time) (seen, failed int, err error)
}

// ParseRunner parses one claimed document. Implemented by C5.
type ParseRunner interface {
	Parse(ctx context.Context, doc model.FilingDocument) (status model.ParseStatus, confidence float64, err error)
}

// Runner holds every dependency the task surface wires into a named
// operation. Fields besides store are optional (nil-safe) so the surface
// degrades gracefully while upstream components are still being built.
type Runner struct {
	store    store.Store
	detector *appetite.Detector
	profiler *appetite.Profiler
	alerts   *alert.Manager
	reports  *alert.ReportGenerator
	scraper  ScrapeRunner
	parser   ParseRunner
}

// NewRunner wires the task surface. scraper and parser may be nil.
func NewRunner(st store.Store, detector *appetite.Detector, profiler *appetite.Profiler, alerts *alert.Manager,
	reports *alert.ReportGenerator, scraper ScrapeRunner, parser ParseRunner) *Runner {
	return &Runner{
		store:    st,
		detector: detector,
		profiler: profiler,
		alerts:   alerts,
		reports:  reports,
		scraper:  scraper,
		parser:   parser,
	}
}

const (
	defaultScrapeLookback  = 7 * 24 * time.Hour
	appetiteShiftWindow    = 24 * time.Hour
	profileRecomputeWindow = 24 * time.Hour
	marketReportLookback   = 90 * 24 * time.Hour
	stalenessThreshold     = 90 * 24 * time.Hour
	stuckScrapeThreshold   = 6 * time.Hour
	parseClaimBatch        = 100
)

func boolPtr(b bool) *bool { return &b }

// DailyScrapeIncremental runs a listing pass for every scrape-enabled state
// since its cursor's last_scraped_at (or defaultScrapeLookback ago for a
// never-scraped state), advancing the cursor only on a successful pass so a
// failed state is retried from the same point next run.
func (r *Runner) DailyScrapeIncremental(ctx context.Context) (map[string]any, error) {
	cursors, err := r.store.ListEnabledScrapeCursors(ctx)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: list scrape cursors"))
	}

	now := time.Now().UTC()
	statesRun, seenTotal, failedTotal, errored := 0, 0, 0, 0
	for _, cursor := range cursors {
		if r.scraper == nil {
			zap.L().Warn("daily_scrape_incremental: no scraper wired, skipping", zap.String("state", cursor.State))
			continue
		}
		since := cursor.LastScrapedAt
		if since.IsZero() {
			since = now.Add(-defaultScrapeLookback)
		}
		seen, failed, runErr := r.scraper.RunListingPass(ctx, cursor.State, since)
		statesRun++
		if runErr != nil {
			errored++
			zap.L().Warn("daily_scrape_incremental: listing pass failed", zap.String("state", cursor.State), zap.Error(runErr))
			continue
		}
		seenTotal += seen
		failedTotal += failed
		if err := r.store.UpsertScrapeCursor(ctx, &model.ScrapeCursor{State: cursor.State, Enabled: true, LastScrapedAt: now}); err != nil {
			return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: advance scrape cursor"))
		}
	}

	return map[string]any{
		"states_considered": len(cursors),
		"states_run":        statesRun,
		"states_errored":    errored,
		"filings_seen":      seenTotal,
		"filings_failed":    failedTotal,
	}, nil
}

// ParseNewFilings claims up to parseClaimBatch documents with parsed_flag
// false and routes each to the parser, flipping the flag on any non-failed
// outcome. Left unclaimed on failure so the next run retries it.
func (r *Runner) ParseNewFilings(ctx context.Context) (map[string]any, error) {
	docs, err := r.store.ListDocuments(ctx, store.DocumentFilter{ParsedFlag: boolPtr(false), Limit: parseClaimBatch})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: claim documents"))
	}

	completed, partial, failed := 0, 0, 0
	for _, doc := range docs {
		if r.parser == nil {
			zap.L().Warn("parse_new_filings: no parser wired, skipping", zap.String("document_id", doc.ID))
			continue
		}
		status, confidence, parseErr := r.parser.Parse(ctx, doc)
		if parseErr != nil {
			failed++
			zap.L().Warn("parse_new_filings: parse failed", zap.String("document_id", doc.ID), zap.Error(parseErr))
			continue
		}
		switch status {
		case model.ParseStatusCompleted:
			completed++
		case model.ParseStatusPartial:
			partial++
		default:
			failed++
			continue
		}
		if err := r.store.MarkDocumentParsed(ctx, doc.ID, confidence); err != nil {
			return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: mark document parsed"))
		}
	}

	return map[string]any{
		"documents_claimed": len(docs),
		"completed":         completed,
		"partial":           partial,
		"failed":            failed,
	}, nil
}

type triple struct {
	carrierID string
	state     string
	line      string
}

func distinctTriples(filings []model.Filing) []triple {
	seen := map[triple]struct{}{}
	var out []triple
	for _, f := range filings {
		t := triple{carrierID: f.CarrierID, state: f.State, line: f.LineOfBusiness}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// DetectAppetiteShifts runs the change detector across every (carrier,
// state, line) triple with a filing touched in the last 24h.
func (r *Runner) DetectAppetiteShifts(ctx context.Context) (map[string]any, error) {
	since := time.Now().UTC().Add(-appetiteShiftWindow)
	filings, err := r.store.ListFilings(ctx, store.FilingFilter{UpdatedAfter: since, Limit: 2000})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: list updated filings"))
	}
	triples := distinctTriples(filings)

	signalsEmitted, alertsCreated := 0, 0
	for _, t := range triples {
		result, err := r.detector.Detect(ctx, appetite.Triple{CarrierID: t.carrierID, State: t.state, LineOfBusiness: t.line})
		if err != nil {
			zap.L().Warn("detect_appetite_shifts: detect failed", zap.String("carrier_id", t.carrierID),
				zap.String("state", t.state), zap.String("line", t.line), zap.Error(err))
			continue
		}
		signalsEmitted += len(result.Signals)
		if r.alerts == nil {
			continue
		}
		for _, sig := range result.Signals {
			if _, err := r.alerts.GenerateAlert(ctx, sig); err != nil {
				zap.L().Warn("detect_appetite_shifts: alert generation failed", zap.String("signal_id", sig.ID), zap.Error(err))
				continue
			}
			alertsCreated++
		}
	}

	return map[string]any{
		"triples_processed": len(triples),
		"signals_emitted":   signalsEmitted,
		"alerts_created":    alertsCreated,
	}, nil
}

// RecomputeAppetiteProfiles recomputes the profile for every (carrier,
// state, line) triple with a document parsed in the last 24h.
func (r *Runner) RecomputeAppetiteProfiles(ctx context.Context) (map[string]any, error) {
	since := time.Now().UTC().Add(-profileRecomputeWindow)
	docs, err := r.store.ListDocuments(ctx, store.DocumentFilter{ParsedFlag: boolPtr(true), UpdatedAfter: since, Limit: 2000})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: list recently parsed documents"))
	}

	seen := map[triple]struct{}{}
	var triples []triple
	for _, doc := range docs {
		filing, err := r.store.GetFiling(ctx, doc.FilingID)
		if err != nil {
			zap.L().Warn("recompute_appetite_profiles: filing lookup failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		t := triple{carrierID: filing.CarrierID, state: filing.State, line: filing.LineOfBusiness}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		triples = append(triples, t)
	}

	recomputed := 0
	for _, t := range triples {
		if _, err := r.profiler.Recompute(ctx, appetite.Triple{CarrierID: t.carrierID, State: t.state, LineOfBusiness: t.line}); err != nil {
			zap.L().Warn("recompute_appetite_profiles: recompute failed", zap.String("carrier_id", t.carrierID),
				zap.String("state", t.state), zap.String("line", t.line), zap.Error(err))
			continue
		}
		recomputed++
	}

	return map[string]any{
		"documents_considered": len(docs),
		"triples_considered":   len(triples),
		"profiles_recomputed":  recomputed,
	}, nil
}

type stateLine struct {
	state string
	line  string
}

// GenerateMarketReport generates a 90-day report for every (state, line)
// pair that has had a filing in the window.
func (r *Runner) GenerateMarketReport(ctx context.Context) (map[string]any, error) {
	since := time.Now().UTC().Add(-marketReportLookback)
	filings, err := r.store.ListFilings(ctx, store.FilingFilter{FiledAfter: since, Limit: 5000})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: list filings for market report"))
	}

	seen := map[stateLine]struct{}{}
	var pairs []stateLine
	for _, f := range filings {
		p := stateLine{state: f.State, line: f.LineOfBusiness}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}

	generated := 0
	for _, p := range pairs {
		if _, err := r.reports.Generate(ctx, p.state, p.line, 90); err != nil {
			zap.L().Warn("generate_market_report: generate failed", zap.String("state", p.state), zap.String("line", p.line), zap.Error(err))
			continue
		}
		generated++
	}

	return map[string]any{
		"pairs_considered": len(pairs),
		"reports_generated": generated,
	}, nil
}

// StaleDataCheck flips is_current false on appetite profiles older than 90
// days.
func (r *Runner) StaleDataCheck(ctx context.Context) (map[string]any, error) {
	cutoff := time.Now().UTC().Add(-stalenessThreshold)
	n, err := r.store.ExpireStaleAppetiteProfiles(ctx, cutoff)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: expire stale profiles"))
	}
	return map[string]any{"profiles_expired": n}, nil
}

// HealthStatus enumerates the overall health verdict.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Degradation thresholds for the parse backlog and unparsed-document count;
// beyond these the status downgrades even with no hard failure.
const (
	backlogDegradedThreshold  = 500
	backlogUnhealthyThreshold = 2000
)

// HealthCheck reports status healthy/degraded/unhealthy from DB
// connectivity, parse backlog size, scrapes stuck running past 6h, and the
// unacknowledged high-severity signal count.
func (r *Runner) HealthCheck(ctx context.Context) (map[string]any, error) {
	pingStart := time.Now()
	dbErr := r.store.Ping(ctx)
	dbLatencyMs := time.Since(pingStart).Milliseconds()

	status := HealthHealthy
	if dbErr != nil {
		return map[string]any{
			"status":        HealthUnhealthy,
			"db_ok":         false,
			"db_error":      dbErr.Error(),
			"db_latency_ms": dbLatencyMs,
		}, nil
	}

	backlog, err := r.store.CountUnparsedDocuments(ctx)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: count unparsed documents"))
	}
	stuck, err := r.store.CountStuckScrapes(ctx, time.Now().UTC().Add(-stuckScrapeThreshold))
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: count stuck scrapes"))
	}
	highAlerts, err := r.store.ListUnreadAlerts(ctx, "high", 10000)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "task: list high-severity alerts"))
	}

	switch {
	case backlog >= backlogUnhealthyThreshold:
		status = HealthUnhealthy
	case backlog >= backlogDegradedThreshold, stuck > 0, len(highAlerts) > 0:
		status = HealthDegraded
	}

	return map[string]any{
		"status":                      status,
		"db_ok":                       true,
		"db_latency_ms":               dbLatencyMs,
		"parse_backlog":               backlog,
		"stuck_scrapes":               stuck,
		"unacknowledged_high_signals": len(highAlerts),
	}, nil
}
