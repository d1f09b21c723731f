package scrape

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/portal"
	"github.com/sells-group/hermes/internal/resilience"
	"github.com/sells-group/hermes/internal/store"
)

// pendingTracking is one filing still owed a detail-pass visit.
type pendingTracking struct {
	FilingID      string
	SERFFTracking string
	CarrierNAIC   string
}

// detailOpen carries OpenDetail's two-value result through
// resilience.ExecuteVal, which only threads a single typed value.
type detailOpen struct {
	page    *rod.Page
	outcome portal.DetailOutcome
}

// The scrape_status values below are the raw_metadata.scrape_status markers
// a filing gets once its detail pass outcome is final, so a later pass's
// preload can exclude it (spec.md §4.3).
const (
	scrapeStatusCompleted    = "completed"
	scrapeStatusUnauthorized = "unauthorized"
	scrapeStatusNotFound     = "not_found"
)

// isScraped reports whether a filing's prior scrape_status marker means the
// detail pass should skip it.
func isScraped(f model.Filing) bool {
	status, _ := f.RawMetadata["scrape_status"].(string)
	switch status {
	case scrapeStatusCompleted, scrapeStatusUnauthorized, scrapeStatusNotFound:
		return true
	}
	return false
}

// rewindPosition moves the queue index back by amount, clamped at zero, the
// way the detail pass recovers from a suspected session expiry (spec.md
// §4.3's "rewind the queue index by that many items").
func rewindPosition(position, amount int) int {
	p := position - amount
	if p < 0 {
		return 0
	}
	return p
}

// shouldRewind reports whether consecutiveErrors has crossed the threshold
// that triggers a rewind-and-restart.
func shouldRewind(consecutiveErrors int) bool {
	return consecutiveErrors >= consecutiveErrorThreshold
}

// shouldSkipBatch reports whether the queue has restarted at the same
// position often enough that the batch itself should be given up on.
func shouldSkipBatch(restartsAtThisPosition int) bool {
	return restartsAtThisPosition >= maxRestartsAtPosition
}

// nextBatchBounds returns the [start, end) slice bounds for the next batch
// of up to batchSize items starting at position, and whether the queue is
// exhausted.
func nextBatchBounds(position, batchSize, total int) (start, end int, done bool) {
	if position >= total {
		return position, position, true
	}
	end = position + batchSize
	if end > total {
		end = total
	}
	return position, end, false
}

// RunDetailPass processes every not-yet-scraped filing for state: it
// preloads the pending set, walks it in fixed-parallelism batches,
// restarting the browser on a cadence and on suspected session expiry, and
// batch-flushes persistence every batchFlushSize completions (spec.md
// §4.3).
func (o *Orchestrator) RunDetailPass(ctx context.Context, state string) (completed, failed int, err error) {
	log := logScrapeStart(state, "detail")
	startedAt := time.Now().UTC()
	scrapeLog := &model.ScrapeLog{State: state, Pass: "detail", StartedAt: startedAt}
	if logErr := o.store.InsertScrapeLog(ctx, scrapeLog); logErr != nil {
		log.Warn("failed to write scrape log start", zap.Error(logErr))
	}

	pending, err := o.loadPendingTrackings(ctx, state)
	if err != nil {
		return 0, 0, err
	}

	var runErrs []string
	completed, failed, err = o.runDetailQueue(ctx, state, pending, log)
	if err != nil {
		runErrs = append(runErrs, err.Error())
		if herrors.Is(err, herrors.KindPortalBlocked) {
			log.Warn("captcha/block detected, cooling down before returning", zap.Duration("cooldown", o.captchaCooldown()))
			time.Sleep(o.captchaCooldown())
		}
	}

	finishedAt := time.Now().UTC()
	if logErr := o.store.FinishScrapeLog(ctx, scrapeLog.ID, finishedAt, completed, failed, runErrs); logErr != nil {
		log.Warn("failed to write scrape log finish", zap.Error(logErr))
	}
	return completed, failed, err
}

func (o *Orchestrator) loadPendingTrackings(ctx context.Context, state string) ([]pendingTracking, error) {
	filings, err := o.store.ListFilings(ctx, stateFilingFilter(state))
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "scrape: list filings for detail pass"))
	}

	pending := make([]pendingTracking, 0, len(filings))
	for _, f := range filings {
		if isScraped(f) || portal.IsGroupRestricted(f.SERFFTracking) {
			continue
		}
		carrierNAIC := ""
		if f.CarrierID != "" {
			if c, err := o.store.GetCarrier(ctx, f.CarrierID); err == nil && c != nil {
				carrierNAIC = c.NAIC
			}
		}
		pending = append(pending, pendingTracking{FilingID: f.ID, SERFFTracking: f.SERFFTracking, CarrierNAIC: carrierNAIC})
	}
	return pending, nil
}

func (o *Orchestrator) runDetailQueue(ctx context.Context, state string, pending []pendingTracking, log *zap.Logger) (completed, failed int, err error) {
	if len(pending) == 0 {
		return 0, 0, nil
	}

	nav, navErr := o.newNav()
	if navErr != nil {
		return 0, 0, herrors.New(herrors.KindPortalTransient, eris.Wrap(navErr, "scrape: launch navigator"))
	}
	defer func() { nav.Close() }()

	position := 0
	consecutiveErrors := 0
	processedSinceRestart := 0
	restartsAtPosition := map[int]int{}
	var flushBuffer []store.DetailUpdate

	// flush writes the buffered detail updates in one transaction; called
	// every batchFlushSize completions and on every exit path so buffered
	// work is never silently dropped. One retry on storage failure, then
	// the batch is counted failed.
	flush := func() {
		if len(flushBuffer) == 0 {
			return
		}
		// detached from ctx so a soft cancellation at the batch boundary
		// still lands work already completed
		flushCtx := context.WithoutCancel(ctx)
		err := o.store.FlushDetailUpdates(flushCtx, flushBuffer)
		if err != nil {
			log.Warn("detail flush failed, retrying once", zap.Int("updates", len(flushBuffer)), zap.Error(err))
			err = o.store.FlushDetailUpdates(flushCtx, flushBuffer)
		}
		if err != nil {
			log.Error("detail flush failed after retry, dropping batch", zap.Int("updates", len(flushBuffer)), zap.Error(err))
			completed -= len(flushBuffer)
			failed += len(flushBuffer)
		}
		flushBuffer = flushBuffer[:0]
	}
	defer flush()

	// limiter paces the one fixed delay spec.md §4.3 requires between
	// detail batches; a token bucket of size 1 refilled every scrapeDelay
	// behaves like a plain interval sleep but also respects ctx cancellation
	// at the batch boundary instead of blocking through it.
	limiter := rate.NewLimiter(rate.Every(o.scrapeDelay()), 1)

	for position < len(pending) {
		if ctx.Err() != nil {
			return completed, failed, ctx.Err()
		}

		start, end, done := nextBatchBounds(position, o.parallelism(), len(pending))
		if done {
			break
		}
		batch := pending[start:end]

		results := o.processBatch(ctx, nav, state, batch, log)
		batchErrors := 0
		for _, r := range results {
			switch r.outcome {
			case batchOutcomeCompleted:
				completed++
				if r.update != nil {
					flushBuffer = append(flushBuffer, *r.update)
				}
			case batchOutcomePermanent:
				completed++ // accounted for, excluded from future passes
			case batchOutcomeTransient:
				failed++
				batchErrors++
			case batchOutcomeBlocked:
				return completed, failed, r.err
			}
		}

		if batchErrors > 0 {
			consecutiveErrors += batchErrors
		} else {
			consecutiveErrors = 0
		}

		if shouldRewind(consecutiveErrors) {
			rewound := rewindPosition(position, consecutiveErrorThreshold)
			restartsAtPosition[rewound]++
			if shouldSkipBatch(restartsAtPosition[rewound]) {
				skipped := make([]string, 0, len(batch))
				for _, p := range batch {
					skipped = append(skipped, p.SERFFTracking)
				}
				log.Warn("detail pass skipping batch after repeated restarts", zap.Int("position", rewound), zap.Strings("skipped_tracking", skipped))
				position = end
				delete(restartsAtPosition, rewound)
				consecutiveErrors = 0
				continue
			}
			log.Warn("detail pass rewinding queue and restarting browser", zap.Int("from", position), zap.Int("to", rewound), zap.String("session_id", nav.SessionID()))
			position = rewound
			consecutiveErrors = 0
			processedSinceRestart = 0
			nav.Close()
			nav, navErr = o.newNav()
			if navErr != nil {
				return completed, failed, herrors.New(herrors.KindPortalTransient, eris.Wrap(navErr, "scrape: relaunch navigator"))
			}
			if sessErr := o.withBreaker(ctx, state, func(ctx context.Context) error { return nav.EstablishSession(ctx, state) }); sessErr != nil {
				return completed, failed, sessErr
			}
			continue
		}

		position = end
		processedSinceRestart += len(batch)

		if processedSinceRestart >= o.browserRestartEvery() {
			nav.Close()
			nav, navErr = o.newNav()
			if navErr != nil {
				return completed, failed, herrors.New(herrors.KindPortalTransient, eris.Wrap(navErr, "scrape: relaunch navigator"))
			}
			if sessErr := o.withBreaker(ctx, state, func(ctx context.Context) error { return nav.EstablishSession(ctx, state) }); sessErr != nil {
				return completed, failed, sessErr
			}
			processedSinceRestart = 0
		}

		if len(flushBuffer) >= o.batchFlushSize() {
			flush()
		}

		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return completed, failed, waitErr
		}
	}

	return completed, failed, nil
}

type batchOutcomeKind int

const (
	batchOutcomeCompleted batchOutcomeKind = iota
	batchOutcomePermanent
	batchOutcomeTransient
	batchOutcomeBlocked
)

type batchResult struct {
	tracking string
	outcome  batchOutcomeKind
	err      error
	update   *store.DetailUpdate // set on batchOutcomeCompleted
}

// processBatch visits every tracking number in batch concurrently (bounded
// by len(batch) <= o.parallelism()), sharing one Navigator's browser —
// OpenDetail opens its own page per call, so concurrent calls against the
// same *rod.Browser are safe.
func (o *Orchestrator) processBatch(ctx context.Context, nav *portal.Navigator, state string, batch []pendingTracking, log *zap.Logger) []batchResult {
	results := make([]batchResult, len(batch))
	var g errgroup.Group
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			results[i] = o.processOne(ctx, nav, state, item, log)
			if results[i].outcome == batchOutcomeBlocked {
				return results[i].err
			}
			return nil
		})
	}
	_ = g.Wait() // a blocked result is surfaced via results[i], not this aggregate error
	return results
}

func (o *Orchestrator) processOne(ctx context.Context, nav *portal.Navigator, state string, item pendingTracking, log *zap.Logger) batchResult {
	numericID, restricted := model.NumericFilingID(item.SERFFTracking)
	if restricted || numericID == "" {
		o.markScrapeStatus(ctx, item.FilingID, scrapeStatusUnauthorized)
		return batchResult{tracking: item.SERFFTracking, outcome: batchOutcomePermanent}
	}

	cb := o.breakers.Get(state)
	opened, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (detailOpen, error) {
		p, outc, oerr := nav.OpenDetail(ctx, numericID)
		return detailOpen{page: p, outcome: outc}, oerr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = herrors.New(herrors.KindPortalBlocked, eris.Wrapf(err, "scrape: circuit open for state %s", state))
	}
	page, outcome := opened.page, opened.outcome
	if err != nil {
		if kind, ok := herrors.KindOf(err); ok {
			switch kind {
			case herrors.KindPortalBlocked:
				return batchResult{tracking: item.SERFFTracking, outcome: batchOutcomeBlocked, err: err}
			case herrors.KindPortalPermanent:
				status := scrapeStatusUnauthorized
				if outcome == portal.DetailServerError {
					status = scrapeStatusNotFound
				}
				o.markScrapeStatus(ctx, item.FilingID, status)
				return batchResult{tracking: item.SERFFTracking, outcome: batchOutcomePermanent}
			}
		}
		log.Warn("detail open failed, transient", zap.String("tracking", item.SERFFTracking), zap.Error(err))
		return batchResult{tracking: item.SERFFTracking, outcome: batchOutcomeTransient, err: err}
	}
	defer page.Close()

	meta, _ := portal.ExtractDetailMetadata(page)
	destDir := DocumentDir(o.storageCfg.Root, state, item.CarrierNAIC, item.SERFFTracking)
	docs, dlErr := nav.DownloadDocumentLinks(ctx, page, destDir)
	if dlErr != nil {
		log.Warn("document download failed", zap.String("tracking", item.SERFFTracking), zap.Error(dlErr))
	}

	update := &store.DetailUpdate{
		FilingID: item.FilingID,
		Meta: map[string]any{
			"detail_metadata": meta,
			"scrape_status":   scrapeStatusCompleted,
		},
		RateChangePct: rateChangeFromMeta(meta),
	}
	for _, d := range docs {
		update.Docs = append(update.Docs, model.FilingDocument{
			FilingID:       item.FilingID,
			Name:           d.Name,
			LocalPath:      d.LocalPath,
			SizeBytes:      d.SizeBytes,
			MimeType:       "application/pdf",
			ChecksumSHA256: d.ChecksumSHA256,
		})
	}
	return batchResult{tracking: item.SERFFTracking, outcome: batchOutcomeCompleted, update: update}
}

// rateChangeFromMeta pulls the overall rate-change percent out of the detail
// page's harvested metadata when the sweep found one.
func rateChangeFromMeta(meta map[string]string) *float64 {
	raw, ok := meta["overall_rate_change_pct"]
	if !ok {
		return nil
	}
	pct, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &pct
}

// markScrapeStatus flips raw_metadata.scrape_status on a filing so future
// detail passes exclude it, per spec.md §4.3's permanent-failure marking.
func (o *Orchestrator) markScrapeStatus(ctx context.Context, filingID, status string) {
	f, err := o.store.GetFiling(ctx, filingID)
	if err != nil || f == nil {
		return
	}
	if f.RawMetadata == nil {
		f.RawMetadata = map[string]any{}
	}
	f.RawMetadata["scrape_status"] = status
	if _, err := o.store.UpsertFiling(ctx, f); err != nil {
		zap.L().Warn("scrape: failed to mark scrape status", zap.String("filing_id", filingID), zap.String("status", status), zap.Error(err))
	}
}

