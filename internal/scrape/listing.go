package scrape

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/portal"
	"github.com/sells-group/hermes/internal/store"
)

// stateFilingFilter lists every filing for a state without a status filter,
// used by the detail pass's preload step.
func stateFilingFilter(state string) store.FilingFilter {
	return store.FilingFilter{State: state, Limit: 50000}
}

// maxListingPages bounds how many result pages one listing pass will
// paginate through, per spec.md §4.3's "up to a configured cap". There is
// no config knob for this in practice — the portal's own paginator size
// and filter breadth keep real result sets well under this.
const maxListingPages = 500

// RunListingPass runs the broad search for one state and persists every
// result row, satisfying task.ScrapeRunner. It never visits detail pages —
// spec.md §4.3 calls this pass cheap and safely rerunnable.
func (o *Orchestrator) RunListingPass(ctx context.Context, state string, since time.Time) (seen, failed int, err error) {
	log := logScrapeStart(state, "listing")
	startedAt := time.Now().UTC()

	scrapeLog := &model.ScrapeLog{State: state, Pass: "listing", StartedAt: startedAt}
	if logErr := o.store.InsertScrapeLog(ctx, scrapeLog); logErr != nil {
		log.Warn("failed to write scrape log start", zap.Error(logErr))
	}

	var runErrs []string
	seen, failed, err = o.runListingPass(ctx, state, since, log)
	if err != nil {
		runErrs = append(runErrs, err.Error())
		if herrors.Is(err, herrors.KindPortalBlocked) {
			log.Warn("captcha/block detected, cooling down before returning", zap.Duration("cooldown", o.captchaCooldown()))
			time.Sleep(o.captchaCooldown())
		}
	}

	finishedAt := time.Now().UTC()
	if logErr := o.store.FinishScrapeLog(ctx, scrapeLog.ID, finishedAt, seen, failed, runErrs); logErr != nil {
		log.Warn("failed to write scrape log finish", zap.Error(logErr))
	}
	return seen, failed, err
}

func (o *Orchestrator) runListingPass(ctx context.Context, state string, since time.Time, log *zap.Logger) (seen, failed int, err error) {
	nav, err := o.newNav()
	if err != nil {
		return 0, 0, herrors.New(herrors.KindPortalTransient, eris.Wrap(err, "scrape: launch navigator"))
	}
	defer nav.Close()

	if err := o.withBreaker(ctx, state, func(ctx context.Context) error { return nav.EstablishSession(ctx, state) }); err != nil {
		return 0, 0, err
	}

	filedFrom := since
	if filedFrom.IsZero() {
		filedFrom = time.Now().UTC().Add(-defaultListingLookback)
	}

	if err := nav.RunSearch(ctx, portal.SearchParams{FiledDateFrom: filedFrom}); err != nil {
		return 0, 0, err
	}

	for page := 0; page < maxListingPages; page++ {
		if ctx.Err() != nil {
			return seen, failed, ctx.Err()
		}

		rows, err := nav.ParseResultsPage(ctx)
		if err != nil {
			log.Warn("failed to parse results page", zap.Int("page", page), zap.Error(err))
			failed++
			break
		}

		for _, row := range rows {
			if upsertErr := o.persistListingRow(ctx, state, row); upsertErr != nil {
				log.Warn("failed to persist filing row", zap.String("tracking", row.SERFFTracking), zap.Error(upsertErr))
				failed++
				continue
			}
			seen++
		}

		more, err := nav.ClickNextPage(ctx)
		if err != nil {
			log.Warn("pagination failed, stopping listing pass", zap.Int("page", page), zap.Error(err))
			break
		}
		if !more {
			break
		}
	}

	return seen, failed, nil
}

// persistListingRow normalizes one result row and upserts it as a Filing.
// No carrier row is written here: the listing row carries only the
// carrier's name, which is kept in raw_metadata.raw_carrier_name. A filing
// already on file keeps its carrier_id; a new filing gets an empty one.
func (o *Orchestrator) persistListingRow(ctx context.Context, state string, row portal.FilingResult) error {
	existing, err := o.store.GetFilingByTracking(ctx, state, row.SERFFTracking)
	carrierID := ""
	if err == nil && existing != nil {
		carrierID = existing.CarrierID
	}

	filing := &model.Filing{
		SERFFTracking:  row.SERFFTracking,
		State:          state,
		CarrierID:      carrierID,
		LineOfBusiness: "property_casualty",
		FilingType:     portal.NormalizeFilingType(row.RawType),
		Status:         portal.NormalizeFilingStatus(row.RawStatus),
		EffectiveDate:  row.EffectiveDate,
		RawMetadata: map[string]any{
			"raw_carrier_name": row.CarrierName,
			"raw_type":         row.RawType,
			"raw_status":       row.RawStatus,
		},
	}
	_, err = o.store.UpsertFiling(ctx, filing)
	if err != nil {
		return herrors.New(herrors.KindStorage, eris.Wrap(err, "scrape: upsert filing"))
	}
	return nil
}
