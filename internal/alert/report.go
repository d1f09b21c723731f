package alert

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// ReportGenerator computes per-(state, line, period) market-intelligence
// reports from filing and signal history.
type ReportGenerator struct {
	store store.Store
}

// NewReportGenerator creates a report generator backed by st.
func NewReportGenerator(st store.Store) *ReportGenerator {
	return &ReportGenerator{store: st}
}

// Generate computes and upserts the market report for (state, line) over
// the trailing periodDays window.
func (g *ReportGenerator) Generate(ctx context.Context, state, line string, periodDays int) (*model.MarketReport, error) {
	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -periodDays)

	windowFilings, err := g.store.ListFilings(ctx, store.FilingFilter{
		State:          state,
		LineOfBusiness: line,
		FiledAfter:     windowStart,
		Limit:          2000,
	})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "report: list window filings"))
	}

	var pcts []float64
	increases, decreases := 0, 0
	inWindowCarriers := make(map[string]struct{})
	withdrawnCarriers := make(map[string]struct{})
	for _, f := range windowFilings {
		inWindowCarriers[f.CarrierID] = struct{}{}
		if f.Status == model.FilingStatusWithdrawn {
			withdrawnCarriers[f.CarrierID] = struct{}{}
		}
		if f.OverallRateChangePct == nil {
			continue
		}
		pct := *f.OverallRateChangePct
		pcts = append(pcts, pct)
		switch {
		case pct > 0:
			increases++
		case pct < 0:
			decreases++
		}
	}

	newEntrants, err := g.newEntrants(ctx, state, line, windowStart, inWindowCarriers)
	if err != nil {
		return nil, err
	}

	report := &model.MarketReport{
		State:             state,
		LineOfBusiness:    line,
		PeriodDays:        periodDays,
		FilingCount:       len(windowFilings),
		AvgRateChangePct:  mean(pcts),
		MedianRateChangePct: median(pcts),
		RateIncreases:     increases,
		RateDecreases:     decreases,
		NewEntrants:       newEntrants,
		Withdrawals:       toSortedSlice(withdrawnCarriers),
		ComputedAt:        now,
	}

	report.Trend = classifyTrend(report.AvgRateChangePct, increases, decreases, len(newEntrants), len(report.Withdrawals), len(windowFilings))

	topSignals, err := g.topSignals(ctx, state, line, windowStart, 10)
	if err != nil {
		return nil, err
	}
	report.TopSignalIDs = topSignals

	if err := g.store.UpsertMarketReport(ctx, report); err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "report: upsert"))
	}
	return report, nil
}

// newEntrants returns carriers with a filing in the window but none before
// windowStart, for the same (state, line).
func (g *ReportGenerator) newEntrants(ctx context.Context, state, line string, windowStart time.Time, inWindow map[string]struct{}) ([]string, error) {
	entrants := make(map[string]struct{})
	for carrierID := range inWindow {
		priorFilings, err := g.store.ListFilings(ctx, store.FilingFilter{
			CarrierID:      carrierID,
			State:          state,
			LineOfBusiness: line,
			Limit:          500,
		})
		if err != nil {
			return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "report: list prior filings"))
		}
		hasPrior := false
		for _, f := range priorFilings {
			if f.FiledDate != nil && f.FiledDate.Before(windowStart) {
				hasPrior = true
				break
			}
		}
		if !hasPrior {
			entrants[carrierID] = struct{}{}
		}
	}
	return toSortedSlice(entrants), nil
}

// topSignals returns the IDs of the strongest signals in the window across
// every carrier with a current profile in (state, line).
func (g *ReportGenerator) topSignals(ctx context.Context, state, line string, since time.Time, n int) ([]string, error) {
	profiles, err := g.store.ListCurrentAppetiteProfiles(ctx, state, line)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "report: list profiles"))
	}

	var all []model.AppetiteSignal
	for _, p := range profiles {
		sigs, err := g.store.ListAppetiteSignals(ctx, p.CarrierID, since)
		if err != nil {
			continue
		}
		all = append(all, sigs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Strength > all[j].Strength })
	if len(all) > n {
		all = all[:n]
	}
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	return ids, nil
}

// classifyTrend applies spec.md §4.8's fixed thresholds, in order.
func classifyTrend(avgPct float64, increases, decreases, newEntrants, withdrawals, total int) string {
	pctIncreases := 0.0
	if total > 0 {
		pctIncreases = float64(increases) / float64(total) * 100
	}

	switch {
	case avgPct > 5 || withdrawals >= newEntrants+2 || pctIncreases >= 60:
		return "hardening"
	case avgPct < -5 || newEntrants >= withdrawals+2 || pctIncreases <= 40:
		return "softening"
	case total >= 5 && pctIncreases >= 35 && pctIncreases <= 65:
		return "mixed"
	default:
		return "stable"
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func toSortedSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
