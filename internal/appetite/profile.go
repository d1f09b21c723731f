package appetite

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// Profiler recomputes AppetiteProfile rows from current rate-table state.
type Profiler struct {
	store store.Store
}

// NewProfiler creates a profiler backed by st.
func NewProfiler(st store.Store) *Profiler {
	return &Profiler{store: st}
}

// maxRankedClasses bounds how many eligible class codes (the first ones in
// sorted order) one recompute call considers for the preferred-class set.
// Recompute computes no per-class carrier ranking.
const maxRankedClasses = 50

// Recompute regathers eligible/ineligible class lists and rate-competitiveness
// for one (carrier, state, line) triple, then upserts the profile. The prior
// current row is flipped non-current in the same store transaction.
func (p *Profiler) Recompute(ctx context.Context, t Triple) (*model.AppetiteProfile, error) {
	filings, err := p.store.ListFilings(ctx, store.FilingFilter{
		CarrierID:      t.CarrierID,
		State:          t.State,
		LineOfBusiness: t.LineOfBusiness,
		Status:         model.FilingStatusApproved,
		Limit:          50,
	})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: list filings for recompute"))
	}

	eligible := make(map[string]struct{})
	ineligible := make(map[string]struct{})
	preferred := make(map[string]struct{})
	territories := make(map[string]float64)

	var ownRateSum, ownRateCount float64
	var lastChangePct *float64
	latest := latestDecidedFiling(filings)
	if latest != nil {
		lastChangePct = latest.OverallRateChangePct
	}

	for _, f := range filings {
		docs, err := p.store.ListDocumentsByFiling(ctx, f.ID)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			rt, err := p.store.GetCurrentRateTable(ctx, doc.ID)
			if err != nil {
				continue
			}
			for _, cm := range rt.ClassMappings {
				switch cm.EligibilityStatus {
				case model.EligibilityEligible:
					eligible[cm.ClassCode] = struct{}{}
				case model.EligibilityIneligible, model.EligibilityRestricted:
					ineligible[cm.ClassCode] = struct{}{}
				}
			}
			for _, terr := range rt.Territories {
				territories[terr.Code] = terr.Confidence
			}
			for _, br := range rt.BaseRates {
				f, _ := br.Rate.Float64()
				ownRateSum += f
				ownRateCount++
			}
		}
	}

	classList := make([]string, 0, len(eligible))
	for c := range eligible {
		classList = append(classList, c)
	}
	sort.Strings(classList)
	if len(classList) > maxRankedClasses {
		classList = classList[:maxRankedClasses]
	}
	for _, c := range classList {
		if _, isIneligible := ineligible[c]; !isIneligible {
			preferred[c] = struct{}{}
		}
	}

	var rateCompetitiveness float64
	if ownRateCount > 0 {
		ownAvg := ownRateSum / ownRateCount
		marketAvg, err := p.marketAverageRate(ctx, t)
		if err == nil && marketAvg > 0 {
			// Preserved as-is per spec.md §9: undocumented formula provenance.
			rateCompetitiveness = clampFloat((2-ownAvg/marketAvg)*50, 0, 100)
		}
	}

	profile := &model.AppetiteProfile{
		CarrierID:              t.CarrierID,
		State:                  t.State,
		LineOfBusiness:         t.LineOfBusiness,
		IsCurrent:              true,
		AppetiteScore:          appetiteScore(len(eligible), len(ineligible)),
		EligibleClasses:        toSortedSlice(eligible),
		IneligibleClasses:      toSortedSlice(ineligible),
		PreferredClasses:       toSortedSlice(preferred),
		TerritoryPreferences:   territories,
		RateCompetitivenessIdx: rateCompetitiveness,
		LastRateChangePct:      lastChangePct,
		SourceFilingCount:      len(filings),
		ComputedAt:             time.Now().UTC(),
	}

	if err := p.store.UpsertAppetiteProfile(ctx, profile); err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: upsert profile"))
	}
	return profile, nil
}

// marketAverageRate averages the current BaseRate across every approved
// filing in the (state, line) market, regardless of carrier — the baseline
// every carrier's own average is compared against for the
// rate-competitiveness index.
func (p *Profiler) marketAverageRate(ctx context.Context, t Triple) (float64, error) {
	filings, err := p.store.ListFilings(ctx, store.FilingFilter{
		State:          t.State,
		LineOfBusiness: t.LineOfBusiness,
		Status:         model.FilingStatusApproved,
		Limit:          500,
	})
	if err != nil {
		return 0, err
	}

	var sum, count float64
	for _, f := range filings {
		docs, err := p.store.ListDocumentsByFiling(ctx, f.ID)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			rt, err := p.store.GetCurrentRateTable(ctx, doc.ID)
			if err != nil {
				continue
			}
			for _, br := range rt.BaseRates {
				rate, _ := br.Rate.Float64()
				sum += rate
				count++
			}
		}
	}
	if count == 0 {
		return 0, nil
	}
	return sum / count, nil
}

func appetiteScore(eligibleCount, ineligibleCount int) float64 {
	total := eligibleCount + ineligibleCount
	if total == 0 {
		return 5.0
	}
	ratio := float64(eligibleCount) / float64(total)
	return clampFloat(ratio*10, 0, 10)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toSortedSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
