// Package appetite implements the change detector and appetite profiler
// (C7): diffing newly parsed filings against stored appetite profiles and
// emitting strength-scored signals, plus recomputing profile state.
package appetite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// Detector runs the change-detection rules for one (carrier, state, line)
// triple at a time.
type Detector struct {
	store store.Store
}

// NewDetector creates a change detector backed by st.
func NewDetector(st store.Store) *Detector {
	return &Detector{store: st}
}

// Triple identifies one (carrier, state, line) unit of detection work.
type Triple struct {
	CarrierID      string
	State          string
	LineOfBusiness string
}

// DetectResult summarizes the signals emitted for one triple.
type DetectResult struct {
	Triple  Triple
	Signals []model.AppetiteSignal
}

// Detect runs every detection sub-step for one triple in fixed order (for
// deterministic tests, per spec.md §5's ordering guarantee) and persists the
// emitted signals that carry a profile FK, plus new_state_entry signals,
// which have none. Each signal is inserted on its own; there is no single
// transaction covering the triple, and an insert failure is logged, not
// returned.
func (d *Detector) Detect(ctx context.Context, t Triple) (*DetectResult, error) {
	profile, err := d.store.GetCurrentAppetiteProfile(ctx, t.CarrierID, t.State, t.LineOfBusiness)
	if err != nil && err != store.ErrNotFound {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: get current profile"))
	}
	if err == store.ErrNotFound {
		profile = nil
	}

	filings, err := d.store.ListFilings(ctx, store.FilingFilter{
		CarrierID:      t.CarrierID,
		State:          t.State,
		LineOfBusiness: t.LineOfBusiness,
		Limit:          50,
	})
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: list filings"))
	}

	latest := latestDecidedFiling(filings)

	result := &DetectResult{Triple: t}
	now := time.Now().UTC()

	// Step 1: new state entry.
	if profile == nil && latest != nil {
		sig := model.AppetiteSignal{
			CarrierID:   t.CarrierID,
			Kind:        model.SignalNewStateEntry,
			Strength:    8,
			Date:        now,
			Description: fmt.Sprintf("first filing observed for %s in %s/%s", t.CarrierID, t.State, t.LineOfBusiness),
			SourceFilingID: latest.ID,
		}
		result.Signals = append(result.Signals, sig)
	}

	// Step 2: rate-change detection — only runs when a profile already
	// exists, since a new entrant's "change" has no baseline.
	if profile != nil && latest != nil && latest.OverallRateChangePct != nil {
		pct := *latest.OverallRateChangePct
		switch {
		case pct <= -5.0:
			strength := model.ClampStrength(abs(pct)/2, 1, 10)
			result.Signals = append(result.Signals, model.AppetiteSignal{
				ProfileID:      profile.ID,
				CarrierID:      t.CarrierID,
				Kind:           model.SignalRateDecrease,
				Strength:       strength,
				Date:           now,
				Description:    fmt.Sprintf("rate decreased %.1f%%", pct),
				SourceFilingID: latest.ID,
			})
		case pct >= 10.0:
			strength := model.ClampStrength(pct/3, 1, 10)
			result.Signals = append(result.Signals, model.AppetiteSignal{
				ProfileID:      profile.ID,
				CarrierID:      t.CarrierID,
				Kind:           model.SignalRateIncrease,
				Strength:       strength,
				Date:           now,
				Description:    fmt.Sprintf("rate increased %.1f%%", pct),
				SourceFilingID: latest.ID,
			})
		}
	}

	// Step 3 (spec numbering: class-code diff) requires the current rate
	// table's class mappings.
	if profile != nil && latest != nil {
		classSig, err := d.classCodeDiff(ctx, *profile, *latest, now)
		if err != nil {
			return nil, err
		}
		result.Signals = append(result.Signals, classSig...)
	}

	// Step 5: withdrawals in the last 7 days.
	withdrawn := countRecentWithdrawals(filings, now)
	if withdrawn > 0 {
		sig := model.AppetiteSignal{
			CarrierID:   t.CarrierID,
			Kind:        model.SignalFilingWithdrawal,
			Strength:    model.ClampStrength(float64(withdrawn)+3, 5, 10),
			Date:        now,
			Description: fmt.Sprintf("%d filing(s) withdrawn in the last 7 days", withdrawn),
		}
		if profile != nil {
			sig.ProfileID = profile.ID
		}
		result.Signals = append(result.Signals, sig)
	}

	// Step 6: territory expansion.
	if profile != nil && latest != nil {
		terrSig, err := d.territoryExpansion(ctx, *profile, *latest, now)
		if err != nil {
			return nil, err
		}
		if terrSig != nil {
			result.Signals = append(result.Signals, *terrSig)
		}
	}

	for i := range result.Signals {
		sig := result.Signals[i]
		if sig.ProfileID == "" && sig.Kind != model.SignalNewStateEntry {
			continue // profile link is required for every signal kind except new_state_entry
		}
		if err := d.store.InsertAppetiteSignal(ctx, &sig); err != nil {
			zap.L().Error("appetite: failed to persist signal", zap.String("kind", string(sig.Kind)), zap.Error(err))
		}
	}

	return result, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func latestDecidedFiling(filings []model.Filing) *model.Filing {
	var latest *model.Filing
	for i := range filings {
		f := &filings[i]
		if f.Status != model.FilingStatusApproved && f.Status != model.FilingStatusDisapproved {
			continue
		}
		if latest == nil || f.UpdatedAt.After(latest.UpdatedAt) {
			latest = f
		}
	}
	return latest
}

func countRecentWithdrawals(filings []model.Filing, now time.Time) int {
	cutoff := now.Add(-7 * 24 * time.Hour)
	count := 0
	for _, f := range filings {
		if f.Status == model.FilingStatusWithdrawn && f.UpdatedAt.After(cutoff) {
			count++
		}
	}
	return count
}

// classCodeDiff compares the latest filing's current rate table eligible
// class set against the profile's stored eligible class set.
func (d *Detector) classCodeDiff(ctx context.Context, profile model.AppetiteProfile, latest model.Filing, now time.Time) ([]model.AppetiteSignal, error) {
	docs, err := d.store.ListDocumentsByFiling(ctx, latest.ID)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: list documents"))
	}

	current := make(map[string]struct{})
	for _, doc := range docs {
		rt, err := d.store.GetCurrentRateTable(ctx, doc.ID)
		if err != nil {
			continue
		}
		for _, cm := range rt.ClassMappings {
			if cm.EligibilityStatus == model.EligibilityEligible {
				current[cm.ClassCode] = struct{}{}
			}
		}
	}
	if len(current) == 0 {
		return nil, nil
	}

	prior := make(map[string]struct{}, len(profile.EligibleClasses))
	for _, c := range profile.EligibleClasses {
		prior[c] = struct{}{}
	}

	var added, removed []string
	for c := range current {
		if _, ok := prior[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range prior {
		if _, ok := current[c]; !ok {
			removed = append(removed, c)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	var sigs []model.AppetiteSignal
	if len(added) > 0 {
		sigs = append(sigs, model.AppetiteSignal{
			ProfileID:      profile.ID,
			CarrierID:      profile.CarrierID,
			Kind:           model.SignalExpandedClasses,
			Strength:       model.ClampStrength(float64(len(added)), 1, 10),
			Date:           now,
			Description:    fmt.Sprintf("expanded eligible classes: %v", added),
			SourceFilingID: latest.ID,
		})
	}
	if len(removed) > 0 {
		sigs = append(sigs, model.AppetiteSignal{
			ProfileID:      profile.ID,
			CarrierID:      profile.CarrierID,
			Kind:           model.SignalContractedClasses,
			Strength:       model.ClampStrength(float64(len(removed))+2, 1, 10),
			Date:           now,
			Description:    fmt.Sprintf("contracted eligible classes: %v", removed),
			SourceFilingID: latest.ID,
		})
	}
	return sigs, nil
}

// territoryExpansion diffs the current rate table's territory codes against
// the profile's stored territory preference map.
func (d *Detector) territoryExpansion(ctx context.Context, profile model.AppetiteProfile, latest model.Filing, now time.Time) (*model.AppetiteSignal, error) {
	docs, err := d.store.ListDocumentsByFiling(ctx, latest.ID)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "appetite: list documents"))
	}

	var newTerritories []string
	for _, doc := range docs {
		rt, err := d.store.GetCurrentRateTable(ctx, doc.ID)
		if err != nil {
			continue
		}
		for _, terr := range rt.Territories {
			if _, ok := profile.TerritoryPreferences[terr.Code]; !ok {
				newTerritories = append(newTerritories, terr.Code)
			}
		}
	}
	if len(newTerritories) == 0 {
		return nil, nil
	}
	sort.Strings(newTerritories)

	return &model.AppetiteSignal{
		ProfileID:      profile.ID,
		CarrierID:      profile.CarrierID,
		Kind:           model.SignalTerritoryExpansion,
		Strength:       model.ClampStrength(float64(len(newTerritories)), 1, 10),
		Date:           now,
		Description:    fmt.Sprintf("new territories: %v", newTerritories),
		SourceFilingID: latest.ID,
	}, nil
}
