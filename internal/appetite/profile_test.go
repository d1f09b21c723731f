package appetite

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

func seedApprovedFilingWithRates(t *testing.T, s *store.SQLiteStore, carrierID, state, line string, eligible, ineligible []string, rates []float64) {
	t.Helper()
	ctx := context.Background()
	f, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:  carrierID + "-" + state + "-" + line,
		State:          state,
		CarrierID:      carrierID,
		LineOfBusiness: line,
		Status:         model.FilingStatusApproved,
	})
	require.NoError(t, err)

	doc, err := s.UpsertDocument(ctx, &model.FilingDocument{FilingID: f.ID, Name: "rate.pdf"})
	require.NoError(t, err)

	var classMappings []model.ClassCodeMapping
	for _, c := range eligible {
		classMappings = append(classMappings, model.ClassCodeMapping{ClassCode: c, EligibilityStatus: model.EligibilityEligible})
	}
	for _, c := range ineligible {
		classMappings = append(classMappings, model.ClassCodeMapping{ClassCode: c, EligibilityStatus: model.EligibilityIneligible})
	}

	var baseRates []model.BaseRate
	for _, r := range rates {
		baseRates = append(baseRates, model.BaseRate{
			ClassCode: "class", Territory: "01",
			Rate: decimal.NewFromFloat(r),
		})
	}

	rt := &model.RateTable{
		FilingID:      f.ID,
		DocumentID:    doc.ID,
		Confidence:    0.9,
		ClassMappings: classMappings,
		BaseRates:     baseRates,
	}
	require.NoError(t, s.UpsertRateTable(ctx, rt))
}

func TestProfiler_Recompute_UpsertIsNaturalKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "P1")

	seedApprovedFilingWithRates(t, s, c.ID, "CA", "Auto", []string{"A", "B"}, []string{"C"}, []float64{1.0, 1.2})

	p := NewProfiler(s)
	first, err := p.Recompute(ctx, Triple{CarrierID: c.ID, State: "CA", LineOfBusiness: "Auto"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := p.Recompute(ctx, Triple{CarrierID: c.ID, State: "CA", LineOfBusiness: "Auto"})
	require.NoError(t, err)

	current, err := s.GetCurrentAppetiteProfile(ctx, c.ID, "CA", "Auto")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.ElementsMatch(t, []string{"A", "B"}, current.EligibleClasses)
	assert.ElementsMatch(t, []string{"C"}, current.IneligibleClasses)
}

func TestProfiler_RateCompetitiveness_AboveMarketAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cheap := seedCarrier(t, s, "P2")
	expensive := seedCarrier(t, s, "P3")

	// cheap carrier rates well under the market average -> higher competitiveness.
	seedApprovedFilingWithRates(t, s, cheap.ID, "NY", "GL", []string{"A"}, nil, []float64{1.0})
	seedApprovedFilingWithRates(t, s, expensive.ID, "NY", "GL", []string{"A"}, nil, []float64{3.0})

	p := NewProfiler(s)
	cheapProfile, err := p.Recompute(ctx, Triple{CarrierID: cheap.ID, State: "NY", LineOfBusiness: "GL"})
	require.NoError(t, err)
	expensiveProfile, err := p.Recompute(ctx, Triple{CarrierID: expensive.ID, State: "NY", LineOfBusiness: "GL"})
	require.NoError(t, err)

	assert.Greater(t, cheapProfile.RateCompetitivenessIdx, expensiveProfile.RateCompetitivenessIdx)
	assert.GreaterOrEqual(t, cheapProfile.RateCompetitivenessIdx, 0.0)
	assert.LessOrEqual(t, cheapProfile.RateCompetitivenessIdx, 100.0)
}

func TestProfiler_Recompute_NoFilingsYieldsEmptyProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "P4")

	p := NewProfiler(s)
	profile, err := p.Recompute(ctx, Triple{CarrierID: c.ID, State: "WA", LineOfBusiness: "Property"})
	require.NoError(t, err)
	assert.Empty(t, profile.EligibleClasses)
	assert.Equal(t, 5.0, profile.AppetiteScore) // no eligible/ineligible data -> neutral score
	assert.Equal(t, 0.0, profile.RateCompetitivenessIdx)
}

func TestAppetiteScore(t *testing.T) {
	assert.Equal(t, 5.0, appetiteScore(0, 0))
	assert.Equal(t, 10.0, appetiteScore(10, 0))
	assert.Equal(t, 0.0, appetiteScore(0, 10))
	assert.Equal(t, 5.0, appetiteScore(5, 5))
}

func TestClampFloat(t *testing.T) {
	assert.Equal(t, 0.0, clampFloat(-5, 0, 100))
	assert.Equal(t, 100.0, clampFloat(500, 0, 100))
	assert.Equal(t, 42.0, clampFloat(42, 0, 100))
}
