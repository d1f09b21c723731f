package appetite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedCarrier(t *testing.T, s *store.SQLiteStore, naic string) *model.Carrier {
	t.Helper()
	c := &model.Carrier{NAIC: naic, LegalName: "Carrier " + naic}
	require.NoError(t, s.UpsertCarrier(context.Background(), c))
	return c
}

func ptr(f float64) *float64 { return &f }

func TestDetector_NewStateEntry_EmittedAloneWithNoPriorProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "N1")

	_, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:        "N1-001",
		State:                "CO",
		CarrierID:            c.ID,
		LineOfBusiness:       "Commercial Auto",
		Status:               model.FilingStatusApproved,
		OverallRateChangePct: ptr(-6.2),
	})
	require.NoError(t, err)

	d := NewDetector(s)
	result, err := d.Detect(ctx, Triple{CarrierID: c.ID, State: "CO", LineOfBusiness: "Commercial Auto"})
	require.NoError(t, err)

	require.Len(t, result.Signals, 1)
	assert.Equal(t, model.SignalNewStateEntry, result.Signals[0].Kind)
	assert.Equal(t, 8, result.Signals[0].Strength)
	assert.Empty(t, result.Signals[0].ProfileID)
}

func TestDetector_RateIncrease_WithPriorProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "N2")

	prior := &model.AppetiteProfile{
		CarrierID:         c.ID,
		State:             "TX",
		LineOfBusiness:    "General Liability",
		IsCurrent:         true,
		LastRateChangePct: ptr(1.0),
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, prior))

	_, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:        "N2-001",
		State:                "TX",
		CarrierID:            c.ID,
		LineOfBusiness:       "General Liability",
		Status:               model.FilingStatusApproved,
		OverallRateChangePct: ptr(12.0),
	})
	require.NoError(t, err)

	d := NewDetector(s)
	result, err := d.Detect(ctx, Triple{CarrierID: c.ID, State: "TX", LineOfBusiness: "General Liability"})
	require.NoError(t, err)

	var found *model.AppetiteSignal
	for i := range result.Signals {
		if result.Signals[i].Kind == model.SignalRateIncrease {
			found = &result.Signals[i]
		}
	}
	require.NotNil(t, found, "expected a rate_increase signal")
	assert.Equal(t, 4, found.Strength)
	assert.NotEmpty(t, found.ProfileID)
}

func TestDetector_RateDecrease_StrengthClamped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "N3")

	prior := &model.AppetiteProfile{CarrierID: c.ID, State: "OH", LineOfBusiness: "Homeowners", IsCurrent: true}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, prior))

	_, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:        "N3-001",
		State:                "OH",
		CarrierID:            c.ID,
		LineOfBusiness:       "Homeowners",
		Status:               model.FilingStatusApproved,
		OverallRateChangePct: ptr(-24.0),
	})
	require.NoError(t, err)

	d := NewDetector(s)
	result, err := d.Detect(ctx, Triple{CarrierID: c.ID, State: "OH", LineOfBusiness: "Homeowners"})
	require.NoError(t, err)

	var found *model.AppetiteSignal
	for i := range result.Signals {
		if result.Signals[i].Kind == model.SignalRateDecrease {
			found = &result.Signals[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 10, found.Strength) // |−24|/2 = 12, clamped to 10
}

func TestDetector_ClassCodeDiff_AdditionsAndRemovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "N4")

	prior := &model.AppetiteProfile{
		CarrierID:       c.ID,
		State:           "FL",
		LineOfBusiness:  "Workers Comp",
		IsCurrent:       true,
		EligibleClasses: []string{"A", "B", "C"},
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, prior))

	f, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:  "N4-001",
		State:          "FL",
		CarrierID:      c.ID,
		LineOfBusiness: "Workers Comp",
		Status:         model.FilingStatusApproved,
	})
	require.NoError(t, err)

	doc, err := s.UpsertDocument(ctx, &model.FilingDocument{FilingID: f.ID, Name: "rate.pdf"})
	require.NoError(t, err)

	rt := &model.RateTable{
		FilingID:   f.ID,
		DocumentID: doc.ID,
		Confidence: 0.9,
		ClassMappings: []model.ClassCodeMapping{
			{ClassCode: "B", EligibilityStatus: model.EligibilityEligible},
			{ClassCode: "C", EligibilityStatus: model.EligibilityEligible},
			{ClassCode: "D", EligibilityStatus: model.EligibilityEligible},
			{ClassCode: "E", EligibilityStatus: model.EligibilityEligible},
		},
	}
	require.NoError(t, s.UpsertRateTable(ctx, rt))

	d := NewDetector(s)
	result, err := d.Detect(ctx, Triple{CarrierID: c.ID, State: "FL", LineOfBusiness: "Workers Comp"})
	require.NoError(t, err)

	var expanded, contracted *model.AppetiteSignal
	for i := range result.Signals {
		switch result.Signals[i].Kind {
		case model.SignalExpandedClasses:
			expanded = &result.Signals[i]
		case model.SignalContractedClasses:
			contracted = &result.Signals[i]
		}
	}
	require.NotNil(t, expanded)
	require.NotNil(t, contracted)
	assert.Contains(t, expanded.Description, "D")
	assert.Contains(t, expanded.Description, "E")
	assert.Contains(t, contracted.Description, "A")
	assert.NotContains(t, contracted.Description, "B")
}

func TestDetector_NoSignalsWhenNothingChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCarrier(t, s, "N5")

	d := NewDetector(s)
	result, err := d.Detect(ctx, Triple{CarrierID: c.ID, State: "NV", LineOfBusiness: "Auto"})
	require.NoError(t, err)
	assert.Empty(t, result.Signals)
}

func TestCountRecentWithdrawals(t *testing.T) {
	now := time.Now().UTC()
	filings := []model.Filing{
		{Status: model.FilingStatusWithdrawn, UpdatedAt: now.Add(-1 * time.Hour)},
		{Status: model.FilingStatusWithdrawn, UpdatedAt: now.Add(-10 * 24 * time.Hour)},
		{Status: model.FilingStatusApproved, UpdatedAt: now},
	}
	assert.Equal(t, 1, countRecentWithdrawals(filings, now))
}

func TestLatestDecidedFiling_IgnoresPending(t *testing.T) {
	now := time.Now().UTC()
	filings := []model.Filing{
		{ID: "a", Status: model.FilingStatusPending, UpdatedAt: now},
		{ID: "b", Status: model.FilingStatusApproved, UpdatedAt: now.Add(-time.Hour)},
		{ID: "c", Status: model.FilingStatusApproved, UpdatedAt: now.Add(-2 * time.Hour)},
	}
	latest := latestDecidedFiling(filings)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.ID)
}
