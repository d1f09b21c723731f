package alert

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

func TestClassifyTrend_Hardening(t *testing.T) {
	assert.Equal(t, "hardening", classifyTrend(6.0, 10, 2, 0, 0, 12))
}

func TestClassifyTrend_Softening(t *testing.T) {
	assert.Equal(t, "softening", classifyTrend(-6.0, 2, 10, 0, 0, 12))
}

func TestClassifyTrend_Mixed(t *testing.T) {
	assert.Equal(t, "mixed", classifyTrend(0, 5, 5, 0, 0, 10))
}

func TestClassifyTrend_Stable(t *testing.T) {
	assert.Equal(t, "stable", classifyTrend(0, 1, 1, 0, 0, 2))
}

func TestMeanAndMedian(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.InDelta(t, 2.0, mean([]float64{1, 2, 3}), 0.0001)
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
}

var seedFilingCounter int

func seedFilingWithChange(t *testing.T, s *store.SQLiteStore, carrierID, state, line string, status model.FilingStatus, pct *float64, filedDate *time.Time) {
	t.Helper()
	ctx := context.Background()
	seedFilingCounter++
	_, err := s.UpsertFiling(ctx, &model.Filing{
		SERFFTracking:        carrierID + "-" + state + "-" + line + "-" + string(status) + "-" + strconv.Itoa(seedFilingCounter),
		State:                state,
		CarrierID:            carrierID,
		LineOfBusiness:       line,
		Status:               status,
		OverallRateChangePct: pct,
		FiledDate:            filedDate,
	})
	require.NoError(t, err)
}

func TestReportGenerator_Generate_HardeningExample(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	carrier := seedCarrier(t, s, "R1")

	recent := time.Now().UTC().AddDate(0, 0, -5)
	for i := 0; i < 10; i++ {
		pct := 7.0
		seedFilingWithChange(t, s, carrier.ID, "TX", "Commercial Auto", model.FilingStatusApproved, &pct, &recent)
	}
	for i := 0; i < 2; i++ {
		pct := -3.0
		seedFilingWithChange(t, s, carrier.ID, "TX", "Commercial Auto", model.FilingStatusApproved, &pct, &recent)
	}

	g := NewReportGenerator(s)
	report, err := g.Generate(ctx, "TX", "Commercial Auto", 30)
	require.NoError(t, err)

	assert.Equal(t, 12, report.FilingCount)
	assert.Equal(t, 10, report.RateIncreases)
	assert.Equal(t, 2, report.RateDecreases)
	assert.Equal(t, "hardening", report.Trend)
}

func seedCarrier(t *testing.T, s *store.SQLiteStore, naic string) *model.Carrier {
	t.Helper()
	c := &model.Carrier{NAIC: naic, LegalName: "Carrier " + naic}
	require.NoError(t, s.UpsertCarrier(context.Background(), c))
	return c
}

func TestReportGenerator_Generate_IsUpsertRerunnable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	carrier := seedCarrier(t, s, "R2")
	recent := time.Now().UTC().AddDate(0, 0, -1)
	pct := 1.0
	seedFilingWithChange(t, s, carrier.ID, "OH", "Homeowners", model.FilingStatusApproved, &pct, &recent)

	g := NewReportGenerator(s)
	_, err := g.Generate(ctx, "OH", "Homeowners", 30)
	require.NoError(t, err)
	second, err := g.Generate(ctx, "OH", "Homeowners", 30)
	require.NoError(t, err)

	stored, err := s.GetLatestMarketReport(ctx, "OH", "Homeowners", 30)
	require.NoError(t, err)
	assert.Equal(t, second.Trend, stored.Trend)
	assert.Equal(t, 1, stored.FilingCount)
}
