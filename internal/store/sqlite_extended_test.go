package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
)

func TestSQLiteStore_PMIRateCard_SupersessionByNaturalKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	carrier := &model.Carrier{NAIC: "PMI-1", LegalName: "PMI Carrier"}
	require.NoError(t, s.UpsertCarrier(ctx, carrier))

	first := &model.PMIRateCard{
		CarrierID:     carrier.ID,
		PremiumType:   model.PremiumMonthly,
		State:         "",
		Version:       1,
		EffectiveDate: time.Now(),
		Grid: []model.PMIRateGridRow{
			{LTVMin: decimal.NewFromInt(90), LTVMax: decimal.NewFromInt(95), FICOMin: 700, FICOMax: 759,
				CoveragePct: decimal.NewFromInt(25), Rate: decimal.NewFromFloat(0.52)},
		},
	}
	require.NoError(t, s.UpsertPMIRateCard(ctx, first))

	current, err := s.GetCurrentPMIRateCard(ctx, carrier.ID, model.PremiumMonthly, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)

	second := &model.PMIRateCard{
		CarrierID:     carrier.ID,
		PremiumType:   model.PremiumMonthly,
		State:         "",
		Version:       2,
		EffectiveDate: time.Now(),
		Grid: []model.PMIRateGridRow{
			{LTVMin: decimal.NewFromInt(90), LTVMax: decimal.NewFromInt(95), FICOMin: 700, FICOMax: 759,
				CoveragePct: decimal.NewFromInt(25), Rate: decimal.NewFromFloat(0.55)},
		},
	}
	require.NoError(t, s.UpsertPMIRateCard(ctx, second))

	current, err = s.GetCurrentPMIRateCard(ctx, carrier.ID, model.PremiumMonthly, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.NotEqual(t, first.ID, current.ID)

	cards, err := s.ListCurrentPMIRateCards(ctx, "")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, second.ID, cards[0].ID)
}

func TestSQLiteStore_TitleRateCard_SupersessionByNaturalKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	carrier := &model.Carrier{NAIC: "TITLE-1", LegalName: "Title Carrier"}
	require.NoError(t, s.UpsertCarrier(ctx, carrier))

	first := &model.TitleRateCard{
		CarrierID:     carrier.ID,
		PolicyType:    model.TitlePolicyOwner,
		State:         "TX",
		IsPromulgated: true,
		Version:       1,
		EffectiveDate: time.Now(),
		CoverageBands: []model.TitleCoverageBand{
			{CoverageMin: decimal.Zero, CoverageMax: decimal.NewFromInt(100000), RatePerThousand: decimal.NewFromFloat(5.5)},
		},
	}
	require.NoError(t, s.UpsertTitleRateCard(ctx, first))

	second := &model.TitleRateCard{
		CarrierID:     carrier.ID,
		PolicyType:    model.TitlePolicyOwner,
		State:         "TX",
		IsPromulgated: true,
		Version:       2,
		EffectiveDate: time.Now(),
		CoverageBands: []model.TitleCoverageBand{
			{CoverageMin: decimal.Zero, CoverageMax: decimal.NewFromInt(100000), RatePerThousand: decimal.NewFromFloat(5.75)},
		},
	}
	require.NoError(t, s.UpsertTitleRateCard(ctx, second))

	current, err := s.GetCurrentTitleRateCard(ctx, carrier.ID, model.TitlePolicyOwner, "TX")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.Len(t, current.CoverageBands, 1)
	assert.True(t, current.CoverageBands[0].RatePerThousand.Equal(decimal.NewFromFloat(5.75)))
}

func TestSQLiteStore_AppetiteProfile_SupersessionAndSignals(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	carrier := &model.Carrier{NAIC: "APP-1", LegalName: "Appetite Carrier"}
	require.NoError(t, s.UpsertCarrier(ctx, carrier))

	first := &model.AppetiteProfile{
		CarrierID:      carrier.ID,
		State:          "GA",
		LineOfBusiness: "commercial_auto",
		AppetiteScore:  6.5,
		ComputedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, first))

	second := &model.AppetiteProfile{
		CarrierID:      carrier.ID,
		State:          "GA",
		LineOfBusiness: "commercial_auto",
		AppetiteScore:  7.8,
		ComputedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, second))

	current, err := s.GetCurrentAppetiteProfile(ctx, carrier.ID, "GA", "commercial_auto")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.InDelta(t, 7.8, current.AppetiteScore, 0.0001)

	profiles, err := s.ListCurrentAppetiteProfiles(ctx, "GA", "")
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	sig := &model.AppetiteSignal{
		ProfileID: second.ID,
		CarrierID: carrier.ID,
		Kind:      model.SignalRateIncrease,
		Strength:  model.ClampStrength(9.6, 1, 10),
		Date:      time.Now(),
	}
	require.NoError(t, s.InsertAppetiteSignal(ctx, sig))

	signals, err := s.ListAppetiteSignals(ctx, carrier.ID, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, model.SignalRateIncrease, signals[0].Kind)
	assert.False(t, signals[0].Acknowledged)

	require.NoError(t, s.AcknowledgeAppetiteSignal(ctx, sig.ID))
	signals, err = s.ListAppetiteSignals(ctx, carrier.ID, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Acknowledged)
}

func TestSQLiteStore_ScrapeCursors_UpsertAndListEnabled(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertScrapeCursor(ctx, &model.ScrapeCursor{State: "TX", Enabled: true, LastScrapedAt: time.Now().AddDate(0, 0, -1)}))
	require.NoError(t, s.UpsertScrapeCursor(ctx, &model.ScrapeCursor{State: "CA", Enabled: false, LastScrapedAt: time.Now().AddDate(0, 0, -1)}))

	enabled, err := s.ListEnabledScrapeCursors(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "TX", enabled[0].State)

	advanced := time.Now()
	require.NoError(t, s.UpsertScrapeCursor(ctx, &model.ScrapeCursor{State: "TX", Enabled: true, LastScrapedAt: advanced}))
	enabled, err = s.ListEnabledScrapeCursors(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.WithinDuration(t, advanced, enabled[0].LastScrapedAt, time.Second)
}

func TestSQLiteStore_ExpireStaleAppetiteProfiles(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	carrier := &model.Carrier{NAIC: "APP-STALE", LegalName: "Stale Carrier"}
	require.NoError(t, s.UpsertCarrier(ctx, carrier))

	stale := &model.AppetiteProfile{
		CarrierID:      carrier.ID,
		State:          "NV",
		LineOfBusiness: "homeowners",
		AppetiteScore:  5.0,
		ComputedAt:     time.Now().AddDate(0, 0, -120),
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, stale))

	fresh := &model.AppetiteProfile{
		CarrierID:      carrier.ID,
		State:          "NV",
		LineOfBusiness: "commercial_property",
		AppetiteScore:  5.0,
		ComputedAt:     time.Now().AddDate(0, 0, -1),
	}
	require.NoError(t, s.UpsertAppetiteProfile(ctx, fresh))

	n, err := s.ExpireStaleAppetiteProfiles(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	profiles, err := s.ListCurrentAppetiteProfiles(ctx, "NV", "")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "commercial_property", profiles[0].LineOfBusiness)
}

func TestSQLiteStore_MarketReport_CarriesForwardPreviousTrend(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first := &model.MarketReport{
		State:          "OH",
		LineOfBusiness: "homeowners",
		PeriodDays:     90,
		FilingCount:    12,
		Trend:          "hardening",
		ComputedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertMarketReport(ctx, first))

	second := &model.MarketReport{
		State:          "OH",
		LineOfBusiness: "homeowners",
		PeriodDays:     90,
		FilingCount:    15,
		Trend:          "softening",
		ComputedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertMarketReport(ctx, second))

	got, err := s.GetLatestMarketReport(ctx, "OH", "homeowners", 90)
	require.NoError(t, err)
	assert.Equal(t, "softening", got.Trend)
	assert.Equal(t, "hardening", got.PreviousTrend)
	assert.Equal(t, 15, got.FilingCount)
}

func TestSQLiteStore_Alerts_InsertListAcknowledge(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	a := &model.Alert{SignalID: "sig-1", CarrierID: "carrier-1", Severity: "high", Message: "Rate increase of 18% filed in OH."}
	require.NoError(t, s.InsertAlert(ctx, a))

	alerts, err := s.ListUnreadAlerts(ctx, "high", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Read)

	require.NoError(t, s.AcknowledgeAlert(ctx, a.ID))
	alerts, err = s.ListUnreadAlerts(ctx, "high", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts, "acknowledged alerts are also marked read and drop out of the unread list")
}

func TestSQLiteStore_Logs_InsertAndFinish(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	log := &model.ScrapeLog{State: "CA", Pass: "listing", StartedAt: time.Now()}
	require.NoError(t, s.InsertScrapeLog(ctx, log))
	require.NoError(t, s.FinishScrapeLog(ctx, log.ID, time.Now(), 42, 3, []string{"timeout on row 7"}))

	parseLog := &model.ParseLog{DocumentID: "doc-1", ParserKind: "rate", Status: model.ParseStatusCompleted,
		ConfidenceAvg: 0.91, ConfidenceMin: 0.8, AICalls: 4, AITokens: 12000, DurationMs: 3200}
	require.NoError(t, s.InsertParseLog(ctx, parseLog))

	quoteLog := &model.QuoteLog{Kind: "pmi", ElapsedMs: 120, BestCarrierID: "carrier-1", BestRate: "0.52"}
	require.NoError(t, s.InsertQuoteLog(ctx, quoteLog))
}

func TestSQLiteStore_HealthAggregates(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, d := seedFilingAndDocument(t, s, "HC-1", "AZ")
	unparsed, err := s.CountUnparsedDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unparsed)

	require.NoError(t, s.MarkDocumentParsed(ctx, d.ID, 0.9))
	unparsed, err = s.CountUnparsedDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, unparsed)

	running := &model.ScrapeLog{State: "AZ", Pass: "listing", StartedAt: time.Now().Add(-7 * time.Hour)}
	require.NoError(t, s.InsertScrapeLog(ctx, running))
	stuck, err := s.CountStuckScrapes(ctx, time.Now().Add(-6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)

	require.NoError(t, s.FinishScrapeLog(ctx, running.ID, time.Now(), 5, 0, nil))
	stuck, err = s.CountStuckScrapes(ctx, time.Now().Add(-6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stuck)
}

func TestSQLiteStore_ListDocuments_FiltersByParsedAndUpdated(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, d1 := seedFilingAndDocument(t, s, "LD-1", "NM")
	_, d2 := seedFilingAndDocument(t, s, "LD-2", "NM")
	require.NoError(t, s.MarkDocumentParsed(ctx, d2.ID, 0.95))

	unparsedFlag := false
	unparsed, err := s.ListDocuments(ctx, DocumentFilter{ParsedFlag: &unparsedFlag})
	require.NoError(t, err)
	require.Len(t, unparsed, 1)
	assert.Equal(t, d1.ID, unparsed[0].ID)

	parsedFlag := true
	parsed, err := s.ListDocuments(ctx, DocumentFilter{ParsedFlag: &parsedFlag, UpdatedAfter: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, d2.ID, parsed[0].ID)
}
