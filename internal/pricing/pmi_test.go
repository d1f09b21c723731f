package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/hermes/internal/model"
)

func TestGSERequiredCoverage_RoundTrip(t *testing.T) {
	cases := []struct {
		ltv  float64
		want int64
	}{
		{82.5, 6},
		{87.5, 25},
		{92.5, 30},
		{96.0, 35},
		{80.0, 0},
		{75.0, 0},
	}
	for _, c := range cases {
		got := GSERequiredCoverage(decimal.NewFromFloat(c.ltv))
		assert.True(t, got.Equal(decimal.NewFromInt(c.want)), "ltv=%v want=%d got=%v", c.ltv, c.want, got)
	}
}

func TestPMIEngine_PriceCard_AdjustmentComposition(t *testing.T) {
	engine := NewPMIEngine(nil, DefaultPMIConfig())

	card := model.PMIRateCard{
		CarrierID:   "c1",
		PremiumType: model.PremiumMonthly,
		Grid: []model.PMIRateGridRow{
			{
				LTVMin: decimal.NewFromInt(90), LTVMax: decimal.NewFromFloat(95),
				FICOMin: 700, FICOMax: 759,
				CoveragePct: decimal.NewFromInt(30),
				Rate:        decimal.NewFromFloat(0.50),
			},
		},
		Adjustments: []model.Adjustment{
			{
				ID:           "adj1",
				ConditionRaw: map[string]any{"fico_min": 700.0},
				Method:       model.AdjustAdditive,
				Value:        decimal.NewFromFloat(0.15),
			},
			{
				ID:           "adj2",
				ConditionRaw: map[string]any{"fico_min": 700.0},
				Method:       model.AdjustMultiplicative,
				Value:        decimal.NewFromFloat(1.10),
			},
		},
	}

	req := PMIRequest{
		LoanAmount:    decimal.NewFromInt(300000),
		PropertyValue: decimal.NewFromInt(333333),
		FICO:          730,
	}

	q, ok := engine.priceCard(card, "Test Carrier", req, decimal.NewFromFloat(90.01), decimal.NewFromInt(30))
	assert.True(t, ok)
	assert.True(t, q.Rate.Round(4).Equal(decimal.NewFromFloat(0.7150)), "got rate %v", q.Rate)
	assert.Len(t, q.AdjustmentsApplied, 2)
	assert.True(t, q.AdjustmentsApplied[0].Before.Equal(decimal.NewFromFloat(0.50)))
	assert.True(t, q.AdjustmentsApplied[0].After.Equal(decimal.NewFromFloat(0.65)))
	assert.True(t, q.AdjustmentsApplied[1].Before.Equal(decimal.NewFromFloat(0.65)))
	assert.True(t, q.AdjustmentsApplied[1].After.Round(4).Equal(decimal.NewFromFloat(0.7150)))
}

func TestPMIEngine_PriceCard_NoMatchingCell(t *testing.T) {
	engine := NewPMIEngine(nil, DefaultPMIConfig())
	card := model.PMIRateCard{
		Grid: []model.PMIRateGridRow{
			{LTVMin: decimal.NewFromInt(80), LTVMax: decimal.NewFromInt(85), FICOMin: 760, FICOMax: 850, CoveragePct: decimal.NewFromInt(6), Rate: decimal.NewFromFloat(0.2)},
		},
	}
	req := PMIRequest{LoanAmount: decimal.NewFromInt(100000), PropertyValue: decimal.NewFromInt(120000), FICO: 600}
	_, ok := engine.priceCard(card, "X", req, decimal.NewFromFloat(83), decimal.NewFromInt(6))
	assert.False(t, ok)
}

func TestPMIEngine_SplitPremiumComponents(t *testing.T) {
	engine := NewPMIEngine(nil, DefaultPMIConfig())
	single, monthly := engine.SplitPremiumComponents(decimal.NewFromFloat(0.5), decimal.NewFromInt(300000))
	// 0.5/100 * 300000 * 1.5 = 2250
	assert.True(t, single.Equal(decimal.NewFromFloat(2250)))
	assert.True(t, monthly.Equal(decimal.NewFromFloat(1125)))
}
