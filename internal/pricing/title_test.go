package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/hermes/internal/model"
)

func band(min, max, rate, flat, minPrem float64) model.TitleCoverageBand {
	return model.TitleCoverageBand{
		CoverageMin:     decimal.NewFromFloat(min),
		CoverageMax:     decimal.NewFromFloat(max),
		RatePerThousand: decimal.NewFromFloat(rate),
		FlatFee:         decimal.NewFromFloat(flat),
		MinimumPremium:  decimal.NewFromFloat(minPrem),
	}
}

func TestBandPremium_AscendingBands(t *testing.T) {
	bands := []model.TitleCoverageBand{
		band(0, 100000, 5.0, 25, 150),
		band(100000, 500000, 4.0, 25, 150),
	}
	premium := bandPremium(bands, decimal.NewFromInt(200000))
	// band1: (100000-0)*5/1000 + 25 = 525
	// band2: (200000-100000)*4/1000 + 25 = 425
	// total = 950
	assert.True(t, premium.Equal(decimal.NewFromFloat(950)), "got %v", premium)
}

func TestBandPremium_FloorsAtMinimum(t *testing.T) {
	bands := []model.TitleCoverageBand{
		band(0, 1000000, 0.1, 0, 500),
	}
	premium := bandPremium(bands, decimal.NewFromInt(1000))
	assert.True(t, premium.Equal(decimal.NewFromFloat(500)))
}

func TestSimultaneousDiscount_PicksLargerFormula(t *testing.T) {
	rows := []model.SimultaneousIssueRow{
		{
			LoanMin: decimal.NewFromInt(0), LoanMax: decimal.NewFromInt(1000000),
			DiscountRatePerThousand: decimal.NewFromFloat(1.0),
			DiscountPct:             decimal.NewFromFloat(50),
			FlatFee:                 decimal.NewFromFloat(10),
		},
	}
	discount := simultaneousDiscount(rows, decimal.NewFromInt(380000), decimal.NewFromInt(1000))
	// byRate = 380000*1/1000 = 380; byPct = 1000*50/100=500 -> pick 500, +10 = 510
	assert.True(t, discount.Equal(decimal.NewFromFloat(510)), "got %v", discount)
}

func TestTitlePricing_SimultaneousSavingsNonNegative(t *testing.T) {
	ownerBands := []model.TitleCoverageBand{band(0, 1000000, 5.5, 25, 150)}
	lenderBands := []model.TitleCoverageBand{band(0, 1000000, 3.0, 25, 100)}
	simRows := []model.SimultaneousIssueRow{
		{LoanMin: decimal.NewFromInt(0), LoanMax: decimal.NewFromInt(1000000), DiscountRatePerThousand: decimal.NewFromFloat(0.5), DiscountPct: decimal.NewFromFloat(0), FlatFee: decimal.Zero},
	}

	for _, loan := range []float64{100000, 250000, 380000, 600000} {
		ownerPremium := bandPremium(ownerBands, decimal.NewFromInt(500000))
		lenderPremium := bandPremium(lenderBands, decimal.NewFromFloat(loan))
		savings := simultaneousDiscount(simRows, decimal.NewFromFloat(loan), lenderPremium)
		netLender := lenderPremium.Sub(savings)
		if netLender.LessThan(decimal.Zero) {
			netLender = decimal.Zero
		}
		simultaneousTotal := ownerPremium.Add(netLender)
		standalone := ownerPremium.Add(lenderPremium)
		assert.True(t, simultaneousTotal.LessThanOrEqual(standalone), "loan=%v sim=%v standalone=%v", loan, simultaneousTotal, standalone)
		assert.True(t, savings.GreaterThanOrEqual(decimal.Zero))
	}
}

func TestReissueCreditFor_TierMatch(t *testing.T) {
	rows := []model.ReissueCreditRow{
		{YearsSinceMin: 0, YearsSinceMax: 3, CreditPct: decimal.NewFromFloat(40)},
		{YearsSinceMin: 4, YearsSinceMax: 10, CreditPct: decimal.NewFromFloat(20)},
	}
	credit := reissueCreditFor(rows, 2, decimal.NewFromInt(1000))
	assert.True(t, credit.Equal(decimal.NewFromFloat(400)))

	credit2 := reissueCreditFor(rows, 20, decimal.NewFromInt(1000))
	assert.True(t, credit2.Equal(decimal.Zero))
}

func TestEndorsementFeesFor_SumsRequestedCodes(t *testing.T) {
	rows := []model.EndorsementRow{
		{Code: "ALTA9", FlatFee: decimal.NewFromFloat(25), RatePerThousand: decimal.Zero, PctOfBase: decimal.Zero},
		{Code: "ALTA8.1", FlatFee: decimal.NewFromFloat(15), RatePerThousand: decimal.Zero, PctOfBase: decimal.Zero},
	}
	fees := endorsementFeesFor(rows, []string{"ALTA9"}, decimal.NewFromInt(500000))
	assert.True(t, fees.Equal(decimal.NewFromFloat(25)))

	feesNone := endorsementFeesFor(rows, nil, decimal.NewFromInt(500000))
	assert.True(t, feesNone.Equal(decimal.Zero))
}

func TestChooseBase_FallsBackToLender(t *testing.T) {
	owner := decimal.NewFromInt(1200)
	lender := decimal.NewFromInt(800)
	assert.True(t, chooseBase(owner, lender).Equal(owner))
	assert.True(t, chooseBase(decimal.Zero, lender).Equal(lender))
}

func TestPriceCarrier_SimultaneousWithoutOwnerCardBasesOnLender(t *testing.T) {
	lenderBands := []model.TitleCoverageBand{band(0, 1000000, 3.0, 25, 100)}
	cards := []model.TitleRateCard{
		{
			CarrierID:      "car-1",
			PolicyType:     model.TitlePolicyLender,
			CoverageBands:  lenderBands,
			ReissueCredits: []model.ReissueCreditRow{{YearsSinceMin: 0, YearsSinceMax: 10, CreditPct: decimal.NewFromFloat(40)}},
			Endorsements:   []model.EndorsementRow{{Code: "ALTA9", FlatFee: decimal.NewFromFloat(25)}},
		},
	}
	years := 2
	e := TitleEngine{}
	q, ok := e.priceCarrier("Lender Only Title", cards, TitleRequest{
		PurchasePrice:    decimal.NewFromInt(400000),
		LoanAmount:       decimal.NewFromInt(380000),
		PolicyType:       model.TitlePolicySimultaneous,
		IsRefinance:      true,
		YearsSincePrior:  &years,
		EndorsementCodes: []string{"ALTA9"},
	})
	assert.True(t, ok)
	assert.True(t, q.OwnerPremium.IsZero())
	assert.True(t, q.LenderPremium.GreaterThan(decimal.Zero))
	// no owner premium on file: reissue credit bases on the lender premium
	wantCredit := q.LenderPremium.Mul(decimal.NewFromFloat(40)).Div(decimal.NewFromInt(100))
	assert.True(t, q.ReissueCredit.Equal(wantCredit), "credit=%v want=%v", q.ReissueCredit, wantCredit)
	assert.True(t, q.EndorsementFees.Equal(decimal.NewFromFloat(25)))
}
