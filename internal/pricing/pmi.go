package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// PMIConfig holds the pricing engine's tunable constants. The single-premium
// multiplier has no documented business justification in the source system
// (spec.md §9 Open Question); it's kept as config rather than hard-coded.
type PMIConfig struct {
	SingleMultiplier        decimal.Decimal
	SplitSingleMultiplier   decimal.Decimal
}

// DefaultPMIConfig returns the constants observed in the source system.
func DefaultPMIConfig() PMIConfig {
	return PMIConfig{
		SingleMultiplier:      decimal.NewFromFloat(3.0),
		SplitSingleMultiplier: decimal.NewFromFloat(1.5),
	}
}

// PMIRequest is one pricing query.
type PMIRequest struct {
	LoanAmount     decimal.Decimal
	PropertyValue  decimal.Decimal
	FICO           int
	State          string
	PremiumTypes   []model.PremiumType // defaults to all four if empty
	CoverageOverride *decimal.Decimal  // bypass the GSE-minimum table
}

// PMIQuote is one carrier/premium-type priced result.
type PMIQuote struct {
	CarrierID          string
	CarrierName        string
	PremiumType        model.PremiumType
	Rate               decimal.Decimal // percent, post-adjustment
	MonthlyPremium     decimal.Decimal
	AnnualPremium      decimal.Decimal
	SinglePremium      decimal.Decimal
	CoveragePct        decimal.Decimal
	AdjustmentsApplied []model.AdjustmentApplication
}

// PMIResponse is the ranked result of a PMI pricing call.
type PMIResponse struct {
	LTV           decimal.Decimal
	CoveragePct   decimal.Decimal
	Quotes        []PMIQuote // sorted by annual premium ascending
	BestMonthly   *PMIQuote
	BestOverall   *PMIQuote
}

// gseRequiredCoverage returns the GSE-minimum PMI coverage percentage for a
// given LTV, or 0 if PMI is not required (LTV <= 80).
func gseRequiredCoverage(ltv decimal.Decimal) decimal.Decimal {
	switch {
	case ltv.LessThanOrEqual(decimal.NewFromInt(80)):
		return decimal.Zero
	case ltv.LessThanOrEqual(decimal.NewFromFloat(85)):
		return decimal.NewFromInt(6)
	case ltv.LessThanOrEqual(decimal.NewFromInt(90)):
		return decimal.NewFromInt(25)
	case ltv.LessThanOrEqual(decimal.NewFromInt(95)):
		return decimal.NewFromInt(30)
	default:
		return decimal.NewFromInt(35)
	}
}

// GSERequiredCoverage is the exported wrapper used by tests and callers that
// need the raw coverage lookup without running a full quote.
func GSERequiredCoverage(ltv decimal.Decimal) decimal.Decimal {
	return gseRequiredCoverage(ltv)
}

// PMIEngine prices PMI across all carriers with a current rate card.
type PMIEngine struct {
	store store.Store
	cfg   PMIConfig
}

// NewPMIEngine creates a PMI pricing engine.
func NewPMIEngine(st store.Store, cfg PMIConfig) *PMIEngine {
	return &PMIEngine{store: st, cfg: cfg}
}

// Quote prices the request across every carrier with a current PMI rate
// card, ranks the results, and fire-and-forget logs the quote.
func (e *PMIEngine) Quote(ctx context.Context, req PMIRequest) (*PMIResponse, error) {
	start := time.Now()

	if req.LoanAmount.LessThanOrEqual(decimal.Zero) || req.PropertyValue.LessThanOrEqual(decimal.Zero) {
		return nil, herrors.New(herrors.KindValidation, eris.New("pricing: loan_amount and property_value must be positive"))
	}
	if req.FICO < 300 || req.FICO > 850 {
		return nil, herrors.New(herrors.KindValidation, eris.Errorf("pricing: fico %d out of range [300,850]", req.FICO))
	}

	ltv := req.LoanAmount.Div(req.PropertyValue).Mul(decimal.NewFromInt(100))
	if ltv.LessThanOrEqual(decimal.NewFromInt(80)) {
		return &PMIResponse{LTV: ltv, CoveragePct: decimal.Zero}, nil
	}

	coverage := gseRequiredCoverage(ltv)
	if req.CoverageOverride != nil {
		coverage = *req.CoverageOverride
	}

	premiumTypes := req.PremiumTypes
	if len(premiumTypes) == 0 {
		premiumTypes = []model.PremiumType{model.PremiumMonthly, model.PremiumSingle, model.PremiumSplit, model.PremiumLenderPaid}
	}

	cards, err := e.store.ListCurrentPMIRateCards(ctx, req.State)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "pricing: list PMI rate cards"))
	}

	// Prefer a state-specific card over nationwide per carrier+premium type.
	bestCard := make(map[string]model.PMIRateCard, len(cards))
	for _, c := range cards {
		key := fmt.Sprintf("%s|%s", c.CarrierID, c.PremiumType)
		existing, ok := bestCard[key]
		if !ok || (c.State != "" && existing.State == "") {
			bestCard[key] = c
		}
	}

	var quotes []PMIQuote

	g, gctx := errgroup.WithContext(ctx)
	results := make([]PMIQuote, 0, len(bestCard))
	resultsCh := make(chan PMIQuote, len(bestCard)*len(premiumTypes))

	carrierIDs := make(map[string]struct{})
	for _, c := range cards {
		carrierIDs[c.CarrierID] = struct{}{}
	}

	for carrierID := range carrierIDs {
		carrierID := carrierID
		g.Go(func() error {
			carrier, err := e.store.GetCarrier(gctx, carrierID)
			if err != nil {
				return nil // skip carriers we can't resolve; not fatal to the batch
			}
			for _, pt := range premiumTypes {
				card, ok := bestCard[fmt.Sprintf("%s|%s", carrierID, pt)]
				if !ok {
					continue
				}
				q, ok := e.priceCard(card, carrier.LegalName, req, ltv, coverage)
				if !ok {
					continue
				}
				resultsCh <- q
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	for q := range resultsCh {
		results = append(results, q)
	}
	quotes = results

	sort.Slice(quotes, func(i, j int) bool {
		if !quotes[i].AnnualPremium.Equal(quotes[j].AnnualPremium) {
			return quotes[i].AnnualPremium.LessThan(quotes[j].AnnualPremium)
		}
		return quotes[i].CarrierName < quotes[j].CarrierName
	})

	resp := &PMIResponse{LTV: ltv, CoveragePct: coverage, Quotes: quotes}
	for i := range quotes {
		if quotes[i].PremiumType == model.PremiumMonthly && resp.BestMonthly == nil {
			resp.BestMonthly = &quotes[i]
		}
	}
	if len(quotes) > 0 {
		resp.BestOverall = &quotes[0]
	}

	e.logQuote(ctx, req, resp, time.Since(start))
	return resp, nil
}

// priceCard looks up the matching grid cell, walks the adjustment list, and
// derives the monthly, annual, and single premium figures.
func (e *PMIEngine) priceCard(card model.PMIRateCard, carrierName string, req PMIRequest, ltv, coverage decimal.Decimal) (PMIQuote, bool) {
	var cell *model.PMIRateGridRow
	for i := range card.Grid {
		if card.Grid[i].InRange(ltv, req.FICO, coverage) {
			cell = &card.Grid[i]
			break
		}
	}
	if cell == nil {
		return PMIQuote{}, false
	}

	rate := cell.Rate
	var applied []model.AdjustmentApplication
	fields := map[string]any{
		"ltv":      ltv,
		"fico":     decimal.NewFromInt(int64(req.FICO)),
		"coverage": coverage,
		"state":    req.State,
	}
	for _, adj := range card.Adjustments {
		preds, err := ParseCondition(adj.ConditionRaw)
		if err != nil {
			zap.L().Warn("pricing: skipping malformed PMI adjustment", zap.String("adjustment_id", adj.ID), zap.Error(err))
			continue
		}
		if !EvalAll(preds, fields) {
			continue
		}
		before := rate
		switch adj.Method {
		case model.AdjustAdditive:
			rate = rate.Add(adj.Value)
		case model.AdjustMultiplicative:
			rate = rate.Mul(adj.Value)
		case model.AdjustOverride:
			rate = adj.Value
		}
		applied = append(applied, model.AdjustmentApplication{
			AdjustmentID: adj.ID,
			Description:  adj.Description,
			Method:       adj.Method,
			Before:       before,
			After:        rate,
		})
	}

	var annual, monthly, single decimal.Decimal
	if card.PremiumType == model.PremiumSplit {
		// Split premiums use their own component formulas (spec.md §4.6
		// step 3c), not the monthly/single type's annual/12 and ×3.0 math.
		singleComponent, monthlyComponent := e.SplitPremiumComponents(rate, req.LoanAmount)
		single = singleComponent
		monthly = monthlyComponent
		annual = monthlyComponent.Mul(decimal.NewFromInt(12))
	} else {
		annual = rate.Div(decimal.NewFromInt(100)).Mul(req.LoanAmount)
		monthly = annual.Div(decimal.NewFromInt(12))
		single = rate.Div(decimal.NewFromInt(100)).Mul(req.LoanAmount).Mul(e.cfg.SingleMultiplier)
	}

	return PMIQuote{
		CarrierID:          card.CarrierID,
		CarrierName:        carrierName,
		PremiumType:        card.PremiumType,
		Rate:               rate,
		MonthlyPremium:     monthly,
		AnnualPremium:      annual,
		SinglePremium:      single,
		CoveragePct:        coverage,
		AdjustmentsApplied: applied,
	}, true
}

// SplitPremiumComponents derives the split-payment single and monthly
// components from a base rate, per spec.md §4.6 step 3c: single-component is
// rate/100 x loan x 1.5, monthly-component is that halved.
func (e *PMIEngine) SplitPremiumComponents(rate, loanAmount decimal.Decimal) (singleComponent, monthlyComponent decimal.Decimal) {
	singleComponent = rate.Div(decimal.NewFromInt(100)).Mul(loanAmount).Mul(e.cfg.SplitSingleMultiplier)
	monthlyComponent = singleComponent.Div(decimal.NewFromInt(2))
	return
}

func (e *PMIEngine) logQuote(ctx context.Context, req PMIRequest, resp *PMIResponse, elapsed time.Duration) {
	go func() {
		logCtx := context.Background()
		l := &model.QuoteLog{
			Kind: "pmi",
			Request: map[string]any{
				"loan_amount":    req.LoanAmount.String(),
				"property_value": req.PropertyValue.String(),
				"fico":           req.FICO,
				"state":          req.State,
			},
			ResponseSummary: map[string]any{
				"ltv":         resp.LTV.String(),
				"coverage":    resp.CoveragePct.String(),
				"quote_count": len(resp.Quotes),
			},
			ElapsedMs: elapsed.Milliseconds(),
		}
		if resp.BestOverall != nil {
			l.BestCarrierID = resp.BestOverall.CarrierID
			l.BestRate = resp.BestOverall.Rate.String()
		}
		if err := e.store.InsertQuoteLog(logCtx, l); err != nil {
			zap.L().Warn("pricing: failed to write PMI quote log", zap.Error(err))
		}
	}()
}
