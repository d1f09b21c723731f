package pricing

import (
	"context"
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

// TitleRequest is one title-insurance pricing query.
type TitleRequest struct {
	PurchasePrice       decimal.Decimal
	LoanAmount          decimal.Decimal
	State               string
	PolicyType          model.TitlePolicyType
	IsRefinance         bool
	YearsSincePrior     *int
	EndorsementCodes    []string
}

// TitleQuote is one carrier's priced result.
type TitleQuote struct {
	CarrierID            string
	CarrierName          string
	IsPromulgated        bool
	OwnerPremium         decimal.Decimal
	LenderPremium        decimal.Decimal
	SimultaneousSavings  decimal.Decimal
	ReissueCredit        decimal.Decimal
	EndorsementFees      decimal.Decimal
	Total                decimal.Decimal
}

// TitleResponse is the ranked result of a title pricing call.
type TitleResponse struct {
	Quotes []TitleQuote // sorted by total ascending
}

// TitleEngine prices title insurance across carriers with current rate cards.
type TitleEngine struct {
	store store.Store
}

// NewTitleEngine creates a title pricing engine.
func NewTitleEngine(st store.Store) *TitleEngine {
	return &TitleEngine{store: st}
}

// Quote prices the request across every carrier with a current title rate
// card for the request's policy type(s).
func (e *TitleEngine) Quote(ctx context.Context, req TitleRequest) (*TitleResponse, error) {
	start := time.Now()

	if req.PurchasePrice.LessThanOrEqual(decimal.Zero) {
		return nil, herrors.New(herrors.KindValidation, eris.New("pricing: purchase_price must be positive"))
	}

	ownerCards, err := e.store.ListCurrentTitleRateCards(ctx, req.State)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, eris.Wrap(err, "pricing: list title rate cards"))
	}

	byCarrier := make(map[string][]model.TitleRateCard)
	for _, c := range ownerCards {
		byCarrier[c.CarrierID] = append(byCarrier[c.CarrierID], c)
	}

	g, gctx := errgroup.WithContext(ctx)
	resultsCh := make(chan TitleQuote, len(byCarrier))

	for carrierID, cards := range byCarrier {
		carrierID, cards := carrierID, cards
		g.Go(func() error {
			carrier, err := e.store.GetCarrier(gctx, carrierID)
			if err != nil {
				return nil
			}
			q, ok := e.priceCarrier(carrier.LegalName, cards, req)
			if ok {
				resultsCh <- q
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)

	quotes := make([]TitleQuote, 0, len(byCarrier))
	for q := range resultsCh {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool {
		if !quotes[i].Total.Equal(quotes[j].Total) {
			return quotes[i].Total.LessThan(quotes[j].Total)
		}
		return quotes[i].CarrierName < quotes[j].CarrierName
	})

	resp := &TitleResponse{Quotes: quotes}
	e.logQuote(ctx, req, resp, time.Since(start))
	return resp, nil
}

func (e *TitleEngine) priceCarrier(carrierName string, cards []model.TitleRateCard, req TitleRequest) (TitleQuote, bool) {
	var ownerCard, lenderCard, simCard *model.TitleRateCard
	for i := range cards {
		switch cards[i].PolicyType {
		case model.TitlePolicyOwner:
			ownerCard = &cards[i]
		case model.TitlePolicyLender:
			lenderCard = &cards[i]
		case model.TitlePolicySimultaneous:
			simCard = &cards[i]
		}
	}
	if ownerCard == nil && lenderCard == nil {
		return TitleQuote{}, false
	}

	isPromulgated := false
	var ownerPremium, lenderPremium decimal.Decimal
	if ownerCard != nil {
		isPromulgated = ownerCard.IsPromulgated
		ownerPremium = bandPremium(ownerCard.CoverageBands, req.PurchasePrice)
	}
	if lenderCard != nil {
		isPromulgated = isPromulgated || lenderCard.IsPromulgated
		lenderPremium = bandPremium(lenderCard.CoverageBands, req.LoanAmount)
	}

	var simSavings decimal.Decimal
	chosenBase := chooseBase(ownerPremium, lenderPremium)
	total := ownerPremium

	switch req.PolicyType {
	case model.TitlePolicySimultaneous:
		if req.LoanAmount.GreaterThan(decimal.Zero) {
			card := simCard
			if card == nil {
				card = lenderCard
			}
			if card != nil {
				simSavings = simultaneousDiscount(card.SimultaneousIssues, req.LoanAmount, lenderPremium)
			}
			netLender := lenderPremium.Sub(simSavings)
			if netLender.LessThan(decimal.Zero) {
				netLender = decimal.Zero
			}
			total = ownerPremium.Add(netLender)
		}
	case model.TitlePolicyLender:
		chosenBase = lenderPremium
		total = lenderPremium
	default:
		total = ownerPremium
	}

	var reissueCredit decimal.Decimal
	if req.IsRefinance && req.YearsSincePrior != nil {
		card := ownerCard
		if card == nil {
			card = lenderCard
		}
		if card != nil {
			reissueCredit = reissueCreditFor(card.ReissueCredits, *req.YearsSincePrior, chosenBase)
		}
	}

	var endorsementFees decimal.Decimal
	card := ownerCard
	if card == nil {
		card = lenderCard
	}
	if card != nil {
		endorsementFees = endorsementFeesFor(card.Endorsements, req.EndorsementCodes, chosenBase)
	}

	total = total.Sub(reissueCredit).Add(endorsementFees)
	if total.LessThan(decimal.Zero) {
		total = decimal.Zero
	}

	return TitleQuote{
		CarrierID:           firstNonEmpty(ownerCard, lenderCard),
		CarrierName:         carrierName,
		IsPromulgated:       isPromulgated,
		OwnerPremium:        ownerPremium,
		LenderPremium:       lenderPremium,
		SimultaneousSavings: simSavings,
		ReissueCredit:       reissueCredit,
		EndorsementFees:     endorsementFees,
		Total:               total,
	}, true
}

// chooseBase is the reissue-credit/endorsement base: the owner premium when
// one exists, otherwise the lender premium.
func chooseBase(ownerPremium, lenderPremium decimal.Decimal) decimal.Decimal {
	if ownerPremium.GreaterThan(decimal.Zero) {
		return ownerPremium
	}
	return lenderPremium
}

func firstNonEmpty(cards ...*model.TitleRateCard) string {
	for _, c := range cards {
		if c != nil {
			return c.CarrierID
		}
	}
	return ""
}

// bandPremium walks coverage bands in ascending coverage_min order, summing
// the contribution of each band the insured amount reaches, then floors the
// result at the largest minimum_premium among visited bands.
func bandPremium(bands []model.TitleCoverageBand, insuredAmount decimal.Decimal) decimal.Decimal {
	sorted := make([]model.TitleCoverageBand, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CoverageMin.LessThan(sorted[j].CoverageMin)
	})

	total := decimal.Zero
	floor := decimal.Zero
	for _, b := range sorted {
		if insuredAmount.LessThanOrEqual(b.CoverageMin) {
			continue
		}
		upper := b.CoverageMax
		if insuredAmount.LessThan(upper) {
			upper = insuredAmount
		}
		span := upper.Sub(b.CoverageMin)
		if span.LessThanOrEqual(decimal.Zero) {
			continue
		}
		total = total.Add(span.Mul(b.RatePerThousand).Div(decimal.NewFromInt(1000))).Add(b.FlatFee)
		if b.MinimumPremium.GreaterThan(floor) {
			floor = b.MinimumPremium
		}
	}
	if total.LessThan(floor) {
		return floor
	}
	return total
}

// simultaneousDiscount looks up the loan-amount band and returns the larger
// of the two discount formulas plus the band's flat fee.
func simultaneousDiscount(rows []model.SimultaneousIssueRow, loanAmount, lenderPremium decimal.Decimal) decimal.Decimal {
	for _, r := range rows {
		if loanAmount.LessThan(r.LoanMin) || loanAmount.GreaterThan(r.LoanMax) {
			continue
		}
		byRate := loanAmount.Mul(r.DiscountRatePerThousand).Div(decimal.NewFromInt(1000))
		byPct := lenderPremium.Mul(r.DiscountPct).Div(decimal.NewFromInt(100))
		discount := byRate
		if byPct.GreaterThan(discount) {
			discount = byPct
		}
		return discount.Add(r.FlatFee)
	}
	return decimal.Zero
}

// reissueCreditFor finds the tier containing yearsSince and applies its
// credit percentage against base.
func reissueCreditFor(rows []model.ReissueCreditRow, yearsSince int, base decimal.Decimal) decimal.Decimal {
	for _, r := range rows {
		if yearsSince < r.YearsSinceMin || yearsSince > r.YearsSinceMax {
			continue
		}
		return base.Mul(r.CreditPct).Div(decimal.NewFromInt(100))
	}
	return decimal.Zero
}

// endorsementFeesFor sums the flat + variable fee for each requested code
// present on the card.
func endorsementFeesFor(rows []model.EndorsementRow, codes []string, base decimal.Decimal) decimal.Decimal {
	want := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		want[c] = struct{}{}
	}
	total := decimal.Zero
	for _, r := range rows {
		if _, ok := want[r.Code]; !ok {
			continue
		}
		total = total.Add(r.FlatFee)
		total = total.Add(base.Mul(r.RatePerThousand).Div(decimal.NewFromInt(1000)))
		total = total.Add(base.Mul(r.PctOfBase))
	}
	return total
}

func (e *TitleEngine) logQuote(ctx context.Context, req TitleRequest, resp *TitleResponse, elapsed time.Duration) {
	go func() {
		logCtx := context.Background()
		l := &model.QuoteLog{
			Kind: "title",
			Request: map[string]any{
				"purchase_price": req.PurchasePrice.String(),
				"loan_amount":    req.LoanAmount.String(),
				"state":          req.State,
				"policy_type":    string(req.PolicyType),
			},
			ResponseSummary: map[string]any{
				"quote_count": len(resp.Quotes),
			},
			ElapsedMs: elapsed.Milliseconds(),
		}
		if len(resp.Quotes) > 0 {
			l.BestCarrierID = resp.Quotes[0].CarrierID
			l.BestRate = resp.Quotes[0].Total.String()
		}
		if err := e.store.InsertQuoteLog(logCtx, l); err != nil {
			zap.L().Warn("pricing: failed to write title quote log", zap.Error(err))
		}
	}()
}
