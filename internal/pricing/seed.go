package pricing

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

// SeedPMICard is the YAML-friendly shape a curated PMI rate card is loaded
// from before being converted into model.PMIRateCard.
type SeedPMICard struct {
	CarrierNAIC string             `yaml:"carrier_naic"`
	PremiumType string             `yaml:"premium_type"`
	State       string             `yaml:"state"`
	Grid        []SeedPMIGridRow   `yaml:"grid"`
	Adjustments []SeedAdjustment   `yaml:"adjustments"`
}

// SeedPMIGridRow is one YAML grid row.
type SeedPMIGridRow struct {
	LTVMin      float64 `yaml:"ltv_min"`
	LTVMax      float64 `yaml:"ltv_max"`
	FICOMin     int     `yaml:"fico_min"`
	FICOMax     int     `yaml:"fico_max"`
	CoveragePct float64 `yaml:"coverage_pct"`
	Rate        float64 `yaml:"rate"`
}

// SeedAdjustment is one YAML adjustment row.
type SeedAdjustment struct {
	Condition   map[string]any `yaml:"condition"`
	Method      string         `yaml:"method"`
	Value       float64        `yaml:"value"`
	Description string         `yaml:"description"`
}

// ParsePMISeed parses a YAML document into a list of seed PMI cards.
func ParsePMISeed(data []byte) ([]SeedPMICard, error) {
	var cards []SeedPMICard
	if err := yaml.Unmarshal(data, &cards); err != nil {
		return nil, eris.Wrap(err, "pricing: parse PMI seed YAML")
	}
	return cards, nil
}

// ToModel converts a seed card into a model.PMIRateCard for the given
// carrier ID, validating every adjustment's condition at load time.
func (s SeedPMICard) ToModel(carrierID string, effectiveDate time.Time) (*model.PMIRateCard, error) {
	card := &model.PMIRateCard{
		CarrierID:     carrierID,
		PremiumType:   model.PremiumType(s.PremiumType),
		State:         s.State,
		IsCurrent:     true,
		Version:       1,
		EffectiveDate: effectiveDate,
	}
	for _, row := range s.Grid {
		card.Grid = append(card.Grid, model.PMIRateGridRow{
			LTVMin:      decimal.NewFromFloat(row.LTVMin),
			LTVMax:      decimal.NewFromFloat(row.LTVMax),
			FICOMin:     row.FICOMin,
			FICOMax:     row.FICOMax,
			CoveragePct: decimal.NewFromFloat(row.CoveragePct),
			Rate:        decimal.NewFromFloat(row.Rate),
		})
	}
	for i, adj := range s.Adjustments {
		if _, err := ParseCondition(adj.Condition); err != nil {
			return nil, eris.Wrapf(err, "pricing: seed adjustment %d", i)
		}
		card.Adjustments = append(card.Adjustments, model.Adjustment{
			SequenceNo:   i,
			ConditionRaw: adj.Condition,
			Method:       model.AdjustmentMethod(adj.Method),
			Value:        decimal.NewFromFloat(adj.Value),
			Description:  adj.Description,
		})
	}
	return card, nil
}

// InstallSeeds loads curated PMI and Title rate cards into the store — the
// bootstrap path for a fresh deployment before any filings have been
// parsed. Carriers unknown to the store get a placeholder row keyed by
// NAIC; each card goes through the supersession upserts, so reseeding
// flips the prior version non-current rather than duplicating it.
func InstallSeeds(ctx context.Context, st store.Store, pmiYAML, titleYAML []byte, effectiveDate time.Time) (installed int, err error) {
	if len(pmiYAML) > 0 {
		cards, err := ParsePMISeed(pmiYAML)
		if err != nil {
			return installed, err
		}
		for _, sc := range cards {
			carrier, err := carrierForNAIC(ctx, st, sc.CarrierNAIC)
			if err != nil {
				return installed, err
			}
			m, err := sc.ToModel(carrier.ID, effectiveDate)
			if err != nil {
				return installed, err
			}
			if err := st.UpsertPMIRateCard(ctx, m); err != nil {
				return installed, eris.Wrapf(err, "pricing: install PMI card for NAIC %s", sc.CarrierNAIC)
			}
			installed++
		}
	}

	if len(titleYAML) > 0 {
		cards, err := ParseTitleSeed(titleYAML)
		if err != nil {
			return installed, err
		}
		for _, sc := range cards {
			carrier, err := carrierForNAIC(ctx, st, sc.CarrierNAIC)
			if err != nil {
				return installed, err
			}
			if err := st.UpsertTitleRateCard(ctx, sc.ToModel(carrier.ID, effectiveDate)); err != nil {
				return installed, eris.Wrapf(err, "pricing: install title card for NAIC %s", sc.CarrierNAIC)
			}
			installed++
		}
	}

	return installed, nil
}

func carrierForNAIC(ctx context.Context, st store.Store, naic string) (*model.Carrier, error) {
	c, err := st.GetCarrierByNAIC(ctx, naic)
	if err == nil {
		return c, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "pricing: look up carrier NAIC %s", naic)
	}
	c = &model.Carrier{NAIC: naic, LegalName: "NAIC " + naic}
	if err := st.UpsertCarrier(ctx, c); err != nil {
		return nil, eris.Wrapf(err, "pricing: create placeholder carrier NAIC %s", naic)
	}
	return c, nil
}

// SeedTitleCard is the YAML-friendly shape a curated title rate card is
// loaded from.
type SeedTitleCard struct {
	CarrierNAIC   string                  `yaml:"carrier_naic"`
	PolicyType    string                  `yaml:"policy_type"`
	State         string                  `yaml:"state"`
	IsPromulgated bool                    `yaml:"is_promulgated"`
	CoverageBands []SeedTitleBand         `yaml:"coverage_bands"`
	Simultaneous  []SeedSimultaneousIssue `yaml:"simultaneous_issues"`
	Reissue       []SeedReissueCredit     `yaml:"reissue_credits"`
	Endorsements  []SeedEndorsement       `yaml:"endorsements"`
}

// SeedTitleBand is one YAML coverage band.
type SeedTitleBand struct {
	CoverageMin     float64 `yaml:"coverage_min"`
	CoverageMax     float64 `yaml:"coverage_max"`
	RatePerThousand float64 `yaml:"rate_per_thousand"`
	FlatFee         float64 `yaml:"flat_fee"`
	MinimumPremium  float64 `yaml:"minimum_premium"`
}

// SeedSimultaneousIssue is one YAML simultaneous-issue discount band.
type SeedSimultaneousIssue struct {
	LoanMin                 float64 `yaml:"loan_min"`
	LoanMax                 float64 `yaml:"loan_max"`
	DiscountRatePerThousand float64 `yaml:"discount_rate_per_thousand"`
	DiscountPct             float64 `yaml:"discount_pct"`
	FlatFee                 float64 `yaml:"flat_fee"`
}

// SeedReissueCredit is one YAML reissue credit tier.
type SeedReissueCredit struct {
	YearsSinceMin int     `yaml:"years_since_min"`
	YearsSinceMax int     `yaml:"years_since_max"`
	CreditPct     float64 `yaml:"credit_pct"`
}

// SeedEndorsement is one YAML endorsement fee row.
type SeedEndorsement struct {
	Code            string  `yaml:"code"`
	Description     string  `yaml:"description"`
	FlatFee         float64 `yaml:"flat_fee"`
	RatePerThousand float64 `yaml:"rate_per_thousand"`
	PctOfBase       float64 `yaml:"pct_of_base"`
}

// ParseTitleSeed parses a YAML document into a list of seed title cards.
func ParseTitleSeed(data []byte) ([]SeedTitleCard, error) {
	var cards []SeedTitleCard
	if err := yaml.Unmarshal(data, &cards); err != nil {
		return nil, eris.Wrap(err, "pricing: parse title seed YAML")
	}
	return cards, nil
}

// ToModel converts a seed card into a model.TitleRateCard.
func (s SeedTitleCard) ToModel(carrierID string, effectiveDate time.Time) *model.TitleRateCard {
	card := &model.TitleRateCard{
		CarrierID:     carrierID,
		PolicyType:    model.TitlePolicyType(s.PolicyType),
		State:         s.State,
		IsPromulgated: s.IsPromulgated,
		IsCurrent:     true,
		Version:       1,
		EffectiveDate: effectiveDate,
	}
	for _, b := range s.CoverageBands {
		card.CoverageBands = append(card.CoverageBands, model.TitleCoverageBand{
			CoverageMin:     decimal.NewFromFloat(b.CoverageMin),
			CoverageMax:     decimal.NewFromFloat(b.CoverageMax),
			RatePerThousand: decimal.NewFromFloat(b.RatePerThousand),
			FlatFee:         decimal.NewFromFloat(b.FlatFee),
			MinimumPremium:  decimal.NewFromFloat(b.MinimumPremium),
		})
	}
	for _, r := range s.Simultaneous {
		card.SimultaneousIssues = append(card.SimultaneousIssues, model.SimultaneousIssueRow{
			LoanMin:                 decimal.NewFromFloat(r.LoanMin),
			LoanMax:                 decimal.NewFromFloat(r.LoanMax),
			DiscountRatePerThousand: decimal.NewFromFloat(r.DiscountRatePerThousand),
			DiscountPct:             decimal.NewFromFloat(r.DiscountPct),
			FlatFee:                 decimal.NewFromFloat(r.FlatFee),
		})
	}
	for _, r := range s.Reissue {
		card.ReissueCredits = append(card.ReissueCredits, model.ReissueCreditRow{
			YearsSinceMin: r.YearsSinceMin,
			YearsSinceMax: r.YearsSinceMax,
			CreditPct:     decimal.NewFromFloat(r.CreditPct),
		})
	}
	for _, e := range s.Endorsements {
		card.Endorsements = append(card.Endorsements, model.EndorsementRow{
			Code:            e.Code,
			Description:     e.Description,
			FlatFee:         decimal.NewFromFloat(e.FlatFee),
			RatePerThousand: decimal.NewFromFloat(e.RatePerThousand),
			PctOfBase:       decimal.NewFromFloat(e.PctOfBase),
		})
	}
	return card
}
