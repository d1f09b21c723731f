package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PremiumType enumerates PMI premium payment structures.
type PremiumType string

const (
	PremiumMonthly    PremiumType = "monthly"
	PremiumSingle     PremiumType = "single"
	PremiumSplit      PremiumType = "split"
	PremiumLenderPaid PremiumType = "lender_paid"
)

// AdjustmentMethod enumerates how an Adjustment combines with the base rate.
type AdjustmentMethod string

const (
	AdjustAdditive       AdjustmentMethod = "additive"
	AdjustMultiplicative AdjustmentMethod = "multiplicative"
	AdjustOverride       AdjustmentMethod = "override"
)

// PMIRateCard is a versioned curated PMI pricing card. Natural key
// (carrier_id, premium_type, state) where state = "" means nationwide.
// Supersession: installing a new current card flips the old one's
// is_current=false and records superseded_by, in one transaction.
type PMIRateCard struct {
	ID            string      `json:"id"`
	CarrierID     string      `json:"carrier_id"`
	PremiumType   PremiumType `json:"premium_type"`
	State         string      `json:"state,omitempty"` // "" = nationwide
	IsCurrent     bool        `json:"is_current"`
	SupersededBy  string      `json:"superseded_by,omitempty"`
	Version       int         `json:"version"`
	EffectiveDate time.Time   `json:"effective_date"`
	CreatedAt     time.Time   `json:"created_at"`

	Grid        []PMIRateGridRow `json:"grid"`
	Adjustments []Adjustment     `json:"adjustments,omitempty"`
}

// PMIRateGridRow is one LTV x FICO x coverage -> rate cell. Lookup uses
// closed intervals with min <= value <= max.
type PMIRateGridRow struct {
	ID           string          `json:"id"`
	RateCardID   string          `json:"rate_card_id"`
	LTVMin       decimal.Decimal `json:"ltv_min"`
	LTVMax       decimal.Decimal `json:"ltv_max"`
	FICOMin      int             `json:"fico_min"`
	FICOMax      int             `json:"fico_max"`
	CoveragePct  decimal.Decimal `json:"coverage_pct"`
	Rate         decimal.Decimal `json:"rate"` // percent, e.g. 0.50 = 0.50%
}

// InRange reports whether ltv and fico fall within this row's closed lookup
// bounds (min <= value <= max) and coverage equals the row's CoveragePct.
func (r PMIRateGridRow) InRange(ltv decimal.Decimal, fico int, coverage decimal.Decimal) bool {
	if ltv.LessThan(r.LTVMin) || ltv.GreaterThan(r.LTVMax) {
		return false
	}
	if fico < r.FICOMin || fico > r.FICOMax {
		return false
	}
	if !coverage.Equal(r.CoveragePct) {
		return false
	}
	return true
}

// Adjustment is one tagged-predicate-conditioned rate adjustment, applied in
// insertion order at quote time. Condition is parsed once at card-load time
// into Predicates (see internal/pricing/condition.go); the raw JSON is kept
// only for audit/debug purposes.
type Adjustment struct {
	ID           string           `json:"id"`
	RateCardID   string           `json:"rate_card_id"`
	SequenceNo   int              `json:"sequence_no"`
	ConditionRaw map[string]any   `json:"condition"`
	Method       AdjustmentMethod `json:"method"`
	Value        decimal.Decimal  `json:"value"`
	Description  string           `json:"description,omitempty"`
}

// AdjustmentApplication records one before/after pair in the quote audit
// trail, so a composed rate can be explained adjustment-by-adjustment.
type AdjustmentApplication struct {
	AdjustmentID string           `json:"adjustment_id"`
	Description  string           `json:"description,omitempty"`
	Method       AdjustmentMethod `json:"method"`
	Before       decimal.Decimal  `json:"before"`
	After        decimal.Decimal  `json:"after"`
}
