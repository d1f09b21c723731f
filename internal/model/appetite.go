package model

import "time"

// AppetiteProfile is the derived per-(carrier, state, line) appetite state.
// Natural key (carrier_id, state, line_of_business), at most one is_current
// row per key.
type AppetiteProfile struct {
	ID                     string         `json:"id"`
	CarrierID              string         `json:"carrier_id"`
	State                  string         `json:"state"`
	LineOfBusiness         string         `json:"line_of_business"`
	IsCurrent              bool           `json:"is_current"`
	SupersededBy           string         `json:"superseded_by,omitempty"`
	AppetiteScore          float64        `json:"appetite_score"` // 0-10
	EligibleClasses        []string       `json:"eligible_classes,omitempty"`
	IneligibleClasses      []string       `json:"ineligible_classes,omitempty"`
	PreferredClasses       []string       `json:"preferred_classes,omitempty"`
	TerritoryPreferences   map[string]float64 `json:"territory_preferences,omitempty"`
	LimitRangeMin          *float64       `json:"limit_range_min,omitempty"`
	LimitRangeMax          *float64       `json:"limit_range_max,omitempty"`
	DeductibleRangeMin     *float64       `json:"deductible_range_min,omitempty"`
	DeductibleRangeMax     *float64       `json:"deductible_range_max,omitempty"`
	PremiumRangeMin        *float64       `json:"premium_range_min,omitempty"`
	PremiumRangeMax        *float64       `json:"premium_range_max,omitempty"`
	RateCompetitivenessIdx float64        `json:"rate_competitiveness_index"`
	LastRateChangePct      *float64       `json:"last_rate_change_pct,omitempty"`
	SourceFilingCount      int            `json:"source_filing_count"`
	ComputedAt             time.Time      `json:"computed_at"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// NaturalKey returns the (carrier, state, line) triple used for the
// at-most-one-current invariant.
func (p AppetiteProfile) NaturalKey() (carrierID, state, line string) {
	return p.CarrierID, p.State, p.LineOfBusiness
}

// SignalKind enumerates the change-detector's typed signal kinds.
type SignalKind string

const (
	SignalRateDecrease      SignalKind = "rate_decrease"
	SignalRateIncrease      SignalKind = "rate_increase"
	SignalExpandedClasses   SignalKind = "expanded_classes"
	SignalContractedClasses SignalKind = "contracted_classes"
	SignalNewStateEntry     SignalKind = "new_state_entry"
	SignalFilingWithdrawal  SignalKind = "filing_withdrawal"
	SignalTerritoryExpansion SignalKind = "territory_expansion"
)

// AppetiteSignal is an immutable event emitted by the change detector.
type AppetiteSignal struct {
	ID            string     `json:"id"`
	ProfileID     string     `json:"profile_id,omitempty"` // optional only for new_state_entry
	CarrierID     string     `json:"carrier_id"`
	Kind          SignalKind `json:"kind"`
	Strength      int        `json:"strength"` // 1-10
	Date          time.Time  `json:"date"`
	Description   string     `json:"description"`
	SourceFilingID string    `json:"source_filing_id,omitempty"`
	Acknowledged  bool       `json:"acknowledged"`
	CreatedAt     time.Time  `json:"created_at"`
}

// clampInt clamps v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampStrength clamps a raw signal-strength computation into [lo, hi],
// rounding to the nearest integer. Callers pass (1, 10) for most signal
// kinds and (5, 10) for filing_withdrawal, whose floor reflects that a
// withdrawal is never a low-strength signal.
func ClampStrength(v float64, lo, hi int) int {
	r := int(v + 0.5)
	return clampInt(r, lo, hi)
}
