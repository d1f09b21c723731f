package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Extracted artifacts. Each carries a confidence score, the page it was
// extracted from, and an is_current flag since extraction can be superseded
// by a later amended filing document.

// RateTable is the parent container for base rates, rating factors,
// territory definitions, class mappings, and the premium algorithm narrative
// extracted from one document.
type RateTable struct {
	ID             string    `json:"id"`
	FilingID       string    `json:"filing_id"`
	DocumentID     string    `json:"document_id"`
	Confidence     float64   `json:"confidence"`
	SourcePage     int       `json:"source_page"`
	IsCurrent      bool      `json:"is_current"`
	EffectiveDate  *time.Time `json:"effective_date,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	BaseRates       []BaseRate           `json:"base_rates,omitempty"`
	RatingFactors   []RatingFactor       `json:"rating_factors,omitempty"`
	Territories     []TerritoryDefinition `json:"territories,omitempty"`
	ClassMappings   []ClassCodeMapping   `json:"class_mappings,omitempty"`
	Algorithm       *PremiumAlgorithm    `json:"algorithm,omitempty"`
}

// BaseRate is a class x territory x rate cell.
type BaseRate struct {
	ID           string          `json:"id"`
	RateTableID  string          `json:"rate_table_id"`
	ClassCode    string          `json:"class_code"`
	Territory    string          `json:"territory"`
	Rate         decimal.Decimal `json:"rate"`
	Unit         string          `json:"unit,omitempty"`
	Confidence   float64         `json:"confidence"`
}

// RatingFactor is a multiplicative or additive adjustment keyed by a rating
// variable (e.g. deductible tier, limit tier, experience mod).
type RatingFactor struct {
	ID          string          `json:"id"`
	RateTableID string          `json:"rate_table_id"`
	Variable    string          `json:"variable"`
	Tier        string          `json:"tier"`
	Factor      decimal.Decimal `json:"factor"`
	Confidence  float64         `json:"confidence"`
}

// TerritoryDefinition maps a territory code to its geographic description.
type TerritoryDefinition struct {
	ID          string  `json:"id"`
	RateTableID string  `json:"rate_table_id"`
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// EligibilityStatus enumerates class-code eligibility.
type EligibilityStatus string

const (
	EligibilityEligible   EligibilityStatus = "eligible"
	EligibilityIneligible EligibilityStatus = "ineligible"
	EligibilityRestricted EligibilityStatus = "restricted"
)

// ClassCodeMapping links a class code to its eligibility status under this
// rate table, used by the appetite change detector's class-code diff.
type ClassCodeMapping struct {
	ID                string            `json:"id"`
	RateTableID       string            `json:"rate_table_id"`
	ClassCode         string            `json:"class_code"`
	Description       string            `json:"description,omitempty"`
	EligibilityStatus EligibilityStatus `json:"eligibility_status"`
	Confidence        float64           `json:"confidence"`
}

// PremiumAlgorithm is the narrative description of how base rate, rating
// factors, and territory are combined to produce a premium.
type PremiumAlgorithm struct {
	ID          string  `json:"id"`
	RateTableID string  `json:"rate_table_id"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// EligibilityOperator enumerates comparison operators for UnderwritingRule
// eligibility criteria.
type EligibilityOperator string

const (
	OpEq EligibilityOperator = "eq"
	OpGt EligibilityOperator = "gt"
	OpGe EligibilityOperator = "ge"
	OpLt EligibilityOperator = "lt"
	OpLe EligibilityOperator = "le"
	OpIn EligibilityOperator = "in"
)

// UnderwritingRule is an extracted rule with its typed eligibility criteria.
type UnderwritingRule struct {
	ID          string    `json:"id"`
	FilingID    string    `json:"filing_id"`
	DocumentID  string    `json:"document_id"`
	Type        string    `json:"type"`
	Category    string    `json:"category"`
	FullText    string    `json:"full_text"`
	Confidence  float64   `json:"confidence"`
	SourcePage  int       `json:"source_page"`
	IsCurrent   bool      `json:"is_current"`
	CreatedAt   time.Time `json:"created_at"`

	Criteria []EligibilityCriterion `json:"criteria,omitempty"`
}

// EligibilityCriterion is one typed, operator-bearing condition of a rule.
type EligibilityCriterion struct {
	ID             string              `json:"id"`
	RuleID         string              `json:"rule_id"`
	CriterionType  string              `json:"criterion_type"`
	Value          string              `json:"value"`
	Operator       EligibilityOperator `json:"operator"`
	Unit           string              `json:"unit,omitempty"`
	IsHardRule     bool                `json:"is_hard_rule"`
}

// CoverageOption is an extracted optional coverage.
type CoverageOption struct {
	ID          string    `json:"id"`
	FilingID    string    `json:"filing_id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	SourcePage  int       `json:"source_page"`
	IsCurrent   bool      `json:"is_current"`
}

// CreditSurcharge is an extracted rating credit or surcharge program.
type CreditSurcharge struct {
	ID           string          `json:"id"`
	FilingID     string          `json:"filing_id"`
	DocumentID   string          `json:"document_id"`
	Name         string          `json:"name"`
	IsSurcharge  bool            `json:"is_surcharge"`
	Amount       decimal.Decimal `json:"amount"`
	AmountIsPct  bool            `json:"amount_is_pct"`
	Confidence   float64         `json:"confidence"`
	SourcePage   int             `json:"source_page"`
	IsCurrent    bool            `json:"is_current"`
}

// Exclusion is an extracted policy exclusion.
type Exclusion struct {
	ID          string  `json:"id"`
	FilingID    string  `json:"filing_id"`
	DocumentID  string  `json:"document_id"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	SourcePage  int     `json:"source_page"`
	IsCurrent   bool    `json:"is_current"`
}

// PolicyForm is the first-page metadata of a form plus its extracted
// provisions.
type PolicyForm struct {
	ID           string    `json:"id"`
	FilingID     string    `json:"filing_id"`
	DocumentID   string    `json:"document_id"`
	FormNumber   string    `json:"form_number"`
	EditionDate  string    `json:"edition_date,omitempty"`
	FormType     string    `json:"form_type,omitempty"`
	Confidence   float64   `json:"confidence"`
	SourcePage   int       `json:"source_page"`
	IsCurrent    bool      `json:"is_current"`
	CreatedAt    time.Time `json:"created_at"`

	Provisions []FormProvision `json:"provisions,omitempty"`
}

// ProvisionType enumerates the four tagged provision kinds.
type ProvisionType string

const (
	ProvisionCoverageGrant ProvisionType = "coverage_grant"
	ProvisionExclusion     ProvisionType = "exclusion"
	ProvisionCondition     ProvisionType = "condition"
	ProvisionDefinition    ProvisionType = "definition"
)

// BroadeningTag marks whether a provision expands or restricts coverage,
// when determinable from the LLM summary.
type BroadeningTag string

const (
	TagBroadening  BroadeningTag = "broadening"
	TagRestricting BroadeningTag = "restricting"
	TagNeutral     BroadeningTag = ""
)

// FormProvision is one typed, tagged provision of a policy form.
type FormProvision struct {
	ID         string        `json:"id"`
	FormID     string        `json:"form_id"`
	Type       ProvisionType `json:"type"`
	Text       string        `json:"text"`
	Tag        BroadeningTag `json:"tag,omitempty"`
	Confidence float64       `json:"confidence"`
}
