package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TitlePolicyType enumerates title insurance policy types.
type TitlePolicyType string

const (
	TitlePolicyOwner       TitlePolicyType = "owner"
	TitlePolicyLender      TitlePolicyType = "lender"
	TitlePolicySimultaneous TitlePolicyType = "simultaneous"
)

// TitleRateCard is a versioned curated title pricing card. Natural key
// (carrier_id, policy_type, state).
type TitleRateCard struct {
	ID            string          `json:"id"`
	CarrierID     string          `json:"carrier_id"`
	PolicyType    TitlePolicyType `json:"policy_type"`
	State         string          `json:"state"`
	IsPromulgated bool            `json:"is_promulgated"`
	IsCurrent     bool            `json:"is_current"`
	SupersededBy  string          `json:"superseded_by,omitempty"`
	Version       int             `json:"version"`
	EffectiveDate time.Time       `json:"effective_date"`
	CreatedAt     time.Time       `json:"created_at"`

	CoverageBands      []TitleCoverageBand    `json:"coverage_bands"`
	SimultaneousIssues []SimultaneousIssueRow `json:"simultaneous_issues,omitempty"`
	ReissueCredits     []ReissueCreditRow     `json:"reissue_credits,omitempty"`
	Endorsements       []EndorsementRow       `json:"endorsements,omitempty"`
}

// TitleCoverageBand is an ascending coverage-tiered rate-per-thousand band.
type TitleCoverageBand struct {
	ID              string          `json:"id"`
	RateCardID      string          `json:"rate_card_id"`
	CoverageMin     decimal.Decimal `json:"coverage_min"`
	CoverageMax     decimal.Decimal `json:"coverage_max"`
	RatePerThousand decimal.Decimal `json:"rate_per_thousand"`
	FlatFee         decimal.Decimal `json:"flat_fee"`
	MinimumPremium  decimal.Decimal `json:"minimum_premium"`
}

// SimultaneousIssueRow is a loan-amount-banded discount for a lender policy
// issued at the same closing as an owner policy.
type SimultaneousIssueRow struct {
	ID                   string          `json:"id"`
	RateCardID           string          `json:"rate_card_id"`
	LoanMin              decimal.Decimal `json:"loan_min"`
	LoanMax              decimal.Decimal `json:"loan_max"`
	DiscountRatePerThousand decimal.Decimal `json:"discount_rate_per_thousand"`
	DiscountPct          decimal.Decimal `json:"discount_pct"`
	FlatFee              decimal.Decimal `json:"flat_fee"`
}

// ReissueCreditRow is a years-since-prior-policy tiered refinance credit.
type ReissueCreditRow struct {
	ID             string          `json:"id"`
	RateCardID     string          `json:"rate_card_id"`
	YearsSinceMin  int             `json:"years_since_min"`
	YearsSinceMax  int             `json:"years_since_max"`
	CreditPct      decimal.Decimal `json:"credit_pct"`
}

// EndorsementRow is a flat+variable fee for an optional title endorsement.
type EndorsementRow struct {
	ID              string          `json:"id"`
	RateCardID      string          `json:"rate_card_id"`
	Code            string          `json:"code"`
	Description     string          `json:"description,omitempty"`
	FlatFee         decimal.Decimal `json:"flat_fee"`
	RatePerThousand decimal.Decimal `json:"rate_per_thousand"`
	PctOfBase       decimal.Decimal `json:"pct_of_base"`
}
