package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
)

func seedFilingAndDocument(t *testing.T, s *SQLiteStore, tracking, state string) (*model.Filing, *model.FilingDocument) {
	t.Helper()
	ctx := context.Background()
	carrier := &model.Carrier{NAIC: tracking, LegalName: "Seed Carrier " + tracking}
	require.NoError(t, s.UpsertCarrier(ctx, carrier))
	f, err := s.UpsertFiling(ctx, &model.Filing{SERFFTracking: tracking, State: state, CarrierID: carrier.ID})
	require.NoError(t, err)
	d, err := s.UpsertDocument(ctx, &model.FilingDocument{FilingID: f.ID, Name: "doc.pdf"})
	require.NoError(t, err)
	return f, d
}

func TestSQLiteStore_RateTable_SupersessionKeepsOneCurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f, d := seedFilingAndDocument(t, s, "RT-1", "CO")

	first := &model.RateTable{
		FilingID:   f.ID,
		DocumentID: d.ID,
		Confidence: 0.8,
		BaseRates: []model.BaseRate{
			{ClassCode: "0001", Territory: "01", Rate: decimal.NewFromFloat(1.25)},
		},
	}
	require.NoError(t, s.UpsertRateTable(ctx, first))

	current, err := s.GetCurrentRateTable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	require.Len(t, current.BaseRates, 1)

	second := &model.RateTable{
		FilingID:   f.ID,
		DocumentID: d.ID,
		Confidence: 0.95,
		BaseRates: []model.BaseRate{
			{ClassCode: "0001", Territory: "01", Rate: decimal.NewFromFloat(1.31)},
			{ClassCode: "0002", Territory: "01", Rate: decimal.NewFromFloat(1.10)},
		},
	}
	require.NoError(t, s.UpsertRateTable(ctx, second))

	current, err = s.GetCurrentRateTable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.Len(t, current.BaseRates, 2)
	assert.NotEqual(t, first.ID, current.ID)
}

func TestSQLiteStore_UnderwritingRule_ListCurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f, d := seedFilingAndDocument(t, s, "UR-1", "WA")

	rule := &model.UnderwritingRule{
		FilingID:   f.ID,
		DocumentID: d.ID,
		Type:       "eligibility",
		Category:   "prior_losses",
		FullText:   "No more than 2 losses in the prior 3 years.",
		Confidence: 0.7,
		Criteria: []model.EligibilityCriterion{
			{CriterionType: "loss_count", Value: "2", Operator: model.OpLe, IsHardRule: true},
		},
	}
	require.NoError(t, s.UpsertUnderwritingRule(ctx, rule))

	rules, err := s.ListCurrentUnderwritingRules(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "prior_losses", rules[0].Category)
	require.Len(t, rules[0].Criteria, 1)
	assert.Equal(t, model.OpLe, rules[0].Criteria[0].Operator)
}

func TestSQLiteStore_PolicyForm_ListCurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f, d := seedFilingAndDocument(t, s, "PF-1", "IL")

	form := &model.PolicyForm{
		FilingID:   f.ID,
		DocumentID: d.ID,
		FormNumber: "HO-3 (ed. 04/26)",
		Confidence: 0.88,
		Provisions: []model.FormProvision{
			{Type: model.ProvisionExclusion, Text: "Earth movement is excluded.", Tag: model.TagRestricting},
		},
	}
	require.NoError(t, s.UpsertPolicyForm(ctx, form))

	forms, err := s.ListCurrentPolicyForms(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "HO-3 (ed. 04/26)", forms[0].FormNumber)
	require.Len(t, forms[0].Provisions, 1)
	assert.Equal(t, model.TagRestricting, forms[0].Provisions[0].Tag)
}

func TestSQLiteStore_ReviewQueue_InsertListResolve(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_, d := seedFilingAndDocument(t, s, "RQ-1", "NY")

	item := &model.ParseReviewItem{
		DocumentID: d.ID,
		FieldPath:  "base_rates[3].rate",
		Value:      "1.47",
		Confidence: 0.41,
		Priority:   model.ReviewPriorityHigh,
	}
	require.NoError(t, s.InsertReviewItem(ctx, item))

	items, err := s.ListUnresolvedReviewItems(ctx, model.ReviewPriorityHigh, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "base_rates[3].rate", items[0].FieldPath)

	require.NoError(t, s.ResolveReviewItem(ctx, item.ID))
	items, err = s.ListUnresolvedReviewItems(ctx, model.ReviewPriorityHigh, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLiteStore_ResolveReviewItem_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.ResolveReviewItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
