package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hermes/internal/model"
	"github.com/sells-group/hermes/internal/store"
)

const installPMISeed = `
- carrier_naic: "12345"
  premium_type: monthly
  state: ""
  grid:
    - {ltv_min: 85.01, ltv_max: 90, fico_min: 740, fico_max: 779, coverage_pct: 25, rate: 0.38}
  adjustments:
    - condition: {dti_min: 45}
      method: additive
      value: 0.08
      description: High DTI
`

const installTitleSeed = `
- carrier_naic: "50001"
  policy_type: owner
  state: TX
  is_promulgated: true
  coverage_bands:
    - {coverage_min: 0, coverage_max: 100000, rate_per_thousand: 5.32, flat_fee: 0, minimum_premium: 328}
`

func TestInstallSeeds_CreatesCarriersAndCurrentCards(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	effective := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	installed, err := InstallSeeds(ctx, s, []byte(installPMISeed), []byte(installTitleSeed), effective)
	require.NoError(t, err)
	assert.Equal(t, 2, installed)

	carrier, err := s.GetCarrierByNAIC(ctx, "12345")
	require.NoError(t, err)
	card, err := s.GetCurrentPMIRateCard(ctx, carrier.ID, model.PremiumMonthly, "")
	require.NoError(t, err)
	require.Len(t, card.Grid, 1)
	require.Len(t, card.Adjustments, 1)

	titleCarrier, err := s.GetCarrierByNAIC(ctx, "50001")
	require.NoError(t, err)
	titleCard, err := s.GetCurrentTitleRateCard(ctx, titleCarrier.ID, model.TitlePolicyOwner, "TX")
	require.NoError(t, err)
	assert.True(t, titleCard.IsPromulgated)
}

func TestInstallSeeds_ReseedSupersedesPriorCard(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	effective := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = InstallSeeds(ctx, s, []byte(installPMISeed), nil, effective)
	require.NoError(t, err)
	_, err = InstallSeeds(ctx, s, []byte(installPMISeed), nil, effective.AddDate(0, 6, 0))
	require.NoError(t, err)

	carrier, err := s.GetCarrierByNAIC(ctx, "12345")
	require.NoError(t, err)
	cards, err := s.ListCurrentPMIRateCards(ctx, "")
	require.NoError(t, err)

	current := 0
	for _, c := range cards {
		if c.CarrierID == carrier.ID && c.PremiumType == model.PremiumMonthly {
			current++
		}
	}
	assert.Equal(t, 1, current, "at most one current card per (carrier, premium_type, state)")
}

func TestInstallSeeds_BadAdjustmentConditionRejectedAtLoad(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	bad := `
- carrier_naic: "12345"
  premium_type: monthly
  state: ""
  grid:
    - {ltv_min: 85.01, ltv_max: 90, fico_min: 740, fico_max: 779, coverage_pct: 25, rate: 0.38}
  adjustments:
    - condition: {dti_wat: 45}
      method: additive
      value: 0.08
`
	_, err = InstallSeeds(ctx, s, []byte(bad), nil, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err, "unknown condition suffixes are a load-time error, not a quote-time one")
}
