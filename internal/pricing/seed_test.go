package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePMIYAML = `
- carrier_naic: "12345"
  premium_type: monthly
  state: ""
  grid:
    - ltv_min: 90.01
      ltv_max: 95.0
      fico_min: 700
      fico_max: 759
      coverage_pct: 30
      rate: 0.5
  adjustments:
    - condition: {fico_min: 700}
      method: additive
      value: 0.15
      description: "high fico discount"
`

func TestParsePMISeed_RoundTrip(t *testing.T) {
	cards, err := ParsePMISeed([]byte(samplePMIYAML))
	require.NoError(t, err)
	require.Len(t, cards, 1)

	m, err := cards[0].ToModel("carrier-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "carrier-1", m.CarrierID)
	assert.Len(t, m.Grid, 1)
	assert.Len(t, m.Adjustments, 1)
}

func TestParsePMISeed_RejectsBadCondition(t *testing.T) {
	cards, err := ParsePMISeed([]byte(`
- carrier_naic: "12345"
  premium_type: monthly
  adjustments:
    - condition: {fico_weird: 1}
      method: additive
      value: 0.1
`))
	require.NoError(t, err)
	_, err = cards[0].ToModel("carrier-1", time.Now().UTC())
	assert.Error(t, err)
}

const sampleTitleYAML = `
- carrier_naic: "999"
  policy_type: owner
  state: TX
  is_promulgated: true
  coverage_bands:
    - coverage_min: 0
      coverage_max: 100000
      rate_per_thousand: 5.0
      flat_fee: 25
      minimum_premium: 150
`

func TestParseTitleSeed_RoundTrip(t *testing.T) {
	cards, err := ParseTitleSeed([]byte(sampleTitleYAML))
	require.NoError(t, err)
	require.Len(t, cards, 1)

	m := cards[0].ToModel("carrier-2", time.Now().UTC())
	assert.True(t, m.IsPromulgated)
	assert.Len(t, m.CoverageBands, 1)
}
