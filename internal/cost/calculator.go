// Package cost tracks and calculates Anthropic API usage costs for the
// parse pipeline, so ParseLog.AITokens can be turned into a dollar estimate
// without threading pricing knowledge through internal/parse itself.
package cost

// Rates holds per-model Anthropic pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for Anthropic API calls.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	batchMul := 1.0
	if isBatch {
		batchMul = rate.BatchDiscount
	}

	inCost := (float64(input) / 1e6) * rate.Input * batchMul
	outCost := (float64(output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// PricingConfig mirrors config.PricingConfig to avoid an import cycle
// (internal/config has no reason to depend on internal/cost).
type PricingConfig struct {
	Anthropic map[string]ModelPricing
}

// ModelPricing mirrors config.ModelPricing.
type ModelPricing struct {
	Input         float64
	Output        float64
	BatchDiscount float64
	CacheWriteMul float64
	CacheReadMul  float64
}

// RatesFromConfig converts config pricing into cost rates, falling back
// to DefaultRates() for any zero-value fields.
func RatesFromConfig(cfg PricingConfig) Rates {
	defaults := DefaultRates()

	rates := Rates{Anthropic: make(map[string]ModelRate)}
	for k, v := range defaults.Anthropic {
		rates.Anthropic[k] = v
	}

	for model, mp := range cfg.Anthropic {
		r := ModelRate{}
		if existing, ok := rates.Anthropic[model]; ok {
			r = existing
		}
		if mp.Input > 0 {
			r.Input = mp.Input
		}
		if mp.Output > 0 {
			r.Output = mp.Output
		}
		if mp.BatchDiscount > 0 {
			r.BatchDiscount = mp.BatchDiscount
		}
		if mp.CacheWriteMul > 0 {
			r.CacheWriteMul = mp.CacheWriteMul
		}
		if mp.CacheReadMul > 0 {
			r.CacheReadMul = mp.CacheReadMul
		}
		rates.Anthropic[model] = r
	}

	return rates
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}
