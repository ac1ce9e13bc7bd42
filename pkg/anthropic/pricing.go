package anthropic

import "go.uber.org/zap"

// TokenUsage counts the tokens one request consumed, split by cache
// behavior.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// rate is USD per million tokens. Cache writes bill at 1.25x the input
// rate, cache reads at 0.1x.
type rate struct {
	input  float64
	output float64
}

const (
	cacheWriteFactor = 1.25
	cacheReadFactor  = 0.1
	perMTok          = 1e6
)

var rates = map[string]rate{
	"claude-haiku-4-5-20251001":  {input: 0.80, output: 4.00},
	"claude-sonnet-4-5-20250929": {input: 3.00, output: 15.00},
	"claude-opus-4-6":            {input: 15.00, output: 75.00},
}

// EstimateCost returns the request cost in USD, or 0 for a model with no
// known rate.
func (u TokenUsage) EstimateCost(model string) float64 {
	r, ok := rates[model]
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens) / perMTok * r.input
	cost += float64(u.OutputTokens) / perMTok * r.output
	cost += float64(u.CacheCreationInputTokens) / perMTok * r.input * cacheWriteFactor
	cost += float64(u.CacheReadInputTokens) / perMTok * r.input * cacheReadFactor
	return cost
}

// LogCost emits one structured cost-attribution line for the request.
func (u TokenUsage) LogCost(model, op string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("op", op),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
