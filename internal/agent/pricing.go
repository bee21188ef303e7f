package agent

import "strings"

// modelPrice is USD per one million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// Prices track the public per-model rates. Prefix matching absorbs dated
// model suffixes like claude-3-5-sonnet-20241022.
var modelPrices = map[string]modelPrice{
	"gpt-4-turbo":       {10, 30},
	"gpt-4o":            {2.5, 10},
	"gpt-4o-mini":       {0.15, 0.6},
	"gpt-4":             {30, 60},
	"claude-3-opus":     {15, 75},
	"claude-3-5-sonnet": {3, 15},
	"claude-3-7-sonnet": {3, 15},
	"claude-3-5-haiku":  {0.8, 4},
	"claude-3-haiku":    {0.25, 1.25},
}

// CostUSD computes the spend for a completion. Unknown models report zero
// cost with known=false so the trace can flag the estimate.
func CostUSD(model string, inputTokens, outputTokens int) (cost float64, known bool) {
	price, ok := lookupPrice(model)
	if !ok {
		return 0, false
	}
	cost = float64(inputTokens)/1e6*price.input + float64(outputTokens)/1e6*price.output
	return cost, true
}

func lookupPrice(model string) (modelPrice, bool) {
	if p, ok := modelPrices[model]; ok {
		return p, true
	}
	// Longest-prefix match so gpt-4o-mini wins over gpt-4o.
	var best string
	for name := range modelPrices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return modelPrice{}, false
	}
	return modelPrices[best], true
}
