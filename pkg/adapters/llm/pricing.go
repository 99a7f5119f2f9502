package llm

import (
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
)

// Price is the USD cost per million tokens.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// PriceTable implements ports.Pricer. Keys are model names or model name
// prefixes, optionally qualified as "provider/model"; the longest matching
// key wins so dated model versions inherit their family's price.
type PriceTable map[string]Price

// DefaultPrices lists Anthropic list prices.
func DefaultPrices() PriceTable {
	return PriceTable{
		"anthropic/claude-opus-4":     {Input: 15, Output: 75},
		"anthropic/claude-sonnet-4":   {Input: 3, Output: 15},
		"anthropic/claude-haiku-4":    {Input: 1, Output: 5},
		"anthropic/claude-3-7-sonnet": {Input: 3, Output: 15},
		"anthropic/claude-3-5-sonnet": {Input: 3, Output: 15},
		"anthropic/claude-3-5-haiku":  {Input: 0.8, Output: 4},
		"anthropic/claude-3-opus":     {Input: 15, Output: 75},
		"anthropic/claude-3-haiku":    {Input: 0.25, Output: 1.25},
	}
}

// Cost returns the price of usage, zero when no entry matches.
func (t PriceTable) Cost(usage domain.TokenUsage) float64 {
	price, ok := t.lookup(usage.Provider, usage.Model)
	if !ok {
		return 0
	}
	return (float64(usage.InputTokens)*price.Input + float64(usage.OutputTokens)*price.Output) / 1e6
}

func (t PriceTable) lookup(provider, model string) (Price, bool) {
	var best Price
	bestLen := -1
	for key, price := range t {
		name := key
		if p, m, found := strings.Cut(key, "/"); found {
			if p != provider {
				continue
			}
			name = m
		}
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = price, len(name)
		}
	}
	return best, bestLen >= 0
}
