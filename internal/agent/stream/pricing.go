package stream

import "strings"

// modelPrice holds per-million-token USD prices.
type modelPrice struct {
	in  float64
	out float64
}

// priceTable maps model id prefixes to prices. Longest prefix wins.
var priceTable = map[string]modelPrice{
	"claude-opus":   {in: 15.0, out: 75.0},
	"claude-sonnet": {in: 3.0, out: 15.0},
	"claude-haiku":  {in: 0.8, out: 4.0},
}

// defaultPrice is used for models missing from the table so cost estimates
// stay conservative rather than silently zero.
var defaultPrice = modelPrice{in: 3.0, out: 15.0}

// EstimateCost returns an estimated USD cost for a usage delta on the given
// model id.
func EstimateCost(model string, tokensIn, tokensOut int64) float64 {
	price := defaultPrice
	bestLen := 0
	for prefix, p := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			price = p
			bestLen = len(prefix)
		}
	}
	return float64(tokensIn)/1e6*price.in + float64(tokensOut)/1e6*price.out
}
