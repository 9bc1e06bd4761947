package ai

import "strings"

// EstimateCost prices tokens with the per-1k-token USD table from config.
// Exact model names win over the longest matching prefix; unknown models
// cost nothing.
func EstimateCost(tokens int, model string, pricePer1k map[string]float64) float64 {
	price, ok := pricePer1k[strings.ToLower(model)]
	if !ok {
		best := ""
		for name, p := range pricePer1k {
			if strings.HasPrefix(strings.ToLower(model), name) && len(name) > len(best) {
				best, price = name, p
			}
		}
	}
	return (float64(tokens) / 1000.0) * price
}
