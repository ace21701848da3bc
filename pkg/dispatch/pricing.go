package dispatch

import "github.com/vikashloomba/mcpgate/pkg/ledger"

// DefaultPriceKey is the entry in Prices used for tools without their own
// price.
const DefaultPriceKey = "default"

// Pricing prices one call to a backend tool.
type Pricing interface {
	Cost(backend, tool string) ledger.Amount
}

// Prices maps native tool names of one backend to a per-call price.
type Prices map[string]ledger.Amount

// PriceTable holds Prices per backend.
type PriceTable map[string]Prices

// Cost returns the tool's own price, else the backend default, else zero.
func (t PriceTable) Cost(backend, tool string) ledger.Amount {
	prices, ok := t[backend]
	if !ok {
		return 0
	}
	if p, ok := prices[tool]; ok {
		return p
	}
	return prices[DefaultPriceKey]
}

// Free prices every call at zero.
type Free struct{}

func (Free) Cost(string, string) ledger.Amount { return 0 }
