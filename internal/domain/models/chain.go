package models

import "time"

type OptionQuote struct {
	Strike float64 `json:"strike"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Delta  float64 `json:"delta"`
	Gamma  float64 `json:"gamma"`
	IV     float64 `json:"iv"`
}

func (q OptionQuote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// OptionChain is one expiration of listed options on an underlying.
type OptionChain struct {
	Symbol     string        `json:"symbol"`
	Spot       float64       `json:"spot"`
	Expiration time.Time     `json:"expiration"`
	AsOf       time.Time     `json:"as_of"`
	Calls      []OptionQuote `json:"calls"`
	Puts       []OptionQuote `json:"puts"`
}

func (c *OptionChain) Quotes(r OptionRight) []OptionQuote {
	if r == RightPut {
		return c.Puts
	}
	return c.Calls
}

// Lookup finds the quote at an exact strike.
func (c *OptionChain) Lookup(r OptionRight, strike float64) (OptionQuote, bool) {
	for _, q := range c.Quotes(r) {
		if q.Strike == strike {
			return q, true
		}
	}
	return OptionQuote{}, false
}
