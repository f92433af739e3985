package models

import (
	"sort"
	"time"
)

type SymbolQuote struct {
	Tick  Tick          `json:"tick"`
	Stale bool          `json:"stale"`
	Age   time.Duration `json:"age"`
}

// Snapshot is the aligned view of every tracked symbol at one instant.
// Snapshots are shared between goroutines and must never be mutated after emission.
type Snapshot struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"ts"`
	Quotes    map[string]SymbolQuote `json:"quotes"`
	Vol       *VolReading            `json:"vol,omitempty"`
}

func (s *Snapshot) Quote(symbol string) (SymbolQuote, bool) {
	q, ok := s.Quotes[symbol]
	return q, ok
}

func (s *Snapshot) Price(symbol string) float64 {
	return s.Quotes[symbol].Tick.Price()
}

func (s *Snapshot) IsStale(symbol string) bool {
	q, ok := s.Quotes[symbol]
	return !ok || q.Stale
}

// Symbols returns the symbols in the snapshot in sorted order.
func (s *Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Quotes))
	for sym := range s.Quotes {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) StaleCount() int {
	n := 0
	for _, q := range s.Quotes {
		if q.Stale {
			n++
		}
	}
	return n
}

// Covers checks that every tracked symbol is present.
func (s *Snapshot) Covers(symbols []string) error {
	for _, sym := range symbols {
		if _, ok := s.Quotes[sym]; !ok {
			return NewInvariantError("snapshot", "seq %d missing symbol %s", s.Seq, sym)
		}
	}
	return nil
}
