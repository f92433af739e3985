package models

import (
	"fmt"
	"time"
)

// Pair is an unordered symbol pair stored with A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) String() string { return p.A + "/" + p.B }

func (p Pair) Has(symbol string) bool { return p.A == symbol || p.B == symbol }

// Other returns the partner of symbol in the pair.
func (p Pair) Other(symbol string) string {
	if p.A == symbol {
		return p.B
	}
	return p.A
}

type PairState struct {
	Pair      Pair    `json:"pair"`
	Short     float64 `json:"short"`
	Baseline  float64 `json:"baseline"`
	Deviation float64 `json:"deviation"`
	Threshold float64 `json:"threshold"`
	Samples   int     `json:"samples"`
	// Level is the latched divergence severity; 0 means no active divergence.
	Level         int       `json:"level"`
	Indeterminate bool      `json:"indeterminate"`
	Degraded      bool      `json:"degraded"`
	Pinned        bool      `json:"pinned"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Divergent reports whether the pair currently has a latched divergence.
func (s PairState) Divergent() bool { return s.Level > 0 && !s.Indeterminate }

// CorrelationMatrix is a read snapshot of the engine's pair states keyed by Pair.String().
type CorrelationMatrix struct {
	SnapshotSeq uint64               `json:"snapshot_seq"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Pairs       map[string]PairState `json:"pairs"`
}

func (m CorrelationMatrix) Get(a, b string) (PairState, bool) {
	s, ok := m.Pairs[NewPair(a, b).String()]
	return s, ok
}

// Rho returns the short-window correlation for a determinate pair. The same symbol correlates at 1.
func (m CorrelationMatrix) Rho(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	s, ok := m.Get(a, b)
	if !ok || s.Indeterminate {
		return 0, false
	}
	return s.Short, true
}

// PairsWith returns the states of every pair that includes symbol.
func (m CorrelationMatrix) PairsWith(symbol string) []PairState {
	var out []PairState
	for _, s := range m.Pairs {
		if s.Pair.Has(symbol) {
			out = append(out, s)
		}
	}
	return out
}

type DivergenceEvent struct {
	Pair        Pair      `json:"pair"`
	Short       float64   `json:"short"`
	Baseline    float64   `json:"baseline"`
	Deviation   float64   `json:"deviation"`
	Threshold   float64   `json:"threshold"`
	Level       int       `json:"level"`
	Regime      Regime    `json:"regime"`
	SnapshotSeq uint64    `json:"snapshot_seq"`
	Timestamp   time.Time `json:"ts"`
}

func (e DivergenceEvent) String() string {
	return fmt.Sprintf("%s short=%.3f baseline=%.3f dev=%.3f level=%d", e.Pair, e.Short, e.Baseline, e.Deviation, e.Level)
}
