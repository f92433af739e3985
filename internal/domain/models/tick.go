package models

import "time"

// Tick is a normalized top-of-book update for one symbol. Read-only once built.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Size      float64   `json:"size"`
	Seq       uint64    `json:"seq"`
}

// Price is the last trade when present, otherwise the quote mid.
func (t Tick) Price() float64 {
	if t.Last > 0 {
		return t.Last
	}
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return 0
}

// After reports whether t supersedes o (timestamp first, then source sequence).
func (t Tick) After(o Tick) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.After(o.Timestamp)
	}
	return t.Seq > o.Seq
}

// VolReading is a volatility index print with its term structure.
type VolReading struct {
	Timestamp time.Time `json:"ts"`
	Level     float64   `json:"level"`
	Front     float64   `json:"front"`
	Back      float64   `json:"back"`
}

// Inverted reports whether the front of the curve trades above back*ratio.
func (v VolReading) Inverted(ratio float64) bool {
	if v.Front <= 0 || v.Back <= 0 {
		return false
	}
	return v.Front > v.Back*ratio
}
