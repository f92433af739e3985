package models

import (
	"fmt"
	"strings"
	"time"
)

type Regime int

const (
	RegimeCalm Regime = iota
	RegimeElevated
	RegimeStressed
	RegimeExtreme
)

var regimeNames = [...]string{"calm", "elevated", "stressed", "extreme"}

func (r Regime) String() string {
	if r < RegimeCalm || r > RegimeExtreme {
		return fmt.Sprintf("regime(%d)", int(r))
	}
	return regimeNames[r]
}

// Escalate returns the next more severe regime, saturating at extreme.
func (r Regime) Escalate() Regime {
	if r >= RegimeExtreme {
		return RegimeExtreme
	}
	return r + 1
}

func ParseRegime(s string) (Regime, error) {
	for i, n := range regimeNames {
		if strings.EqualFold(s, n) {
			return Regime(i), nil
		}
	}
	return RegimeCalm, fmt.Errorf("unknown regime %q", s)
}

func (r Regime) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Regime) UnmarshalText(b []byte) error {
	v, err := ParseRegime(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

type RegimeMetrics struct {
	Level    float64 `json:"level"`
	Front    float64 `json:"front"`
	Back     float64 `json:"back"`
	Inverted bool    `json:"inverted"`
	// RawBand is the band the latest reading falls in before hysteresis.
	RawBand Regime `json:"raw_band"`
}

// RegimeState is owned by the classifier; everyone else sees copies.
type RegimeState struct {
	Regime      Regime        `json:"regime"`
	Metrics     RegimeMetrics `json:"metrics"`
	Since       time.Time     `json:"since"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Initialized bool          `json:"initialized"`
}
