package service

import (
	"context"

	"ZeroDTE/internal/domain/models"
)

// Scorer is the pluggable predictive model consulted by the signal generator.
type Scorer interface {
	Score(ctx context.Context, symbol string, features map[string]float64) (models.ModelScore, error)
}
