package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"ZeroDTE/internal/domain/models"
	domsvc "ZeroDTE/internal/domain/service"
	"ZeroDTE/internal/service/cache"
)

// HTTPScorer asks the model service for a directional score per symbol:
//
//	POST /score {"symbol","features"} -> {"confidence","proba_up","model"}
//
// Scores are reused for cacheTTL since features move slower than snapshots arrive.
type HTTPScorer struct {
	base     *HTTPServiceBase
	attempts int
	cacheTTL time.Duration
	cache    *cache.TTLCache[models.ModelScore]
}

func NewHTTPScorer(base *HTTPServiceBase, cacheTTL time.Duration) *HTTPScorer {
	return &HTTPScorer{
		base:     base,
		attempts: 2,
		cacheTTL: cacheTTL,
		cache:    cache.NewTTLCache[models.ModelScore](),
	}
}

var _ domsvc.Scorer = (*HTTPScorer)(nil)

type scoreReq struct {
	Symbol   string             `json:"symbol"`
	Features map[string]float64 `json:"features"`
}

type scoreResp struct {
	Confidence float64 `json:"confidence"`
	ProbaUp    float64 `json:"proba_up"`
	Model      string  `json:"model"`
}

func (s *HTTPScorer) Score(ctx context.Context, symbol string, features map[string]float64) (models.ModelScore, error) {
	if sc, ok := s.cache.Get(symbol); ok {
		return sc, nil
	}
	var r scoreResp
	if err := s.base.PostJSONWithRetry(ctx, "/score", scoreReq{Symbol: symbol, Features: features}, &r, s.attempts); err != nil {
		return models.ModelScore{}, fmt.Errorf("score %s: %w", symbol, err)
	}
	if bad(r.Confidence) || bad(r.ProbaUp) {
		return models.ModelScore{}, fmt.Errorf("score %s: out of range confidence=%v proba_up=%v", symbol, r.Confidence, r.ProbaUp)
	}
	sc := models.ModelScore{
		Symbol:     symbol,
		Confidence: r.Confidence,
		ProbaUp:    r.ProbaUp,
		Model:      r.Model,
		Timestamp:  time.Now(),
	}
	s.cache.Set(symbol, sc, s.cacheTTL)
	return sc, nil
}

func bad(v float64) bool { return math.IsNaN(v) || v < 0 || v > 1 }
