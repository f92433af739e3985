package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/cache"
)

// IdempotencyStore reserves intent keys with SET NX so a key submitted by an earlier process
// is never submitted again while it lives.
type IdempotencyStore struct {
	c      cache.Service
	prefix string
}

func NewIdempotencyStore(c cache.Service) *IdempotencyStore {
	return &IdempotencyStore{c: c, prefix: "idem:"}
}

var _ domrepo.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.c.TryLock(ctx, s.prefix+key, ttl)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	return ok, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.c.Unlock(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// BreakerStore keeps the breaker state under one key so a restart resumes at the same level.
type BreakerStore struct {
	c   cache.Service
	key string
	ttl time.Duration
}

// NewBreakerStore stores under key; the state outlives a session by ttl.
func NewBreakerStore(c cache.Service, key string, ttl time.Duration) *BreakerStore {
	return &BreakerStore{c: c, key: key, ttl: ttl}
}

var _ domrepo.BreakerStore = (*BreakerStore)(nil)

func (s *BreakerStore) SaveBreaker(ctx context.Context, st models.BreakerState) error {
	if err := s.c.Set(ctx, s.key, st, s.ttl); err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return nil
}

// LoadBreaker returns nil without error when nothing was saved.
func (s *BreakerStore) LoadBreaker(ctx context.Context) (*models.BreakerState, error) {
	var st models.BreakerState
	if err := s.c.Get(ctx, s.key, &st); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load breaker: %w", err)
	}
	return &st, nil
}
