package cache

import (
	"context"
	"time"

	"vinylhub/internal/domain"
)

type AvailabilityCache interface {
	Get(ctx context.Context, key string) (*domain.Availability, bool, error)
	Set(ctx context.Context, key string, value *domain.Availability, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string) (*domain.Availability, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ *domain.Availability, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
