// Package cache provides a short-lived product catalog snapshot cache so
// terminals polling the catalog do not hammer the repository. Mutating
// commits invalidate the snapshot explicitly; readers that need strict
// consistency go to the repository directly.
package cache

import (
	"context"
	"time"

	"kopsis/backend/internal/domain"
)

type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, bool, error)
	Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
