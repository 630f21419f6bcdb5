// Package product implements the Product Service: wraps the provider
// adapter's load with cache, id validation, and sort/filter helpers.
package product

import (
	"context"
	"sort"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/provideradapter"
)

// Service loads and caches products.
type Service struct {
	adapter provideradapter.Adapter
	cache   *cache.ProductCache
}

// NewService creates a Product Service over the given adapter and cache.
func NewService(adapter provideradapter.Adapter, productCache *cache.ProductCache) *Service {
	return &Service{adapter: adapter, cache: productCache}
}

// Load returns products for ids, filling from the cache first and loading
// only the uncached subset from the provider adapter.
func (s *Service) Load(ctx context.Context, ids []string) ([]domain.Product, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, errs.New(errs.KindProductNotFound, "no product ids supplied")
	}

	cached := s.cache.GetCached(valid)
	missing := s.cache.Uncached(valid)
	if len(missing) == 0 {
		return SortByID(cached), nil
	}

	loaded, err := s.adapter.LoadProducts(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, p := range loaded {
		s.cache.Put(p)
	}
	all := append(cached, loaded...)
	return SortByID(all), nil
}

// SortByID returns products sorted by id, for stable UI ordering.
func SortByID(products []domain.Product) []domain.Product {
	out := make([]domain.Product, len(products))
	copy(out, products)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilterByType returns the subset of products matching t.
func FilterByType(products []domain.Product, t domain.ProductType) []domain.Product {
	out := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.ProductType == t {
			out = append(out, p)
		}
	}
	return out
}
