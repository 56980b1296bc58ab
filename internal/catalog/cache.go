// Package catalog caches the product catalog for one service instance.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"commerce-agent/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// Source loads the full catalog and deducts stock.
type Source interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	DeductStock(ctx context.Context, productID string, qty int) error
}

// Cache holds the catalog for ttl. Expiry is measured with the injected
// clock; Invalidate forces the next read to reload.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	products []domain.Product
	byID     map[string]domain.Product
	loadedAt time.Time
	valid    bool
}

func NewCache(src Source, ttl time.Duration, now func() time.Time) (*Cache, error) {
	if src == nil {
		return nil, errors.New("catalog: source must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{src: src, ttl: ttl, now: now}, nil
}

// Products returns the cached catalog, reloading it when stale.
func (c *Cache) Products(ctx context.Context) ([]domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		return c.products, nil
	}
	products, err := c.src.ListProducts(ctx)
	if err != nil {
		if c.valid {
			// Serve the stale copy rather than fail the reply.
			return c.products, nil
		}
		return nil, fmt.Errorf("catalog: load products: %w", err)
	}
	c.products = products
	c.byID = make(map[string]domain.Product, len(products))
	for _, p := range products {
		c.byID[p.ID] = p
	}
	c.loadedAt = c.now()
	c.valid = true
	return c.products, nil
}

// Invalidate drops the cached catalog.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Lookup returns the product with the given id.
func (c *Cache) Lookup(ctx context.Context, id string) (domain.Product, bool, error) {
	if _, err := c.Products(ctx); err != nil {
		return domain.Product{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok, nil
}

// InStock returns available products ordered by name, capped at limit.
func (c *Cache) InStock(ctx context.Context, limit int) ([]domain.Product, error) {
	all, err := c.Products(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Product
	for _, p := range all {
		if p.InStock() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Match finds the product whose name or id appears in an order item line.
// The longest match wins so "black hat large" beats "black hat".
func (c *Cache) Match(ctx context.Context, item string) (domain.Product, bool, error) {
	all, err := c.Products(ctx)
	if err != nil {
		return domain.Product{}, false, err
	}
	lower := strings.ToLower(item)
	var (
		best    domain.Product
		bestLen int
	)
	for _, p := range all {
		for _, cand := range []string{p.Name, p.ID} {
			cand = strings.ToLower(strings.TrimSpace(cand))
			if cand == "" || !strings.Contains(lower, cand) {
				continue
			}
			if len(cand) > bestLen {
				best, bestLen = p, len(cand)
			}
		}
	}
	return best, bestLen > 0, nil
}

// DeductStock decrements stock at the source and invalidates the cache.
func (c *Cache) DeductStock(ctx context.Context, productID string, qty int) error {
	if err := c.src.DeductStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("catalog: deduct stock: %w", err)
	}
	c.Invalidate()
	return nil
}
