package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commerce-agent/internal/domain"
)

type fakeSource struct {
	products  []domain.Product
	err       error
	deductErr error
	loads     int
	deducted  map[string]int
}

func (f *fakeSource) ListProducts(_ context.Context) ([]domain.Product, error) {
	f.loads++
	return f.products, f.err
}

func (f *fakeSource) DeductStock(_ context.Context, id string, qty int) error {
	if f.deductErr != nil {
		return f.deductErr
	}
	if f.deducted == nil {
		f.deducted = map[string]int{}
	}
	f.deducted[id] += qty
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T, src *fakeSource) (*Cache, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := NewCache(src, time.Minute, clk.now)
	require.NoError(t, err)
	return c, clk
}

var sample = []domain.Product{
	{ID: "HAT-01", Name: "შავი ქუდი", Price: 49, Stock: 2, ImageURL: "https://cdn/hat.jpg"},
	{ID: "HAT-02", Name: "შავი ქუდი დიდი", Price: 59, Stock: 1},
	{ID: "SCARF-01", Name: "შარფი", Price: 39, Stock: 0},
}

func TestNewCache_NilSource(t *testing.T) {
	_, err := NewCache(nil, time.Minute, nil)
	require.Error(t, err)
}

func TestProducts_CachesUntilTTL(t *testing.T) {
	src := &fakeSource{products: sample}
	c, clk := newTestCache(t, src)
	ctx := context.Background()

	_, err := c.Products(ctx)
	require.NoError(t, err)
	_, err = c.Products(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, src.loads)

	clk.t = clk.t.Add(61 * time.Second)
	_, err = c.Products(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{products: sample}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	_, err := c.Products(ctx)
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.Products(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)
}

func TestProducts_ServesStaleOnReloadFailure(t *testing.T) {
	src := &fakeSource{products: sample}
	c, clk := newTestCache(t, src)
	ctx := context.Background()

	_, err := c.Products(ctx)
	require.NoError(t, err)

	src.err = errors.New("throttled")
	clk.t = clk.t.Add(2 * time.Minute)
	got, err := c.Products(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	cold, _ := newTestCache(t, &fakeSource{err: errors.New("down")})
	_, err = cold.Products(ctx)
	require.ErrorContains(t, err, "down")
}

func TestLookupInStockMatch(t *testing.T) {
	c, _ := newTestCache(t, &fakeSource{products: sample})
	ctx := context.Background()

	p, ok, err := c.Lookup(ctx, "HAT-01")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://cdn/hat.jpg", p.ImageURL)
	_, ok, err = c.Lookup(ctx, "NOPE")
	require.NoError(t, err)
	require.False(t, ok)

	in, err := c.InStock(ctx, 0)
	require.NoError(t, err)
	require.Len(t, in, 2)
	capped, err := c.InStock(ctx, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)

	m, ok, err := c.Match(ctx, "შავი ქუდი დიდი x 1 - 59₾")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "HAT-02", m.ID)

	m, ok, err = c.Match(ctx, "hat-01 x 2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "HAT-01", m.ID)

	_, ok, err = c.Match(ctx, "ხელთათმანი")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeductStock_Invalidates(t *testing.T) {
	src := &fakeSource{products: sample}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	_, err := c.Products(ctx)
	require.NoError(t, err)
	require.NoError(t, c.DeductStock(ctx, "HAT-01", 1))
	require.Equal(t, 1, src.deducted["HAT-01"])
	_, err = c.Products(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)

	src.deductErr = errors.New("condition failed")
	require.Error(t, c.DeductStock(ctx, "HAT-01", 5))
}
