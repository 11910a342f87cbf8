package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFilter(roadCode string) Filter {
	return Filter{
		RoadCode:   roadCode,
		Attributes: []string{"surface_type"},
		Window:     Window{Start: intPtr(0), End: intPtr(100)},
	}
}

func TestCache_GetCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(time.Hour)

	var builds int
	build := func(ctx context.Context) (*Report, error) {
		builds++
		return &Report{Filter: testFilter("A01")}, nil
	}

	first, err := cache.Get(ctx, testFilter("A01"), build)
	require.NoError(t, err)
	second, err := cache.Get(ctx, testFilter("A01"), build)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)

	cache.Invalidate("A01")
	_, err = cache.Get(ctx, testFilter("A01"), build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestCache_InvalidateIsPerRoad(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(time.Hour)

	var builds int
	build := func(ctx context.Context) (*Report, error) {
		builds++
		return &Report{}, nil
	}

	_, err := cache.Get(ctx, testFilter("A01"), build)
	require.NoError(t, err)
	_, err = cache.Get(ctx, testFilter("B02"), build)
	require.NoError(t, err)
	require.Equal(t, 2, builds)

	cache.Invalidate("A01")

	_, err = cache.Get(ctx, testFilter("B02"), build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "other roads stay cached")

	_, err = cache.Get(ctx, testFilter("A01"), build)
	require.NoError(t, err)
	assert.Equal(t, 3, builds)
}

func TestCache_DistinctFiltersDistinctKeys(t *testing.T) {
	a := testFilter("A01")
	b := testFilter("A01")
	b.Window.End = intPtr(200)
	c := testFilter("A01")
	c.AssetCode = "A01-1"

	assert.NotEqual(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(c))
	assert.Equal(t, Key(a), Key(testFilter("A01")))
}
