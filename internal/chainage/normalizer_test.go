package chainage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

// measureByName resolves geometry length from a fake geometry payload so tests
// control lengths without real EWKB.
func measureByName(lengths map[string]float64) MeasureFunc {
	return func(geometry []byte) (float64, error) {
		return lengths[string(geometry)], nil
	}
}

func seedSegments(t *testing.T, st *store.MemoryStore, segments []model.LinkSegment) {
	t.Helper()
	_, err := st.BulkInsertSegments(context.Background(), segments)
	require.NoError(t, err)
}

func listSegments(t *testing.T, st *store.MemoryStore, roadCode string) []model.LinkSegment {
	t.Helper()
	segments, err := st.ListSegments(context.Background(), roadCode)
	require.NoError(t, err)
	return segments
}

func TestNormalizeRoad_RunningStartWalk(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSegments(t, st, []model.LinkSegment{
		{RoadCode: "A01", LinkCode: "L1", Geometry: []byte("g1")},
		{RoadCode: "A01", LinkCode: "L2", Geometry: []byte("g2")},
	})

	norm := NewNormalizer(st, WithMeasure(measureByName(map[string]float64{
		"g1": 1000.4,
		"g2": 499.6,
	})))

	res, err := norm.NormalizeRoad(ctx, "A01", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Segments)
	assert.Equal(t, 2, res.GeomUpdated)

	segments := listSegments(t, st, "A01")
	require.Len(t, segments, 2)

	// Lengths round to whole meters; ends chain into the next start.
	assert.Equal(t, 0.0, *segments[0].GeomStartChainage)
	assert.Equal(t, 1000.0, *segments[0].GeomEndChainage)
	assert.Equal(t, 1000.0, *segments[0].GeomLength)
	assert.Equal(t, 1000.0, *segments[1].GeomStartChainage)
	assert.Equal(t, 1500.0, *segments[1].GeomEndChainage)
	assert.Equal(t, 500.0, *segments[1].GeomLength)
}

func TestNormalizeRoad_SeedsFromFirstLinkStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSegments(t, st, []model.LinkSegment{
		{
			RoadCode:          "A01",
			LinkCode:          "L1",
			Geometry:          []byte("g1"),
			LinkStartChainage: model.Float(200),
			LinkEndChainage:   model.Float(1200),
		},
	})

	norm := NewNormalizer(st, WithMeasure(measureByName(map[string]float64{"g1": 1000})))
	_, err := norm.NormalizeRoad(ctx, "A01", Options{})
	require.NoError(t, err)

	segments := listSegments(t, st, "A01")
	assert.Equal(t, 200.0, *segments[0].GeomStartChainage)
	assert.Equal(t, 1200.0, *segments[0].GeomEndChainage)
}

func TestNormalizeRoad_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSegments(t, st, []model.LinkSegment{
		{RoadCode: "A01", LinkCode: "L1", Geometry: []byte("g1")},
		{RoadCode: "A01", LinkCode: "L2", Geometry: []byte("g2")},
	})

	norm := NewNormalizer(st, WithMeasure(measureByName(map[string]float64{
		"g1": 300,
		"g2": 700,
	})))

	_, err := norm.NormalizeRoad(ctx, "A01", Options{})
	require.NoError(t, err)

	res, err := norm.NormalizeRoad(ctx, "A01", Options{})
	require.NoError(t, err)
	assert.Zero(t, res.GeomUpdated, "unchanged geometry must not be rewritten")

	res, err = norm.NormalizeRoad(ctx, "A01", Options{ResetGeom: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.GeomUpdated, "reset forces the rewrite")
}

func TestNormalizeRoad_CorrectLinks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSegments(t, st, []model.LinkSegment{
		{
			// Within tolerance of geometry: left alone.
			RoadCode:          "A01",
			LinkCode:          "L1",
			Geometry:          []byte("g1"),
			LinkStartChainage: model.Float(10),
			LinkEndChainage:   model.Float(1010),
		},
		{
			// Drifted far beyond tolerance: corrected, but the start snaps to
			// the previous segment's link end since that is within tolerance.
			RoadCode:          "A01",
			LinkCode:          "L2",
			Geometry:          []byte("g2"),
			LinkStartChainage: model.Float(1400),
			LinkEndChainage:   model.Float(2400),
		},
	})

	norm := NewNormalizer(st,
		WithTolerance(50),
		WithMeasure(measureByName(map[string]float64{"g1": 1000, "g2": 500})),
	)

	res, err := norm.NormalizeRoad(ctx, "A01", Options{CorrectLinks: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LinksCorrected)

	segments := listSegments(t, st, "A01")

	assert.Equal(t, 10.0, *segments[0].LinkStartChainage, "within tolerance, untouched")
	assert.Equal(t, 1010.0, *segments[0].LinkEndChainage)

	assert.Equal(t, 1010.0, *segments[1].LinkStartChainage, "snapped to previous link end")
	assert.Equal(t, 1510.0, *segments[1].LinkEndChainage)
	assert.Equal(t, 500.0, *segments[1].LinkLength)
}

func TestNormalizeRoad_CorrectsInvertedLinkRange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSegments(t, st, []model.LinkSegment{
		{
			RoadCode:          "A01",
			LinkCode:          "L1",
			Geometry:          []byte("g1"),
			LinkStartChainage: model.Float(500),
			LinkEndChainage:   model.Float(100),
		},
	})

	norm := NewNormalizer(st, WithMeasure(measureByName(map[string]float64{"g1": 1000})))
	res, err := norm.NormalizeRoad(ctx, "A01", Options{CorrectLinks: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LinksCorrected)

	segments := listSegments(t, st, "A01")
	require.Less(t, *segments[0].LinkStartChainage, *segments[0].LinkEndChainage)
}

func TestNormalizeRoad_Empty(t *testing.T) {
	st := store.NewMemory()
	norm := NewNormalizer(st)

	res, err := norm.NormalizeRoad(context.Background(), "NOPE", Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Segments)
}
