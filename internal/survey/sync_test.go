package survey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

// seedRoad creates road A01 with two segments [0,1000) and [1000,2500), both
// carrying a default asset_condition so programmatic surveys are generated.
func seedRoad(t *testing.T, st *store.MemoryStore) []model.LinkSegment {
	t.Helper()
	segments := []model.LinkSegment{
		{
			RoadCode:          "A01",
			LinkCode:          "A01-1",
			GeomStartChainage: model.Float(0),
			GeomEndChainage:   model.Float(1000),
			GeomLength:        model.Float(1000),
			AssetCondition:    "1",
		},
		{
			RoadCode:          "A01",
			LinkCode:          "A01-2",
			GeomStartChainage: model.Float(1000),
			GeomEndChainage:   model.Float(2500),
			GeomLength:        model.Float(1500),
			AssetCondition:    "1",
		},
	}
	_, err := st.BulkInsertSegments(context.Background(), segments)
	require.NoError(t, err)
	return segments
}

func date(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func userSurveys(t *testing.T, st store.Store) []model.Survey {
	t.Helper()
	out, err := st.FindSurveys(context.Background(), store.SurveyFilter{
		RoadCode:      "A01",
		ExcludeSource: model.SourceProgrammatic,
	})
	require.NoError(t, err)
	return out
}

func TestResync_SplitAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	_, err := st.CreateSurvey(ctx, &model.Survey{
		RoadCode:      "A01",
		ChainageStart: 500,
		ChainageEnd:   1800,
		Source:        "field_app",
		AddedBy:       "surveyor1",
		DateSurveyed:  date("2020-01-01"),
		Values:        map[string]*string{model.AttrAssetCondition: model.Str("2")},
	})
	require.NoError(t, err)

	sync := NewSynchronizer(st)
	res, err := sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Splits)
	assert.Empty(t, res.Warnings)

	got := userSurveys(t, st)
	require.Len(t, got, 2)

	assert.Equal(t, 500.0, got[0].ChainageStart)
	assert.Equal(t, 1000.0, got[0].ChainageEnd)
	assert.Equal(t, "LINK-1", got[0].AssetID)
	assert.Equal(t, "A01-1", got[0].AssetCode)

	assert.Equal(t, 1000.0, got[1].ChainageStart)
	assert.Equal(t, 1800.0, got[1].ChainageEnd)
	assert.Equal(t, "LINK-2", got[1].AssetID)
	assert.Equal(t, "A01-2", got[1].AssetCode)

	// No information loss: identical values and dates on both pieces, lengths
	// summing to the original range.
	for _, sv := range got {
		require.NotNil(t, sv.Values[model.AttrAssetCondition])
		assert.Equal(t, "2", *sv.Values[model.AttrAssetCondition])
		require.NotNil(t, sv.DateSurveyed)
		assert.True(t, sv.DateSurveyed.Equal(*date("2020-01-01")))
	}
	assert.Equal(t, 1300.0, got[0].Length()+got[1].Length())
}

func TestResync_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	_, err := st.CreateSurvey(ctx, &model.Survey{
		RoadCode:      "A01",
		ChainageStart: 500,
		ChainageEnd:   1800,
		Source:        "field_app",
		DateSurveyed:  date("2020-01-01"),
		Values:        map[string]*string{model.AttrAssetCondition: model.Str("2")},
	})
	require.NoError(t, err)

	sync := NewSynchronizer(st)
	_, err = sync.Resync(ctx, "A01")
	require.NoError(t, err)

	first := userSurveys(t, st)

	res, err := sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Zero(t, res.Splits)
	assert.Zero(t, res.Reassigned)
	assert.Zero(t, res.Deleted)

	assert.Equal(t, first, userSurveys(t, st))
}

func TestResync_ProgrammaticRegenerated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	sync := NewSynchronizer(st)
	res, err := sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProgrammaticCreated)

	prog, err := st.FindSurveys(ctx, store.SurveyFilter{
		RoadCode: "A01",
		Source:   model.SourceProgrammatic,
	})
	require.NoError(t, err)
	require.Len(t, prog, 2)
	assert.Equal(t, 0.0, prog[0].ChainageStart)
	assert.Equal(t, 1000.0, prog[0].ChainageEnd)
	assert.Equal(t, 1000.0, prog[1].ChainageStart)
	assert.Equal(t, 2500.0, prog[1].ChainageEnd)

	// A second pass replaces, not accumulates.
	res, err = sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProgrammaticCreated)

	prog, err = st.FindSurveys(ctx, store.SurveyFilter{
		RoadCode: "A01",
		Source:   model.SourceProgrammatic,
	})
	require.NoError(t, err)
	assert.Len(t, prog, 2)
}

func TestResync_MalformedDeleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	tests := []struct {
		name       string
		start, end float64
	}{
		{"zero width", 700, 700},
		{"inverted", 900, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := st.CreateSurvey(ctx, &model.Survey{
				RoadCode:      "A01",
				ChainageStart: tt.start,
				ChainageEnd:   tt.end,
				Source:        "field_app",
				Values:        map[string]*string{model.AttrSurfaceType: model.Str("gravel")},
			})
			require.NoError(t, err)

			res, err := NewSynchronizer(st).Resync(ctx, "A01")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Deleted)
			require.Len(t, res.Warnings, 1)

			for _, sv := range userSurveys(t, st) {
				assert.NotEqual(t, id, sv.ID)
			}
		})
	}
}

func TestResync_OutOfRangeDeleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	_, err := st.CreateSurvey(ctx, &model.Survey{
		RoadCode:      "A01",
		ChainageStart: 3000,
		ChainageEnd:   3200,
		Source:        "field_app",
		Values:        map[string]*string{model.AttrSurfaceType: model.Str("paved")},
	})
	require.NoError(t, err)

	res, err := NewSynchronizer(st).Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "outside every segment")
	assert.Empty(t, userSurveys(t, st))
}

func TestResync_ReassignsAssetReference(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	_, err := st.CreateSurvey(ctx, &model.Survey{
		RoadCode:      "A01",
		AssetID:       "LINK-999",
		AssetCode:     "STALE",
		ChainageStart: 1200,
		ChainageEnd:   1400,
		Source:        "field_app",
		Values:        map[string]*string{model.AttrSurfaceType: model.Str("paved")},
	})
	require.NoError(t, err)

	res, err := NewSynchronizer(st).Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reassigned)

	got := userSurveys(t, st)
	require.Len(t, got, 1)
	assert.Equal(t, "LINK-2", got[0].AssetID)
	assert.Equal(t, "A01-2", got[0].AssetCode)
}

func TestResync_ErrataClearsReference(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	_, err := st.CreateSurvey(ctx, &model.Survey{
		RoadCode:      "A01",
		AssetID:       "LINK-2",
		AssetCode:     "A01-2",
		ChainageStart: 100,
		ChainageEnd:   300,
		Source:        "field_app",
		Values:        map[string]*string{model.AttrSurfaceType: model.Str("paved")},
	})
	require.NoError(t, err)

	sync := NewSynchronizer(st, WithErrata(config.NewErrata([]string{"A01|A01-2"})))
	res, err := sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reassigned)

	got := userSurveys(t, st)
	require.Len(t, got, 1)
	assert.Equal(t, "LINK-1", got[0].AssetID)
	assert.Equal(t, "A01-1", got[0].AssetCode)

	// The errata link itself generates no programmatic survey.
	prog, err := st.FindSurveys(ctx, store.SurveyFilter{
		RoadCode: "A01",
		Source:   model.SourceProgrammatic,
	})
	require.NoError(t, err)
	require.Len(t, prog, 1)
	assert.Equal(t, "A01-1", prog[0].AssetCode)
}

func TestResync_PartitionInvariant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	segments := seedRoad(t, st)

	ranges := [][2]float64{{0, 2500}, {250, 1250}, {900, 1100}, {1999, 2500}}
	for _, r := range ranges {
		_, err := st.CreateSurvey(ctx, &model.Survey{
			RoadCode:      "A01",
			ChainageStart: r[0],
			ChainageEnd:   r[1],
			Source:        "field_app",
			Values:        map[string]*string{model.AttrSurfaceType: model.Str("gravel")},
		})
		require.NoError(t, err)
	}

	_, err := NewSynchronizer(st).Resync(ctx, "A01")
	require.NoError(t, err)

	const epsilon = 1e-9
	for _, sv := range userSurveys(t, st) {
		var containing int
		for i := range segments {
			seg := &segments[i]
			if seg.Contains(sv.ChainageStart) && seg.Contains(sv.ChainageEnd-epsilon) {
				containing++
				assert.Equal(t, seg.AssetID(), sv.AssetID)
			}
		}
		assert.Equal(t, 1, containing, "survey [%g,%g) must sit in exactly one segment", sv.ChainageStart, sv.ChainageEnd)
	}
}

func TestResync_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedRoad(t, st)

	inv := &recordingInvalidator{}
	sync := NewSynchronizer(st, WithInvalidator(inv))
	_, err := sync.Resync(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, []string{"A01"}, inv.calls)
}

type recordingInvalidator struct {
	calls []string
}

func (r *recordingInvalidator) Invalidate(roadCode string) {
	r.calls = append(r.calls, roadCode)
}
