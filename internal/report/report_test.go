package report

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

func date(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func intPtr(v int) *int { return &v }

func seedStore(t *testing.T, surveys []model.Survey) *store.MemoryStore {
	t.Helper()
	st := store.NewMemory()
	for i := range surveys {
		_, err := st.CreateSurvey(context.Background(), &surveys[i])
		require.NoError(t, err)
	}
	return st
}

func TestBuild_InvalidWindow(t *testing.T) {
	st := store.NewMemory()
	b := NewBuilder(st, config.DefaultRegistry())

	tests := []struct {
		name   string
		window Window
	}{
		{"missing both", Window{}},
		{"missing end", Window{Start: intPtr(0)}},
		{"inverted", Window{Start: intPtr(100), End: intPtr(50)}},
		{"zero width", Window{Start: intPtr(100), End: intPtr(100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := b.Build(context.Background(), Filter{
				RoadCode:   "A01",
				Attributes: []string{model.AttrAssetCondition},
				Window:     tt.window,
			})
			require.NoError(t, err, "invalid window must not be an error")
			assert.True(t, rep.Empty())
		})
	}
}

func TestBuild_TimelineRecency(t *testing.T) {
	st := seedStore(t, []model.Survey{
		{
			RoadCode: "A01", ChainageStart: 0, ChainageEnd: 100,
			Source: "field_app", AddedBy: "Alice",
			DateSurveyed: date("2019-01-01"),
			Values:       map[string]*string{model.AttrAssetCondition: model.Str("1")},
		},
		{
			RoadCode: "A01", ChainageStart: 40, ChainageEnd: 60,
			Source: "field_app", AddedBy: "Bob",
			DateSurveyed: date("2022-01-01"),
			Values:       map[string]*string{model.AttrAssetCondition: model.Str("3")},
		},
	})

	rep, err := NewBuilder(st, config.DefaultRegistry()).Build(context.Background(), Filter{
		RoadCode:   "A01",
		Attributes: []string{model.AttrAssetCondition},
		Window:     Window{Start: intPtr(0), End: intPtr(100)},
	})
	require.NoError(t, err)

	points := rep.Timeline[model.AttrAssetCondition]
	require.Len(t, points, 100)

	assert.Equal(t, "1", *points[10].Value)
	assert.Equal(t, "Alice", points[10].AddedBy)
	assert.Equal(t, "3", *points[50].Value, "newer survey wins every overlapped point")
	assert.Equal(t, "Bob", points[50].AddedBy)
	assert.Equal(t, "1", *points[70].Value)
}

func TestBuild_TimelineFractionalChainage(t *testing.T) {
	// Point p belongs to a survey only when chainage_start <= p < chainage_end,
	// so fractional bounds round up on both sides.
	st := seedStore(t, []model.Survey{
		{
			RoadCode: "A01", ChainageStart: 10.6, ChainageEnd: 20.4,
			Source: "field_app", DateSurveyed: date("2020-01-01"),
			Values: map[string]*string{model.AttrAssetCondition: model.Str("2")},
		},
	})

	rep, err := NewBuilder(st, config.DefaultRegistry()).Build(context.Background(), Filter{
		RoadCode:   "A01",
		Attributes: []string{model.AttrAssetCondition},
		Window:     Window{Start: intPtr(0), End: intPtr(30)},
	})
	require.NoError(t, err)

	points := rep.Timeline[model.AttrAssetCondition]
	require.Len(t, points, 30)

	assert.False(t, points[10].Known(), "chainage 10 is before the survey starts")
	assert.Equal(t, "2", *points[11].Value, "first whole point inside the range")
	assert.Equal(t, "2", *points[20].Value, "chainage 20 is still before the survey ends")
	assert.False(t, points[21].Known())
}

func TestBuild_TimelineUndatedOnlyClaimsUnclaimed(t *testing.T) {
	st := seedStore(t, []model.Survey{
		{
			RoadCode: "A01", ChainageStart: 0, ChainageEnd: 50,
			Source: "field_app", DateSurveyed: date("2010-01-01"),
			Values: map[string]*string{model.AttrSurfaceType: model.Str("paved")},
		},
		{
			RoadCode: "A01", ChainageStart: 0, ChainageEnd: 100,
			Source: "legacy_import",
			Values: map[string]*string{model.AttrSurfaceType: model.Str("gravel")},
		},
	})

	rep, err := NewBuilder(st, config.DefaultRegistry()).Build(context.Background(), Filter{
		RoadCode:   "A01",
		Attributes: []string{model.AttrSurfaceType},
		Window:     Window{Start: intPtr(0), End: intPtr(100)},
	})
	require.NoError(t, err)

	points := rep.Timeline[model.AttrSurfaceType]
	assert.Equal(t, "paved", *points[25].Value, "dated survey keeps its points")
	assert.Equal(t, "gravel", *points[75].Value, "undated survey fills unclaimed points")
	assert.Equal(t, "legacy_import", points[75].AddedBy, "raw source is the added-by fallback")
}

func TestBuild_CategoricalSummary(t *testing.T) {
	st := seedStore(t, []model.Survey{
		{
			RoadCode: "A01", ChainageStart: 0, ChainageEnd: 60,
			Source: "field_app", DateSurveyed: date("2020-01-01"),
			Values: map[string]*string{model.AttrSurfaceType: model.Str("paved")},
		},
		{
			RoadCode: "A01", ChainageStart: 60, ChainageEnd: 80,
			Source: "field_app", DateSurveyed: date("2020-01-01"),
			Values: map[string]*string{model.AttrSurfaceType: model.Str("gravel")},
		},
	})

	rep, err := NewBuilder(st, config.DefaultRegistry()).Build(context.Background(), Filter{
		RoadCode:   "A01",
		Attributes: []string{model.AttrSurfaceType},
		Window:     Window{Start: intPtr(0), End: intPtr(100)},
	})
	require.NoError(t, err)

	buckets := rep.Summary[model.AttrSurfaceType]
	require.Len(t, buckets, 3)
	assert.Equal(t, Bucket{Label: "gravel", Length: 20}, buckets[0])
	assert.Equal(t, Bucket{Label: "paved", Length: 60}, buckets[1])
	assert.Equal(t, Bucket{Label: UnknownLabel, Length: 20}, buckets[2])
}

func TestBuild_ContinuousBinning(t *testing.T) {
	st := seedStore(t, []model.Survey{
		{
			RoadCode: "A01", ChainageStart: 0, ChainageEnd: 40,
			Source: "field_app", DateSurveyed: date("2020-01-01"),
			Values: map[string]*string{model.AttrCarriagewayWidth: model.Str("4.5")},
		},
		{
			RoadCode: "A01", ChainageStart: 40, ChainageEnd: 70,
			Source: "field_app", DateSurveyed: date("2020-01-01"),
			Values: map[string]*string{model.AttrCarriagewayWidth: model.Str("12")},
		},
	})

	rep, err := NewBuilder(st, config.DefaultRegistry()).Build(context.Background(), Filter{
		RoadCode:   "A01",
		Attributes: []string{model.AttrCarriagewayWidth},
		Window:     Window{Start: intPtr(0), End: intPtr(100)},
	})
	require.NoError(t, err)

	buckets := rep.Summary[model.AttrCarriagewayWidth]
	require.Len(t, buckets, 3)
	assert.Equal(t, Bucket{Label: "0 - 10", Length: 40}, buckets[0])
	assert.Equal(t, Bucket{Label: "10 - 20", Length: 30}, buckets[1])
	assert.Equal(t, Bucket{Label: UnknownLabel, Length: 30}, buckets[2])

	// Binning total property: bucket lengths sum to the window length.
	var total float64
	for _, b := range buckets {
		total += b.Length
	}
	assert.Equal(t, 100.0, total)
}

func TestCrossRoad_FixedRanges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	segments := []model.LinkSegment{
		{
			RoadCode:          "A01",
			LinkCode:          "A01-1",
			GeomStartChainage: model.Float(0),
			GeomEndChainage:   model.Float(1000),
			Rainfall:          model.Int(2500),
			CarriagewayWidth:  model.Float(6),
		},
		{
			RoadCode:          "B02",
			LinkCode:          "B02-1",
			GeomStartChainage: model.Float(0),
			GeomEndChainage:   model.Float(500),
			Rainfall:          model.Int(7000),
		},
	}
	_, err := st.BulkInsertSegments(ctx, segments)
	require.NoError(t, err)

	for i := range segments {
		seg := &segments[i]
		_, err := st.CreateSurvey(ctx, &model.Survey{
			RoadCode:      seg.RoadCode,
			AssetID:       seg.AssetID(),
			AssetCode:     seg.LinkCode,
			ChainageStart: *seg.GeomStartChainage,
			ChainageEnd:   *seg.GeomEndChainage,
			Source:        model.SourceProgrammatic,
			Values:        seg.ReportableValues(),
		})
		require.NoError(t, err)
	}

	rows, err := NewBuilder(st, config.DefaultRegistry()).CrossRoad(ctx, []string{"A01", "B02"})
	require.NoError(t, err)

	want := []RangeRow{
		{Attribute: model.AttrRainfall, Range: "2000 - 4000", Length: 1000},
		{Attribute: model.AttrRainfall, Range: "6000+", Length: 500},
		{Attribute: model.AttrCarriagewayWidth, Range: "5 - 10", Length: 1000},
	}
	assert.Equal(t, want, rows)
}

func TestReport_WriteCSV(t *testing.T) {
	rep := &Report{
		Filter: Filter{RoadCode: "A01"},
		Summary: map[string][]Bucket{
			model.AttrSurfaceType: {
				{Label: "paved", Length: 60},
				{Label: UnknownLabel, Length: 40},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, rep.WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "attribute,value,length", lines[0])
	assert.Equal(t, "surface_type,paved,60", lines[1])
	assert.Equal(t, "surface_type,unknown,40", lines[2])
}

func TestReport_WriteXLSX(t *testing.T) {
	rep := &Report{
		Filter: Filter{RoadCode: "A01"},
		Summary: map[string][]Bucket{
			model.AttrSurfaceType: {{Label: "paved", Length: 60}},
		},
		Timeline: map[string][]Point{
			model.AttrSurfaceType: {{Chainage: 0, Value: model.Str("paved"), SurveyID: 1, AddedBy: "Alice"}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, rep.WriteXLSX(&buf))
	assert.NotZero(t, buf.Len())
}
