// Package report builds attribute reports over a reconciled road: a dense
// per-chainage-unit timeline, binned summary statistics, and a cross-road
// aggregate, all serializable for export.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openroads/roadsurvey/internal/breakpoint"
	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

// UnknownLabel marks chainage with no resolved value.
const UnknownLabel = "unknown"

// Window is a half-open reporting range in whole chainage units. Nil bounds
// mean the caller never supplied them.
type Window struct {
	Start *int `json:"start"`
	End   *int `json:"end"`
}

// Valid reports whether the window can drive report construction.
func (w Window) Valid() bool {
	return w.Start != nil && w.End != nil && *w.End > *w.Start
}

// Filter describes what a report covers. It is embedded in the report output
// so a consumer can tell exactly what was asked for.
type Filter struct {
	RoadCode   string   `json:"road_code"`
	AssetCode  string   `json:"asset_code,omitempty"`
	Attributes []string `json:"attributes"`
	Window     Window   `json:"window"`
}

// Point is one chainage unit of the dense timeline.
type Point struct {
	Chainage     int        `json:"chainage"`
	Value        *string    `json:"value"`
	SurveyID     int64      `json:"survey_id,omitempty"`
	AddedBy      string     `json:"added_by,omitempty"`
	DateSurveyed *time.Time `json:"date_surveyed,omitempty"`
}

// Known reports whether any survey resolved this point.
func (p Point) Known() bool { return p.SurveyID != 0 }

// Bucket is one summary row: a value (or bin label) and the total chainage
// length it covers.
type Bucket struct {
	Label  string  `json:"label"`
	Length float64 `json:"length"`
}

// Report is the serialized output structure. An invalid window produces an
// empty report, not an error; check Empty before consuming.
type Report struct {
	Filter      Filter              `json:"filter"`
	GeneratedAt time.Time           `json:"generated_at"`
	Timeline    map[string][]Point  `json:"timeline,omitempty"`
	Summary     map[string][]Bucket `json:"summary,omitempty"`
}

// Empty reports whether the report carries no rows at all.
func (r *Report) Empty() bool {
	return len(r.Timeline) == 0 && len(r.Summary) == 0
}

// Builder constructs reports from the survey store and attribute registry.
type Builder struct {
	store    store.Store
	registry *config.Registry
	agg      *breakpoint.Builder
}

// NewBuilder creates a Builder.
func NewBuilder(st store.Store, reg *config.Registry) *Builder {
	return &Builder{store: st, registry: reg, agg: breakpoint.NewBuilder(st)}
}

// Build produces the timeline and summary for every requested attribute. A
// missing or inverted window yields an empty report.
func (b *Builder) Build(ctx context.Context, f Filter) (*Report, error) {
	rep := &Report{Filter: f, GeneratedAt: time.Now().UTC()}
	if !f.Window.Valid() {
		return rep, nil
	}

	surveys, err := b.store.FindSurveys(ctx, store.SurveyFilter{
		RoadCode:  f.RoadCode,
		AssetCode: f.AssetCode,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "report: find surveys %s", f.RoadCode)
	}

	rep.Timeline = make(map[string][]Point, len(f.Attributes))
	rep.Summary = make(map[string][]Bucket, len(f.Attributes))
	for _, attribute := range f.Attributes {
		points := timeline(surveys, attribute, *f.Window.Start, *f.Window.End)
		rep.Timeline[attribute] = points
		rep.Summary[attribute] = b.summarize(attribute, points)
	}
	return rep, nil
}

// timeline walks the raw surveys (not the reduced timeline) and resolves each
// integer chainage point in [start, end) to the newest covering survey. A
// survey with no date only claims points nothing has claimed yet.
func timeline(surveys []model.Survey, attribute string, start, end int) []Point {
	points := make([]Point, end-start)
	for i := range points {
		points[i].Chainage = start + i
	}

	for i := range surveys {
		sv := &surveys[i]
		value, ok := sv.Value(attribute)
		if !ok {
			continue
		}

		// A point p is covered when chainage_start <= p < chainage_end, so both
		// bounds round up: a survey starting at 10.6 first claims point 11, and
		// one ending at 20.4 still claims point 20.
		lo := start
		if s := int(math.Ceil(sv.ChainageStart)); s > lo {
			lo = s
		}
		hi := end
		if e := int(math.Ceil(sv.ChainageEnd)); e < hi {
			hi = e
		}
		for p := lo; p < hi; p++ {
			pt := &points[p-start]
			if !overwrites(sv, pt) {
				continue
			}
			pt.Value = value
			pt.SurveyID = sv.ID
			pt.AddedBy = contributor(sv)
			pt.DateSurveyed = sv.DateSurveyed
		}
	}
	return points
}

func overwrites(sv *model.Survey, pt *Point) bool {
	if !pt.Known() {
		return true
	}
	if sv.DateSurveyed == nil {
		return false
	}
	return pt.DateSurveyed == nil || sv.DateSurveyed.After(*pt.DateSurveyed)
}

// contributor resolves the display identity for a point: the recorded
// added-by name when present, otherwise the raw source string.
func contributor(sv *model.Survey) string {
	if sv.AddedBy != "" {
		return sv.AddedBy
	}
	return sv.Source
}

// summarize turns the dense timeline into counts per value, binning continuous
// attributes by their registered bucket width. Each point is one chainage unit
// of length. Buckets nothing fell into are omitted; unresolved points land in
// a trailing unknown bucket.
func (b *Builder) summarize(attribute string, points []Point) []Bucket {
	attr, _ := b.registry.Lookup(attribute)
	if attr.Continuous {
		return b.binContinuous(attr, points)
	}

	counts := make(map[string]float64)
	var unknown float64
	for _, pt := range points {
		if !pt.Known() || pt.Value == nil {
			unknown++
			continue
		}
		counts[*pt.Value]++
	}
	buckets := sortedBuckets(counts)
	if unknown > 0 {
		buckets = append(buckets, Bucket{Label: UnknownLabel, Length: unknown})
	}
	return buckets
}

func (b *Builder) binContinuous(attr config.Attribute, points []Point) []Bucket {
	width := attr.BucketWidthOrDefault()
	bins := make(map[int]float64)
	var unknown float64
	for _, pt := range points {
		if !pt.Known() || pt.Value == nil {
			unknown++
			continue
		}
		v, err := strconv.ParseFloat(*pt.Value, 64)
		if err != nil || v < 0 {
			unknown++
			continue
		}
		bins[int(v/width)]++
	}

	idxs := make([]int, 0, len(bins))
	for idx := range bins {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	buckets := make([]Bucket, 0, len(idxs)+1)
	for _, idx := range idxs {
		lo := float64(idx) * width
		buckets = append(buckets, Bucket{
			Label:  fmt.Sprintf("%g - %g", lo, lo+width),
			Length: bins[idx],
		})
	}
	if unknown > 0 {
		buckets = append(buckets, Bucket{Label: UnknownLabel, Length: unknown})
	}
	return buckets
}

func sortedBuckets(counts map[string]float64) []Bucket {
	buckets := make([]Bucket, 0, len(counts))
	for label, length := range counts {
		buckets = append(buckets, Bucket{Label: label, Length: length})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Label < buckets[j].Label })
	return buckets
}

// RangeRow is one row of the cross-road aggregate: total timeline length per
// fixed textual range of one attribute.
type RangeRow struct {
	Attribute string  `json:"attribute"`
	Range     string  `json:"range"`
	Length    float64 `json:"length"`
}

type fixedRange struct {
	label string
	lo    float64
	hi    float64 // exclusive; <= 0 means unbounded
}

// Fixed textual ranges for the cross-road aggregate. Kept coarse on purpose:
// these feed network-level dashboards, not per-road detail.
var crossRoadRanges = map[string][]fixedRange{
	model.AttrRainfall: {
		{label: "0 - 2000", lo: 0, hi: 2000},
		{label: "2000 - 4000", lo: 2000, hi: 4000},
		{label: "4000 - 6000", lo: 4000, hi: 6000},
		{label: "6000+", lo: 6000},
	},
	model.AttrCarriagewayWidth: {
		{label: "0 - 5", lo: 0, hi: 5},
		{label: "5 - 10", lo: 5, hi: 10},
		{label: "10+", lo: 10},
	},
}

// CrossRoad sums attribute-segment lengths across the given roads into fixed
// textual ranges for rainfall and carriageway width. Lengths come straight
// from the reduced timeline, end minus start, never from raw surveys.
func (b *Builder) CrossRoad(ctx context.Context, roadCodes []string) ([]RangeRow, error) {
	attributes := []string{model.AttrRainfall, model.AttrCarriagewayWidth}

	totals := make(map[string]map[string]float64, len(attributes))
	for _, attribute := range attributes {
		totals[attribute] = make(map[string]float64)
	}

	for _, roadCode := range roadCodes {
		segs, err := b.agg.Road(ctx, roadCode, attributes)
		if err != nil {
			return nil, eris.Wrapf(err, "report: aggregate %s", roadCode)
		}
		for _, seg := range segs {
			totals[seg.Attribute][rangeLabel(seg.Attribute, seg.Value)] += seg.Length()
		}
	}

	var rows []RangeRow
	for _, attribute := range attributes {
		for _, r := range crossRoadRanges[attribute] {
			if length := totals[attribute][r.label]; length > 0 {
				rows = append(rows, RangeRow{Attribute: attribute, Range: r.label, Length: length})
			}
		}
		if length := totals[attribute][UnknownLabel]; length > 0 {
			rows = append(rows, RangeRow{Attribute: attribute, Range: UnknownLabel, Length: length})
		}
	}
	return rows, nil
}

func rangeLabel(attribute string, value *string) string {
	if value == nil {
		return UnknownLabel
	}
	v, err := strconv.ParseFloat(*value, 64)
	if err != nil || v < 0 {
		return UnknownLabel
	}
	for _, r := range crossRoadRanges[attribute] {
		if v >= r.lo && (r.hi <= 0 || v < r.hi) {
			return r.label
		}
	}
	return UnknownLabel
}
