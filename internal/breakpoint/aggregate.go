// Package breakpoint flattens overlapping surveys into the gapless,
// most-recent-wins attribute timeline that reports are built from.
package breakpoint

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

// resolved is the value in effect from a breakpoint onward. A nil winner means
// no survey asserts the attribute there, which is distinct from a winner whose
// recorded value is an explicit null.
type resolved struct {
	value  *string
	winner *model.Survey
}

// equal reports whether two runs collapse into one segment. Both the value and
// the presence of an asserting survey must match: an explicit-null run never
// merges with an uncovered run, so a null survey's identity stops at its own end.
func (r resolved) equal(other resolved) bool {
	if (r.winner == nil) != (other.winner == nil) {
		return false
	}
	if (r.value == nil) != (other.value == nil) {
		return false
	}
	if r.value != nil && *r.value != *other.value {
		return false
	}
	return true
}

// Aggregate merges one asset's surveys for a single attribute into ordered,
// non-overlapping AttributeSegments. Surveys that do not carry the attribute
// in their values are ignored entirely. The trailing run, which no survey
// closes, ends at geomEnd when one is known; zero-length segments are dropped.
func Aggregate(surveys []model.Survey, attribute string, geomEnd *float64) []model.AttributeSegment {
	var carrying []model.Survey
	for _, sv := range surveys {
		if _, ok := sv.Value(attribute); ok {
			carrying = append(carrying, sv)
		}
	}
	if len(carrying) == 0 {
		return nil
	}

	bps := breakpoints(carrying)

	type run struct {
		start float64
		res   resolved
	}
	var runs []run
	for _, c := range bps {
		res := resolveAt(carrying, attribute, c)
		if len(runs) > 0 && runs[len(runs)-1].res.equal(res) {
			continue
		}
		runs = append(runs, run{start: c, res: res})
	}

	ref := carrying[0]
	var out []model.AttributeSegment
	for i, r := range runs {
		end := r.start
		if i+1 < len(runs) {
			end = runs[i+1].start
		} else if geomEnd != nil {
			end = *geomEnd
		}
		if end <= r.start {
			continue
		}
		seg := model.AttributeSegment{
			AssetID:       ref.AssetID,
			AssetCode:     ref.AssetCode,
			RoadCode:      ref.RoadCode,
			Attribute:     attribute,
			StartChainage: r.start,
			EndChainage:   end,
			Value:         r.res.value,
		}
		if w := r.res.winner; w != nil {
			seg.SurveyID = w.ID
			seg.SurveyedBy = w.AddedBy
			seg.DateSurveyed = w.DateSurveyed
		}
		out = append(out, seg)
	}
	return out
}

// breakpoints returns the sorted, deduplicated set of survey range endpoints.
func breakpoints(surveys []model.Survey) []float64 {
	seen := make(map[float64]struct{}, len(surveys)*2)
	var bps []float64
	for _, sv := range surveys {
		for _, c := range [2]float64{sv.ChainageStart, sv.ChainageEnd} {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				bps = append(bps, c)
			}
		}
	}
	sort.Float64s(bps)
	return bps
}

// resolveAt ranks the surveys containing breakpoint c and returns the value in
// effect from c onward. A survey ending exactly at c ranks behind every survey
// for which c is interior or a start point; within a rank, newer date_surveyed
// wins with nulls last, and equal dates fall back to the higher survey id. If
// the top-ranked survey ends at c it asserts nothing beyond its own range, so
// the resolved value is absent rather than carried forward.
func resolveAt(surveys []model.Survey, attribute string, c float64) resolved {
	var cand []*model.Survey
	for i := range surveys {
		sv := &surveys[i]
		if sv.ChainageStart <= c && c <= sv.ChainageEnd {
			cand = append(cand, sv)
		}
	}
	if len(cand) == 0 {
		return resolved{}
	}

	sort.Slice(cand, func(i, j int) bool {
		endsI, endsJ := cand[i].ChainageEnd == c, cand[j].ChainageEnd == c
		if endsI != endsJ {
			return !endsI
		}
		if cmp := compareDates(cand[i].DateSurveyed, cand[j].DateSurveyed); cmp != 0 {
			return cmp > 0
		}
		return cand[i].ID > cand[j].ID
	})

	top := cand[0]
	if top.ChainageEnd == c {
		return resolved{}
	}
	value, _ := top.Value(attribute)
	return resolved{value: value, winner: top}
}

// compareDates orders by recency: positive when a is newer, with nil dates
// sorting behind any concrete date.
func compareDates(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case b.After(*a):
		return -1
	default:
		return 0
	}
}

// Builder aggregates a whole road from the store, asset by asset.
type Builder struct {
	store store.Store
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Road returns the attribute timeline for every segment of the road, in
// segment chainage order, restricted to the given attributes.
func (b *Builder) Road(ctx context.Context, roadCode string, attributes []string) ([]model.AttributeSegment, error) {
	segments, err := b.store.ListSegments(ctx, roadCode)
	if err != nil {
		return nil, eris.Wrapf(err, "breakpoint: list segments %s", roadCode)
	}

	var out []model.AttributeSegment
	for i := range segments {
		seg := &segments[i]
		surveys, err := b.store.FindSurveys(ctx, store.SurveyFilter{
			RoadCode: roadCode,
			AssetID:  seg.AssetID(),
		})
		if err != nil {
			return nil, eris.Wrapf(err, "breakpoint: find surveys %s", seg.AssetID())
		}
		for _, attribute := range attributes {
			out = append(out, Aggregate(surveys, attribute, seg.GeomEndChainage)...)
		}
	}
	return out, nil
}
