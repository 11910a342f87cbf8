// Package chainage reconciles user-editable link chainage fields against the
// authoritative geometry-derived chainage of each road's segment chain.
package chainage

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/shapeload"
	"github.com/openroads/roadsurvey/internal/store"
)

// DefaultTolerance is how far (meters) a user-entered link chainage may drift
// from the geometry-derived value before it is corrected.
const DefaultTolerance = 50.0

// SegmentStore is the slice of the store the normalizer needs.
type SegmentStore interface {
	ListSegments(ctx context.Context, roadCode string) ([]model.LinkSegment, error)
	UpdateSegmentChainage(ctx context.Context, id int64, upd store.ChainageUpdate, reason string) error
}

// MeasureFunc returns the length of an EWKB geometry in meters.
type MeasureFunc func(geometry []byte) (float64, error)

// Options controls a normalization pass.
type Options struct {
	// ResetGeom forces the geometry-derived fields to be rewritten even when
	// they look current.
	ResetGeom bool
	// CorrectLinks enables the secondary pass over the user-editable
	// link_start/link_end/link_length fields.
	CorrectLinks bool
}

// Result summarizes a normalization pass.
type Result struct {
	Segments       int `json:"segments"`
	GeomUpdated    int `json:"geom_updated"`
	LinksCorrected int `json:"links_corrected"`
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithTolerance overrides the default correction tolerance.
func WithTolerance(meters float64) NormalizerOption {
	return func(n *Normalizer) {
		if meters > 0 {
			n.tolerance = meters
		}
	}
}

// WithMeasure overrides how geometry length is measured.
func WithMeasure(fn MeasureFunc) NormalizerOption {
	return func(n *Normalizer) { n.measure = fn }
}

// Normalizer recomputes geometry-derived chainage and corrects drifted
// user-editable chainage for one road at a time.
type Normalizer struct {
	store     SegmentStore
	tolerance float64
	measure   MeasureFunc
}

// NewNormalizer creates a Normalizer over the given segment store.
func NewNormalizer(st SegmentStore, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		store:     st,
		tolerance: DefaultTolerance,
		measure:   shapeload.GeometryLength,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeRoad walks the road's segments in chainage order, recomputing
// geom_start/geom_end/geom_length from geometry. A second pass with unchanged
// geometry performs no writes. With opts.CorrectLinks it additionally rewrites
// link_* fields that deviate beyond the tolerance or are internally
// inconsistent, threading each corrected end as the suggested start of the
// next segment.
func (n *Normalizer) NormalizeRoad(ctx context.Context, roadCode string, opts Options) (*Result, error) {
	segments, err := n.store.ListSegments(ctx, roadCode)
	if err != nil {
		return nil, eris.Wrapf(err, "chainage: list segments %s", roadCode)
	}

	res := &Result{Segments: len(segments)}
	if len(segments) == 0 {
		return res, nil
	}

	// The chain's own start may be non-zero: seed from the first segment's
	// advisory start when it is usable.
	running := 0.0
	if first := segments[0].LinkStartChainage; first != nil && *first >= 0 {
		running = *first
	}

	for i := range segments {
		seg := &segments[i]

		raw, err := n.measure(seg.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "chainage: measure segment %s/%s", seg.RoadCode, seg.LinkCode)
		}
		length := math.Round(raw)
		start := running
		end := running + length
		running = end

		if opts.ResetGeom || geomStale(seg, start, end, length) {
			upd := store.ChainageUpdate{
				GeomStartChainage: model.Float(start),
				GeomEndChainage:   model.Float(end),
				GeomLength:        model.Float(length),
			}
			if err := n.store.UpdateSegmentChainage(ctx, seg.ID, upd, store.ReasonRecomputeGeom); err != nil {
				return nil, eris.Wrapf(err, "chainage: update segment %d", seg.ID)
			}
			seg.GeomStartChainage = upd.GeomStartChainage
			seg.GeomEndChainage = upd.GeomEndChainage
			seg.GeomLength = upd.GeomLength
			res.GeomUpdated++
			zap.L().Debug("chainage: recomputed geometry chainage",
				zap.String("road_code", seg.RoadCode),
				zap.String("link_code", seg.LinkCode),
				zap.Float64("start", start),
				zap.Float64("end", end),
			)
		}
	}

	if opts.CorrectLinks {
		corrected, err := n.correctLinks(ctx, segments)
		if err != nil {
			return nil, err
		}
		res.LinksCorrected = corrected
	}

	return res, nil
}

func geomStale(seg *model.LinkSegment, start, end, length float64) bool {
	if seg.GeomStartChainage == nil || seg.GeomEndChainage == nil || seg.GeomLength == nil {
		return true
	}
	return *seg.GeomStartChainage != start || *seg.GeomEndChainage != end || *seg.GeomLength != length
}

// correctLinks rewrites user-editable chainage that drifted beyond the
// tolerance. The corrected link_end of one segment becomes the suggested
// link_start of the next, so a single bad entry does not cascade.
func (n *Normalizer) correctLinks(ctx context.Context, segments []model.LinkSegment) (int, error) {
	var corrected int
	suggested := math.NaN() // no suggestion for the first segment

	for i := range segments {
		seg := &segments[i]
		if seg.GeomStartChainage == nil || seg.GeomEndChainage == nil {
			continue
		}
		geomStart := *seg.GeomStartChainage
		geomEnd := *seg.GeomEndChainage

		if !n.linkDrifted(seg, geomStart, geomEnd) {
			if seg.LinkEndChainage != nil {
				suggested = *seg.LinkEndChainage
			}
			continue
		}

		newStart := geomStart
		if !math.IsNaN(suggested) && math.Abs(suggested-geomStart) <= n.tolerance {
			newStart = suggested
		}
		newEnd := geomEnd
		upd := store.ChainageUpdate{
			LinkStartChainage: model.Float(newStart),
			LinkEndChainage:   model.Float(newEnd),
			LinkLength:        model.Float(newEnd - newStart),
		}
		if err := n.store.UpdateSegmentChainage(ctx, seg.ID, upd, store.ReasonCorrectLink); err != nil {
			return corrected, eris.Wrapf(err, "chainage: correct link %d", seg.ID)
		}
		seg.LinkStartChainage = upd.LinkStartChainage
		seg.LinkEndChainage = upd.LinkEndChainage
		seg.LinkLength = upd.LinkLength
		suggested = newEnd
		corrected++
		zap.L().Info("chainage: corrected link chainage",
			zap.String("road_code", seg.RoadCode),
			zap.String("link_code", seg.LinkCode),
			zap.Float64("link_start", newStart),
			zap.Float64("link_end", newEnd),
		)
	}
	return corrected, nil
}

func (n *Normalizer) linkDrifted(seg *model.LinkSegment, geomStart, geomEnd float64) bool {
	if seg.LinkStartChainage == nil || seg.LinkEndChainage == nil {
		return true
	}
	if *seg.LinkStartChainage >= *seg.LinkEndChainage {
		return true
	}
	return math.Abs(*seg.LinkStartChainage-geomStart) > n.tolerance ||
		math.Abs(*seg.LinkEndChainage-geomEnd) > n.tolerance
}
