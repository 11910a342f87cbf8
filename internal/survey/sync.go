// Package survey keeps every survey attached to the link segment whose
// authoritative chainage range actually contains it, splitting records that
// cross segment boundaries and regenerating the programmatic survey set.
package survey

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/store"
)

// Invalidator drops cached reports for a road after its data changes.
type Invalidator interface {
	Invalidate(roadCode string)
}

// Result summarizes one resync pass over a road code.
type Result struct {
	RoadCode            string   `json:"road_code"`
	ProgrammaticCreated int      `json:"programmatic_created"`
	Reassigned          int      `json:"reassigned"`
	Splits              int      `json:"splits"`
	Deleted             int      `json:"deleted"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithErrata supplies the road/link exclusion set.
func WithErrata(e *config.Errata) Option {
	return func(s *Synchronizer) { s.errata = e }
}

// WithInvalidator wires report-cache invalidation into every write path.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Synchronizer) { s.cache = inv }
}

// Synchronizer reconciles surveys against the link registry. Resync for one
// road code is serialized by a per-code mutex because the programmatic
// delete-then-recreate step is not safe to run concurrently on the same road.
type Synchronizer struct {
	store  store.Store
	errata *config.Errata
	cache  Invalidator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSynchronizer creates a Synchronizer over the given store.
func NewSynchronizer(st store.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) roadLock(roadCode string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[roadCode]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roadCode] = lock
	}
	return lock
}

// Resync re-associates every survey on the road with the correct segment and
// regenerates the programmatic survey set. Safe to re-run from scratch: a
// second pass with no external change leaves non-programmatic surveys
// untouched.
func (s *Synchronizer) Resync(ctx context.Context, roadCode string) (*Result, error) {
	lock := s.roadLock(roadCode)
	lock.Lock()
	defer lock.Unlock()

	res := &Result{RoadCode: roadCode}

	segments, err := s.store.ListSegments(ctx, roadCode)
	if err != nil {
		return nil, eris.Wrapf(err, "survey: list segments %s", roadCode)
	}
	matchable := s.matchableSegments(segments)

	wrote, err := s.regenerateProgrammatic(ctx, roadCode, matchable, res)
	if err != nil {
		return nil, err
	}

	userWrote, err := s.reconcileUserSurveys(ctx, roadCode, matchable, res)
	if err != nil {
		return nil, err
	}

	if (wrote || userWrote) && s.cache != nil {
		s.cache.Invalidate(roadCode)
	}

	zap.L().Info("survey: resync complete",
		zap.String("road_code", roadCode),
		zap.Int("programmatic_created", res.ProgrammaticCreated),
		zap.Int("reassigned", res.Reassigned),
		zap.Int("splits", res.Splits),
		zap.Int("deleted", res.Deleted),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// ResyncMany fans resync out over distinct road codes. Distinct codes are
// independent units of isolation, so they may run in parallel.
func (s *Synchronizer) ResyncMany(ctx context.Context, roadCodes []string, concurrency int) ([]*Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]*Result, len(roadCodes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, code := range roadCodes {
		g.Go(func() error {
			r, err := s.Resync(ctx, code)
			if err != nil {
				return eris.Wrapf(err, "survey: resync %s", code)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// matchableSegments drops errata links and segments without computed geometry
// chainage; neither may participate in the boundary walk.
func (s *Synchronizer) matchableSegments(segments []model.LinkSegment) []model.LinkSegment {
	var out []model.LinkSegment
	for _, seg := range segments {
		if s.errata.Excluded(seg.RoadCode, seg.LinkCode) {
			continue
		}
		if seg.GeomStartChainage == nil || seg.GeomEndChainage == nil {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		return *out[i].GeomStartChainage < *out[j].GeomStartChainage
	})
	return out
}

// regenerateProgrammatic deletes and recreates the full programmatic survey
// set from current segment attributes.
func (s *Synchronizer) regenerateProgrammatic(ctx context.Context, roadCode string, segments []model.LinkSegment, res *Result) (bool, error) {
	deleted, err := s.store.DeleteSurveysBySource(ctx, roadCode, model.SourceProgrammatic, store.ReasonRegenProgrammatic)
	if err != nil {
		return false, eris.Wrapf(err, "survey: delete programmatic %s", roadCode)
	}

	var created int
	for i := range segments {
		seg := &segments[i]
		values := seg.ReportableValues()
		if len(values) == 0 {
			continue
		}
		sv := &model.Survey{
			RoadCode:      roadCode,
			AssetID:       seg.AssetID(),
			AssetCode:     seg.LinkCode,
			ChainageStart: *seg.GeomStartChainage,
			ChainageEnd:   *seg.GeomEndChainage,
			Source:        model.SourceProgrammatic,
			Values:        values,
		}
		if _, err := s.store.CreateSurvey(ctx, sv); err != nil {
			return false, eris.Wrapf(err, "survey: create programmatic for %s/%s", roadCode, seg.LinkCode)
		}
		created++
	}
	res.ProgrammaticCreated = created
	return deleted > 0 || created > 0, nil
}

// reconcileUserSurveys corrects every non-programmatic survey on the road:
// malformed ranges are deleted, errata-derived asset references cleared, and
// each survey placed on (or split across) the segments containing it.
func (s *Synchronizer) reconcileUserSurveys(ctx context.Context, roadCode string, segments []model.LinkSegment, res *Result) (bool, error) {
	surveys, err := s.store.FindSurveys(ctx, store.SurveyFilter{
		RoadCode:      roadCode,
		ExcludeSource: model.SourceProgrammatic,
	})
	if err != nil {
		return false, eris.Wrapf(err, "survey: find surveys %s", roadCode)
	}

	var wrote bool
	for i := range surveys {
		sv := surveys[i]

		if sv.Malformed() {
			if err := s.store.DeleteSurvey(ctx, sv.ID, store.ReasonMalformedRange); err != nil {
				return wrote, eris.Wrapf(err, "survey: delete malformed %d", sv.ID)
			}
			res.Deleted++
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("survey %d: zero-width or inverted range [%g, %g), deleted", sv.ID, sv.ChainageStart, sv.ChainageEnd))
			wrote = true
			continue
		}

		if sv.AssetCode != "" && s.errata.Excluded(roadCode, sv.AssetCode) {
			sv.AssetID = ""
			sv.AssetCode = ""
			if err := s.store.UpdateSurvey(ctx, &sv, store.ReasonErrataCleared); err != nil {
				return wrote, eris.Wrapf(err, "survey: clear errata ref %d", sv.ID)
			}
			wrote = true
		}

		w, err := s.placeSurvey(ctx, segments, sv, res)
		if err != nil {
			return wrote, err
		}
		wrote = wrote || w
	}
	return wrote, nil
}

// placeSurvey walks a survey onto the ordered segment chain. A survey whose
// range crosses a segment boundary is truncated at the boundary and its
// remainder re-entered against the following segments; the loop is bounded by
// the segment count, which guarantees termination.
func (s *Synchronizer) placeSurvey(ctx context.Context, segments []model.LinkSegment, sv model.Survey, res *Result) (bool, error) {
	var wrote bool
	cur := sv

	for hop := 0; hop <= len(segments); hop++ {
		idx := segmentContaining(segments, cur.ChainageStart)
		if idx < 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("survey %d: chainage start %g outside every segment of %s", cur.ID, cur.ChainageStart, cur.RoadCode))
			// A plain numeric start carries no identity worth keeping: this
			// is a deliberate destructive correction of malformed input.
			if cur.ChainageStart >= 0 {
				if err := s.store.DeleteSurvey(ctx, cur.ID, store.ReasonOutOfRange); err != nil {
					return wrote, eris.Wrapf(err, "survey: delete out-of-range %d", cur.ID)
				}
				res.Deleted++
				wrote = true
			}
			return wrote, nil
		}

		seg := &segments[idx]
		boundary := *seg.GeomEndChainage

		if cur.ChainageEnd <= boundary {
			// Wholly inside this segment: only the asset reference may need
			// rewriting, never the chainage.
			if cur.AssetID != seg.AssetID() || cur.AssetCode != seg.LinkCode {
				cur.AssetID = seg.AssetID()
				cur.AssetCode = seg.LinkCode
				if err := s.store.UpdateSurvey(ctx, &cur, store.ReasonReassign); err != nil {
					return wrote, eris.Wrapf(err, "survey: reassign %d", cur.ID)
				}
				res.Reassigned++
				wrote = true
			}
			return wrote, nil
		}

		// Crosses the boundary: truncate to it and carry the remainder into
		// the next segment with a new identity but identical values.
		remainder := model.Survey{
			RoadCode:      cur.RoadCode,
			ChainageStart: boundary,
			ChainageEnd:   cur.ChainageEnd,
			Source:        cur.Source,
			AddedBy:       cur.AddedBy,
			DateSurveyed:  cur.DateSurveyed,
			Values:        cur.CloneValues(),
		}
		cur.ChainageEnd = boundary
		cur.AssetID = seg.AssetID()
		cur.AssetCode = seg.LinkCode

		if _, err := s.store.SplitSurvey(ctx, &cur, &remainder, store.ReasonBoundarySplit); err != nil {
			return wrote, eris.Wrapf(err, "survey: split %d at %g", cur.ID, boundary)
		}
		res.Splits++
		wrote = true
		cur = remainder
	}

	return wrote, eris.Errorf("survey: placement of %d exceeded segment count", sv.ID)
}

func segmentContaining(segments []model.LinkSegment, c float64) int {
	for i := range segments {
		if segments[i].Contains(c) {
			return i
		}
	}
	return -1
}
