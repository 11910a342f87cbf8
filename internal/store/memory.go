package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/openroads/roadsurvey/internal/model"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It applies the
// same ordering and audit rules as the SQL backends.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[int64]*model.LinkSegment
	surveys  map[int64]*model.Survey
	audit    []model.AuditEntry
	nextSeg  int64
	nextSurv int64
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		segments: make(map[int64]*model.LinkSegment),
		surveys:  make(map[int64]*model.Survey),
		nextSeg:  1,
		nextSurv: 1,
	}
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func (m *MemoryStore) ListSegments(ctx context.Context, roadCode string) ([]model.LinkSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.LinkSegment
	for _, seg := range m.segments {
		if seg.RoadCode == roadCode {
			out = append(out, *seg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := segSortKey(&out[i]), segSortKey(&out[j])
		if si != sj {
			return si < sj
		}
		return out[i].LinkCode < out[j].LinkCode
	})
	return out, nil
}

func segSortKey(seg *model.LinkSegment) float64 {
	switch {
	case seg.GeomStartChainage != nil:
		return *seg.GeomStartChainage
	case seg.LinkStartChainage != nil:
		return *seg.LinkStartChainage
	default:
		return 0
	}
}

func (m *MemoryStore) BulkInsertSegments(ctx context.Context, segments []model.LinkSegment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i := range segments {
		seg := segments[i]
		seg.ID = m.nextSeg
		m.nextSeg++
		seg.CreatedAt = now
		seg.UpdatedAt = now
		m.segments[seg.ID] = &seg
		segments[i].ID = seg.ID
		m.appendAudit("link_segment", seg.ID, ActionCreate, ReasonImport)
	}
	return int64(len(segments)), nil
}

func (m *MemoryStore) UpdateSegmentChainage(ctx context.Context, id int64, upd ChainageUpdate, reason string) error {
	if upd.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "link_segment %d", id)
	}
	apply := func(dst **float64, v *float64) {
		if v != nil {
			f := *v
			*dst = &f
		}
	}
	apply(&seg.GeomStartChainage, upd.GeomStartChainage)
	apply(&seg.GeomEndChainage, upd.GeomEndChainage)
	apply(&seg.GeomLength, upd.GeomLength)
	apply(&seg.LinkStartChainage, upd.LinkStartChainage)
	apply(&seg.LinkEndChainage, upd.LinkEndChainage)
	apply(&seg.LinkLength, upd.LinkLength)
	seg.UpdatedAt = time.Now().UTC()
	m.appendAudit("link_segment", id, ActionUpdate, reason)
	return nil
}

func (m *MemoryStore) FindSurveys(ctx context.Context, f SurveyFilter) ([]model.Survey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Survey
	for _, sv := range m.surveys {
		if f.RoadCode != "" && sv.RoadCode != f.RoadCode {
			continue
		}
		if f.AssetCode != "" && sv.AssetCode != f.AssetCode {
			continue
		}
		if f.AssetID != "" && sv.AssetID != f.AssetID {
			continue
		}
		if f.Source != "" && sv.Source != f.Source {
			continue
		}
		if f.ExcludeSource != "" && sv.Source == f.ExcludeSource {
			continue
		}
		cp := *sv
		cp.Values = sv.CloneValues()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainageStart != out[j].ChainageStart {
			return out[i].ChainageStart < out[j].ChainageStart
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateSurvey(ctx context.Context, sv *model.Survey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSurveyLocked(sv, sourceReason(sv)), nil
}

func (m *MemoryStore) insertSurveyLocked(sv *model.Survey, reason string) int64 {
	now := time.Now().UTC()
	sv.ID = m.nextSurv
	m.nextSurv++
	sv.CreatedAt = now
	sv.UpdatedAt = now
	cp := *sv
	cp.Values = sv.CloneValues()
	m.surveys[sv.ID] = &cp
	m.appendAudit("survey", sv.ID, ActionCreate, reason)
	return sv.ID
}

func (m *MemoryStore) UpdateSurvey(ctx context.Context, sv *model.Survey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSurveyLocked(sv, reason)
}

func (m *MemoryStore) updateSurveyLocked(sv *model.Survey, reason string) error {
	if _, ok := m.surveys[sv.ID]; !ok {
		return eris.Wrapf(ErrNotFound, "survey %d", sv.ID)
	}
	sv.UpdatedAt = time.Now().UTC()
	cp := *sv
	cp.Values = sv.CloneValues()
	m.surveys[sv.ID] = &cp
	m.appendAudit("survey", sv.ID, ActionUpdate, reason)
	return nil
}

func (m *MemoryStore) DeleteSurvey(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.surveys[id]; !ok {
		return eris.Wrapf(ErrNotFound, "survey %d", id)
	}
	delete(m.surveys, id)
	m.dropAuditLocked("survey", id)
	m.appendAudit("survey", id, ActionDelete, reason)
	return nil
}

func (m *MemoryStore) DeleteSurveysBySource(ctx context.Context, roadCode, source, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, sv := range m.surveys {
		if sv.RoadCode == roadCode && sv.Source == source {
			delete(m.surveys, id)
			m.appendAudit("survey", id, ActionDelete, reason)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SplitSurvey(ctx context.Context, truncated, remainder *model.Survey, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateSurveyLocked(truncated, reason); err != nil {
		return 0, err
	}
	newID := m.insertSurveyLocked(remainder, reason)
	m.appendAudit("survey", truncated.ID, ActionSplit, reason)
	return newID, nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, entity string, entityID int64) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.AuditEntry
	for _, e := range m.audit {
		if e.Entity == entity && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) appendAudit(entity string, entityID int64, action, reason string) {
	m.audit = append(m.audit, model.AuditEntry{
		ID:        uuid.New().String(),
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (m *MemoryStore) dropAuditLocked(entity string, entityID int64) {
	kept := m.audit[:0]
	for _, e := range m.audit {
		if e.Entity == entity && e.EntityID == entityID {
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
}
