// Package store persists the link registry, survey records, and the
// append-only audit trail behind a single Store interface with SQLite,
// Postgres, and in-memory implementations.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/openroads/roadsurvey/internal/model"
)

// ErrNotFound is returned when a referenced segment or survey does not exist.
var ErrNotFound = eris.New("store: not found")

// Audit actions recorded in the change log.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSplit  = "split"
)

// Machine-readable reasons for destructive or corrective writes.
const (
	ReasonMalformedRange    = "resync:malformed-range"
	ReasonOutOfRange        = "resync:out-of-range"
	ReasonBoundarySplit     = "resync:boundary-split"
	ReasonReassign          = "resync:reassign"
	ReasonRegenProgrammatic = "resync:regenerate-programmatic"
	ReasonErrataCleared     = "resync:errata-cleared"
	ReasonRecomputeGeom     = "chainage:recompute-geom"
	ReasonCorrectLink       = "chainage:correct-link"
	ReasonImport            = "registry:import"
)

// SurveyFilter selects surveys by road or asset scope. Results are always
// ordered by chainage_start, then id.
type SurveyFilter struct {
	RoadCode      string `json:"road_code,omitempty"`
	AssetCode     string `json:"asset_code,omitempty"`
	AssetID       string `json:"asset_id,omitempty"`
	Source        string `json:"source,omitempty"`
	ExcludeSource string `json:"exclude_source,omitempty"`
}

// ChainageUpdate carries the chainage fields the normalizer rewrites. Nil
// fields are left untouched.
type ChainageUpdate struct {
	GeomStartChainage *float64
	GeomEndChainage   *float64
	GeomLength        *float64
	LinkStartChainage *float64
	LinkEndChainage   *float64
	LinkLength        *float64
}

// Empty reports whether the update would touch nothing.
func (u ChainageUpdate) Empty() bool {
	return u.GeomStartChainage == nil && u.GeomEndChainage == nil && u.GeomLength == nil &&
		u.LinkStartChainage == nil && u.LinkEndChainage == nil && u.LinkLength == nil
}

// Store is the persistence interface for the reconciliation engine. Every
// mutation appends an audit entry; SplitSurvey applies its truncate and create
// as a single atomic unit so readers never observe a half-split survey.
type Store interface {
	// Link registry
	ListSegments(ctx context.Context, roadCode string) ([]model.LinkSegment, error)
	BulkInsertSegments(ctx context.Context, segments []model.LinkSegment) (int64, error)
	UpdateSegmentChainage(ctx context.Context, id int64, upd ChainageUpdate, reason string) error

	// Surveys
	FindSurveys(ctx context.Context, f SurveyFilter) ([]model.Survey, error)
	CreateSurvey(ctx context.Context, s *model.Survey) (int64, error)
	UpdateSurvey(ctx context.Context, s *model.Survey, reason string) error
	DeleteSurvey(ctx context.Context, id int64, reason string) error
	DeleteSurveysBySource(ctx context.Context, roadCode, source, reason string) (int64, error)
	SplitSurvey(ctx context.Context, truncated, remainder *model.Survey, reason string) (int64, error)

	// Audit trail
	ListAudit(ctx context.Context, entity string, entityID int64) ([]model.AuditEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
