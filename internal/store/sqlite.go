package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openroads/roadsurvey/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS link_segments (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	road_code           TEXT NOT NULL,
	link_code           TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	geom_start_chainage REAL,
	geom_end_chainage   REAL,
	geom_length         REAL,
	link_start_chainage REAL,
	link_end_chainage   REAL,
	link_length         REAL,
	geometry            BLOB,
	asset_class         TEXT NOT NULL DEFAULT '',
	asset_condition     TEXT NOT NULL DEFAULT '',
	surface_type        TEXT NOT NULL DEFAULT '',
	surface_condition   TEXT NOT NULL DEFAULT '',
	pavement_class      TEXT NOT NULL DEFAULT '',
	terrain_class       TEXT NOT NULL DEFAULT '',
	traffic_level       TEXT NOT NULL DEFAULT '',
	carriageway_width   REAL,
	total_width         REAL,
	number_lanes        INTEGER,
	rainfall            INTEGER,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(road_code, link_code)
);

CREATE TABLE IF NOT EXISTS surveys (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	road_code      TEXT NOT NULL,
	asset_id       TEXT NOT NULL DEFAULT '',
	asset_code     TEXT NOT NULL DEFAULT '',
	chainage_start REAL NOT NULL,
	chainage_end   REAL NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	added_by       TEXT NOT NULL DEFAULT '',
	date_surveyed  DATETIME,
	val_json       TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	entity     TEXT NOT NULL,
	entity_id  INTEGER NOT NULL,
	action     TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_link_segments_road ON link_segments(road_code, geom_start_chainage);
CREATE INDEX IF NOT EXISTS idx_surveys_road ON surveys(road_code, chainage_start);
CREATE INDEX IF NOT EXISTS idx_surveys_asset ON surveys(asset_code, chainage_start);
CREATE INDEX IF NOT EXISTS idx_surveys_source ON surveys(road_code, source);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity, entity_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const segmentColumns = `id, road_code, link_code, name,
	geom_start_chainage, geom_end_chainage, geom_length,
	link_start_chainage, link_end_chainage, link_length, geometry,
	asset_class, asset_condition, surface_type, surface_condition,
	pavement_class, terrain_class, traffic_level,
	carriageway_width, total_width, number_lanes, rainfall,
	created_at, updated_at`

func (s *SQLiteStore) ListSegments(ctx context.Context, roadCode string) ([]model.LinkSegment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM link_segments
		 WHERE road_code = ?
		 ORDER BY COALESCE(geom_start_chainage, link_start_chainage, 0), link_code`,
		roadCode,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list segments %s", roadCode)
	}
	defer rows.Close()

	var segments []model.LinkSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate segments")
	}
	return segments, nil
}

func scanSegment(rows *sql.Rows) (*model.LinkSegment, error) {
	var (
		seg                         model.LinkSegment
		geomStart, geomEnd, geomLen sql.NullFloat64
		linkStart, linkEnd, linkLen sql.NullFloat64
		cwWidth, totWidth           sql.NullFloat64
		lanes, rainfall             sql.NullInt64
	)
	if err := rows.Scan(
		&seg.ID, &seg.RoadCode, &seg.LinkCode, &seg.Name,
		&geomStart, &geomEnd, &geomLen,
		&linkStart, &linkEnd, &linkLen, &seg.Geometry,
		&seg.AssetClass, &seg.AssetCondition, &seg.SurfaceType, &seg.SurfaceCondition,
		&seg.PavementClass, &seg.TerrainClass, &seg.TrafficLevel,
		&cwWidth, &totWidth, &lanes, &rainfall,
		&seg.CreatedAt, &seg.UpdatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan segment")
	}
	seg.GeomStartChainage = nullFloat(geomStart)
	seg.GeomEndChainage = nullFloat(geomEnd)
	seg.GeomLength = nullFloat(geomLen)
	seg.LinkStartChainage = nullFloat(linkStart)
	seg.LinkEndChainage = nullFloat(linkEnd)
	seg.LinkLength = nullFloat(linkLen)
	seg.CarriagewayWidth = nullFloat(cwWidth)
	seg.TotalWidth = nullFloat(totWidth)
	seg.NumberLanes = nullInt(lanes)
	seg.Rainfall = nullInt(rainfall)
	return &seg, nil
}

func (s *SQLiteStore) BulkInsertSegments(ctx context.Context, segments []model.LinkSegment) (int64, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert segments")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for i := range segments {
		seg := &segments[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO link_segments (road_code, link_code, name,
				geom_start_chainage, geom_end_chainage, geom_length,
				link_start_chainage, link_end_chainage, link_length, geometry,
				asset_class, asset_condition, surface_type, surface_condition,
				pavement_class, terrain_class, traffic_level,
				carriageway_width, total_width, number_lanes, rainfall,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.RoadCode, seg.LinkCode, seg.Name,
			floatArg(seg.GeomStartChainage), floatArg(seg.GeomEndChainage), floatArg(seg.GeomLength),
			floatArg(seg.LinkStartChainage), floatArg(seg.LinkEndChainage), floatArg(seg.LinkLength), seg.Geometry,
			seg.AssetClass, seg.AssetCondition, seg.SurfaceType, seg.SurfaceCondition,
			seg.PavementClass, seg.TerrainClass, seg.TrafficLevel,
			floatArg(seg.CarriagewayWidth), floatArg(seg.TotalWidth), intArg(seg.NumberLanes), intArg(seg.Rainfall),
			now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert segment %s/%s", seg.RoadCode, seg.LinkCode)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: segment insert id")
		}
		seg.ID = id
		seg.CreatedAt = now
		seg.UpdatedAt = now
		if err := auditTx(ctx, tx, "link_segment", id, ActionCreate, ReasonImport); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert segments")
	}
	return n, nil
}

func (s *SQLiteStore) UpdateSegmentChainage(ctx context.Context, id int64, upd ChainageUpdate, reason string) error {
	if upd.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin segment update")
	}
	defer tx.Rollback() //nolint:errcheck

	set := "updated_at = ?"
	args := []any{time.Now().UTC()}
	appendSet := func(col string, v *float64) {
		if v != nil {
			set += ", " + col + " = ?"
			args = append(args, *v)
		}
	}
	appendSet("geom_start_chainage", upd.GeomStartChainage)
	appendSet("geom_end_chainage", upd.GeomEndChainage)
	appendSet("geom_length", upd.GeomLength)
	appendSet("link_start_chainage", upd.LinkStartChainage)
	appendSet("link_end_chainage", upd.LinkEndChainage)
	appendSet("link_length", upd.LinkLength)
	args = append(args, id)

	res, err := tx.ExecContext(ctx, "UPDATE link_segments SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update segment %d chainage", id)
	}
	if err := checkAffected(res, "link_segment", id); err != nil {
		return err
	}
	if err := auditTx(ctx, tx, "link_segment", id, ActionUpdate, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit segment update")
}

const surveyColumns = `id, road_code, asset_id, asset_code, chainage_start, chainage_end,
	source, added_by, date_surveyed, val_json, created_at, updated_at`

func (s *SQLiteStore) FindSurveys(ctx context.Context, f SurveyFilter) ([]model.Survey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE 1=1`
	var args []any
	if f.RoadCode != "" {
		query += " AND road_code = ?"
		args = append(args, f.RoadCode)
	}
	if f.AssetCode != "" {
		query += " AND asset_code = ?"
		args = append(args, f.AssetCode)
	}
	if f.AssetID != "" {
		query += " AND asset_id = ?"
		args = append(args, f.AssetID)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.ExcludeSource != "" {
		query += " AND source != ?"
		args = append(args, f.ExcludeSource)
	}
	query += " ORDER BY chainage_start, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find surveys")
	}
	defer rows.Close()

	var surveys []model.Survey
	for rows.Next() {
		sv, err := scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		surveys = append(surveys, *sv)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate surveys")
	}
	return surveys, nil
}

func scanSurvey(rows *sql.Rows) (*model.Survey, error) {
	var (
		sv       model.Survey
		surveyed sql.NullTime
		valJSON  string
	)
	if err := rows.Scan(
		&sv.ID, &sv.RoadCode, &sv.AssetID, &sv.AssetCode,
		&sv.ChainageStart, &sv.ChainageEnd,
		&sv.Source, &sv.AddedBy, &surveyed, &valJSON,
		&sv.CreatedAt, &sv.UpdatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan survey")
	}
	if surveyed.Valid {
		t := surveyed.Time
		sv.DateSurveyed = &t
	}
	if err := json.Unmarshal([]byte(valJSON), &sv.Values); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode survey %d values", sv.ID)
	}
	return &sv, nil
}

func (s *SQLiteStore) CreateSurvey(ctx context.Context, sv *model.Survey) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin create survey")
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := insertSurveyTx(ctx, tx, sv)
	if err != nil {
		return 0, err
	}
	if err := auditTx(ctx, tx, "survey", id, ActionCreate, sourceReason(sv)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit create survey")
	}
	return id, nil
}

func sourceReason(sv *model.Survey) string {
	if sv.Programmatic() {
		return ReasonRegenProgrammatic
	}
	return "survey:user-entry"
}

func insertSurveyTx(ctx context.Context, tx *sql.Tx, sv *model.Survey) (int64, error) {
	valJSON, err := json.Marshal(sv.Values)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal survey values")
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO surveys (road_code, asset_id, asset_code, chainage_start, chainage_end,
			source, added_by, date_surveyed, val_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sv.RoadCode, sv.AssetID, sv.AssetCode, sv.ChainageStart, sv.ChainageEnd,
		sv.Source, sv.AddedBy, timeArg(sv.DateSurveyed), string(valJSON), now, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert survey")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: survey insert id")
	}
	sv.ID = id
	sv.CreatedAt = now
	sv.UpdatedAt = now
	return id, nil
}

func (s *SQLiteStore) UpdateSurvey(ctx context.Context, sv *model.Survey, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update survey")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateSurveyTx(ctx, tx, sv); err != nil {
		return err
	}
	if err := auditTx(ctx, tx, "survey", sv.ID, ActionUpdate, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update survey")
}

func updateSurveyTx(ctx context.Context, tx *sql.Tx, sv *model.Survey) error {
	valJSON, err := json.Marshal(sv.Values)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal survey values")
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE surveys SET road_code = ?, asset_id = ?, asset_code = ?,
			chainage_start = ?, chainage_end = ?, source = ?, added_by = ?,
			date_surveyed = ?, val_json = ?, updated_at = ?
		 WHERE id = ?`,
		sv.RoadCode, sv.AssetID, sv.AssetCode,
		sv.ChainageStart, sv.ChainageEnd, sv.Source, sv.AddedBy,
		timeArg(sv.DateSurveyed), string(valJSON), time.Now().UTC(), sv.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update survey %d", sv.ID)
	}
	return checkAffected(res, "survey", sv.ID)
}

func (s *SQLiteStore) DeleteSurvey(ctx context.Context, id int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete survey")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM surveys WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete survey %d", id)
	}
	if err := checkAffected(res, "survey", id); err != nil {
		return err
	}
	// The survey's own audit history goes with it; only the deletion record
	// with its reason remains.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM audit_log WHERE entity = 'survey' AND entity_id = ? AND action != ?`,
		id, ActionDelete,
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete survey %d audit history", id)
	}
	if err := auditTx(ctx, tx, "survey", id, ActionDelete, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete survey")
}

func (s *SQLiteStore) DeleteSurveysBySource(ctx context.Context, roadCode, source, reason string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin delete by source")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM surveys WHERE road_code = ? AND source = ?`, roadCode, source)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: select surveys by source")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: scan survey id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: iterate survey ids")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM surveys WHERE id = ?`, id); err != nil {
			return 0, eris.Wrapf(err, "sqlite: delete survey %d", id)
		}
		if err := auditTx(ctx, tx, "survey", id, ActionDelete, reason); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit delete by source")
	}
	return int64(len(ids)), nil
}

// SplitSurvey truncates one survey and creates its remainder in a single
// transaction so no reader observes a truncated-but-not-yet-split state.
func (s *SQLiteStore) SplitSurvey(ctx context.Context, truncated, remainder *model.Survey, reason string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin split survey")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateSurveyTx(ctx, tx, truncated); err != nil {
		return 0, err
	}
	newID, err := insertSurveyTx(ctx, tx, remainder)
	if err != nil {
		return 0, err
	}
	if err := auditTx(ctx, tx, "survey", truncated.ID, ActionSplit, reason); err != nil {
		return 0, err
	}
	if err := auditTx(ctx, tx, "survey", newID, ActionCreate, reason); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit split survey")
	}
	return newID, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, entity string, entityID int64) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity, entity_id, action, reason, created_at
		 FROM audit_log WHERE entity = ? AND entity_id = ? ORDER BY created_at, id`,
		entity, entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate audit entries")
	}
	return entries, nil
}

func auditTx(ctx context.Context, tx *sql.Tx, entity string, entityID int64, action, reason string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity, entity_id, action, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), entity, entityID, action, reason, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: audit %s %d %s", entity, entityID, action)
}

func checkAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %d", entity, id)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
