package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openroads/roadsurvey/internal/db"
	"github.com/openroads/roadsurvey/internal/model"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		pgxCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		pgxCfg.MinConns = minConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS link_segments (
	id                  BIGSERIAL PRIMARY KEY,
	road_code           TEXT NOT NULL,
	link_code           TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	geom_start_chainage DOUBLE PRECISION,
	geom_end_chainage   DOUBLE PRECISION,
	geom_length         DOUBLE PRECISION,
	link_start_chainage DOUBLE PRECISION,
	link_end_chainage   DOUBLE PRECISION,
	link_length         DOUBLE PRECISION,
	geometry            BYTEA,
	asset_class         TEXT NOT NULL DEFAULT '',
	asset_condition     TEXT NOT NULL DEFAULT '',
	surface_type        TEXT NOT NULL DEFAULT '',
	surface_condition   TEXT NOT NULL DEFAULT '',
	pavement_class      TEXT NOT NULL DEFAULT '',
	terrain_class       TEXT NOT NULL DEFAULT '',
	traffic_level       TEXT NOT NULL DEFAULT '',
	carriageway_width   DOUBLE PRECISION,
	total_width         DOUBLE PRECISION,
	number_lanes        INTEGER,
	rainfall            INTEGER,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(road_code, link_code)
);

CREATE TABLE IF NOT EXISTS surveys (
	id             BIGSERIAL PRIMARY KEY,
	road_code      TEXT NOT NULL,
	asset_id       TEXT NOT NULL DEFAULT '',
	asset_code     TEXT NOT NULL DEFAULT '',
	chainage_start DOUBLE PRECISION NOT NULL,
	chainage_end   DOUBLE PRECISION NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	added_by       TEXT NOT NULL DEFAULT '',
	date_surveyed  TIMESTAMPTZ,
	val_json       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         UUID PRIMARY KEY,
	entity     TEXT NOT NULL,
	entity_id  BIGINT NOT NULL,
	action     TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_link_segments_road ON link_segments(road_code, geom_start_chainage);
CREATE INDEX IF NOT EXISTS idx_surveys_road ON surveys(road_code, chainage_start);
CREATE INDEX IF NOT EXISTS idx_surveys_asset ON surveys(asset_code, chainage_start);
CREATE INDEX IF NOT EXISTS idx_surveys_source ON surveys(road_code, source);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity, entity_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgSegmentColumns = `id, road_code, link_code, name,
	geom_start_chainage, geom_end_chainage, geom_length,
	link_start_chainage, link_end_chainage, link_length, geometry,
	asset_class, asset_condition, surface_type, surface_condition,
	pavement_class, terrain_class, traffic_level,
	carriageway_width, total_width, number_lanes, rainfall,
	created_at, updated_at`

func (s *PostgresStore) ListSegments(ctx context.Context, roadCode string) ([]model.LinkSegment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSegmentColumns+` FROM link_segments
		 WHERE road_code = $1
		 ORDER BY COALESCE(geom_start_chainage, link_start_chainage, 0), link_code`,
		roadCode,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list segments %s", roadCode)
	}
	defer rows.Close()

	var segments []model.LinkSegment
	for rows.Next() {
		var seg model.LinkSegment
		if err := rows.Scan(
			&seg.ID, &seg.RoadCode, &seg.LinkCode, &seg.Name,
			&seg.GeomStartChainage, &seg.GeomEndChainage, &seg.GeomLength,
			&seg.LinkStartChainage, &seg.LinkEndChainage, &seg.LinkLength, &seg.Geometry,
			&seg.AssetClass, &seg.AssetCondition, &seg.SurfaceType, &seg.SurfaceCondition,
			&seg.PavementClass, &seg.TerrainClass, &seg.TrafficLevel,
			&seg.CarriagewayWidth, &seg.TotalWidth, &seg.NumberLanes, &seg.Rainfall,
			&seg.CreatedAt, &seg.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan segment")
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate segments")
	}
	return segments, nil
}

// BulkInsertSegments loads the registry via COPY and records one audit row per
// inserted segment. Segment IDs are not backfilled into the input slice;
// callers re-list after import.
func (s *PostgresStore) BulkInsertSegments(ctx context.Context, segments []model.LinkSegment) (int64, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	columns := []string{
		"road_code", "link_code", "name",
		"geom_start_chainage", "geom_end_chainage", "geom_length",
		"link_start_chainage", "link_end_chainage", "link_length", "geometry",
		"asset_class", "asset_condition", "surface_type", "surface_condition",
		"pavement_class", "terrain_class", "traffic_level",
		"carriageway_width", "total_width", "number_lanes", "rainfall",
		"created_at", "updated_at",
	}
	rows := make([][]any, 0, len(segments))
	roadCodes := make(map[string]struct{})
	for i := range segments {
		seg := &segments[i]
		roadCodes[seg.RoadCode] = struct{}{}
		rows = append(rows, []any{
			seg.RoadCode, seg.LinkCode, seg.Name,
			seg.GeomStartChainage, seg.GeomEndChainage, seg.GeomLength,
			seg.LinkStartChainage, seg.LinkEndChainage, seg.LinkLength, seg.Geometry,
			seg.AssetClass, seg.AssetCondition, seg.SurfaceType, seg.SurfaceCondition,
			seg.PavementClass, seg.TerrainClass, seg.TrafficLevel,
			seg.CarriagewayWidth, seg.TotalWidth, seg.NumberLanes, seg.Rainfall,
			now, now,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "link_segments", columns, rows)
	if err != nil {
		return 0, err
	}

	for code := range roadCodes {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO audit_log (id, entity, entity_id, action, reason, created_at)
			 SELECT gen_random_uuid(), 'link_segment', id, $1, $2, now()
			 FROM link_segments WHERE road_code = $3 AND created_at = $4`,
			ActionCreate, ReasonImport, code, now,
		); err != nil {
			return n, eris.Wrapf(err, "postgres: audit segment import %s", code)
		}
	}
	return n, nil
}

func (s *PostgresStore) UpdateSegmentChainage(ctx context.Context, id int64, upd ChainageUpdate, reason string) error {
	if upd.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin segment update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	set := "updated_at = now()"
	var args []any
	appendSet := func(col string, v *float64) {
		if v != nil {
			args = append(args, *v)
			set += ", " + col + " = $" + strconv.Itoa(len(args))
		}
	}
	appendSet("geom_start_chainage", upd.GeomStartChainage)
	appendSet("geom_end_chainage", upd.GeomEndChainage)
	appendSet("geom_length", upd.GeomLength)
	appendSet("link_start_chainage", upd.LinkStartChainage)
	appendSet("link_end_chainage", upd.LinkEndChainage)
	appendSet("link_length", upd.LinkLength)
	args = append(args, id)

	tag, err := tx.Exec(ctx, "UPDATE link_segments SET "+set+" WHERE id = $"+strconv.Itoa(len(args)), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update segment %d chainage", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "link_segment %d", id)
	}
	if err := pgAudit(ctx, tx, "link_segment", id, ActionUpdate, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit segment update")
}

const pgSurveyColumns = `id, road_code, asset_id, asset_code, chainage_start, chainage_end,
	source, added_by, date_surveyed, val_json, created_at, updated_at`

func (s *PostgresStore) FindSurveys(ctx context.Context, f SurveyFilter) ([]model.Survey, error) {
	query := `SELECT ` + pgSurveyColumns + ` FROM surveys WHERE TRUE`
	var args []any
	appendCond := func(cond, val string) {
		if val != "" {
			args = append(args, val)
			query += " AND " + cond + " $" + strconv.Itoa(len(args))
		}
	}
	appendCond("road_code =", f.RoadCode)
	appendCond("asset_code =", f.AssetCode)
	appendCond("asset_id =", f.AssetID)
	appendCond("source =", f.Source)
	appendCond("source !=", f.ExcludeSource)
	query += " ORDER BY chainage_start, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find surveys")
	}
	defer rows.Close()

	var surveys []model.Survey
	for rows.Next() {
		var (
			sv      model.Survey
			valJSON []byte
		)
		if err := rows.Scan(
			&sv.ID, &sv.RoadCode, &sv.AssetID, &sv.AssetCode,
			&sv.ChainageStart, &sv.ChainageEnd,
			&sv.Source, &sv.AddedBy, &sv.DateSurveyed, &valJSON,
			&sv.CreatedAt, &sv.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan survey")
		}
		if err := json.Unmarshal(valJSON, &sv.Values); err != nil {
			return nil, eris.Wrapf(err, "postgres: decode survey %d values", sv.ID)
		}
		surveys = append(surveys, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate surveys")
	}
	return surveys, nil
}

func (s *PostgresStore) CreateSurvey(ctx context.Context, sv *model.Survey) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin create survey")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id, err := pgInsertSurvey(ctx, tx, sv)
	if err != nil {
		return 0, err
	}
	if err := pgAudit(ctx, tx, "survey", id, ActionCreate, sourceReason(sv)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit create survey")
	}
	return id, nil
}

func pgInsertSurvey(ctx context.Context, tx pgx.Tx, sv *model.Survey) (int64, error) {
	valJSON, err := json.Marshal(sv.Values)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal survey values")
	}
	now := time.Now().UTC()
	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO surveys (road_code, asset_id, asset_code, chainage_start, chainage_end,
			source, added_by, date_surveyed, val_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		sv.RoadCode, sv.AssetID, sv.AssetCode, sv.ChainageStart, sv.ChainageEnd,
		sv.Source, sv.AddedBy, sv.DateSurveyed, valJSON, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert survey")
	}
	sv.ID = id
	sv.CreatedAt = now
	sv.UpdatedAt = now
	return id, nil
}

func pgUpdateSurvey(ctx context.Context, tx pgx.Tx, sv *model.Survey) error {
	valJSON, err := json.Marshal(sv.Values)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal survey values")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE surveys SET road_code = $1, asset_id = $2, asset_code = $3,
			chainage_start = $4, chainage_end = $5, source = $6, added_by = $7,
			date_surveyed = $8, val_json = $9, updated_at = now()
		 WHERE id = $10`,
		sv.RoadCode, sv.AssetID, sv.AssetCode,
		sv.ChainageStart, sv.ChainageEnd, sv.Source, sv.AddedBy,
		sv.DateSurveyed, valJSON, sv.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update survey %d", sv.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "survey %d", sv.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateSurvey(ctx context.Context, sv *model.Survey, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update survey")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := pgUpdateSurvey(ctx, tx, sv); err != nil {
		return err
	}
	if err := pgAudit(ctx, tx, "survey", sv.ID, ActionUpdate, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update survey")
}

func (s *PostgresStore) DeleteSurvey(ctx context.Context, id int64, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete survey")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM surveys WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete survey %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "survey %d", id)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM audit_log WHERE entity = 'survey' AND entity_id = $1 AND action != $2`,
		id, ActionDelete,
	); err != nil {
		return eris.Wrapf(err, "postgres: delete survey %d audit history", id)
	}
	if err := pgAudit(ctx, tx, "survey", id, ActionDelete, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete survey")
}

func (s *PostgresStore) DeleteSurveysBySource(ctx context.Context, roadCode, source, reason string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin delete by source")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, entity, entity_id, action, reason, created_at)
		 SELECT gen_random_uuid(), 'survey', id, $1, $2, now()
		 FROM surveys WHERE road_code = $3 AND source = $4`,
		ActionDelete, reason, roadCode, source,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: audit delete by source")
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM surveys WHERE road_code = $1 AND source = $2`, roadCode, source)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete surveys by source")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit delete by source")
	}
	return tag.RowsAffected(), nil
}

// SplitSurvey truncates one survey and creates its remainder inside a single
// transaction.
func (s *PostgresStore) SplitSurvey(ctx context.Context, truncated, remainder *model.Survey, reason string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin split survey")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := pgUpdateSurvey(ctx, tx, truncated); err != nil {
		return 0, err
	}
	newID, err := pgInsertSurvey(ctx, tx, remainder)
	if err != nil {
		return 0, err
	}
	if err := pgAudit(ctx, tx, "survey", truncated.ID, ActionSplit, reason); err != nil {
		return 0, err
	}
	if err := pgAudit(ctx, tx, "survey", newID, ActionCreate, reason); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit split survey")
	}
	return newID, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, entity string, entityID int64) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity, entity_id, action, reason, created_at
		 FROM audit_log WHERE entity = $1 AND entity_id = $2 ORDER BY created_at, id`,
		entity, entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate audit entries")
	}
	return entries, nil
}

func pgAudit(ctx context.Context, tx pgx.Tx, entity string, entityID int64, action, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, entity, entity_id, action, reason, created_at) VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New().String(), entity, entityID, action, reason,
	)
	return eris.Wrapf(err, "postgres: audit %s %d %s", entity, entityID, action)
}
