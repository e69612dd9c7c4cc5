// Package postgres implements the measurement, checkpoint and tree stores on
// PostgreSQL with PostGIS. Spatial predicates run in the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
)

// Store is a pgx connection pool bound to the harvester schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the PostGIS extension and all tables the harvester
// reads or writes when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- grid ---

// ImportCells inserts grid cells, skipping IDs that already exist. The
// centroid is computed by PostGIS.
func (s *Store) ImportCells(ctx context.Context, cells []domain.GridCell) (int, error) {
	batch := &pgx.Batch{}
	for _, c := range cells {
		g, err := geojson.NewGeometry(c.Geometry).MarshalJSON()
		if err != nil {
			return 0, fmt.Errorf("encode cell %d: %w", c.ID, err)
		}
		batch.Queue(`
			INSERT INTO radolan_geometry (id, geometry, centroid)
			SELECT $1, g, ST_Centroid(g)
			FROM (SELECT ST_SetSRID(ST_GeomFromGeoJSON($2), 4326) AS g) AS src
			ON CONFLICT (id) DO NOTHING`, c.ID, string(g))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	inserted := 0
	for range cells {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert cell: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListCells returns all grid cells ordered by ID.
func (s *Store) ListCells(ctx context.Context) ([]domain.GridCell, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ST_AsBinary(geometry), ST_X(centroid), ST_Y(centroid)
		FROM radolan_geometry
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []domain.GridCell
	for rows.Next() {
		var (
			c    domain.GridCell
			x, y float64
		)
		geom := wkb.Scanner(nil)
		if err := rows.Scan(&c.ID, geom, &x, &y); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.Geometry = geom.Geometry
		c.Centroid = orb.Point{x, y}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// --- checkpoint ---

func (s *Store) LoadCheckpoint(ctx context.Context) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT collection_date,
		       COALESCE(start_date, collection_date),
		       COALESCE(end_date, collection_date)
		FROM radolan_harvester
		WHERE id = 1`).Scan(&cp.CollectionDate, &cp.WindowStart, &cp.WindowEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, domain.ErrCheckpointMissing
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE radolan_harvester
		SET collection_date = $1, start_date = $2, end_date = $3
		WHERE id = 1`, cp.CollectionDate, cp.WindowStart, cp.WindowEnd)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCheckpointMissing
	}
	return nil
}

func (s *Store) SeedCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO radolan_harvester (id, collection_date, start_date, end_date)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, cp.CollectionDate, cp.WindowStart, cp.WindowEnd)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- measurements ---

// InsertExtracted copies the extracted polygons into a transaction-scoped
// temp table and inserts one measurement per grid cell whose centroid lies
// within a polygon.
func (s *Store) InsertExtracted(ctx context.Context, rows []domain.Extracted) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE radolan_temp (
			wkt         text             NOT NULL,
			value       double precision NOT NULL,
			measured_at timestamptz      NOT NULL
		) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("create temp table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"radolan_temp"},
		[]string{"wkt", "value", "measured_at"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{rows[i].WKT, rows[i].Value, rows[i].MeasuredAt}, nil
		}),
	); err != nil {
		return 0, fmt.Errorf("copy extracted rows: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO radolan_data (geom_id, value, measured_at)
		SELECT g.id, t.value, t.measured_at
		FROM radolan_temp AS t
		JOIN radolan_geometry AS g
		  ON ST_Within(g.centroid, ST_Multi(ST_Transform(ST_GeomFromText(t.wkt, 3857), 4326)))`)
	if err != nil {
		return 0, fmt.Errorf("insert measurements: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteDuplicates keeps the lowest ID of every (cell, hour) pair.
func (s *Store) DeleteDuplicates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM radolan_data AS a
		USING radolan_data AS b
		WHERE a.id > b.id
		  AND a.geom_id = b.geom_id
		  AND a.measured_at = b.measured_at`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM radolan_data WHERE measured_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MeasurementsBetween returns rows with first <= measured_at <= last.
func (s *Store) MeasurementsBetween(ctx context.Context, first, last time.Time) ([]domain.Measurement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, geom_id, value, measured_at
		FROM radolan_data
		WHERE measured_at BETWEEN $1 AND $2
		ORDER BY geom_id, measured_at`, first, last)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Measurement, error) {
		var m domain.Measurement
		err := row.Scan(&m.ID, &m.CellID, &m.Value, &m.MeasuredAt)
		return m, err
	})
}

// --- monthly summaries ---

// SummarizeMonth upserts the average over cells of the per-cell sum for the
// UTC calendar month, in liters per square meter.
func (s *Store) SummarizeMonth(ctx context.Context, sum domain.MonthlySummary) error {
	start := time.Date(sum.Year, sum.Month, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monthly_aggregated_radolan_data
			(year, month, last_harvest_day, avg_precipitation_liters_per_sm2, harvesting_finished)
		SELECT $1, $2, $3, COALESCE(avg(per_cell.total), 0) / 10, $4
		FROM (
			SELECT geom_id, sum(value) AS total
			FROM radolan_data
			WHERE measured_at >= $5 AND measured_at < $6
			GROUP BY geom_id
		) AS per_cell
		ON CONFLICT (year, month) DO UPDATE SET
			last_harvest_day = EXCLUDED.last_harvest_day,
			avg_precipitation_liters_per_sm2 = EXCLUDED.avg_precipitation_liters_per_sm2,
			harvesting_finished = EXCLUDED.harvesting_finished`,
		sum.Year, int(sum.Month), sum.LastHarvestDay, sum.Finished, start, start.AddDate(0, 1, 0))
	return err
}

// Summary reads back a stored monthly summary.
func (s *Store) Summary(ctx context.Context, year int, month time.Month) (domain.MonthlySummary, error) {
	sum := domain.MonthlySummary{Year: year, Month: month}
	err := s.pool.QueryRow(ctx, `
		SELECT last_harvest_day, avg_precipitation_liters_per_sm2, harvesting_finished
		FROM monthly_aggregated_radolan_data
		WHERE year = $1 AND month = $2`, year, int(month)).
		Scan(&sum.LastHarvestDay, &sum.AvgLitersPerSqm, &sum.Finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return sum, domain.ErrNotFound
	}
	return sum, err
}

// --- trees ---

// UpdateTrees writes each cell's series to the trees it covers, then to the
// trees still without a sum that lie within buffer degrees of a cell.
func (s *Store) UpdateTrees(ctx context.Context, grid []domain.CellSeries, buffer float64) (int64, error) {
	shapes := make([]string, len(grid))
	for i, c := range grid {
		g, err := c.GeoJSON()
		if err != nil {
			return 0, fmt.Errorf("encode cell %d: %w", c.CellID, err)
		}
		shapes[i] = string(g)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var updated int64
	passes := []string{
		`UPDATE trees SET radolan_days = $1, radolan_sum = $2
		 WHERE ST_CoveredBy(geom, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326))`,
		`UPDATE trees SET radolan_days = $1, radolan_sum = $2
		 WHERE radolan_sum IS NULL
		   AND ST_CoveredBy(geom, ST_Buffer(ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4::float8))`,
	}
	for pass, query := range passes {
		batch := &pgx.Batch{}
		for i, c := range grid {
			args := []any{c.Values, c.Sum, shapes[i]}
			if pass == 1 {
				args = append(args, buffer)
			}
			batch.Queue(query, args...)
		}
		n, err := execBatch(ctx, tx, batch)
		if err != nil {
			return 0, fmt.Errorf("update trees pass %d: %w", pass+1, err)
		}
		updated += n
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) (int64, error) {
	br := tx.SendBatch(ctx, batch)
	var n int64
	for range batch.Len() {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, err
		}
		n += tag.RowsAffected()
	}
	return n, br.Close()
}

// ListTrees returns the trees inside the grid extent with their watering sum
// since wateredSince.
func (s *Store) ListTrees(ctx context.Context, wateredSince time.Time) ([]domain.Tree, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, ST_X(t.geom), ST_Y(t.geom), t.radolan_sum, t.radolan_days,
		       COALESCE(t.pflanzjahr, 0), COALESCE(SUM(w.amount), 0)
		FROM trees AS t
		LEFT JOIN trees_watered AS w
		  ON w.tree_id = t.id AND w.timestamp >= $1
		WHERE ST_Contains(ST_SetSRID((SELECT ST_Extent(geometry) FROM radolan_geometry), 4326), t.geom)
		GROUP BY t.id
		ORDER BY t.id`, wateredSince)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Tree, error) {
		var (
			t    domain.Tree
			x, y float64
		)
		err := row.Scan(&t.ID, &x, &y, &t.RadolanSum, &t.RadolanDays, &t.PlantingYear, &t.WateringSum)
		t.Location = orb.Point{x, y}
		return t, err
	})
}
