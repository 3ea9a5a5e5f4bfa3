// Package weatherdb runs analytical queries over snapshot files with an
// embedded DuckDB engine reading Parquet directly from the data directory.
package weatherdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-file-service/internal/models"
)

// DefaultRowLimit caps result sets when no limit is configured.
const DefaultRowLimit = 1000

// ErrQuery wraps every engine failure.
var ErrQuery = errors.New("weather query failed")

// Window restricts a query to a time range and, optionally, a set of stations.
// A zero Start or End leaves that side unbounded.
type Window struct {
	Start      time.Time
	End        time.Time
	StationIDs []string
}

// DB is an in-memory DuckDB instance. It holds no tables; every query reads
// the Parquet files it is given.
type DB struct {
	db       *sql.DB
	rowLimit int
	logger   *zap.Logger
}

// Open starts an in-memory DuckDB. memoryLimit is a DuckDB size string such
// as "256MB"; empty keeps the engine default. Every pooled connection runs in
// UTC so day buckets do not depend on the host zone.
func Open(memoryLimit string, rowLimit int, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}

	boot := []string{"SET TimeZone = 'UTC'"}
	if memoryLimit != "" {
		boot = append(boot, fmt.Sprintf("SET memory_limit = '%s'", quote(memoryLimit)))
	}
	connector, err := duckdb.NewConnector("", func(execer driver.ExecerContext) error {
		for _, stmt := range boot {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &DB{db: db, rowLimit: rowLimit, logger: logger}, nil
}

// Close releases the engine.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the engine answers queries.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RowLimit returns the maximum number of rows any query returns.
func (d *DB) RowLimit() int { return d.rowLimit }

// Observations aggregates each station's readings in paths over w: first and
// last report time, temperature range and peak wind speed.
func (d *DB) Observations(ctx context.Context, paths []string, w Window) ([]models.Observation, error) {
	out := []models.Observation{}
	if len(paths) == 0 {
		return out, nil
	}

	q := newQuery()
	q.stations(w.StationIDs)
	if !w.Start.IsZero() {
		q.where("generated_at::TIMESTAMPTZ >= CAST(? AS TIMESTAMPTZ)", rfc3339(w.Start))
	}
	if !w.End.IsZero() {
		q.where("generated_at::TIMESTAMPTZ <= CAST(? AS TIMESTAMPTZ)", rfc3339(w.End))
	}
	stmt := `SELECT station_id,
		min(generated_at)::VARCHAR,
		max(generated_at)::VARCHAR,
		min(temperature_value)::DOUBLE,
		max(temperature_value)::DOUBLE,
		max(wind_speed)::BIGINT
	FROM ` + readParquet(paths) + q.clause() + `
	GROUP BY station_id
	ORDER BY station_id
	LIMIT ` + fmt.Sprint(d.rowLimit)

	rows, err := d.query(ctx, "observations", stmt, q.args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o         models.Observation
			low, high sql.NullFloat64
			wind      sql.NullInt64
		)
		if err := rows.Scan(&o.StationID, &o.StartTime, &o.EndTime, &low, &high, &wind); err != nil {
			return nil, fmt.Errorf("%w: scan observation: %v", ErrQuery, err)
		}
		o.TempLow, o.TempHigh, o.WindSpeed = nullFloat(low), nullFloat(high), nullInt(wind)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

// Forecasts aggregates forecast periods per station and UTC day of their
// begin time. Only days lying wholly inside w are returned.
func (d *DB) Forecasts(ctx context.Context, paths []string, w Window) ([]models.Forecast, error) {
	out := []models.Forecast{}
	if len(paths) == 0 {
		return out, nil
	}

	q := newQuery()
	q.stations(w.StationIDs)
	if !w.Start.IsZero() {
		q.where("date_trunc('day', begin_time::TIMESTAMP)::TIMESTAMPTZ >= CAST(? AS TIMESTAMPTZ)", rfc3339(w.Start))
	}
	if !w.End.IsZero() {
		q.where("(date_trunc('day', begin_time::TIMESTAMP) + INTERVAL '1 day')::TIMESTAMPTZ <= CAST(? AS TIMESTAMPTZ)", rfc3339(w.End))
	}
	stmt := `SELECT station_id,
		strftime(date_trunc('day', begin_time::TIMESTAMP), '%Y-%m-%d') AS day,
		min(begin_time)::VARCHAR,
		max(end_time)::VARCHAR,
		min(min_temp)::BIGINT,
		max(max_temp)::BIGINT,
		max(wind_speed)::BIGINT
	FROM ` + readParquet(paths) + q.clause() + `
	GROUP BY station_id, day
	ORDER BY station_id, day
	LIMIT ` + fmt.Sprint(d.rowLimit)

	rows, err := d.query(ctx, "forecasts", stmt, q.args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f               models.Forecast
			low, high, wind sql.NullInt64
		)
		if err := rows.Scan(&f.StationID, &f.Date, &f.StartTime, &f.EndTime, &low, &high, &wind); err != nil {
			return nil, fmt.Errorf("%w: scan forecast: %v", ErrQuery, err)
		}
		f.TempLow, f.TempHigh, f.WindSpeed = nullInt(low), nullInt(high), nullInt(wind)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

// Stations lists the distinct stations reporting in paths with their name and
// coordinates.
func (d *DB) Stations(ctx context.Context, paths []string) ([]models.Station, error) {
	out := []models.Station{}
	if len(paths) == 0 {
		return out, nil
	}

	stmt := `SELECT station_id, coalesce(station_name, ''), latitude::DOUBLE, longitude::DOUBLE
	FROM ` + readParquet(paths) + `
	GROUP BY station_id, station_name, latitude, longitude
	ORDER BY station_id
	LIMIT ` + fmt.Sprint(d.rowLimit)

	rows, err := d.query(ctx, "stations", stmt, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s models.Station
		if err := rows.Scan(&s.StationID, &s.StationName, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("%w: scan station: %v", ErrQuery, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

func (d *DB) query(ctx context.Context, name, stmt string, args []any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		d.logger.Error("duckdb query failed", zap.String("query", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrQuery, name, err)
	}
	d.logger.Debug("duckdb query", zap.String("query", name), zap.Duration("duration", time.Since(start)))
	return rows, nil
}

type query struct {
	conds []string
	args  []any
}

func newQuery() *query { return &query{} }

func (q *query) where(cond string, args ...any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
}

func (q *query) stations(ids []string) {
	if len(ids) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q.where("station_id IN ("+marks+")", args...)
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return "\n\tWHERE " + strings.Join(q.conds, " AND ")
}

// readParquet builds the table function over paths. Paths are embedded as
// string literals since DuckDB does not accept a bound list here.
func readParquet(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + quote(p) + "'"
	}
	return "read_parquet([" + strings.Join(quoted, ", ") + "], union_by_name = true)"
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
