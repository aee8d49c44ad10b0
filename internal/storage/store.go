// Package storage persists log entries and analysis runs behind
// database/sql, with SQLite and PostgreSQL schemas.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	apperrors "github.com/shizukutanaka/Kiroku/internal/errors"
	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

const (
	// DefaultQueryLimit bounds entry queries that do not set a limit.
	DefaultQueryLimit = 1000

	defaultSlowQuery = 100 * time.Millisecond
)

// Config represents storage configuration.
type Config struct {
	Driver             string        `yaml:"driver" json:"driver" mapstructure:"driver"`
	DSN                string        `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	MaxOpenConns       int           `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold" mapstructure:"slow_query_threshold"`
}

// Store wraps the database connection.
type Store struct {
	logger    *zap.Logger
	db        *sql.DB
	driver    string
	slowQuery time.Duration
}

// Open connects to the configured database and initializes the
// schema.
func Open(logger *zap.Logger, config Config) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	driver := config.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.ErrStorageConnection.WithError(err)
	}

	slowQuery := config.SlowQueryThreshold
	if slowQuery <= 0 {
		slowQuery = defaultSlowQuery
	}

	s := &Store{
		logger:    logger.Named("storage"),
		db:        db,
		driver:    driver,
		slowQuery: slowQuery,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("Database connected",
		zap.String("driver", driver),
	)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// execContext runs a statement and warns when it runs slow.
func (s *Store) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	s.observe(query, time.Since(start))
	return result, err
}

// queryContext runs a query and warns when it runs slow.
func (s *Store) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observe(query, time.Since(start))
	return rows, err
}

func (s *Store) observe(query string, duration time.Duration) {
	if duration > s.slowQuery {
		s.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", duration),
		)
	}
}

// rebind rewrites ? placeholders to PostgreSQL's $N form.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveEntries inserts a batch of records in one transaction.
func (s *Store) SaveEntries(ctx context.Context, records []logdata.Record) error {
	if len(records) == 0 {
		return nil
	}
	query := s.rebind(`INSERT INTO log_entries (ts, level, logger, message, fields) VALUES (?, ?, ?, ?, ?)`)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			fields, err := encodeFields(rec.Fields)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, rec.Timestamp.UTC(), rec.Level, rec.Logger, rec.Message, fields); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Entries saved", zap.Int("count", len(records)))
	return nil
}

// EntryFilter narrows QueryEntries results. Zero fields match
// everything.
type EntryFilter struct {
	Level    string
	Logger   string
	Contains string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// QueryEntries returns stored records in chronological order.
func (s *Store) QueryEntries(ctx context.Context, filter EntryFilter) ([]logdata.Record, error) {
	query := `SELECT ts, level, logger, message, fields FROM log_entries`
	var conds []string
	var args []interface{}
	if filter.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Logger != "" {
		conds = append(conds, "logger = ?")
		args = append(args, filter.Logger)
	}
	if filter.Contains != "" {
		conds = append(conds, "message LIKE ?")
		args = append(args, "%"+filter.Contains+"%")
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, filter.Until.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY ts ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	records := make([]logdata.Record, 0)
	for rows.Next() {
		var rec logdata.Record
		var fields sql.NullString
		if err := rows.Scan(&rec.Timestamp, &rec.Level, &rec.Logger, &rec.Message, &fields); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode entry fields: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountEntries returns the number of stored log entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&count)
	return count, err
}

// Run is a persisted analysis run with its full report.
type Run struct {
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	RecordCount  int             `json:"record_count"`
	AnomalyCount int             `json:"anomaly_count"`
	PatternCount int             `json:"pattern_count"`
	ClusterCount int             `json:"cluster_count"`
	Report       json.RawMessage `json:"report,omitempty"`
}

// NewRun assigns a fresh id and summarizes a report for persistence.
func NewRun(report *analytics.Report) (Run, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return Run{}, fmt.Errorf("encode report: %w", err)
	}
	return Run{
		ID:           uuid.NewString(),
		StartedAt:    report.GeneratedAt,
		Duration:     report.Duration,
		RecordCount:  report.RecordCount,
		AnomalyCount: len(report.Anomalies),
		PatternCount: len(report.Patterns),
		ClusterCount: len(report.Clusters),
		Report:       payload,
	}, nil
}

// SaveRun persists an analysis run.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	_, err := s.execContext(ctx,
		`INSERT INTO analysis_runs (id, started_at, duration_ms, record_count, anomaly_count, pattern_count, cluster_count, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.Duration.Milliseconds(),
		run.RecordCount, run.AnomalyCount, run.PatternCount, run.ClusterCount,
		string(run.Report),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	s.logger.Debug("Analysis run saved", zap.String("run_id", run.ID))
	return nil
}

// GetRun fetches a run by id, including the stored report.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, started_at, duration_ms, record_count, anomaly_count, pattern_count, cluster_count, report
		 FROM analysis_runs WHERE id = ?`), id)

	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns run summaries, newest first, without the report
// payload.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.queryContext(ctx,
		`SELECT id, started_at, duration_ms, record_count, anomaly_count, pattern_count, cluster_count
		 FROM analysis_runs ORDER BY started_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var run Run
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.StartedAt, &durationMS,
			&run.RecordCount, &run.AnomalyCount, &run.PatternCount, &run.ClusterCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...interface{}) error) (Run, error) {
	var run Run
	var durationMS int64
	var report string
	if err := scan(&run.ID, &run.StartedAt, &durationMS,
		&run.RecordCount, &run.AnomalyCount, &run.PatternCount, &run.ClusterCount, &report); err != nil {
		return Run{}, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Report = json.RawMessage(report)
	return run, nil
}

func encodeFields(fields map[string]string) (interface{}, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode entry fields: %w", err)
	}
	return string(encoded), nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var statements []string
	switch s.driver {
	case "sqlite3":
		statements = sqliteSchema
	case "postgres":
		statements = postgresSchema
	default:
		return fmt.Errorf("unsupported driver for schema initialization: %s", s.driver)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		level TEXT NOT NULL DEFAULT '',
		logger TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		fields TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON log_entries(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_level ON log_entries(level)`,
	`CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL,
		record_count INTEGER NOT NULL,
		anomaly_count INTEGER NOT NULL,
		pattern_count INTEGER NOT NULL,
		cluster_count INTEGER NOT NULL,
		report TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_runs_started ON analysis_runs(started_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL DEFAULT '',
		logger TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		fields JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON log_entries(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_level ON log_entries(level)`,
	`CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		record_count INTEGER NOT NULL,
		anomaly_count INTEGER NOT NULL,
		pattern_count INTEGER NOT NULL,
		cluster_count INTEGER NOT NULL,
		report JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_runs_started ON analysis_runs(started_at)`,
}
