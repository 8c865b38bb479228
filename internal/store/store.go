// Package store persists replay jobs and their associated rows in a SQL database.
//
// Two backends are supported through database/sql: SQLite (the default, and
// what tests run against) and MySQL. Every call runs under its own timeout and
// is retried while the database reports itself unavailable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"replaytasker/internal/apperrors"
	"replaytasker/pkg/backoff"
)

// Config configures the job store.
type Config struct {
	URL     string        // sqlite3://<path>, mysql://<dsn>, :memory: or file:...
	Timeout time.Duration // per attempt; default 5s
	Retry   backoff.Policy

	// Observe, when set, is called once per store operation with its total duration.
	Observe func(op string, d time.Duration, err error)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = backoff.Policy{
			MaxAttempts: 3,
			Backoff:     backoff.Config{Initial: 200 * time.Millisecond, Max: 2 * time.Second},
		}
	}
	return c
}

// dialect captures the SQL differences between the supported backends.
type dialect struct {
	name        string
	random      string
	schema      []string
	isDuplicate func(error) bool
}

var sqliteDialect = dialect{
	name:   "sqlite3",
	random: "RANDOM()",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS replays (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created BOOLEAN NOT NULL DEFAULT 0,
			failed BOOLEAN NOT NULL DEFAULT 0,
			fail_count INTEGER,
			player_requested BOOLEAN NOT NULL DEFAULT 0,
			date_added DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			video_processed BOOLEAN NOT NULL DEFAULT 0,
			ia_filename TEXT NOT NULL DEFAULT '',
			youtube_id TEXT NOT NULL DEFAULT '',
			youtube_uploaded BOOLEAN NOT NULL DEFAULT 0,
			p1 TEXT NOT NULL DEFAULT '',
			p2 TEXT NOT NULL DEFAULT '',
			p1_loc TEXT NOT NULL DEFAULT '',
			p2_loc TEXT NOT NULL DEFAULT '',
			p1_rank INTEGER NOT NULL DEFAULT 0,
			p2_rank INTEGER NOT NULL DEFAULT 0,
			game TEXT NOT NULL DEFAULT '',
			emulator TEXT NOT NULL DEFAULT '',
			date_replay DATETIME,
			length INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replays_eligible ON replays(status, failed, created, date_added)`,
		`CREATE TABLE IF NOT EXISTS descriptions (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS character_detect (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			challenge_id TEXT NOT NULL,
			p1_char TEXT NOT NULL,
			p2_char TEXT NOT NULL,
			vid_time TEXT NOT NULL,
			game TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_character_detect_challenge ON character_detect(challenge_id)`,
		`CREATE TABLE IF NOT EXISTS active_jobs (
			id TEXT PRIMARY KEY,
			start_time DATETIME NOT NULL,
			length INTEGER NOT NULL DEFAULT 0
		)`,
	},
	isDuplicate: func(err error) bool {
		var se sqlite3.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	},
}

var mysqlDialect = dialect{
	name:   "mysql",
	random: "RAND()",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS replays (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			created TINYINT(1) NOT NULL DEFAULT 0,
			failed TINYINT(1) NOT NULL DEFAULT 0,
			fail_count INT NULL,
			player_requested TINYINT(1) NOT NULL DEFAULT 0,
			date_added DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			video_processed TINYINT(1) NOT NULL DEFAULT 0,
			ia_filename VARCHAR(255) NOT NULL DEFAULT '',
			youtube_id VARCHAR(64) NOT NULL DEFAULT '',
			youtube_uploaded TINYINT(1) NOT NULL DEFAULT 0,
			p1 VARCHAR(255) NOT NULL DEFAULT '',
			p2 VARCHAR(255) NOT NULL DEFAULT '',
			p1_loc VARCHAR(16) NOT NULL DEFAULT '',
			p2_loc VARCHAR(16) NOT NULL DEFAULT '',
			p1_rank INT NOT NULL DEFAULT 0,
			p2_rank INT NOT NULL DEFAULT 0,
			game VARCHAR(64) NOT NULL DEFAULT '',
			emulator VARCHAR(64) NOT NULL DEFAULT '',
			date_replay DATETIME(6) NULL,
			length INT NOT NULL DEFAULT 0,
			INDEX idx_replays_eligible (status, failed, created, date_added)
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS descriptions (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			description TEXT NOT NULL
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS character_detect (
			row_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			challenge_id VARCHAR(191) NOT NULL,
			p1_char VARCHAR(64) NOT NULL,
			p2_char VARCHAR(64) NOT NULL,
			vid_time VARCHAR(16) NOT NULL,
			game VARCHAR(64) NOT NULL,
			INDEX idx_character_detect_challenge (challenge_id)
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS active_jobs (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			start_time DATETIME(6) NOT NULL,
			length INT NOT NULL DEFAULT 0
		) CHARACTER SET utf8mb4`,
	},
	isDuplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
}

// SQLStore is the job store backed by database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	logger  *slog.Logger
}

// Open connects to the database named by cfg.URL and creates the schema if missing.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	cfg = cfg.withDefaults()

	d, dsn, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == sqliteDialect.name {
		// SQLite allows one writer; a single connection also keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		cfg:     cfg,
		logger:  slog.With("component", "store", "driver", d.name),
	}

	if err := s.run(ctx, "store.migrate", func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return apperrors.Unavailable("store.ping", err)
		}
		for _, stmt := range d.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return apperrors.Unavailable("store.migrate", err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Job store ready")
	return s, nil
}

// parseURL maps a DATABASE_URL to a dialect and a driver DSN.
func parseURL(raw string) (dialect, string, error) {
	switch {
	case raw == "":
		return dialect{}, "", apperrors.Validation("DATABASE_URL", "database URL is required")
	case strings.HasPrefix(raw, "sqlite3://"):
		return sqliteDialect, sqliteDSN(strings.TrimPrefix(raw, "sqlite3://")), nil
	case strings.HasPrefix(raw, "sqlite://"):
		return sqliteDialect, sqliteDSN(strings.TrimPrefix(raw, "sqlite://")), nil
	case raw == ":memory:" || strings.HasPrefix(raw, "file:"):
		return sqliteDialect, sqliteDSN(raw), nil
	case strings.HasPrefix(raw, "mysql://"):
		mc, err := mysql.ParseDSN(strings.TrimPrefix(raw, "mysql://"))
		if err != nil {
			return dialect{}, "", apperrors.Validation("DATABASE_URL", fmt.Sprintf("invalid mysql DSN: %v", err))
		}
		mc.ParseTime = true
		mc.ClientFoundRows = true
		mc.Loc = time.UTC
		return mysqlDialect, mc.FormatDSN(), nil
	default:
		return dialect{}, "", apperrors.Validation("DATABASE_URL", "database URL must start with sqlite3:// or mysql://")
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string {
	return s.dialect.name
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("store.ping", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// run executes fn with a per-attempt timeout, retrying while the store is unavailable.
func (s *SQLStore) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := backoff.Retry(ctx, s.cfg.Retry, isUnavailable, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		return fn(ctx)
	})
	if s.cfg.Observe != nil {
		s.cfg.Observe(op, time.Since(start), err)
	}
	if err != nil && isUnavailable(err) {
		s.logger.Warn("Store operation failed", "op", op, "error", err)
	}
	return err
}

func isUnavailable(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable)
}

// classify maps a driver error to the store's error taxonomy.
func (s *SQLStore) classify(op string, err error) error {
	var appErr *apperrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	default:
		return apperrors.Unavailable(op, err)
	}
}

func now() time.Time {
	return time.Now().UTC().Round(time.Microsecond)
}
