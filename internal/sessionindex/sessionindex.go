// Package sessionindex keeps a queryable record of past runs in a local
// SQLite database, so `runix sessions` can list results without walking
// the artifact tree.
package sessionindex

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const timeFormat = "2006-01-02T15:04:05.000Z"

// Open opens (or creates) the index at dbPath, applies PRAGMAs for WAL
// mode and busy timeout, and runs any pending schema migrations.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	// modernc.org/sqlite serialises writes; limit to one connection.
	db.SetMaxOpenConns(1)

	if err := pragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func pragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("setting %s: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Summary is one indexed run.
type Summary struct {
	ID         string
	Kind       string // "feature" or "agent"
	Subject    string // feature file path or agent goal
	Status     string
	Iterations int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Store persists run summaries.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened index database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts or replaces a run summary.
func (s *Store) Record(ctx context.Context, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, kind, subject, status, iterations, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Kind, sum.Subject, sum.Status, sum.Iterations,
		sum.StartedAt.UTC().Format(timeFormat), sum.EndedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording session %q: %w", sum.ID, err)
	}
	return nil
}

// Get returns one summary by id.
func (s *Store) Get(ctx context.Context, id string) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, status, iterations, started_at, ended_at
		FROM sessions WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if err != nil {
		return Summary{}, fmt.Errorf("getting session %q: %w", id, err)
	}
	return sum, nil
}

// List returns the most recent summaries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, status, iterations, started_at, ended_at
		FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		sum                Summary
		startedAt, endedAt string
	)
	if err := row.Scan(&sum.ID, &sum.Kind, &sum.Subject, &sum.Status,
		&sum.Iterations, &startedAt, &endedAt); err != nil {
		return Summary{}, err
	}
	sum.StartedAt, _ = time.Parse(timeFormat, startedAt)
	sum.EndedAt, _ = time.Parse(timeFormat, endedAt)
	return sum, nil
}
