package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/conntest/internal/probe"
)

// DBFile is the name of the database file inside the data directory.
const DBFile = "conntest.db"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("history record not found")

// Store provides SQLite-based storage for probe results.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Options configures Store behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so that parallel batch probes
	// and a concurrent history listing do not block each other.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Record is one stored probe outcome.
type Record struct {
	ID        uuid.UUID
	Protocol  string
	Host      string
	Port      int
	Username  string
	Succeeded bool
	Kind      probe.ErrorKind
	Message   string
	Duration  time.Duration
	StartedAt time.Time
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Protocol   string
	Host       string
	FailedOnly bool
}

// Open opens or creates the history database in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is
// returned.
func Open(dbDir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dbDir, DBFile)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("history database not found at %s", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT,
		succeeded INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		started_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_started ON results(started_at);
	CREATE INDEX IF NOT EXISTS idx_results_target ON results(protocol, host);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Save records a probe result.
func (s *Store) Save(ctx context.Context, r probe.Result) error {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	startedAt := r.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (id, protocol, host, port, username, succeeded, kind, message, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), r.Protocol, r.Target.Host, r.Target.Port, r.Username,
		r.Succeeded, r.Kind.String(), r.Message, r.Duration.Milliseconds(),
		startedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// Recent returns up to limit results matching f, newest first.
// A limit of zero or less returns every match.
func (s *Store) Recent(ctx context.Context, f Filter, limit int) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Protocol != "" {
		where = append(where, "protocol = ?")
		args = append(args, strings.ToLower(f.Protocol))
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if f.FailedOnly {
		where = append(where, "succeeded = 0")
	}

	query := `SELECT id, protocol, host, port, username, succeeded, kind, message, duration_ms, started_at FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return records, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol, host, port, username, succeeded, kind, message, duration_ms, started_at
		FROM results WHERE id = ?
	`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Prune deletes results that started before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE started_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec        Record
		id         string
		username   sql.NullString
		kind       string
		durationMS int64
		startedAt  string
	)
	err := sc.Scan(&id, &rec.Protocol, &rec.Host, &rec.Port, &username,
		&rec.Succeeded, &kind, &rec.Message, &durationMS, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("failed to scan history record: %w", err)
	}

	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("invalid record id %q: %w", id, err)
	}
	rec.Username = username.String
	rec.Kind = probe.ParseKind(kind)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.StartedAt = parseTimestamp(startedAt)
	return rec, nil
}

// timeLayout is fixed width so that started_at sorts lexically in time
// order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timestampFormats contains the timestamp formats the results table may
// hold. Rows written by Save use timeLayout.
var timestampFormats = []string{
	timeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999",
}

// parseTimestamp returns the zero time if no format matches.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
