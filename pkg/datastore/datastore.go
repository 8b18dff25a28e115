// Package datastore persists results, errors, services and heuristics in
// SQLite. It backs the broker's result cache, service registry and
// heuristic source, and receives what the dispatch client forwards.
package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"

	_ "modernc.org/sqlite"
)

var log = logging.Logger("datastore")

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("not found")

// tsLayout is fixed-width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Store wraps the broker's SQLite database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates a Store over an already initialised database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Open opens the SQLite database at path with WAL journaling and a 5-second
// busy timeout, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema to %s: %w", path, err)
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() string {
	return s.nowFunc().UTC().Format(tsLayout)
}

func expiryArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

// --- Results ---

// GetResult returns the unexpired result stored under key, or nil.
func (s *Store) GetResult(ctx context.Context, key string) (*protocol.Result, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM results WHERE key = ? AND (expiry_ts IS NULL OR expiry_ts > ?)`,
		key, s.now(),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("get result %s: %w", key, err)
	}
	var r protocol.Result
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, xerrors.Errorf("decode result %s: %w", key, err)
	}
	return &r, nil
}

// EmptyResultExists reports whether an unexpired empty-result marker exists.
func (s *Store) EmptyResultExists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM empty_results WHERE key = ? AND (expiry_ts IS NULL OR expiry_ts > ?)`,
		key, s.now(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("get empty result %s: %w", key, err)
	}
	return true, nil
}

// SaveResult stores r under key, replacing any previous result.
func (s *Store) SaveResult(ctx context.Context, key string, r *protocol.Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return xerrors.Errorf("encode result %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (key, sha256, service, score, body, expiry_ts) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET score = excluded.score, body = excluded.body, expiry_ts = excluded.expiry_ts`,
		key, r.SHA256, r.Response.ServiceName, r.Result.Score, string(body), expiryArg(r.ExpiryTS),
	)
	if err != nil {
		return xerrors.Errorf("save result %s: %w", key, err)
	}
	return nil
}

// SaveEmptyResult stores an empty-result marker under key.
func (s *Store) SaveEmptyResult(ctx context.Context, key string, expiry *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO empty_results (key, expiry_ts) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expiry_ts = excluded.expiry_ts`,
		key, expiryArg(expiry),
	)
	if err != nil {
		return xerrors.Errorf("save empty result %s: %w", key, err)
	}
	return nil
}

// --- Errors ---

// SaveError stores a service error for sid under key.
func (s *Store) SaveError(ctx context.Context, sid, key string, e *protocol.Error) error {
	body, err := json.Marshal(e)
	if err != nil {
		return xerrors.Errorf("encode error %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO errors (key, sid, sha256, service, status, type, body, expiry_ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET sid = excluded.sid, status = excluded.status, body = excluded.body, expiry_ts = excluded.expiry_ts`,
		key, sid, e.SHA256, e.Response.ServiceName, string(e.Response.Status), string(e.Type), string(body), expiryArg(e.ExpiryTS),
	)
	if err != nil {
		return xerrors.Errorf("save error %s: %w", key, err)
	}
	return nil
}

// GetError returns the error stored under key, or ErrNotFound.
func (s *Store) GetError(ctx context.Context, key string) (*protocol.Error, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM errors WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("get error %s: %w", key, err)
	}
	var e protocol.Error
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, xerrors.Errorf("decode error %s: %w", key, err)
	}
	return &e, nil
}

// ErrorKeysForSID lists the error keys recorded for a submission.
func (s *Store) ErrorKeysForSID(ctx context.Context, sid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM errors WHERE sid = ? ORDER BY key`, sid)
	if err != nil {
		return nil, xerrors.Errorf("list errors for %s: %w", sid, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, xerrors.Errorf("scan error key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeExpired deletes expired results, empty-result markers and errors and
// returns how many rows went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for _, table := range []string{"results", "empty_results", "errors"} {
		//nolint:gosec // table names come from the fixed list above
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expiry_ts IS NOT NULL AND expiry_ts <= ?`, now)
		if err != nil {
			return total, xerrors.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		log.Infow("purged expired records", "rows", total)
	}
	return total, nil
}
