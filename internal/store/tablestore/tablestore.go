// Package tablestore keeps session records as rows in SQLite. Every row has
// an ETag, so updates are true compare-and-swap, and a partial unique index
// allows at most one active row per partition.
package tablestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db        *sql.DB
	partition string
}

var _ store.Store = (*Store)(nil)

// New opens the database at dbPath and prepares the schema.
func New(dbPath, partition string) (*Store, error) {
	if partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", store.ErrUnavailable, err)
	}

	// WAL and a busy timeout let several instances share one database file
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", store.ErrUnavailable, err)
	}

	s := &Store{db: db, partition: partition}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to migrate database: %v", store.ErrUnavailable, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		partition TEXT NOT NULL,
		id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		data TEXT NOT NULL,
		etag TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (partition, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(partition) WHERE bucket = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(partition, start_time);

	CREATE TABLE IF NOT EXISTS locks (
		partition TEXT NOT NULL,
		name TEXT NOT NULL,
		holder TEXT NOT NULL,
		operation TEXT NOT NULL,
		instance TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		PRIMARY KEY (partition, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Partition returns the partition this store serves.
func (s *Store) Partition() string {
	return s.partition
}

// Locks returns a lease table backend in the same database.
func (s *Store) Locks() lock.Backend {
	return &leaseBackend{db: s.db, partition: s.partition}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateIfAbsent inserts a row into the active bucket. The partial unique
// index rejects a second active row even when two instances race.
func (s *Store) CreateIfAbsent(ctx context.Context, sess *session.Session) error {
	if err := session.ValidateID(sess.ID); err != nil {
		return err
	}
	prev := sess.ETag
	sess.ETag = uuid.NewString()
	data, err := session.Marshal(sess)
	if err != nil {
		sess.ETag = prev
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (partition, id, bucket, status, start_time, data, etag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.partition, sess.ID, string(store.BucketActive), string(sess.Status),
		sess.StartTime.UnixNano(), string(data), sess.ETag, time.Now().UnixNano(),
	)
	if err == nil {
		return nil
	}
	sess.ETag = prev
	if !isConstraint(err) {
		return wrapDB("insert session", err)
	}

	var existing string
	row := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE partition = ? AND id = ?`, s.partition, sess.ID)
	if row.Scan(&existing) == nil {
		return &store.ConflictError{ExistingID: existing, Reason: "session id already exists"}
	}
	row = s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE partition = ? AND bucket = 'active'`, s.partition)
	if row.Scan(&existing) == nil {
		return &store.ConflictError{ExistingID: existing, Reason: "a session is already active"}
	}
	return &store.ConflictError{Reason: err.Error()}
}

// ReadActive returns the active row, or nil when there is none.
func (s *Store) ReadActive(ctx context.Context) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, etag FROM sessions WHERE partition = ? AND bucket = 'active'`, s.partition)
	sess, err := scanSession(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// ReadByID returns the row with id in any bucket.
func (s *Store) ReadByID(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, etag FROM sessions WHERE partition = ? AND id = ?`, s.partition, id)
	sess, err := scanSession(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return sess, err
}

// List returns matching rows, newest first.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*session.Session, error) {
	query := `SELECT data, etag FROM sessions WHERE partition = ?`
	args := []any{s.partition}
	if !f.Since.IsZero() {
		query += ` AND start_time >= ?`
		args = append(args, f.Since.UnixNano())
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB("list sessions", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if f.Match(sess) {
			out = append(out, sess)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB("list sessions", err)
	}
	return out, nil
}

// Update replaces the row if its ETag still matches expectedETag.
func (s *Store) Update(ctx context.Context, sess *session.Session, expectedETag string) error {
	prev := sess.ETag
	sess.ETag = uuid.NewString()
	data, err := session.Marshal(sess)
	if err != nil {
		sess.ETag = prev
		return err
	}

	query := `UPDATE sessions SET status = ?, data = ?, etag = ?, updated_at = ? WHERE partition = ? AND id = ?`
	args := []any{string(sess.Status), string(data), sess.ETag, time.Now().UnixNano(), s.partition, sess.ID}
	if expectedETag != store.AnyVersion {
		query += ` AND etag = ?`
		args = append(args, expectedETag)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		sess.ETag = prev
		return wrapDB("update session", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	sess.ETag = prev

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE partition = ? AND id = ?`, s.partition, sess.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, sess.ID)
	}
	return &store.ConflictError{ExistingID: sess.ID, Reason: "etag mismatch"}
}

// MoveToCompleted flips the row's bucket in one statement, so only the first
// mover succeeds.
func (s *Store) MoveToCompleted(ctx context.Context, sess *session.Session) error {
	dest := store.BucketOf(sess)
	if dest == store.BucketActive {
		return fmt.Errorf("session %s: cannot complete with status %q", sess.ID, sess.Status)
	}
	prev := sess.ETag
	sess.ETag = uuid.NewString()
	data, err := session.Marshal(sess)
	if err != nil {
		sess.ETag = prev
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET bucket = ?, status = ?, data = ?, etag = ?, updated_at = ?
		WHERE partition = ? AND id = ? AND bucket = 'active'`,
		string(dest), string(sess.Status), string(data), sess.ETag, time.Now().UnixNano(), s.partition, sess.ID,
	)
	if err != nil {
		sess.ETag = prev
		return wrapDB("move session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess.ETag = prev
		return fmt.Errorf("%w: %s is not active", store.ErrNotFound, sess.ID)
	}
	return nil
}

// Delete removes the row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE partition = ? AND id = ?`, s.partition, id)
	if err != nil {
		return wrapDB("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var data, etag string
	if err := row.Scan(&data, &etag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapDB("read session", err)
	}
	sess, err := session.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}
	sess.ETag = etag
	return sess, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func wrapDB(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}
