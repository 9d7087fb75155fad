// Package filestore keeps session records as JSON files in a shared
// directory tree:
//
//	<root>/<partition>/active/<id>.json
//	<root>/<partition>/collectedlogsonly/<id>.json
//	<root>/<partition>/complete/<id>.json
//	<root>/<partition>/locks/<id>.lock
//
// There are no transactions. ETags are checked on update but the check and
// the write are not atomic, so callers must hold the session's operation
// lock around every read-modify-write.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// Store is a file-backed store.Store.
type Store struct {
	root      string
	partition string
	locks     *lock.FileBackend
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the directory tree for partition under root.
func New(root, partition string) (*Store, error) {
	if partition == "" || strings.ContainsAny(partition, `/\`) || partition == "." || partition == ".." {
		return nil, fmt.Errorf("invalid partition %q", partition)
	}
	base := filepath.Join(root, partition)
	for _, b := range store.Buckets {
		if err := os.MkdirAll(filepath.Join(base, string(b)), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	locks, err := lock.NewFileBackend(filepath.Join(base, "locks"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &Store{root: root, partition: partition, locks: locks}, nil
}

// Partition returns the partition this store serves.
func (s *Store) Partition() string {
	return s.partition
}

// Locks returns the marker backend living next to the records.
func (s *Store) Locks() lock.Backend {
	return s.locks
}

// LockFiles exposes the concrete marker backend for maintenance.
func (s *Store) LockFiles() *lock.FileBackend {
	return s.locks
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) bucketDir(b store.Bucket) string {
	return filepath.Join(s.root, s.partition, string(b))
}

func (s *Store) path(b store.Bucket, id string) string {
	return filepath.Join(s.bucketDir(b), id+".json")
}

// CreateIfAbsent writes a new record into the active bucket.
func (s *Store) CreateIfAbsent(ctx context.Context, sess *session.Session) error {
	if err := session.ValidateID(sess.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	active, err := s.listBucket(store.BucketActive)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return &store.ConflictError{ExistingID: active[0].ID, Reason: "a session is already active"}
	}
	for _, b := range store.Buckets {
		if _, err := os.Stat(s.path(b, sess.ID)); err == nil {
			return &store.ConflictError{ExistingID: sess.ID, Reason: "session id already exists"}
		}
	}

	sess.ETag = uuid.NewString()
	data, err := session.Marshal(sess)
	if err != nil {
		return err
	}
	path := s.path(store.BucketActive, sess.ID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return &store.ConflictError{ExistingID: sess.ID, Reason: "session id already exists"}
		}
		return fmt.Errorf("%w: failed to create session file: %v", store.ErrUnavailable, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// ReadActive returns the active session. When a race left more than one
// record in the active bucket, the oldest wins so every instance agrees.
func (s *Store) ReadActive(ctx context.Context) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	active, err := s.listBucket(store.BucketActive)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	if len(active) > 1 {
		logger.Printf("⚠️  %d sessions in active bucket of %s, using %s", len(active), s.partition, active[len(active)-1].ID)
	}
	return active[len(active)-1], nil
}

// ReadByID looks in every bucket.
func (s *Store) ReadByID(ctx context.Context, id string) (*session.Session, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, sess, err := s.find(id)
	return sess, err
}

func (s *Store) find(id string) (store.Bucket, *session.Session, error) {
	for _, b := range store.Buckets {
		sess, err := s.load(s.path(b, id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return b, sess, nil
	}
	return "", nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

// List returns matching sessions from every bucket, newest first.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*session.Session, error) {
	var out []*session.Session
	for _, b := range store.Buckets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := s.listBucket(b)
		if err != nil {
			return nil, err
		}
		for _, sess := range list {
			if f.Match(sess) {
				out = append(out, sess)
			}
		}
	}
	store.SortNewestFirst(out)
	return out, nil
}

// Update rewrites the record in whichever bucket it lives.
func (s *Store) Update(ctx context.Context, sess *session.Session, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, current, err := s.find(sess.ID)
	if err != nil {
		return err
	}
	if expectedETag != store.AnyVersion && expectedETag != current.ETag {
		return &store.ConflictError{ExistingID: sess.ID, Reason: "record changed since it was read"}
	}
	return s.write(s.path(b, sess.ID), sess)
}

// MoveToCompleted writes the record into the bucket matching its status and
// removes it from the active bucket.
func (s *Store) MoveToCompleted(ctx context.Context, sess *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := store.BucketOf(sess)
	if dest == store.BucketActive {
		return fmt.Errorf("session %s: cannot complete with status %q", sess.ID, sess.Status)
	}
	src := s.path(store.BucketActive, sess.ID)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s is not active", store.ErrNotFound, sess.ID)
		}
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := s.write(s.path(dest, sess.ID), sess); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove active session file: %w", err)
	}
	return nil
}

// Delete removes the record from every bucket.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	found := false
	for _, b := range store.Buckets {
		err := os.Remove(s.path(b, id))
		if err == nil {
			found = true
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

// write stores sess at path atomically and assigns a new ETag.
func (s *Store) write(path string, sess *session.Session) error {
	prev := sess.ETag
	sess.ETag = uuid.NewString()
	data, err := session.Marshal(sess)
	if err != nil {
		sess.ETag = prev
		return err
	}

	tmpPath := path + ".tmp." + sess.ETag[:8]
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		sess.ETag = prev
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		sess.ETag = prev
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

func (s *Store) load(path string) (*session.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to read session file: %v", store.ErrUnavailable, err)
	}
	return session.Unmarshal(data)
}

// listBucket loads every record in b, oldest last. Unreadable records are
// logged and skipped.
func (s *Store) listBucket(b store.Bucket) ([]*session.Session, error) {
	entries, err := os.ReadDir(s.bucketDir(b))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s directory: %v", store.ErrUnavailable, b, err)
	}

	var out []*session.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.load(filepath.Join(s.bucketDir(b), entry.Name()))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Error("skipping unreadable session %s/%s: %v", b, entry.Name(), err)
			}
			continue
		}
		out = append(out, sess)
	}
	store.SortNewestFirst(out)
	return out, nil
}
