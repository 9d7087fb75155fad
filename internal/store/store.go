// Package store defines the session record store shared by every instance of
// a partition, and the errors its implementations return.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/session"
)

var (
	// ErrNotFound means the record does not exist in the expected bucket.
	ErrNotFound = errors.New("session not found")
	// ErrConflict means a write lost against another writer or an existing record.
	ErrConflict = errors.New("session conflict")
	// ErrUnavailable means storage could not be reached or was never configured.
	ErrUnavailable = errors.New("session storage unavailable")
)

// AnyVersion skips the ETag comparison in Update.
const AnyVersion = "*"

// ConflictError carries the id of the record that caused a conflict.
type ConflictError struct {
	ExistingID string
	Reason     string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("session conflict: %s", e.Reason)
	}
	return fmt.Sprintf("session conflict with %s: %s", e.ExistingID, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Bucket is the logical location of a session record.
type Bucket string

const (
	BucketActive            Bucket = "active"
	BucketCollectedLogsOnly Bucket = "collectedlogsonly"
	BucketComplete          Bucket = "complete"
)

// Buckets lists every bucket in search order.
var Buckets = []Bucket{BucketActive, BucketCollectedLogsOnly, BucketComplete}

// BucketOf returns where s is kept. A completed session whose analyzers
// were never requested goes to the collected-logs-only bucket.
func BucketOf(s *session.Session) Bucket {
	switch {
	case s.Status == session.SessionActive || s.Status == "":
		return BucketActive
	case s.Status == session.SessionCollectedLogsOnly:
		return BucketCollectedLogsOnly
	case s.Status == session.SessionComplete && s.Derived == session.SessionCollectedLogsOnly:
		return BucketCollectedLogsOnly
	default:
		return BucketComplete
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses []session.SessionStatus
	Since    time.Time // sessions started at or after
	Labels   map[string]string
}

// Match reports whether s passes the filter.
func (f Filter) Match(s *session.Session) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && s.StartTime.Before(f.Since) {
		return false
	}
	for k, v := range f.Labels {
		if s.Labels[k] != v {
			return false
		}
	}
	return true
}

// Store persists session records for one partition.
//
// CreateIfAbsent fails with a *ConflictError if any session is active.
// ReadActive returns (nil, nil) when none is. Update fails with ErrConflict
// when expectedETag is neither AnyVersion nor the stored ETag. MoveToCompleted
// fails with ErrNotFound when the record already left the active bucket.
// Writes assign a fresh ETag to the passed session.
type Store interface {
	Partition() string
	Locks() lock.Backend

	CreateIfAbsent(ctx context.Context, s *session.Session) error
	ReadActive(ctx context.Context) (*session.Session, error)
	ReadByID(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, f Filter) ([]*session.Session, error)
	Update(ctx context.Context, s *session.Session, expectedETag string) error
	MoveToCompleted(ctx context.Context, s *session.Session) error
	Delete(ctx context.Context, id string) error

	Close() error
}

// SortNewestFirst orders sessions by id, which sorts by creation time.
func SortNewestFirst(list []*session.Session) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
}
