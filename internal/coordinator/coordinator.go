// Package coordinator drives diagnostic sessions through their lifecycle.
// Every instance of the application runs its own Coordinator against the
// shared session store; there is no leader. All writes to a session record
// go through UpdateActiveSession, which re-reads the record under the
// session's operation lock before applying a mutation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/diagd/internal/artifact"
	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/fleet"
	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

const submitLockName = "submit"

// Options configures a Coordinator.
type Options struct {
	Instance string

	LockWait  time.Duration // how long an update waits for the session lock
	LockPoll  time.Duration
	LockStale time.Duration // age at which a session lock marker is reclaimed

	SubmitLockWait  time.Duration
	SubmitLockStale time.Duration

	OrphanTimeout       time.Duration
	MaxSessionDuration  time.Duration
	MaxAnalyzerDuration time.Duration
	ToolTimeout         time.Duration

	Retry   RetryPolicy
	Healing HealingLimits

	StoreRetries    int // attempts per store call while storage is unavailable
	StoreRetryDelay time.Duration

	DefaultBlobSAS string
	TempDir        string
}

// DefaultOptions returns the production timings for instance.
func DefaultOptions(instance string) Options {
	return Options{
		Instance:            instance,
		LockWait:            60 * time.Second,
		LockPoll:            time.Second,
		LockStale:           60 * time.Second,
		SubmitLockWait:      15 * time.Minute,
		SubmitLockStale:     15 * time.Minute,
		OrphanTimeout:       15 * time.Minute,
		MaxSessionDuration:  3 * time.Hour,
		MaxAnalyzerDuration: 45 * time.Minute,
		ToolTimeout:         30 * time.Minute,
		Retry:               RetryPolicy{Ceiling: 5, PerInstance: true},
		Healing:             HealingLimits{MaxPerDay: 5, MaxInWindow: 2, Window: time.Hour},
		StoreRetries:        3,
		StoreRetryDelay:     500 * time.Millisecond,
		TempDir:             filepath.Join(os.TempDir(), "diagd"),
	}
}

// Coordinator runs the session protocol for one instance.
type Coordinator struct {
	store      store.Store
	diagnosers *diagnoser.Registry
	fleet      fleet.Provider
	artifacts  artifact.Store
	gate       *lock.Gate
	opts       Options
	now        func() time.Time
}

// New creates a Coordinator. fp and arts may be nil.
func New(st store.Store, reg *diagnoser.Registry, fp fleet.Provider, arts artifact.Store, opts Options) *Coordinator {
	if fp == nil {
		fp = fleet.Static{}
	}
	if arts == nil {
		arts = artifact.Multi{}
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = time.Second
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "diagd")
	}
	return &Coordinator{
		store:      st,
		diagnosers: reg,
		fleet:      fp,
		artifacts:  arts,
		gate:       lock.NewGate(),
		opts:       opts,
		now:        time.Now,
	}
}

// Instance returns the name of the instance this coordinator acts for.
func (c *Coordinator) Instance() string {
	return c.opts.Instance
}

// Options returns the coordinator settings.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Store returns the underlying session store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Diagnosers returns the diagnoser registry.
func (c *Coordinator) Diagnosers() *diagnoser.Registry {
	return c.diagnosers
}

// LiveInstances asks the fleet provider for the instances currently running.
func (c *Coordinator) LiveInstances(ctx context.Context) ([]string, error) {
	return c.fleet.LiveInstances(ctx)
}

// Mutator changes the freshly read copy of a session in place.
type Mutator func(s *session.Session) error

func (c *Coordinator) sessionLock(id string) *lock.Lock {
	return lock.New(c.store.Locks(), c.gate, id, lock.Options{
		Instance:     c.opts.Instance,
		StaleAfter:   c.opts.LockStale,
		PollInterval: c.opts.LockPoll,
	})
}

func (c *Coordinator) release(ctx context.Context, l *lock.Lock) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to release lock %s: %v", l.Name(), err)
	}
}

// UpdateActiveSession takes the session's lock, re-reads the latest record,
// applies mutate to it and writes it back. A session that left the active
// bucket fails with ErrNotActive. Callers must never write a copy they read
// before the lock was taken.
func (c *Coordinator) UpdateActiveSession(ctx context.Context, id string, mutate Mutator) (*session.Session, error) {
	l := c.sessionLock(id)
	ok, err := l.Acquire(ctx, "update", c.opts.LockWait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
	}
	defer c.release(ctx, l)

	fresh, err := c.readSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	if !fresh.IsActive() {
		return fresh, fmt.Errorf("%w: %s is %s", ErrNotActive, id, fresh.Status)
	}

	etag := fresh.ETag
	if err := mutate(fresh); err != nil {
		if errors.Is(err, ErrNoChange) {
			return fresh, nil
		}
		return nil, err
	}
	fresh.RefreshDerived()
	if err := c.storeDo(ctx, func() error { return c.store.Update(ctx, fresh, etag) }); err != nil {
		return nil, storageErr(err)
	}
	return fresh, nil
}

// Get returns a session by id from any bucket.
func (c *Coordinator) Get(ctx context.Context, id string) (*session.Session, error) {
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	return s, nil
}

// GetActive returns the active session, or nil when there is none.
func (c *Coordinator) GetActive(ctx context.Context) (*session.Session, error) {
	s, err := c.store.ReadActive(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	return s, nil
}

// List returns sessions matching f, newest first.
func (c *Coordinator) List(ctx context.Context, f store.Filter) ([]*session.Session, error) {
	list, err := c.store.List(ctx, f)
	if err != nil {
		return nil, storageErr(err)
	}
	return list, nil
}

// Delete removes a finished session and its artifacts. Artifact deletion
// failures are logged, not returned.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	if s.IsActive() {
		return fmt.Errorf("%w: %s", ErrSessionActive, id)
	}

	if paths := artifact.Paths(s); len(paths) > 0 {
		arts := artifact.ForSession(s.BlobSASURI, c.artifacts)
		if err := arts.Delete(ctx, paths); err != nil {
			logger.WithContext(logger.WithSession(ctx, id)).Warn("some artifacts could not be deleted", "count", len(paths), "error", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(c.opts.TempDir, id)); err != nil {
		logger.WithContext(c.logCtx(ctx, id)).Warn("failed to remove work directory", "error", err)
	}

	if err := c.store.Delete(ctx, id); err != nil {
		return storageErr(err)
	}
	logger.WithContext(logger.WithSession(ctx, id)).Info("session deleted")
	return nil
}

func (c *Coordinator) workDir(id string) string {
	return filepath.Join(c.opts.TempDir, id, c.opts.Instance)
}

// liveCount returns the number of live instances, or 0 when unknown.
func (c *Coordinator) liveCount(ctx context.Context) int {
	live, err := c.fleet.LiveInstances(ctx)
	if err != nil {
		logger.Error("failed to list live instances: %v", err)
		return 0
	}
	return len(live)
}

// required is how many instances must run a collector before it is complete.
func required(s *session.Session, live int) int {
	n := len(s.Instances)
	if s.FleetWide && live > 0 && live < n {
		return live
	}
	return n
}

func (c *Coordinator) logCtx(ctx context.Context, id string) context.Context {
	return logger.WithInstance(logger.WithSession(ctx, id), c.opts.Instance)
}
