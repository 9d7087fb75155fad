// Package lock implements the operation lock that guards read-modify-write
// cycles on shared session records. A lock is a marker resource in shared
// storage; holding the marker means holding the lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
)

var (
	// ErrHeld is returned by a Backend when the marker already exists.
	ErrHeld = errors.New("lock is held")
	// ErrNotHeld is returned by a Backend when the marker does not exist.
	ErrNotHeld = errors.New("lock is not held")
)

// Info is the metadata written into a lock marker. It only exists to
// diagnose stuck locks and is never part of the session record.
type Info struct {
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	Holder     string    `json:"holder"`
	Instance   string    `json:"instance"`
}

// Backend stores lock markers. Create must fail with ErrHeld if the marker
// exists. Remove with a non-empty holder must only delete a marker owned by
// that holder; an empty holder removes unconditionally.
type Backend interface {
	Create(ctx context.Context, name string, info Info) error
	Read(ctx context.Context, name string) (Info, error)
	Remove(ctx context.Context, name, holder string) error
}

// Options tune acquisition behaviour.
type Options struct {
	// Instance identifies the process holding the lock in its marker.
	Instance string
	// StaleAfter is how old a marker must be before it is reclaimed.
	StaleAfter time.Duration
	// PollInterval is the delay between attempts in Acquire.
	PollInterval time.Duration
	// ForceClearOnTimeout removes the marker when Acquire gives up and
	// tries one final time.
	ForceClearOnTimeout bool
	// MustAcquire turns backend I/O errors into returned errors instead of
	// treating the lock as free.
	MustAcquire bool
}

// DefaultOptions returns the settings used for session record updates.
func DefaultOptions(instance string) Options {
	return Options{
		Instance:     instance,
		StaleAfter:   60 * time.Second,
		PollInterval: time.Second,
	}
}

// Lock is a named operation lock. A Lock value belongs to one caller; each
// acquisition gets a fresh holder token so that a release never deletes a
// marker written by someone else.
type Lock struct {
	backend Backend
	gate    *Gate
	name    string
	opts    Options
	held    bool
	holder  string // empty while held under the assume-unlocked policy
	now     func() time.Time
}

// New returns a lock named name over backend. A nil gate is allowed.
func New(backend Backend, gate *Gate, name string, opts Options) *Lock {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Lock{
		backend: backend,
		gate:    gate,
		name:    name,
		opts:    opts,
		now:     time.Now,
	}
}

// Name returns the lock name.
func (l *Lock) Name() string {
	return l.name
}

// Held reports whether this Lock currently owns its marker.
func (l *Lock) Held() bool {
	return l.held
}

// TryAcquire makes a single attempt to take the lock. Contention is a false
// return, not an error.
func (l *Lock) TryAcquire(ctx context.Context, operation string) (bool, error) {
	if l.Held() {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.gate != nil && !l.gate.TryLock(l.name) {
		metrics.RecordLockAttempt("contended")
		return false, nil
	}
	ok, err := l.tryBackend(ctx, operation)
	if !ok && l.gate != nil {
		l.gate.Unlock(l.name)
	}
	return ok, err
}

func (l *Lock) tryBackend(ctx context.Context, operation string) (bool, error) {
	holder := uuid.NewString()
	info := Info{
		Operation:  operation,
		AcquiredAt: l.now().UTC(),
		Holder:     holder,
		Instance:   l.opts.Instance,
	}

	err := l.backend.Create(ctx, l.name, info)
	if err == nil {
		l.held, l.holder = true, holder
		metrics.RecordLockAttempt("acquired")
		return true, nil
	}
	if !errors.Is(err, ErrHeld) {
		return l.ioFailure("create", err)
	}

	existing, err := l.backend.Read(ctx, l.name)
	if errors.Is(err, ErrNotHeld) {
		// Released between our create and read; next attempt will get it.
		metrics.RecordLockAttempt("contended")
		return false, nil
	}
	if err != nil {
		return l.ioFailure("read", err)
	}
	if l.opts.StaleAfter <= 0 || l.now().Sub(existing.AcquiredAt) < l.opts.StaleAfter {
		metrics.RecordLockAttempt("contended")
		return false, nil
	}

	logger.Printf("⚠️  Reclaiming stale lock %s held by %s/%s for %s since %s",
		l.name, existing.Instance, existing.Holder, existing.Operation, existing.AcquiredAt.Format(time.RFC3339))
	if err := l.backend.Remove(ctx, l.name, existing.Holder); err != nil && !errors.Is(err, ErrNotHeld) {
		return l.ioFailure("reclaim", err)
	}
	metrics.RecordLockAttempt("reclaimed")

	if err := l.backend.Create(ctx, l.name, info); err != nil {
		if errors.Is(err, ErrHeld) {
			return false, nil
		}
		return l.ioFailure("create", err)
	}
	l.held, l.holder = true, holder
	return true, nil
}

// ioFailure applies the storage-hiccup policy: without MustAcquire the lock
// is assumed free so that a flaky backend cannot stall the whole fleet.
func (l *Lock) ioFailure(op string, err error) (bool, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	metrics.RecordLockAttempt("error")
	if l.opts.MustAcquire {
		return false, fmt.Errorf("lock %s: %s: %w", l.name, op, err)
	}
	logger.Error("lock %s: %s failed, assuming unlocked: %v", l.name, op, err)
	l.held, l.holder = true, ""
	return true, nil
}

// Acquire polls until the lock is taken, maxWait elapses or ctx is done.
// When ForceClearOnTimeout is set, an expired wait clears the marker as an
// orphaned lock and makes one final attempt.
func (l *Lock) Acquire(ctx context.Context, operation string, maxWait time.Duration) (bool, error) {
	start := l.now()
	defer func() { metrics.ObserveLockWait(l.now().Sub(start)) }()

	deadline := start.Add(maxWait)
	for {
		ok, err := l.TryAcquire(ctx, operation)
		if ok || err != nil {
			return ok, err
		}
		if !l.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.opts.PollInterval):
		}
	}

	if !l.opts.ForceClearOnTimeout {
		metrics.RecordLockAttempt("timeout")
		return false, nil
	}

	logger.Error("lock %s: orphaned lock detected after waiting %s, clearing it", l.name, maxWait)
	if err := l.backend.Remove(ctx, l.name, ""); err != nil && !errors.Is(err, ErrNotHeld) {
		if l.opts.MustAcquire {
			return false, fmt.Errorf("lock %s: clear: %w", l.name, err)
		}
		logger.Error("lock %s: clear failed: %v", l.name, err)
	}
	return l.TryAcquire(ctx, operation)
}

// Release deletes the marker if this Lock holds it.
func (l *Lock) Release(ctx context.Context) error {
	if !l.Held() {
		return nil
	}
	holder := l.holder
	l.held, l.holder = false, ""
	if l.gate != nil {
		defer l.gate.Unlock(l.name)
	}
	if holder == "" {
		return nil
	}
	if err := l.backend.Remove(ctx, l.name, holder); err != nil && !errors.Is(err, ErrNotHeld) {
		return fmt.Errorf("lock %s: release: %w", l.name, err)
	}
	return nil
}
