// Package storetest runs the same behavioural checks against every
// store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// Factory opens a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// NewSession returns a minimal active session started at start.
func NewSession(start time.Time, instances ...string) *session.Session {
	return &session.Session{
		ID:        session.NewID(start),
		Partition: "test",
		Tool:      "MemoryDump",
		Mode:      session.ModeCollectAndAnalyze,
		StartTime: start,
		From:      start.Add(-time.Hour),
		To:        start,
		Instances: instances,
		Status:    session.SessionActive,
		Diagnosers: []session.DiagnoserState{{
			Name:            "MemoryDump",
			CollectorStatus: session.StatusInProgress,
			AnalyzerStatus:  session.StatusWaitingForInputs,
		}},
	}
}

// Run exercises the store.Store contract.
func Run(t *testing.T, open Factory) {
	t.Run("create and read active", func(t *testing.T) { testCreateReadActive(t, open(t)) })
	t.Run("one active per partition", func(t *testing.T) { testOneActive(t, open(t)) })
	t.Run("update with etag", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("move to completed", func(t *testing.T) { testMove(t, open(t)) })
	t.Run("list and filter", func(t *testing.T) { testList(t, open(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("lock backend", func(t *testing.T) { testLocks(t, open(t)) })
}

func testCreateReadActive(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.ReadActive(ctx)
	if err != nil || got != nil {
		t.Fatalf("ReadActive() on empty store = %v, %v; want nil, nil", got, err)
	}

	sess := NewSession(time.Now().UTC(), "srv1", "srv2")
	if err := s.CreateIfAbsent(ctx, sess); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	if sess.ETag == "" {
		t.Error("CreateIfAbsent() did not assign an ETag")
	}

	got, err = s.ReadActive(ctx)
	if err != nil {
		t.Fatalf("ReadActive() error = %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Fatalf("ReadActive() = %v, want %s", got, sess.ID)
	}
	if got.ETag != sess.ETag {
		t.Errorf("ETag = %q, want %q", got.ETag, sess.ETag)
	}

	byID, err := s.ReadByID(ctx, sess.ID)
	if err != nil || byID.ID != sess.ID {
		t.Errorf("ReadByID() = %v, %v", byID, err)
	}

	if _, err := s.ReadByID(ctx, session.NewID(time.Now().Add(time.Hour))); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ReadByID(missing) error = %v, want ErrNotFound", err)
	}
}

func testOneActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Now().UTC()

	first := NewSession(start, "srv1")
	if err := s.CreateIfAbsent(ctx, first); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	dup := NewSession(start, "srv1")
	err := s.CreateIfAbsent(ctx, dup)
	var ce *store.ConflictError
	if !errors.As(err, &ce) || ce.ExistingID != first.ID {
		t.Fatalf("CreateIfAbsent(same id) error = %v, want ConflictError{%s}", err, first.ID)
	}

	other := NewSession(start.Add(time.Second), "srv1")
	err = s.CreateIfAbsent(ctx, other)
	if !errors.As(err, &ce) || ce.ExistingID != first.ID {
		t.Fatalf("CreateIfAbsent(other id) error = %v, want ConflictError{%s}", err, first.ID)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("ConflictError does not unwrap to ErrConflict")
	}
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := NewSession(time.Now().UTC(), "srv1")
	if err := s.CreateIfAbsent(ctx, sess); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	a, _ := s.ReadActive(ctx)
	b, _ := s.ReadActive(ctx)

	a.Description = "first"
	if err := s.Update(ctx, a, a.ETag); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	b.Description = "second"
	if err := s.Update(ctx, b, b.ETag); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Update(stale) error = %v, want ErrConflict", err)
	}
	if err := s.Update(ctx, b, store.AnyVersion); err != nil {
		t.Fatalf("Update(AnyVersion) error = %v", err)
	}

	got, _ := s.ReadActive(ctx)
	if got.Description != "second" {
		t.Errorf("Description = %q, want second", got.Description)
	}

	missing := NewSession(time.Now().Add(time.Hour))
	if err := s.Update(ctx, missing, store.AnyVersion); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func testMove(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := NewSession(time.Now().UTC(), "srv1")
	if err := s.CreateIfAbsent(ctx, sess); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	sess.Status = session.SessionComplete
	if err := s.MoveToCompleted(ctx, sess); err != nil {
		t.Fatalf("MoveToCompleted() error = %v", err)
	}
	if active, err := s.ReadActive(ctx); err != nil || active != nil {
		t.Errorf("ReadActive() after move = %v, %v; want nil, nil", active, err)
	}
	if err := s.MoveToCompleted(ctx, sess); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second MoveToCompleted() error = %v, want ErrNotFound", err)
	}

	got, err := s.ReadByID(ctx, sess.ID)
	if err != nil || got.Status != session.SessionComplete {
		t.Errorf("ReadByID() = %v, %v", got, err)
	}

	next := NewSession(time.Now().UTC().Add(time.Second), "srv1")
	if err := s.CreateIfAbsent(ctx, next); err != nil {
		t.Errorf("CreateIfAbsent() after completion error = %v", err)
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-48 * time.Hour)

	for i, st := range []session.SessionStatus{session.SessionComplete, session.SessionCollectedLogsOnly, session.SessionCancelled} {
		sess := NewSession(base.Add(time.Duration(i)*time.Hour), "srv1")
		if err := s.CreateIfAbsent(ctx, sess); err != nil {
			t.Fatalf("CreateIfAbsent() error = %v", err)
		}
		sess.Status = st
		if err := s.MoveToCompleted(ctx, sess); err != nil {
			t.Fatalf("MoveToCompleted() error = %v", err)
		}
	}
	active := NewSession(time.Now().UTC(), "srv1")
	if err := s.CreateIfAbsent(ctx, active); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	all, err := s.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(List()) = %d, want 4", len(all))
	}
	if all[0].ID != active.ID {
		t.Errorf("List()[0] = %s, want newest %s", all[0].ID, active.ID)
	}

	done, _ := s.List(ctx, store.Filter{Statuses: []session.SessionStatus{session.SessionComplete, session.SessionCollectedLogsOnly}})
	if len(done) != 2 {
		t.Errorf("len(List(complete)) = %d, want 2", len(done))
	}

	recent, _ := s.List(ctx, store.Filter{Since: base.Add(90 * time.Minute)})
	if len(recent) != 2 {
		t.Errorf("len(List(since)) = %d, want 2", len(recent))
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := NewSession(time.Now().UTC(), "srv1")
	if err := s.CreateIfAbsent(ctx, sess); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func testLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := s.Locks()
	info := lock.Info{Operation: "update", AcquiredAt: time.Now().UTC(), Holder: "h1", Instance: "srv1"}

	if err := b.Create(ctx, "sess", info); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := b.Create(ctx, "sess", info); !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("second Create() error = %v, want ErrHeld", err)
	}
	got, err := b.Read(ctx, "sess")
	if err != nil || got.Holder != "h1" || got.Instance != "srv1" {
		t.Fatalf("Read() = %+v, %v", got, err)
	}
	if err := b.Remove(ctx, "sess", "h2"); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("Remove(wrong holder) error = %v, want ErrNotHeld", err)
	}
	if err := b.Remove(ctx, "sess", "h1"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if _, err := b.Read(ctx, "sess"); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("Read() after remove error = %v, want ErrNotHeld", err)
	}
}
