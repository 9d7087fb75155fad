package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/diagd/internal/artifact"
	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/fleet"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
	"github.com/HyphaGroup/diagd/internal/store/filestore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	root      string
	tmp       string
	artifacts string
	clock     *testClock
	reg       *diagnoser.Registry
	fleet     fleet.Static

	collects atomic.Int32
	analyses atomic.Int32
}

func newFixture(t *testing.T, live ...string) *fixture {
	t.Helper()
	f := &fixture{
		root:      t.TempDir(),
		tmp:       t.TempDir(),
		artifacts: t.TempDir(),
		clock:     &testClock{t: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)},
		fleet:     fleet.Static(live),
	}
	collect := diagnoser.CollectorFunc(func(ctx context.Context, req diagnoser.CollectRequest) (diagnoser.CollectResult, error) {
		f.collects.Add(1)
		name := req.Instance + ".dmp"
		return diagnoser.CollectResult{Logs: []session.LogFile{{
			Name:         name,
			RelativePath: req.SessionID + "/" + req.Instance + "/" + name,
			Size:         42,
			StartTime:    req.From,
			EndTime:      req.To,
		}}}, nil
	})
	analyze := diagnoser.AnalyzerFunc(func(ctx context.Context, req diagnoser.AnalyzeRequest) ([]session.Report, error) {
		f.analyses.Add(1)
		return []session.Report{{
			Name:         req.Log.Name + ".html",
			RelativePath: req.Log.RelativePath + ".html",
			Size:         7,
		}}, nil
	})
	f.reg = diagnoser.NewRegistry(
		&diagnoser.Diagnoser{Name: "MemoryDump", Collector: collect, Analyzer: analyze},
		&diagnoser.Diagnoser{Name: "EventLog", Collector: collect},
		&diagnoser.Diagnoser{Name: "Profiler", Collector: collect, Analyzer: analyze, RequiresStorage: true},
	)
	return f
}

// coordinator opens the shared store as a separate instance would.
func (f *fixture) coordinator(t *testing.T, instance string, tweak ...func(*Options)) *Coordinator {
	t.Helper()
	st, err := filestore.New(f.root, "app.example.net")
	if err != nil {
		t.Fatalf("filestore.New() error = %v", err)
	}
	opts := DefaultOptions(instance)
	opts.LockWait = 30 * time.Second
	opts.LockPoll = 2 * time.Millisecond
	opts.SubmitLockWait = 30 * time.Second
	opts.TempDir = f.tmp
	for _, fn := range tweak {
		fn(&opts)
	}
	c := New(st, f.reg, f.fleet, artifact.Local{Dir: f.artifacts}, opts)
	c.now = f.clock.Now
	return c
}

func mustSubmit(t *testing.T, c *Coordinator, req SubmitRequest) string {
	t.Helper()
	id, err := c.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func mustGet(t *testing.T, c *Coordinator, id string) *session.Session {
	t.Helper()
	s, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing tool", SubmitRequest{Instances: []string{"srv1"}}, ErrValidation},
		{"unknown tool", SubmitRequest{Tool: "Nope", Instances: []string{"srv1"}}, ErrValidation},
		{"no instances and empty fleet", SubmitRequest{Tool: "MemoryDump"}, ErrValidation},
		{"bad id", SubmitRequest{ID: "abc", Tool: "MemoryDump", Instances: []string{"srv1"}}, ErrValidation},
		{"bad mode", SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1"}, Mode: "later"}, ErrValidation},
		{"bad instance", SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1", "../srv2"}}, ErrValidation},
		{"inverted range", SubmitRequest{
			Tool: "MemoryDump", Instances: []string{"srv1"},
			From: f.clock.Now(), To: f.clock.Now().Add(-time.Minute),
		}, ErrValidation},
		{"storage required", SubmitRequest{Tool: "Profiler", Instances: []string{"srv1"}}, ErrStorageMisconfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}

	var sm *StorageMisconfiguredError
	_, err := c.Submit(context.Background(), SubmitRequest{Tool: "Profiler", Instances: []string{"srv1"}})
	if !errors.As(err, &sm) || sm.Diagnoser != "Profiler" || sm.Guidance == "" {
		t.Errorf("storage error = %#v", err)
	}
	if active, _ := c.GetActive(context.Background()); active != nil {
		t.Errorf("rejected submissions left an active session %s", active.ID)
	}
}

func TestSubmit_InitialState(t *testing.T) {
	f := newFixture(t, "srv1", "SRV2")
	c := f.coordinator(t, "srv1", func(o *Options) { o.DefaultBlobSAS = "https://acct.blob.core.windows.net/diag?sig=x" })

	id := mustSubmit(t, c, SubmitRequest{Tool: "MemoryDump", Diagnosers: []string{"memorydump", "EventLog", "Profiler"}})
	s := mustGet(t, c, id)

	if !s.FleetWide || len(s.Instances) != 2 {
		t.Errorf("Instances = %v (fleet wide %v), want the live fleet", s.Instances, s.FleetWide)
	}
	if s.BlobSASURI == "" {
		t.Error("default blob destination was not applied")
	}
	if s.Partition != "app.example.net" || s.Status != session.SessionActive || s.Derived != session.SessionActive {
		t.Errorf("session = %s/%s/%s", s.Partition, s.Status, s.Derived)
	}
	if !s.From.Before(s.To) {
		t.Errorf("window %v..%v", s.From, s.To)
	}

	want := map[string]session.Status{
		"MemoryDump": session.StatusWaitingForInputs,
		"EventLog":   session.StatusNotRequested,
		"Profiler":   session.StatusWaitingForInputs,
	}
	if len(s.Diagnosers) != len(want) {
		t.Fatalf("diagnosers = %+v", s.Diagnosers)
	}
	for _, ds := range s.Diagnosers {
		if ds.CollectorStatus != session.StatusInProgress {
			t.Errorf("%s collector = %s", ds.Name, ds.CollectorStatus)
		}
		if ds.AnalyzerStatus != want[ds.Name] {
			t.Errorf("%s analyzer = %s, want %s", ds.Name, ds.AnalyzerStatus, want[ds.Name])
		}
	}
}

func TestSubmit_DuplicateSameID(t *testing.T) {
	f := newFixture(t)
	id := session.NewID(f.clock.Now())

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := range results {
		c := f.coordinator(t, fmt.Sprintf("srv%d", i+1))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Submit(context.Background(), SubmitRequest{ID: id, Tool: "MemoryDump", Instances: []string{"srv1", "srv2"}})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] != id {
			t.Errorf("submit %d = %q, %v; want %q, nil", i, results[i], errs[i], id)
		}
	}
}

func TestSubmit_DifferentIDsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ids := []string{session.NewID(f.clock.Now()), session.NewID(f.clock.Now().Add(time.Second))}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		c := f.coordinator(t, fmt.Sprintf("srv%d", i+1))
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = c.Submit(context.Background(), SubmitRequest{ID: id, Tool: "MemoryDump", Instances: []string{"srv1"}})
		}(i, id)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var ce *ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ce):
			conflicts++
			if ce.ActiveSessionID != ids[0] && ce.ActiveSessionID != ids[1] {
				t.Errorf("conflict names %q", ce.ActiveSessionID)
			}
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("ok=%d conflicts=%d, want 1 and 1", ok, conflicts)
	}
}

func TestSubmit_HealingLimits(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1", func(o *Options) {
		o.Healing = HealingLimits{MaxPerDay: 3, MaxInWindow: 2, Window: time.Hour}
	})
	ctx := context.Background()

	submitAndEnd := func() error {
		f.clock.Advance(time.Second)
		id, err := c.Submit(ctx, SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}, AutoHeal: true})
		if err != nil {
			return err
		}
		if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, true); err != nil {
			t.Fatalf("CheckAndCompleteSessionIfNeeded() error = %v", err)
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		if err := submitAndEnd(); err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
	}
	if err := submitAndEnd(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third submission in window: error = %v, want ErrRateLimited", err)
	}

	f.clock.Advance(2 * time.Hour)
	if err := submitAndEnd(); err != nil {
		t.Fatalf("submission after window: %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if err := submitAndEnd(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth submission in a day: error = %v, want ErrRateLimited", err)
	}

	// Manual submissions are not limited.
	f.clock.Advance(time.Second)
	if _, err := c.Submit(ctx, SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}}); err != nil {
		t.Errorf("manual submission: %v", err)
	}
}

func TestSubmit_HealingLimitsIgnoreActiveSession(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1", func(o *Options) {
		o.Healing = HealingLimits{MaxInWindow: 1, Window: time.Hour}
	})
	ctx := context.Background()
	heal := SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}, AutoHeal: true}

	first := mustSubmit(t, c, heal)
	f.clock.Advance(time.Second)
	var ce *ConflictError
	if _, err := c.Submit(ctx, heal); !errors.As(err, &ce) || ce.ActiveSessionID != first {
		t.Fatalf("submission while active: error = %v, want conflict with %s", err, first)
	}

	if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, first, true); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	if _, err := c.Submit(ctx, heal); !errors.Is(err, ErrRateLimited) {
		t.Errorf("submission after one finished heal: error = %v, want ErrRateLimited", err)
	}
}

func TestUpdateActiveSession_NoLostUpdates(t *testing.T) {
	f := newFixture(t)
	id := mustSubmit(t, f.coordinator(t, "srv0"), SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv0"}})

	const n = 8
	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c := f.coordinator(t, fmt.Sprintf("srv%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.UpdateActiveSession(context.Background(), id, func(s *session.Session) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				defer inside.Add(-1)
				time.Sleep(time.Millisecond)
				count, _ := strconv.Atoi(s.Labels["count"])
				if s.Labels == nil {
					s.Labels = make(map[string]string)
				}
				s.Labels["count"] = strconv.Itoa(count + 1)
				return nil
			})
			if err != nil {
				t.Errorf("UpdateActiveSession() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Errorf("%d mutations overlapped", overlaps.Load())
	}
	s := mustGet(t, f.coordinator(t, "srv0"), id)
	if s.Labels["count"] != strconv.Itoa(n) {
		t.Errorf("count = %q, want %d", s.Labels["count"], n)
	}
}

func TestUpdateActiveSession_NotActive(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}})
	if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, true); err != nil {
		t.Fatal(err)
	}

	called := false
	_, err := c.UpdateActiveSession(ctx, id, func(*session.Session) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotActive) || called {
		t.Errorf("error = %v, called = %v; want ErrNotActive without calling", err, called)
	}
	if _, err := c.UpdateActiveSession(ctx, "250101_0000000000", func(*session.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: error = %v, want ErrNotFound", err)
	}
}

// unreachableStore fails the next failures reads and writes with
// ErrUnavailable before passing calls through.
type unreachableStore struct {
	store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (u *unreachableStore) fail() error {
	u.calls.Add(1)
	if u.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
	}
	return nil
}

func (u *unreachableStore) ReadByID(ctx context.Context, id string) (*session.Session, error) {
	if err := u.fail(); err != nil {
		return nil, err
	}
	return u.Store.ReadByID(ctx, id)
}

func (u *unreachableStore) Update(ctx context.Context, s *session.Session, etag string) error {
	if err := u.fail(); err != nil {
		return err
	}
	return u.Store.Update(ctx, s, etag)
}

func (u *unreachableStore) MoveToCompleted(ctx context.Context, s *session.Session) error {
	if err := u.fail(); err != nil {
		return err
	}
	return u.Store.MoveToCompleted(ctx, s)
}

func TestStoreCallsRetryWhileUnavailable(t *testing.T) {
	f := newFixture(t)
	id := mustSubmit(t, f.coordinator(t, "srv1"), SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1"}})

	st, err := filestore.New(f.root, "app.example.net")
	if err != nil {
		t.Fatal(err)
	}
	flaky := &unreachableStore{Store: st}
	opts := DefaultOptions("srv1")
	opts.LockPoll = 2 * time.Millisecond
	opts.TempDir = f.tmp
	opts.StoreRetries = 3
	opts.StoreRetryDelay = time.Millisecond
	c := New(flaky, f.reg, f.fleet, nil, opts)
	c.now = f.clock.Now
	ctx := context.Background()
	touch := func(s *session.Session) error {
		s.Reason = "touched"
		return nil
	}

	flaky.failures.Store(2)
	if _, err := c.UpdateActiveSession(ctx, id, touch); err != nil {
		t.Fatalf("UpdateActiveSession() after transient failures error = %v", err)
	}
	if got := mustGet(t, f.coordinator(t, "srv2"), id).Reason; got != "touched" {
		t.Errorf("Reason = %q, want touched", got)
	}

	flaky.failures.Store(3)
	if _, err := c.UpdateActiveSession(ctx, id, touch); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("UpdateActiveSession() error = %v, want ErrStorageUnavailable", err)
	}

	flaky.failures.Store(0)
	flaky.calls.Store(0)
	if _, err := c.UpdateActiveSession(ctx, session.NewID(f.clock.Now().Add(-time.Hour)), touch); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateActiveSession(missing) error = %v, want ErrNotFound", err)
	}
	if got := flaky.calls.Load(); got != 1 {
		t.Errorf("store calls for a missing session = %d, want 1", got)
	}

	flaky.failures.Store(2)
	if err := c.Cancel(ctx, id, "stop"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if s := mustGet(t, c, id); s.Status != session.SessionCancelled {
		t.Errorf("status = %s, want cancelled", s.Status)
	}
}

func TestCheckAndComplete_Monotonic(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()

	t.Run("after instance finishes", func(t *testing.T) {
		id := mustSubmit(t, c, SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}})
		done, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, false)
		if err != nil || done {
			t.Fatalf("before work: done = %v, err = %v", done, err)
		}
		if err := c.RunToolForSession(ctx, id); err != nil {
			t.Fatalf("RunToolForSession() error = %v", err)
		}
		first := mustGet(t, c, id)
		if first.Status != session.SessionComplete || first.EndTime == nil {
			t.Fatalf("status = %s, end = %v", first.Status, first.EndTime)
		}

		f.clock.Advance(time.Minute)
		for i := 0; i < 3; i++ {
			done, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, i%2 == 0)
			if err != nil || done {
				t.Errorf("repeat %d: done = %v, err = %v", i, done, err)
			}
		}
		again := mustGet(t, c, id)
		if !again.EndTime.Equal(*first.EndTime) || again.Status != first.Status {
			t.Errorf("completion re-triggered: %s %v -> %s %v", first.Status, first.EndTime, again.Status, again.EndTime)
		}
	})

	t.Run("forced", func(t *testing.T) {
		f.clock.Advance(time.Second)
		id := mustSubmit(t, c, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1", "srv2"}})
		if _, err := c.CollectDiagnoser(ctx, id, "MemoryDump"); err != nil {
			t.Fatal(err)
		}
		done, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, true)
		if err != nil || !done {
			t.Fatalf("forced: done = %v, err = %v", done, err)
		}
		s := mustGet(t, c, id)
		if s.Status != session.SessionTimedOut {
			t.Errorf("status = %s, want timed_out", s.Status)
		}
		if ai := s.Instance("srv1"); ai == nil || ai.Status != session.InstanceTimedOut {
			t.Errorf("srv1 = %+v, want timed_out", ai)
		}
		if done, _ := c.CheckAndCompleteSessionIfNeeded(ctx, id, true); done {
			t.Error("second forced completion reported done")
		}
	})
}

func TestOrphanConvergence(t *testing.T) {
	f := newFixture(t)
	a := f.coordinator(t, "A")
	ctx := context.Background()

	id := mustSubmit(t, a, SubmitRequest{Tool: "EventLog", Instances: []string{"A", "B", "C"}})
	if err := a.RunToolForSession(ctx, id); err != nil {
		t.Fatalf("RunToolForSession() error = %v", err)
	}
	if s := mustGet(t, a, id); !s.IsActive() {
		t.Fatalf("session ended before B and C reported: %s", s.Status)
	}

	if n, err := a.CancelOrphanedInstancesIfNeeded(ctx, id); err != nil || n != 0 {
		t.Fatalf("before timeout: n = %d, err = %v", n, err)
	}

	f.clock.Advance(16 * time.Minute)
	n, err := a.CancelOrphanedInstancesIfNeeded(ctx, id)
	if err != nil || n != 2 {
		t.Fatalf("after timeout: n = %d, err = %v", n, err)
	}
	if done, err := a.CheckAndCompleteSessionIfNeeded(ctx, id, false); err != nil || done {
		t.Errorf("follow-up completion: done = %v, err = %v", done, err)
	}

	s := mustGet(t, a, id)
	if s.Status != session.SessionComplete {
		t.Errorf("status = %s, want complete", s.Status)
	}
	for _, name := range []string{"B", "C"} {
		ai := s.Instance(name)
		if ai == nil || ai.Status != session.InstanceComplete {
			t.Fatalf("%s = %+v, want synthesized complete", name, ai)
		}
		if len(ai.CollectorErrors) != 1 || !strings.Contains(ai.CollectorErrors[0], "did not pick up the session") {
			t.Errorf("%s errors = %v", name, ai.CollectorErrors)
		}
	}
	if ai := s.Instance("A"); ai == nil || len(ai.CollectorErrors) != 0 || len(ai.Logs) != 1 {
		t.Errorf("A = %+v", ai)
	}
}

func TestEndToEnd_MemoryDump(t *testing.T) {
	t.Run("collect only", func(t *testing.T) {
		f := newFixture(t)
		srv1 := f.coordinator(t, "srv1")
		ctx := context.Background()

		id := mustSubmit(t, srv1, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1", "srv2"}, Mode: session.ModeCollectOnly})
		if err := srv1.RunToolForSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		s := mustGet(t, srv1, id)
		if ai := s.Instance("srv1"); ai == nil || ai.Status != session.InstanceComplete || len(ai.Logs) != 1 {
			t.Fatalf("srv1 = %+v", ai)
		}
		if ds := s.Diagnoser("MemoryDump"); ds.CollectorStatus != session.StatusInProgress || ds.AnalyzerStatus != session.StatusNotRequested {
			t.Errorf("diagnoser = %+v", ds)
		}

		f.clock.Advance(16 * time.Minute)
		if _, err := srv1.CancelOrphanedInstancesIfNeeded(ctx, id); err != nil {
			t.Fatal(err)
		}
		s = mustGet(t, srv1, id)
		if s.Status != session.SessionComplete || s.Derived != session.SessionCollectedLogsOnly {
			t.Errorf("status = %s/%s, want complete/collected_logs_only", s.Status, s.Derived)
		}
		if ai := s.Instance("srv2"); ai == nil || len(ai.CollectorErrors) == 0 {
			t.Errorf("srv2 = %+v", ai)
		}
		if f.analyses.Load() != 0 {
			t.Errorf("analyzer ran %d times in collect-only mode", f.analyses.Load())
		}
	})

	t.Run("collect and analyze", func(t *testing.T) {
		f := newFixture(t)
		srv1 := f.coordinator(t, "srv1")
		ctx := context.Background()

		id := mustSubmit(t, srv1, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1", "srv2"}})
		if err := srv1.RunToolForSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		s := mustGet(t, srv1, id)
		ds := s.Diagnoser("MemoryDump")
		if ds.AnalyzerStatus != session.StatusWaitingForInputs || !ds.HasCollected("srv1") {
			t.Errorf("diagnoser = %+v", ds)
		}
		if ai := s.Instance("srv1"); ai.Status != session.InstanceAnalysisQueued {
			t.Errorf("srv1 status = %s, want analysis_queued", ai.Status)
		}

		f.clock.Advance(16 * time.Minute)
		if _, err := srv1.CancelOrphanedInstancesIfNeeded(ctx, id); err != nil {
			t.Fatal(err)
		}
		s = mustGet(t, srv1, id)
		if !s.IsActive() || s.Diagnoser("MemoryDump").AnalyzerStatus != session.StatusInProgress {
			t.Fatalf("after orphans: %s analyzer %s", s.Status, s.Diagnoser("MemoryDump").AnalyzerStatus)
		}

		if err := srv1.AnalyzeAndCompleteSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		s = mustGet(t, srv1, id)
		if s.Status != session.SessionComplete || s.Derived != session.SessionComplete {
			t.Fatalf("status = %s/%s", s.Status, s.Derived)
		}
		logs := s.LogsFor("MemoryDump")
		if len(logs) != 1 || len(logs[0].Reports) != 1 || logs[0].AnalysisCompleted == nil || logs[0].InstanceAnalyzing != "srv1" {
			t.Errorf("logs = %+v", logs)
		}
		if f.collects.Load() != 1 || f.analyses.Load() != 1 {
			t.Errorf("collects = %d analyses = %d, want 1 and 1", f.collects.Load(), f.analyses.Load())
		}
	})
}

func TestTwoInstancesConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := []*Coordinator{f.coordinator(t, "srv1"), f.coordinator(t, "srv2")}
	id := mustSubmit(t, cs[0], SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1", "srv2"}})

	// Poll until both are done, as the run loop would.
	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := c.RunToolForSession(ctx, id); err != nil {
					t.Errorf("%s: %v", c.Instance(), err)
					return
				}
				if s, _ := c.Get(ctx, id); s != nil && !s.IsActive() {
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}(c)
	}
	wg.Wait()

	s := mustGet(t, cs[0], id)
	if s.Status != session.SessionComplete {
		t.Fatalf("status = %s", s.Status)
	}
	if got := len(s.LogsFor("MemoryDump")); got != 2 {
		t.Errorf("logs = %d, want 2", got)
	}
	if f.analyses.Load() != 2 {
		t.Errorf("analyses = %d, want each log analyzed once", f.analyses.Load())
	}
}

func TestCollectorFailure(t *testing.T) {
	tests := []struct {
		name     string
		analyzer bool
	}{
		{"collector only", false},
		{"collector with analyzer", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var calls atomic.Int32
			d := &diagnoser.Diagnoser{Name: "Flaky", Collector: diagnoser.CollectorFunc(
				func(ctx context.Context, req diagnoser.CollectRequest) (diagnoser.CollectResult, error) {
					if calls.Add(1) == 1 {
						panic("boom")
					}
					return diagnoser.CollectResult{}, fmt.Errorf("exit 3: %w", diagnoser.ErrToolFailed)
				})}
			if tt.analyzer {
				d.Analyzer = diagnoser.AnalyzerFunc(func(ctx context.Context, req diagnoser.AnalyzeRequest) ([]session.Report, error) {
					t.Error("analyzer ran without logs")
					return nil, nil
				})
			}
			f.reg.Register(d)
			c := f.coordinator(t, "srv1", func(o *Options) { o.Retry = RetryPolicy{Ceiling: 1} })
			ctx := context.Background()
			id := mustSubmit(t, c, SubmitRequest{Tool: "Flaky", Instances: []string{"srv1"}})

			for i := 0; i < 2; i++ {
				ran, err := c.CollectDiagnoser(ctx, id, "Flaky")
				if err != nil || !ran {
					t.Fatalf("attempt %d: ran = %v, err = %v", i, ran, err)
				}
			}
			s := mustGet(t, c, id)
			ds := s.Diagnoser("Flaky")
			if ds.CollectorStatus != session.StatusError || ds.CollectorFails != 2 || ds.HasCollected("srv1") {
				t.Fatalf("diagnoser = %+v", ds)
			}
			if ds.AnalyzerStatus != session.StatusNotRequested {
				t.Errorf("analyzer = %s, want not requested once the collector failed", ds.AnalyzerStatus)
			}
			if ai := s.Instance("srv1"); ai == nil || len(ai.CollectorErrors) != 2 {
				t.Errorf("srv1 = %+v", ai)
			}

			if ran, _ := c.CollectDiagnoser(ctx, id, "Flaky"); ran {
				t.Error("collector ran after it was marked unhealthy")
			}
			if err := c.AnalyzeAndCompleteSession(ctx, id); err != nil {
				t.Fatal(err)
			}
			// The session must end on its own, not by outliving the maximum duration.
			if _, err := c.CancelOrphanedInstancesIfNeeded(ctx, id); err != nil {
				t.Fatal(err)
			}
			if s := mustGet(t, c, id); s.Status != session.SessionError {
				t.Errorf("status = %s, want error", s.Status)
			}
		})
	}
}

func TestNoOutputIsRecordedNotRetried(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&diagnoser.Diagnoser{Name: "Empty", Collector: diagnoser.CollectorFunc(
		func(ctx context.Context, req diagnoser.CollectRequest) (diagnoser.CollectResult, error) {
			return diagnoser.CollectResult{}, diagnoser.ErrNoOutput
		})})
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "Empty", Instances: []string{"srv1"}})

	if err := c.RunToolForSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	s := mustGet(t, c, id)
	if s.Status != session.SessionComplete {
		t.Errorf("status = %s, want complete", s.Status)
	}
	if ai := s.Instance("srv1"); ai == nil || len(ai.CollectorErrors) != 1 {
		t.Errorf("srv1 = %+v", ai)
	}
}

func TestCollectorUnsafeLogPath(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&diagnoser.Diagnoser{Name: "Sloppy", Collector: diagnoser.CollectorFunc(
		func(ctx context.Context, req diagnoser.CollectRequest) (diagnoser.CollectResult, error) {
			return diagnoser.CollectResult{Logs: []session.LogFile{
				{Name: "ok.log", RelativePath: "/" + req.SessionID + "/ok.log", Size: 1},
				{Name: "passwd", RelativePath: "../../etc/passwd", Size: 1},
			}}, nil
		})})
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "Sloppy", Instances: []string{"srv1"}})

	if ran, err := c.CollectDiagnoser(ctx, id, "Sloppy"); err != nil || !ran {
		t.Fatalf("ran = %v, err = %v", ran, err)
	}
	s := mustGet(t, c, id)
	logs := s.LogsFor("Sloppy")
	if len(logs) != 1 || logs[0].RelativePath != id+"/ok.log" {
		t.Fatalf("logs = %+v", logs)
	}
	if ai := s.Instance("srv1"); ai == nil || len(ai.CollectorErrors) != 1 {
		t.Errorf("srv1 = %+v", ai)
	}
	if !s.Diagnoser("Sloppy").HasCollected("srv1") {
		t.Error("collector with one usable log should count as collected")
	}
}

func TestAnalyzerOverdue(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1"}})
	if _, err := c.CollectDiagnoser(ctx, id, "MemoryDump"); err != nil {
		t.Fatal(err)
	}

	// Another instance claims the log and never finishes.
	_, err := c.UpdateActiveSession(ctx, id, func(s *session.Session) error {
		now := f.clock.Now()
		l := s.LogsFor("MemoryDump")[0]
		l.AnalysisStarted = &now
		l.InstanceAnalyzing = "srv9"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(46 * time.Minute)
	if _, err := c.AnalyzeDiagnoser(ctx, id, "MemoryDump"); err != nil {
		t.Fatal(err)
	}
	s := mustGet(t, c, id)
	if s.Status != session.SessionCancelled || s.Diagnoser("MemoryDump").AnalyzerStatus != session.StatusCancelled {
		t.Errorf("status = %s analyzer = %s", s.Status, s.Diagnoser("MemoryDump").AnalyzerStatus)
	}
	if ai := s.Instance("srv9"); ai == nil || len(ai.AnalyzerErrors) != 1 || !strings.Contains(ai.AnalyzerErrors[0], "exceeded") {
		t.Errorf("srv9 = %+v", ai)
	}
	if f.analyses.Load() != 0 {
		t.Errorf("analyzer ran on a claimed log")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1"}})

	if err := c.Cancel(ctx, id, "operator request"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	s := mustGet(t, c, id)
	if s.Status != session.SessionCancelled || s.Reason != "operator request" || s.EndTime == nil {
		t.Errorf("session = %s %q %v", s.Status, s.Reason, s.EndTime)
	}
	if err := c.Cancel(ctx, id, ""); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Cancel() error = %v, want ErrNotActive", err)
	}
}

func TestCancelIfOverdue(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "MemoryDump", Instances: []string{"srv1"}})

	s := mustGet(t, c, id)
	if done, _ := c.CancelIfOverdue(ctx, s); done {
		t.Fatal("fresh session cancelled")
	}
	f.clock.Advance(4 * time.Hour)
	done, err := c.CancelIfOverdue(ctx, s)
	if err != nil || !done {
		t.Fatalf("done = %v, err = %v", done, err)
	}
	s = mustGet(t, c, id)
	if s.Status != session.SessionCancelled || !strings.Contains(s.Reason, "maximum duration") {
		t.Errorf("session = %s %q", s.Status, s.Reason)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "srv1")
	ctx := context.Background()
	id := mustSubmit(t, c, SubmitRequest{Tool: "EventLog", Instances: []string{"srv1"}})

	if err := c.Delete(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Delete(active) error = %v, want ErrSessionActive", err)
	}
	if err := c.RunToolForSession(ctx, id); err != nil {
		t.Fatal(err)
	}

	rel := mustGet(t, c, id).LogsFor("EventLog")[0].RelativePath
	path := filepath.Join(f.artifacts, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("dump"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}
	if _, err := c.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v, want ErrNotFound", err)
	}
}

func TestRetryPolicy_Exceeded(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		count  int
		live   int
		want   bool
	}{
		{"disabled", RetryPolicy{}, 100, 1, false},
		{"fleet total below", RetryPolicy{Ceiling: 5}, 5, 3, false},
		{"fleet total above", RetryPolicy{Ceiling: 5}, 6, 3, true},
		{"per instance below", RetryPolicy{Ceiling: 5, PerInstance: true}, 15, 3, false},
		{"per instance above", RetryPolicy{Ceiling: 5, PerInstance: true}, 16, 3, true},
		{"per instance unknown fleet", RetryPolicy{Ceiling: 5, PerInstance: true}, 6, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Exceeded(tt.count, tt.live); got != tt.want {
				t.Errorf("Exceeded(%d, %d) = %v, want %v", tt.count, tt.live, got, tt.want)
			}
		})
	}
}

func TestOrphaned(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &session.Session{Status: session.SessionActive, StartTime: start, Instances: []string{"A", "b", "C"}}
	s.EnsureInstance("B", start)

	if got := Orphaned(s, start.Add(10*time.Minute), 15*time.Minute); got != nil {
		t.Errorf("before timeout = %v", got)
	}
	got := Orphaned(s, start.Add(20*time.Minute), 15*time.Minute)
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("Orphaned = %v, want [A C]", got)
	}
}
