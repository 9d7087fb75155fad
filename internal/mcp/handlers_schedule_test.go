package mcp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/diagd/internal/audit"
	"github.com/HyphaGroup/diagd/internal/schedule"
)

func newScheduleServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	coord := newTestCoordinator(t, nil)
	schedules, err := schedule.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("schedule.NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = schedules.Close() })

	if cfg == nil {
		cfg = &ServerConfig{}
	}
	cfg.Schedules = schedules
	cfg.Scheduler = schedule.NewRunner(schedules, coord, coord.Instance(), time.Minute)
	return NewServer(coord, cfg)
}

func TestScheduleTool_Disabled(t *testing.T) {
	s := NewServer(newTestCoordinator(t, nil), nil)
	_, err := call(t, s, context.Background(), "schedule", map[string]any{"action": "list"})
	if !errors.Is(err, errSchedulesDisabled) {
		t.Errorf("list error = %v, want errSchedulesDisabled", err)
	}
}

func TestScheduleTool_Lifecycle(t *testing.T) {
	s := newScheduleServer(t, nil)
	ctx := WithCaller(context.Background(), "oncall")

	res, err := call(t, s, ctx, "schedule", map[string]any{
		"action":    "create",
		"name":      "nightly-dump",
		"cron_expr": "0 3 * * *",
		"tool":      "MemoryDump",
		"instances": []string{"srv1"},
		"window":    "30m",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := res.(*schedule.Schedule)
	if created.NextRunAt == nil || created.Window != 30*time.Minute || created.CreatedBy != "oncall" {
		t.Errorf("created = %+v", created)
	}

	_, err = call(t, s, ctx, "schedule", map[string]any{
		"action": "create", "name": "nightly-dump", "cron_expr": "0 4 * * *", "tool": "MemoryDump",
	})
	if !errors.Is(err, schedule.ErrDuplicateName) {
		t.Errorf("duplicate create error = %v", err)
	}

	res, err = call(t, s, ctx, "schedule", map[string]any{"action": "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list := res.([]*schedule.Schedule); len(list) != 1 || list[0].Name != "nightly-dump" {
		t.Errorf("list = %v", list)
	}

	res, err = call(t, s, ctx, "schedule", map[string]any{
		"action": "update", "name": "nightly-dump", "cron_expr": "30 2 * * *", "enabled": false,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated := res.(*schedule.Schedule); updated.Enabled || updated.NextRunAt != nil || updated.CronExpr != "30 2 * * *" {
		t.Errorf("updated = %+v", updated)
	}

	// A disabled schedule can still be run by hand
	res, err = call(t, s, ctx, "schedule", map[string]any{"action": "trigger", "name": "nightly-dump"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	exec := res.(*schedule.Execution)
	if exec.Status != schedule.ExecutionSubmitted || exec.SessionID == "" || !exec.Manual {
		t.Errorf("trigger execution = %+v", exec)
	}
	active, err := s.coord.GetActive(ctx)
	if err != nil || active == nil || active.ID != exec.SessionID {
		t.Fatalf("GetActive() = %v, %v", active, err)
	}
	if active.Labels[schedule.LabelSchedule] != "nightly-dump" {
		t.Errorf("session labels = %v", active.Labels)
	}
	if got := active.To.Sub(active.From); got != 30*time.Minute {
		t.Errorf("session window = %v, want 30m", got)
	}

	res, err = call(t, s, ctx, "schedule", map[string]any{"action": "trigger", "name": "nightly-dump"})
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if exec := res.(*schedule.Execution); exec.Status != schedule.ExecutionSkipped {
		t.Errorf("second trigger status = %s, want skipped", exec.Status)
	}

	res, err = call(t, s, ctx, "schedule", map[string]any{"action": "history", "name": "nightly-dump"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if execs := res.([]*schedule.Execution); len(execs) != 2 {
		t.Errorf("history has %d executions, want 2", len(execs))
	}

	if _, err := call(t, s, ctx, "schedule", map[string]any{"action": "delete", "name": "nightly-dump"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = call(t, s, ctx, "schedule", map[string]any{"action": "get", "name": "nightly-dump"})
	if !errors.Is(err, schedule.ErrScheduleNotFound) {
		t.Errorf("get after delete error = %v", err)
	}
}

func TestScheduleTool_InvalidRequests(t *testing.T) {
	s := newScheduleServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing action", map[string]any{}, "invalid parameters"},
		{"unknown action", map[string]any{"action": "pause"}, "invalid parameters"},
		{"create without name", map[string]any{"action": "create", "cron_expr": "0 * * * *", "tool": "MemoryDump"}, "name is required"},
		{"create without cron", map[string]any{"action": "create", "name": "a", "tool": "MemoryDump"}, "cron_expr is required"},
		{"create without tool", map[string]any{"action": "create", "name": "a", "cron_expr": "0 * * * *"}, "tool is required"},
		{"bad cron", map[string]any{"action": "create", "name": "a", "cron_expr": "hourly", "tool": "MemoryDump"}, "invalid cron"},
		{"bad window", map[string]any{"action": "create", "name": "a", "cron_expr": "0 * * * *", "tool": "MemoryDump", "window": "-1h"}, "invalid window"},
		{"bad name", map[string]any{"action": "create", "name": "a b", "cron_expr": "0 * * * *", "tool": "MemoryDump"}, "invalid schedule"},
		{"update tool", map[string]any{"action": "update", "name": "a", "tool": "Profiler"}, "cannot be changed"},
		{"get without name", map[string]any{"action": "get"}, "name is required"},
		{"trigger unknown", map[string]any{"action": "trigger", "name": "missing"}, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, s, ctx, "schedule", tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleTool_Audited(t *testing.T) {
	var buf bytes.Buffer
	s := newScheduleServer(t, &ServerConfig{Audit: audit.New(&buf, true)})
	ctx := WithCaller(context.Background(), "oncall")

	args := map[string]any{"action": "create", "name": "hourly", "cron_expr": "0 * * * *", "tool": "MemoryDump"}
	if _, err := call(t, s, ctx, "schedule", args); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, s, ctx, "schedule", map[string]any{"action": "list"}); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, s, ctx, "schedule", map[string]any{"action": "trigger", "name": "hourly"}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if n := strings.Count(out, "\n"); n != 2 {
		t.Fatalf("audit lines = %d:\n%s", n, out)
	}
	for _, want := range []string{`"operation":"schedule.create"`, `"operation":"schedule.trigger"`, `"caller":"oncall"`, "hourly"} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %s:\n%s", want, out)
		}
	}
}

func TestScheduleTool_GetPreviewsUpcomingRuns(t *testing.T) {
	s := newScheduleServer(t, nil)
	ctx := context.Background()

	for _, args := range []map[string]any{
		{"action": "create", "name": "hourly", "cron_expr": "0 * * * *", "tool": "MemoryDump"},
		{"action": "create", "name": "paused", "cron_expr": "0 * * * *", "tool": "MemoryDump", "enabled": false},
	} {
		if _, err := call(t, s, ctx, "schedule", args); err != nil {
			t.Fatalf("create %v: %v", args["name"], err)
		}
	}

	res, err := call(t, s, ctx, "schedule", map[string]any{"action": "get", "name": "hourly"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	view := res.(*ScheduleView)
	if view.Name != "hourly" || len(view.Upcoming) != upcomingRuns {
		t.Fatalf("view = %+v", view)
	}
	if got := view.Upcoming[1].Sub(view.Upcoming[0]); got != time.Hour {
		t.Errorf("runs %v apart, want 1h", got)
	}

	res, err = call(t, s, ctx, "schedule", map[string]any{"action": "get", "name": "paused"})
	if err != nil {
		t.Fatalf("get paused: %v", err)
	}
	if upcoming := res.(*ScheduleView).Upcoming; len(upcoming) != 0 {
		t.Errorf("disabled schedule previews %v", upcoming)
	}
}
