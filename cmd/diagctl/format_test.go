package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	diagmcp "github.com/HyphaGroup/diagd/internal/mcp"
	"github.com/HyphaGroup/diagd/internal/schedule"
	"github.com/HyphaGroup/diagd/internal/session"
)

var testNow = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func TestDuration(t *testing.T) {
	start := testNow.Add(-90 * time.Minute)
	end := testNow.Add(-30 * time.Minute)

	tests := []struct {
		name string
		end  *time.Time
		want string
	}{
		{"finished", &end, "1h0m0s"},
		{"running", nil, "1h30m0s (running)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := duration(start, tt.end, testNow); got != tt.want {
				t.Errorf("duration() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteSummaries(t *testing.T) {
	var buf bytes.Buffer
	writeSummaries(&buf, nil, testNow)
	if got := buf.String(); got != "No sessions\n" {
		t.Errorf("empty list = %q", got)
	}

	buf.Reset()
	writeSummaries(&buf, []*session.Summary{{
		ID:        "250304_1000000000",
		Tool:      "MemoryDump",
		Status:    session.SessionActive,
		StartTime: testNow.Add(-2 * time.Hour),
		Instances: 3,
		Logs:      2,
	}}, testNow)

	out := buf.String()
	for _, want := range []string{"250304_1000000000", "MemoryDump", "active", "2 hours ago", "(running)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSession(t *testing.T) {
	end := testNow.Add(-time.Hour)
	s := &session.Session{
		ID:        "250304_1000000000",
		Tool:      "MemoryDump",
		Mode:      session.ModeCollectAndAnalyze,
		Status:    session.SessionCancelled,
		Reason:    "wrong window",
		StartTime: testNow.Add(-2 * time.Hour),
		EndTime:   &end,
		Instances: []string{"srv1", "srv2"},
		Labels:    map[string]string{diagmcp.SubmittedByLabel: "oncall"},
		Diagnosers: []session.DiagnoserState{
			{Name: "MemoryDump", CollectorStatus: session.StatusComplete, AnalyzerStatus: session.StatusCancelled, CollectedBy: []string{"srv1"}},
		},
		Active: []*session.ActiveInstance{{
			Name: "srv1",
			Logs: []session.LogFile{{
				Name:         "dump.dmp",
				RelativePath: "250304_1000000000/srv1/dump.dmp",
				Size:         3 << 20,
				Instance:     "srv1",
				Reports:      []session.Report{{Name: "report.html", Size: 2048}},
			}},
		}},
	}

	var buf bytes.Buffer
	writeSession(&buf, s, testNow)
	out := buf.String()
	for _, want := range []string{
		"cancelled: wrong window",
		"srv1, srv2",
		"Submitted by: oncall",
		"1h0m0s",
		"3.0 MiB",
		"report.html (2.0 KiB)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDecodeInstances(t *testing.T) {
	view, err := decodeInstances(`{"self":"srv1","active_session":"250304_1000000000","diagnosers":["MemoryDump"],"instances":[{"name":"srv1","live":true,"requested":true,"status":"analyzing","errors":1}]}`)
	if err != nil {
		t.Fatalf("decodeInstances() error = %v", err)
	}

	var buf bytes.Buffer
	writeInstances(&buf, view)
	out := buf.String()
	for _, want := range []string{"Answered by: srv1", "Active:      250304_1000000000", "analyzing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := decodeInstances("No active session"); err == nil {
		t.Error("plain text should not decode")
	}
}

func TestRootCmd_Commands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"submit", "active", "get", "list", "cancel", "delete", "instances"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestWriteSchedules(t *testing.T) {
	var buf bytes.Buffer
	writeSchedules(&buf, nil, testNow)
	if got := buf.String(); got != "No schedules\n" {
		t.Errorf("empty list = %q", got)
	}

	buf.Reset()
	next := testNow.Add(3 * time.Hour)
	writeSchedules(&buf, []*schedule.Schedule{{
		Name:      "nightly-dump",
		CronExpr:  "0 3 * * *",
		Tool:      "MemoryDump",
		Enabled:   true,
		NextRunAt: &next,
	}}, testNow)

	out := buf.String()
	for _, want := range []string{"nightly-dump", "0 3 * * *", "MemoryDump", "true", "3 hours from now"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteExecutions(t *testing.T) {
	var buf bytes.Buffer
	writeExecutions(&buf, []*schedule.Execution{
		{SessionID: "250304_1100000000", Instance: "srv1", ExecutedAt: testNow.Add(-time.Hour), Status: schedule.ExecutionSubmitted},
		{Instance: "srv2", ExecutedAt: testNow.Add(-2 * time.Hour), Manual: true, Status: schedule.ExecutionSkipped, Error: "session 250304_0900000000 is active"},
	}, testNow)

	out := buf.String()
	for _, want := range []string{"250304_1100000000", "submitted", "skipped (manual)", "srv2", "is active", "1 hour ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
