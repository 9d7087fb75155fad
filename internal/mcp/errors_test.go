package mcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/HyphaGroup/diagd/internal/coordinator"
)

func TestToolError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantPrefix string
		wantIs     error
	}{
		{
			name:       "validation",
			err:        &coordinator.ValidationError{Field: "tool", Reason: "unknown tool Nope"},
			wantPrefix: "invalid request: invalid tool: unknown tool Nope",
		},
		{
			name:       "conflict names the active session",
			err:        fmt.Errorf("submit: %w", &coordinator.ConflictError{ActiveSessionID: "250304_1000000000"}),
			wantPrefix: "conflict: session 250304_1000000000 is already active",
		},
		{
			name:       "storage unavailable hides details",
			err:        fmt.Errorf("%w: open /srv/share/sessions: permission denied", coordinator.ErrStorageUnavailable),
			wantPrefix: "storage unavailable:",
		},
		{
			name:       "storage misconfigured keeps guidance",
			err:        &coordinator.StorageMisconfiguredError{Diagnoser: "Profiler", Guidance: "pass blob_sas_uri"},
			wantPrefix: "storage misconfigured: diagnoser Profiler requires a storage account: pass blob_sas_uri",
		},
		{
			name:   "not found passes through",
			err:    fmt.Errorf("%w: 250304_1000000000", coordinator.ErrNotFound),
			wantIs: coordinator.ErrNotFound,
		},
		{
			name:   "active session cannot be deleted",
			err:    coordinator.ErrSessionActive,
			wantIs: coordinator.ErrSessionActive,
		},
		{
			name:       "lock timeout",
			err:        coordinator.ErrLockTimeout,
			wantPrefix: "cancel failed: session is busy",
		},
		{
			name:       "internal error is sanitized",
			err:        errors.New("dial tcp 10.0.0.5:445: connection refused"),
			wantPrefix: "cancel failed: internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toolError(tt.err, "cancel")
			if got == nil {
				t.Fatal("toolError() = nil")
			}
			if tt.wantPrefix != "" && !strings.HasPrefix(got.Error(), tt.wantPrefix) {
				t.Errorf("toolError() = %q, want prefix %q", got, tt.wantPrefix)
			}
			if tt.wantIs != nil && !errors.Is(got, tt.wantIs) {
				t.Errorf("toolError() = %v, want errors.Is %v", got, tt.wantIs)
			}
		})
	}

	if toolError(nil, "get") != nil {
		t.Error("toolError(nil) should be nil")
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"sas url", errors.New("PUT https://acct.blob.core.windows.net/c?sv=2022&sig=abc: 403"), "delete failed: internal configuration error"},
		{"no such file", errors.New("open /tmp/x: no such file or directory"), "delete failed: internal error"},
		{"user facing", errors.New("session_id is required"), "session_id is required"},
		{"short", errors.New("boom"), "delete failed: boom"},
		{"long", errors.New(strings.Repeat("x", 80)), "delete failed: an unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeError(tt.err, "delete"); got.Error() != tt.want {
				t.Errorf("SanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
