// Package audit records who changed which session or schedule.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpSessionSubmit Operation = "session.submit"
	OpSessionCancel Operation = "session.cancel"
	OpSessionDelete Operation = "session.delete"

	OpScheduleCreate  Operation = "schedule.create"
	OpScheduleUpdate  Operation = "schedule.update"
	OpScheduleDelete  Operation = "schedule.delete"
	OpScheduleTrigger Operation = "schedule.trigger"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	Caller    string         `json:"caller,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing JSON to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.Caller != "" {
		attrs = append(attrs, slog.String("caller", event.Caller))
	}
	if event.Instance != "" {
		attrs = append(attrs, slog.String("instance", event.Instance))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(maskDetails(event.Details))
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op on sessionID as a success or failure depending on err
func (l *Logger) Record(op Operation, caller, sessionID string, err error, details map[string]any) {
	event := &Event{
		Operation: op,
		Caller:    caller,
		SessionID: sessionID,
		Success:   err == nil,
		Details:   details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// maskDetails strips the signature from any SAS URL in details.
func maskDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			v = maskSAS(s)
		}
		out[k] = v
	}
	return out
}

func maskSAS(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.RawQuery == "" {
		return s
	}
	u.RawQuery = ""
	return u.String() + "?***"
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(op Operation, caller, sessionID string, err error, details map[string]any) {
	Default().Record(op, caller, sessionID, err, details)
}
