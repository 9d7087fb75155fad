package schedule

import (
	"time"

	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/session"
)

// Schedule submits a diagnostic session on a cron schedule
type Schedule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	CronExpr    string            `json:"cron_expr"` // Standard 5-field cron expression
	Enabled     bool              `json:"enabled"`
	Tool        string            `json:"tool"`
	Diagnosers  []string          `json:"diagnosers,omitempty"`
	ToolParams  string            `json:"tool_params,omitempty"`
	Description string            `json:"description,omitempty"`
	Instances   []string          `json:"instances,omitempty"` // empty means every live instance
	Mode        session.Mode      `json:"mode,omitempty"`
	Window      time.Duration     `json:"window"` // log window ending at the fire time
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty"`
}

// Request builds the submission for a run due at t. sessionID may be empty.
func (s *Schedule) Request(sessionID string, t time.Time) coordinator.SubmitRequest {
	labels := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		labels[k] = v
	}
	labels[LabelSchedule] = s.Name

	window := s.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return coordinator.SubmitRequest{
		ID:          sessionID,
		Tool:        s.Tool,
		Diagnosers:  s.Diagnosers,
		ToolParams:  s.ToolParams,
		Description: s.Description,
		From:        t.Add(-window),
		To:          t,
		Instances:   s.Instances,
		Mode:        s.Mode,
		Labels:      labels,
	}
}

// LabelSchedule is set on every session a schedule submits
const LabelSchedule = "schedule"

// DefaultWindow is the log window used when a schedule gives none
const DefaultWindow = time.Hour

// ExecutionStatus represents the outcome of a schedule execution
type ExecutionStatus string

const (
	ExecutionSubmitted ExecutionStatus = "submitted"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped" // another session was active
)

// Execution represents a single firing of a schedule
type Execution struct {
	ID           string          `json:"id"`
	ScheduleID   string          `json:"schedule_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Instance     string          `json:"instance"` // instance that fired it
	ScheduledFor time.Time       `json:"scheduled_for"`
	ExecutedAt   time.Time       `json:"executed_at"`
	Manual       bool            `json:"manual,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
}

// ScheduleUpdate contains optional fields for updating a schedule
type ScheduleUpdate struct {
	CronExpr    *string           `json:"cron_expr,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Description *string           `json:"description,omitempty"`
	ToolParams  *string           `json:"tool_params,omitempty"`
	Window      *time.Duration    `json:"window,omitempty"`
	Instances   []string          `json:"instances,omitempty"` // If set, replaces the instance list
	Labels      map[string]string `json:"labels,omitempty"`    // If set, replaces the labels
}

// ListFilter contains optional filters for listing schedules
type ListFilter struct {
	Enabled *bool
	Tool    string
}
