package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/diagd/internal/audit"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/schedule"
	"github.com/HyphaGroup/diagd/internal/session"
)

// ScheduleParams is the unified params struct for the schedule tool
type ScheduleParams struct {
	Action string `json:"action" enum:"create|list|get|update|delete|trigger|history"`

	Name string `json:"name,omitempty" description:"schedule name or id"`

	// For create and update
	CronExpr    string            `json:"cron_expr,omitempty" description:"5-field cron expression, evaluated in UTC"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	Diagnosers  []string          `json:"diagnosers,omitempty"`
	ToolParams  *string           `json:"tool_params,omitempty"`
	Description *string           `json:"description,omitempty"`
	Instances   []string          `json:"instances,omitempty"`
	Mode        string            `json:"mode,omitempty" enum:"collect_and_analyze|collect_only"`
	Window      string            `json:"window,omitempty" description:"log window ending at each run, e.g. 30m or 2h (default: 1h)"`
	Labels      map[string]string `json:"labels,omitempty"`

	// For history
	Limit int `json:"limit,omitempty"`
}

var scheduleActions = toolActions{tool: "schedule", names: []string{"create", "list", "get", "update", "delete", "trigger", "history"}}

var errSchedulesDisabled = errors.New("schedules are not enabled on this instance")

// handleSchedule is the unified handler for the schedule tool
func (s *Server) handleSchedule(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, scheduleActions.missing()
	}
	if s.schedules == nil {
		return nil, nil, errSchedulesDisabled
	}

	switch params.Action {
	case "create":
		return s.scheduleCreate(ctx, params)
	case "list":
		return s.scheduleList(ctx, params)
	case "get":
		return s.scheduleGet(ctx, params)
	case "update":
		return s.scheduleUpdate(ctx, params)
	case "delete":
		return s.scheduleDelete(ctx, params)
	case "trigger":
		return s.scheduleTrigger(ctx, params)
	case "history":
		return s.scheduleHistory(ctx, params)
	default:
		return nil, nil, scheduleActions.unknown(params.Action)
	}
}

func parseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q: must be a positive duration like 30m or 2h", raw)
	}
	return d, nil
}

func (s *Server) scheduleCreate(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required for create")
	}
	if params.CronExpr == "" {
		return nil, nil, fmt.Errorf("cron_expr is required for create")
	}
	if params.Tool == "" {
		return nil, nil, fmt.Errorf("tool is required for create")
	}
	window, err := parseWindow(params.Window)
	if err != nil {
		return nil, nil, err
	}

	sched := &schedule.Schedule{
		Name:       params.Name,
		CronExpr:   params.CronExpr,
		Enabled:    true,
		Tool:       params.Tool,
		Diagnosers: params.Diagnosers,
		Instances:  params.Instances,
		Mode:       session.Mode(params.Mode),
		Window:     window,
		Labels:     params.Labels,
		CreatedBy:  CallerFromContext(ctx),
	}
	if params.Enabled != nil {
		sched.Enabled = *params.Enabled
	}
	if params.ToolParams != nil {
		sched.ToolParams = *params.ToolParams
	}
	if params.Description != nil {
		sched.Description = *params.Description
	}

	err = s.schedules.Create(ctx, sched)
	s.recordSchedule(ctx, audit.OpScheduleCreate, sched.Name, err, map[string]any{
		"cron_expr": sched.CronExpr,
		"tool":      sched.Tool,
	})
	if err != nil {
		return nil, nil, scheduleError(err, "create schedule")
	}

	text := fmt.Sprintf("Schedule '%s' created (%s)", sched.Name, sched.CronExpr)
	if sched.NextRunAt != nil {
		text += fmt.Sprintf(", next run %s", sched.NextRunAt.Format(time.RFC3339))
	}
	logger.Info("Schedule %s created by %s", sched.Name, sched.CreatedBy)
	return NewTextResult(text), sched, nil
}

func (s *Server) scheduleList(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	filter := &schedule.ListFilter{Enabled: params.Enabled, Tool: params.Tool}
	schedules, err := s.schedules.List(ctx, filter)
	if err != nil {
		return nil, nil, scheduleError(err, "list schedules")
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	return nil, schedules, nil
}

func (s *Server) scheduleGet(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	sched, err := s.schedules.Get(ctx, params.Name)
	if err != nil {
		return nil, nil, scheduleError(err, "get schedule")
	}
	view := &ScheduleView{Schedule: sched}
	if sched.Enabled {
		view.Upcoming, _ = schedule.UpcomingRuns(sched.CronExpr, time.Now(), upcomingRuns)
	}
	return nil, view, nil
}

// upcomingRuns is how many future runs schedule get previews
const upcomingRuns = 3

// ScheduleView is a schedule with a preview of its next runs
type ScheduleView struct {
	*schedule.Schedule
	Upcoming []time.Time `json:"upcoming,omitempty"`
}

func (s *Server) scheduleUpdate(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if params.Tool != "" || len(params.Diagnosers) > 0 || params.Mode != "" {
		return nil, nil, fmt.Errorf("tool, diagnosers and mode cannot be changed; delete and recreate the schedule")
	}

	update := &schedule.ScheduleUpdate{
		Enabled:     params.Enabled,
		Description: params.Description,
		ToolParams:  params.ToolParams,
		Instances:   params.Instances,
		Labels:      params.Labels,
	}
	if params.CronExpr != "" {
		update.CronExpr = &params.CronExpr
	}
	if params.Window != "" {
		window, err := parseWindow(params.Window)
		if err != nil {
			return nil, nil, err
		}
		update.Window = &window
	}

	sched, err := s.schedules.Update(ctx, params.Name, update)
	s.recordSchedule(ctx, audit.OpScheduleUpdate, params.Name, err, map[string]any{
		"cron_expr": params.CronExpr,
		"enabled":   params.Enabled,
	})
	if err != nil {
		return nil, nil, scheduleError(err, "update schedule")
	}
	return NewTextResult(fmt.Sprintf("Schedule '%s' updated", sched.Name)), sched, nil
}

func (s *Server) scheduleDelete(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	err := s.schedules.Delete(ctx, params.Name)
	s.recordSchedule(ctx, audit.OpScheduleDelete, params.Name, err, nil)
	if err != nil {
		return nil, nil, scheduleError(err, "delete schedule")
	}
	logger.Info("Schedule %s deleted by %s", params.Name, CallerFromContext(ctx))
	return NewTextResult(fmt.Sprintf("Schedule '%s' deleted", params.Name)), nil, nil
}

func (s *Server) scheduleTrigger(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if s.scheduler == nil {
		return nil, nil, errSchedulesDisabled
	}

	exec, err := s.scheduler.TriggerNow(ctx, params.Name)
	sessionID := ""
	if exec != nil {
		sessionID = exec.SessionID
	}
	s.record(ctx, audit.OpScheduleTrigger, sessionID, err, map[string]any{"schedule": params.Name})
	if err != nil {
		return nil, nil, scheduleError(err, "trigger schedule")
	}
	if exec.Status == schedule.ExecutionSkipped {
		return NewTextResult(fmt.Sprintf("Schedule '%s' skipped: %s", params.Name, exec.Error)), exec, nil
	}
	return NewTextResult(fmt.Sprintf("Schedule '%s' submitted session '%s'", params.Name, exec.SessionID)), exec, nil
}

func (s *Server) scheduleHistory(ctx context.Context, params *ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	sched, err := s.schedules.Get(ctx, params.Name)
	if err != nil {
		return nil, nil, scheduleError(err, "schedule history")
	}
	execs, err := s.schedules.ListExecutions(ctx, sched.ID, params.Limit)
	if err != nil {
		return nil, nil, scheduleError(err, "schedule history")
	}
	if execs == nil {
		execs = []*schedule.Execution{}
	}
	return nil, execs, nil
}

// recordSchedule audits a schedule change under the schedule's name
func (s *Server) recordSchedule(ctx context.Context, op audit.Operation, name string, err error, details map[string]any) {
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["schedule"] = name
	s.record(ctx, op, "", err, details)
}

// scheduleError keeps schedule validation errors and sanitizes the rest
func scheduleError(err error, operation string) error {
	switch {
	case errors.Is(err, schedule.ErrScheduleNotFound),
		errors.Is(err, schedule.ErrInvalidCron),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, schedule.ErrDuplicateName):
		return err
	}
	return toolError(err, operation)
}
