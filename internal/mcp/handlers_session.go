package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/diagd/internal/audit"
	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// SessionParams is the unified params struct for the session tool
type SessionParams struct {
	Action string `json:"action" enum:"submit|active|get|list|cancel|delete"`

	SessionID string `json:"session_id,omitempty"`

	// For submit
	Tool        string            `json:"tool,omitempty" description:"tool to run; also the default diagnoser"`
	Diagnosers  []string          `json:"diagnosers,omitempty"`
	ToolParams  string            `json:"tool_params,omitempty"`
	Description string            `json:"description,omitempty"`
	From        string            `json:"from,omitempty" description:"RFC 3339 start of the log window (default: one hour before to)"`
	To          string            `json:"to,omitempty" description:"RFC 3339 end of the log window (default: now)"`
	Instances   []string          `json:"instances,omitempty" description:"instances to diagnose (default: every live instance)"`
	BlobSASURI  string            `json:"blob_sas_uri,omitempty"`
	Mode        string            `json:"mode,omitempty" enum:"collect_and_analyze|collect_only"`
	AutoHeal    bool              `json:"auto_heal,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	// For cancel
	Reason string `json:"reason,omitempty"`

	// For list
	Status     string `json:"status,omitempty" description:"comma separated session statuses"`
	SinceHours int    `json:"since_hours,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

var sessionActions = toolActions{tool: "session", names: []string{"submit", "active", "get", "list", "cancel", "delete"}}

// SubmittedByLabel records which caller submitted a session.
const SubmittedByLabel = "submitted_by"

// handleSession is the unified handler for the session tool
func (s *Server) handleSession(ctx context.Context, request *mcp.CallToolRequest, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, sessionActions.missing()
	}

	switch params.Action {
	case "submit":
		return s.sessionSubmit(ctx, params)
	case "active":
		return s.sessionActive(ctx)
	case "get":
		return s.sessionGet(ctx, params)
	case "list":
		return s.sessionList(ctx, params)
	case "cancel":
		return s.sessionCancel(ctx, params)
	case "delete":
		return s.sessionDelete(ctx, params)
	default:
		return nil, nil, sessionActions.unknown(params.Action)
	}
}

func (s *Server) sessionSubmit(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	req, err := submitRequest(params, time.Now())
	if err != nil {
		return nil, nil, err
	}
	if caller := CallerFromContext(ctx); caller != "" {
		if req.Labels == nil {
			req.Labels = make(map[string]string)
		}
		if _, ok := req.Labels[SubmittedByLabel]; !ok {
			req.Labels[SubmittedByLabel] = caller
		}
	}

	id, err := s.coord.Submit(ctx, req)
	s.record(ctx, audit.OpSessionSubmit, id, err, map[string]any{
		"tool":         req.Tool,
		"instances":    req.Instances,
		"mode":         string(req.Mode),
		"auto_heal":    req.AutoHeal,
		"blob_sas_uri": req.BlobSASURI,
	})
	if err != nil {
		return nil, nil, toolError(err, "submit")
	}

	logger.Info("Session %s submitted by %s (tool %s)", id, CallerFromContext(ctx), req.Tool)
	return NewTextResult(fmt.Sprintf("Session '%s' submitted", id)), map[string]any{"session_id": id}, nil
}

// submitRequest converts tool parameters into a coordinator request
func submitRequest(params *SessionParams, now time.Time) (coordinator.SubmitRequest, error) {
	req := coordinator.SubmitRequest{
		ID:          params.SessionID,
		Tool:        params.Tool,
		Diagnosers:  params.Diagnosers,
		ToolParams:  params.ToolParams,
		Description: params.Description,
		Instances:   params.Instances,
		BlobSASURI:  params.BlobSASURI,
		Mode:        session.Mode(params.Mode),
		AutoHeal:    params.AutoHeal,
		Labels:      params.Labels,
	}
	if req.Tool == "" {
		return req, fmt.Errorf("tool is required for submit")
	}

	var err error
	if params.To != "" {
		if req.To, err = time.Parse(time.RFC3339, params.To); err != nil {
			return req, fmt.Errorf("invalid to: %w", err)
		}
	}
	if params.From != "" {
		if req.From, err = time.Parse(time.RFC3339, params.From); err != nil {
			return req, fmt.Errorf("invalid from: %w", err)
		}
	}
	if req.To.IsZero() && !req.From.IsZero() {
		req.To = now.UTC()
	}
	return req, nil
}

func (s *Server) sessionActive(ctx context.Context) (*mcp.CallToolResult, any, error) {
	sess, err := s.coord.GetActive(ctx)
	if err != nil {
		return nil, nil, toolError(err, "active")
	}
	if sess == nil {
		return NewTextResult("No active session"), nil, nil
	}
	return nil, sess, nil
}

func (s *Server) sessionGet(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	sess, err := s.coord.Get(ctx, params.SessionID)
	if err != nil {
		return nil, nil, toolError(err, "get")
	}
	return nil, sess, nil
}

func (s *Server) sessionList(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	f, err := listFilter(params, time.Now())
	if err != nil {
		return nil, nil, err
	}
	sessions, err := s.coord.List(ctx, f)
	if err != nil {
		return nil, nil, toolError(err, "list")
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	if params.Limit > 0 && len(sessions) > params.Limit {
		sessions = sessions[:params.Limit]
	}

	summaries := make([]*session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.ToSummary())
	}
	return nil, summaries, nil
}

// listFilter converts list parameters into a store filter
func listFilter(params *SessionParams, now time.Time) (store.Filter, error) {
	var f store.Filter
	if params.Status != "" {
		for _, raw := range strings.Split(params.Status, ",") {
			st := session.SessionStatus(strings.TrimSpace(raw))
			if !st.Valid() {
				return f, fmt.Errorf("invalid status: %s", raw)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if params.SinceHours < 0 {
		return f, fmt.Errorf("since_hours must be positive")
	}
	if params.SinceHours > 0 {
		f.Since = now.Add(-time.Duration(params.SinceHours) * time.Hour)
	}
	f.Labels = params.Labels
	return f, nil
}

func (s *Server) sessionCancel(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by " + CallerFromContext(ctx)
	}

	logger.Info("Cancelling session: %s (%s)", params.SessionID, reason)
	err := s.coord.Cancel(ctx, params.SessionID, reason)
	s.record(ctx, audit.OpSessionCancel, params.SessionID, err, map[string]any{"reason": reason})
	if err != nil {
		return nil, nil, toolError(err, "cancel")
	}
	return NewTextResult(fmt.Sprintf("Session '%s' cancelled", params.SessionID)), nil, nil
}

func (s *Server) sessionDelete(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	err := s.coord.Delete(ctx, params.SessionID)
	s.record(ctx, audit.OpSessionDelete, params.SessionID, err, nil)
	if err != nil {
		return nil, nil, toolError(err, "delete")
	}
	logger.Info("Session deleted: %s", params.SessionID)
	return NewTextResult(fmt.Sprintf("Session '%s' deleted", params.SessionID)), nil, nil
}
