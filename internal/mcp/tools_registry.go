package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	Register(r, ToolDef{
		Name: "session",
		Description: `Manage diagnostic sessions. One session at a time runs across every instance of the app.

Actions:
  submit  — Start a session. Requires tool. Fails with a conflict if another session is active.
  active  — Show the active session, if any.
  get     — Get a session by session_id, including per-instance logs, reports and errors.
  list    — List sessions newest first. Filter by status (comma separated), since_hours, labels; cap with limit.
  cancel  — Cancel the active session by session_id. Optional reason.
  delete  — Delete a finished session and its artifacts by session_id.

Key parameters (submit):
  tool          — Tool to run. Also the default diagnoser.
  diagnosers    — Diagnosers to run (default: [tool]).
  instances     — Instances to diagnose (default: every live instance).
  from, to      — RFC 3339 log window (default: the last hour).
  mode          — "collect_and_analyze" (default) or "collect_only".
  blob_sas_uri  — Container SAS URL for diagnosers that require storage.`,
	}, s.handleSession)

	Register(r, ToolDef{
		Name: "instances",
		Description: `List the instances of the app: which are live, which the active session targets,
and how far each has progressed. Also lists the diagnosers this instance can run.`,
	}, s.handleInstances)

	Register(r, ToolDef{
		Name: "schedule",
		Description: `Manage scheduled diagnostic sessions. Each run submits a session like the session tool does;
a run that finds another session active is skipped and recorded in the history.

Actions:
  create   — Create a schedule. Requires name, cron_expr (5 fields, UTC) and tool.
  list     — List schedules by name. Filter by enabled or tool.
  get      — Get a schedule by name (or id), including its last and next run.
  update   — Change cron_expr, enabled, description, tool_params, instances, window or labels.
  delete   — Delete a schedule and its history.
  trigger  — Submit the schedule's session now without moving its regular runs.
  history  — Recent runs of a schedule, newest first. Cap with limit.`,
	}, s.handleSchedule)
}
