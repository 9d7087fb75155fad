package session

import (
	"strings"
	"time"
)

// Mode selects how far a session runs on each instance.
type Mode string

const (
	ModeCollectAndAnalyze Mode = "collect_and_analyze"
	ModeCollectOnly       Mode = "collect_only"
)

// Session is one request to run a diagnostic tool over a time window across
// a set of instances. It is the durable record shared by every instance.
type Session struct {
	ID          string            `json:"id"`
	Partition   string            `json:"partition"`
	Description string            `json:"description,omitempty"`
	Tool        string            `json:"tool"`
	ToolParams  string            `json:"tool_params,omitempty"`
	Mode        Mode              `json:"mode"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	Instances   []string          `json:"instances"`
	FleetWide   bool              `json:"fleet_wide,omitempty"` // Instances was resolved from the live fleet at submit
	BlobSASURI  string            `json:"blob_sas_uri,omitempty"`
	AutoHeal    bool              `json:"auto_heal,omitempty"`
	Status      SessionStatus     `json:"status"`
	Derived     SessionStatus     `json:"derived_status,omitempty"` // cached DeriveStatus(Diagnosers)
	Reason      string            `json:"reason,omitempty"`         // why the session was cancelled or timed out
	Diagnosers  []DiagnoserState  `json:"diagnosers"`
	Active      []*ActiveInstance `json:"active_instances"`
	Labels      map[string]string `json:"labels,omitempty"`

	// ETag is assigned by the store on every write and never compared for equality.
	ETag string `json:"etag,omitempty"`
}

// DiagnoserState tracks the collector and analyzer of one diagnoser within a session.
type DiagnoserState struct {
	Name            string   `json:"name"`
	CollectorStatus Status   `json:"collector_status"`
	AnalyzerStatus  Status   `json:"analyzer_status"`
	CollectedBy     []string `json:"collected_by,omitempty"`
	CollectorRuns   int      `json:"collector_runs"`
	CollectorFails  int      `json:"collector_failures"`
	AnalyzerRuns    int      `json:"analyzer_runs"`
	AnalyzerFails   int      `json:"analyzer_failures"`
}

// ActiveInstance is the per-instance progress record within a session.
type ActiveInstance struct {
	Name            string         `json:"name"`
	Status          InstanceStatus `json:"status"`
	Logs            []LogFile      `json:"logs,omitempty"`
	CollectorErrors []string       `json:"collector_errors,omitempty"`
	AnalyzerErrors  []string       `json:"analyzer_errors,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// LogFile is a collected artifact, identified by its relative storage path.
type LogFile struct {
	Name              string     `json:"name"`
	RelativePath      string     `json:"relative_path"`
	Size              int64      `json:"size"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	Instance          string     `json:"instance"`
	Diagnoser         string     `json:"diagnoser"`
	AnalysisStarted   *time.Time `json:"analysis_started,omitempty"`
	InstanceAnalyzing string     `json:"instance_analyzing,omitempty"`
	AnalysisCompleted *time.Time `json:"analysis_completed,omitempty"`
	Reports           []Report   `json:"reports,omitempty"`
}

// Report is an analyzer output attached to the log it was produced from.
type Report struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Instance     string `json:"instance"`
	AnalyzedLog  string `json:"analyzed_log"`
}

// Summary is a lightweight view of a session for listings.
type Summary struct {
	ID        string        `json:"id"`
	Tool      string        `json:"tool"`
	Status    SessionStatus `json:"status"`
	Derived   SessionStatus `json:"derived_status,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Instances int           `json:"instances"`
	Reported  int           `json:"reported"`
	Logs      int           `json:"logs"`
}

// ToSummary converts a Session to a Summary.
func (s *Session) ToSummary() *Summary {
	sum := &Summary{
		ID:        s.ID,
		Tool:      s.Tool,
		Status:    s.Status,
		Derived:   s.Derived,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Instances: len(s.Instances),
		Reported:  len(s.Active),
	}
	for _, ai := range s.Active {
		sum.Logs += len(ai.Logs)
	}
	return sum
}

// Instance returns the ActiveInstance record for name, matching case-insensitively.
func (s *Session) Instance(name string) *ActiveInstance {
	for _, ai := range s.Active {
		if strings.EqualFold(ai.Name, name) {
			return ai
		}
	}
	return nil
}

// EnsureInstance returns the ActiveInstance for name, creating it in the
// Started state the first time the instance reports anything.
func (s *Session) EnsureInstance(name string, now time.Time) *ActiveInstance {
	if ai := s.Instance(name); ai != nil {
		return ai
	}
	ai := &ActiveInstance{Name: name, Status: InstanceStarted, UpdatedAt: now}
	s.Active = append(s.Active, ai)
	return ai
}

// Diagnoser returns a pointer to the named diagnoser state, or nil.
func (s *Session) Diagnoser(name string) *DiagnoserState {
	for i := range s.Diagnosers {
		if strings.EqualFold(s.Diagnosers[i].Name, name) {
			return &s.Diagnosers[i]
		}
	}
	return nil
}

// Targets reports whether instance is one of the session's requested instances.
func (s *Session) Targets(instance string) bool {
	return containsFold(s.Instances, instance)
}

// IsActive reports whether the session is still in the active bucket.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Age is how long the session has existed at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// AllLogs returns every log attached to any instance, in instance order.
func (s *Session) AllLogs() []*LogFile {
	var logs []*LogFile
	for _, ai := range s.Active {
		for i := range ai.Logs {
			logs = append(logs, &ai.Logs[i])
		}
	}
	return logs
}

// RefreshDerived recomputes the cached derived status from the diagnoser states.
// A corrupt diagnoser set leaves the cached value empty.
func (s *Session) RefreshDerived() {
	st, err := DeriveStatus(s.Diagnosers)
	if err != nil {
		s.Derived = ""
		return
	}
	s.Derived = st
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
