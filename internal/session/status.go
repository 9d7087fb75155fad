package session

import "fmt"

// Status is the per-diagnoser progress of a collector or analyzer.
type Status string

const (
	StatusNotRequested     Status = "not_requested"
	StatusWaitingForInputs Status = "waiting_for_inputs"
	StatusInProgress       Status = "in_progress"
	StatusAnalysisQueued   Status = "analysis_queued"
	StatusAnalyzing        Status = "analyzing"
	StatusComplete         Status = "complete"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
)

// statusRank is the explicit severity order used for merges. Cancelled and
// Error sit above Complete so that they absorb any normal progression.
var statusRank = map[Status]int{
	StatusNotRequested:     0,
	StatusWaitingForInputs: 1,
	StatusInProgress:       2,
	StatusAnalysisQueued:   3,
	StatusAnalyzing:        4,
	StatusComplete:         5,
	StatusError:            6,
	StatusCancelled:        7,
}

// Rank returns the position of s in the merge order. Unknown values rank
// below NotRequested so they never win a merge.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// MostAdvanced returns whichever of a and b is further along. A terminal a
// is kept as is.
func MostAdvanced(a, b Status) Status {
	if a.Terminal() {
		return a
	}
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SessionStatus is the externally visible status of a session.
type SessionStatus string

const (
	SessionActive            SessionStatus = "active"
	SessionComplete          SessionStatus = "complete"
	SessionTimedOut          SessionStatus = "timed_out"
	SessionCancelled         SessionStatus = "cancelled"
	SessionError             SessionStatus = "error"
	SessionCollectedLogsOnly SessionStatus = "collected_logs_only"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionComplete, SessionTimedOut, SessionCancelled, SessionError, SessionCollectedLogsOnly:
		return true
	}
	return false
}

// Finished reports whether the session has left the active bucket.
func (s SessionStatus) Finished() bool {
	return s != SessionActive && s != ""
}

// InstanceStatus is the explicitly advanced state of one ActiveInstance.
type InstanceStatus string

const (
	InstanceStarted        InstanceStatus = "started"
	InstanceActive         InstanceStatus = "active"
	InstanceAnalysisQueued InstanceStatus = "analysis_queued"
	InstanceAnalyzing      InstanceStatus = "analyzing"
	InstanceComplete       InstanceStatus = "complete"
	InstanceTimedOut       InstanceStatus = "timed_out"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStarted:        {InstanceActive, InstanceComplete},
	InstanceActive:         {InstanceAnalysisQueued, InstanceAnalyzing, InstanceComplete},
	InstanceAnalysisQueued: {InstanceAnalyzing, InstanceComplete},
	InstanceAnalyzing:      {InstanceComplete},
}

// Done reports whether the instance needs no further work.
func (s InstanceStatus) Done() bool {
	return s == InstanceComplete || s == InstanceTimedOut
}

// CanTransition reports whether an instance may move from one status to another.
// Every non-final status may be forced to TimedOut; staying put is always allowed.
func CanTransition(from, to InstanceStatus) bool {
	if from == to {
		return true
	}
	if from.Done() {
		return false
	}
	if to == InstanceTimedOut {
		return true
	}
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves the instance to status if the transition is legal.
func (ai *ActiveInstance) Advance(to InstanceStatus) error {
	if !CanTransition(ai.Status, to) {
		return fmt.Errorf("instance %s: illegal transition %s -> %s", ai.Name, ai.Status, to)
	}
	ai.Status = to
	return nil
}
