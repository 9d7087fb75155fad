package session

import (
	"errors"
	"fmt"
)

// ErrCorruptState is returned when no derivation rule matches a diagnoser set.
var ErrCorruptState = errors.New("session state is corrupt")

// DeriveStatus computes a session's status from its diagnoser states.
//
// Rules are checked in order and the first match wins:
//  1. Active: no diagnosers yet, or some collector/analyzer still has work,
//     provided nothing is Cancelled or in Error.
//  2. Cancelled: any collector or analyzer is Cancelled.
//  3. Error: any collector or analyzer is in Error.
//  4. Complete: every collector and analyzer is Complete.
//  5. CollectedLogsOnly: every diagnoser is Complete, or collected with
//     analysis not requested.
//
// The result depends only on the set of states, never on their order.
func DeriveStatus(diagnosers []DiagnoserState) (SessionStatus, error) {
	if len(diagnosers) == 0 {
		return SessionActive, nil
	}

	var cancelled, failed, working bool
	allComplete, allCollected := true, true

	for _, d := range diagnosers {
		c, a := d.CollectorStatus, d.AnalyzerStatus
		if c == StatusCancelled || a == StatusCancelled {
			cancelled = true
		}
		if c == StatusError || a == StatusError {
			failed = true
		}
		if busy(c) || busy(a) || (a == StatusWaitingForInputs && c != StatusError) {
			working = true
		}
		if c != StatusComplete || a != StatusComplete {
			allComplete = false
		}
		if c != StatusComplete || (a != StatusComplete && a != StatusNotRequested) {
			allCollected = false
		}
	}

	switch {
	case working && !cancelled && !failed:
		return SessionActive, nil
	case cancelled:
		return SessionCancelled, nil
	case failed:
		return SessionError, nil
	case allComplete:
		return SessionComplete, nil
	case allCollected:
		return SessionCollectedLogsOnly, nil
	}
	return "", fmt.Errorf("%w: no status rule matches %d diagnosers", ErrCorruptState, len(diagnosers))
}

func busy(s Status) bool {
	return s == StatusInProgress || s == StatusAnalysisQueued || s == StatusAnalyzing
}
