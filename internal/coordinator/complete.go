package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// CheckAndCompleteSessionIfNeeded ends the session once every requested
// instance is Complete or TimedOut, or immediately when force is set. It
// returns true only for the call that moved the record; a session that is
// already gone is not an error.
func (c *Coordinator) CheckAndCompleteSessionIfNeeded(ctx context.Context, id string, force bool) (bool, error) {
	return c.complete(ctx, id, force, "", "")
}

// allInstancesDone compares requested instances with reported ones, ignoring case.
func allInstancesDone(s *session.Session) bool {
	if len(s.Instances) == 0 {
		return false
	}
	for _, name := range s.Instances {
		ai := s.Instance(name)
		if ai == nil || !ai.Status.Done() {
			return false
		}
	}
	return true
}

// finalStatus picks the status a completed session is recorded with.
func finalStatus(s *session.Session, force bool) session.SessionStatus {
	switch {
	case s.Derived == session.SessionCancelled:
		return session.SessionCancelled
	case s.Derived == session.SessionError:
		return session.SessionError
	case force:
		return session.SessionTimedOut
	default:
		return session.SessionComplete
	}
}

func (c *Coordinator) complete(ctx context.Context, id string, force bool, final session.SessionStatus, reason string) (bool, error) {
	l := c.sessionLock(id)
	ok, err := l.Acquire(ctx, "complete", c.opts.LockWait)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrLockTimeout, id)
	}
	defer c.release(ctx, l)

	s, err := c.readSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err)
	}
	if !s.IsActive() {
		return false, nil
	}
	forced := force || final != ""
	if !forced && !allInstancesDone(s) {
		return false, nil
	}

	now := c.now().UTC()
	if forced {
		for _, ai := range s.Active {
			if !ai.Status.Done() {
				_ = ai.Advance(session.InstanceTimedOut)
				ai.UpdatedAt = now
			}
		}
	}
	s.RefreshDerived()
	if final == "" {
		final = finalStatus(s, force)
	}
	s.Status = final
	s.EndTime = &now
	if reason != "" {
		s.Reason = reason
	}

	if err := c.storeDo(ctx, func() error { return c.store.MoveToCompleted(ctx, s) }); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, storageErr(err)
	}

	metrics.RecordCompletion(string(s.Status), now.Sub(s.StartTime))
	logger.WithContext(c.logCtx(ctx, id)).Info("session completed",
		"status", s.Status, "derived", s.Derived, "forced", forced, "duration", now.Sub(s.StartTime).String())
	return true, nil
}

// cancelDiagnosers marks every unfinished collector and analyzer Cancelled.
func cancelDiagnosers(s *session.Session) {
	for i := range s.Diagnosers {
		ds := &s.Diagnosers[i]
		if ds.CollectorStatus != session.StatusComplete {
			ds.SetCollector(session.StatusCancelled)
		}
		if ds.AnalyzerStatus != session.StatusComplete && ds.AnalyzerStatus != session.StatusNotRequested {
			ds.SetAnalyzer(session.StatusCancelled)
		}
	}
}

// Cancel stops an active session. Work in flight on other instances stops
// at their next poll.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		cancelDiagnosers(fresh)
		fresh.Reason = reason
		return nil
	})
	if err != nil {
		return err
	}
	done, err := c.complete(ctx, id, true, session.SessionCancelled, reason)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

// CancelIfOverdue cancels the session once it has been active longer than
// the maximum session duration. A timeout is recorded as Cancelled.
func (c *Coordinator) CancelIfOverdue(ctx context.Context, s *session.Session) (bool, error) {
	limit := c.opts.MaxSessionDuration
	if limit <= 0 || !s.IsActive() || s.Age(c.now()) <= limit {
		return false, nil
	}
	reason := fmt.Sprintf("session exceeded maximum duration of %s", limit)
	logger.WithContext(c.logCtx(ctx, s.ID)).Warn("cancelling overdue session", "age", s.Age(c.now()).String())

	_, err := c.UpdateActiveSession(ctx, s.ID, func(fresh *session.Session) error {
		cancelDiagnosers(fresh)
		fresh.Reason = reason
		return nil
	})
	if errors.Is(err, ErrNotActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.complete(ctx, s.ID, true, session.SessionCancelled, reason)
}
