package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/validation"
)

// shouldCollect reports whether this instance still has to run the named
// collector for s.
func (c *Coordinator) shouldCollect(s *session.Session, name string) bool {
	if !s.IsActive() || !s.Targets(c.opts.Instance) {
		return false
	}
	if ai := s.Instance(c.opts.Instance); ai != nil && ai.Status.Done() {
		return false
	}
	ds := s.Diagnoser(name)
	return ds != nil && ds.CollectorStatus == session.StatusInProgress && !ds.HasCollected(c.opts.Instance)
}

// CollectDiagnoser runs the named collector on this instance if the session
// still needs it and merges the result. It reports whether the collector ran.
// Tool failures are recorded on the session, not returned.
func (c *Coordinator) CollectDiagnoser(ctx context.Context, id, name string) (bool, error) {
	me := c.opts.Instance
	lctx := c.logCtx(ctx, id)

	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return false, storageErr(err)
	}
	if !c.shouldCollect(s, name) {
		return false, nil
	}
	d, err := c.diagnosers.Get(name)
	if err != nil {
		return false, err
	}

	s, err = c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		if !c.shouldCollect(fresh, name) {
			return errSkip
		}
		if fresh.Instance(me) != nil {
			return ErrNoChange
		}
		fresh.EnsureInstance(me, c.now().UTC())
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger.WithContext(lctx).Info("running collector", "diagnoser", d.Name)
	result, runErr := c.runCollector(ctx, d, s)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	outcome := "ok"
	switch {
	case runErr == nil:
	case errors.Is(runErr, diagnoser.ErrNoOutput):
		outcome = "no_output"
	default:
		outcome = "failed"
	}
	metrics.RecordToolRun(d.Name, "collect", outcome)
	if runErr != nil {
		logger.WithContext(lctx).Warn("collector failed", "diagnoser", d.Name, "error", runErr)
	}

	live := c.liveCount(ctx)
	_, err = c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		ds := fresh.Diagnoser(name)
		if ds == nil || ds.HasCollected(me) {
			return ErrNoChange
		}
		now := c.now().UTC()
		ai := fresh.EnsureInstance(me, now)
		ai.UpdatedAt = now

		if outcome == "failed" {
			ai.AddCollectorErrors(fmt.Sprintf("%s collector failed on %s: %v", d.Name, me, runErr))
			ds.RecordCollectorFailure()
			c.opts.Retry.Apply(ds, live)
			return nil
		}

		logs := make([]session.LogFile, 0, len(result.Logs))
		for _, l := range result.Logs {
			rel, err := validation.SanitizePath(l.RelativePath)
			if err != nil {
				ai.AddCollectorErrors(fmt.Sprintf("%s collector on %s reported an unusable log: %v", d.Name, me, err))
				continue
			}
			l.RelativePath = rel
			if l.Instance == "" {
				l.Instance = me
			}
			if l.Diagnoser == "" {
				l.Diagnoser = d.Name
			}
			logs = append(logs, l)
		}
		ai.AddLogs(logs...)
		ai.AddCollectorErrors(result.Errors...)
		if runErr != nil {
			ai.AddCollectorErrors(fmt.Sprintf("%s collector on %s: %v", d.Name, me, runErr))
		}
		if ai.Status == session.InstanceStarted {
			_ = ai.Advance(session.InstanceActive)
		}
		ds.MarkCollected(me, runErr != nil)
		advanceCollector(fresh, ds, required(fresh, live))
		if ai.Status == session.InstanceActive && ds.AnalyzerStatus == session.StatusWaitingForInputs {
			_ = ai.Advance(session.InstanceAnalysisQueued)
		}
		c.opts.Retry.Apply(ds, live)
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotActive) {
		return true, err
	}
	return true, nil
}

func (c *Coordinator) runCollector(ctx context.Context, d *diagnoser.Diagnoser, s *session.Session) (res diagnoser.CollectResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", diagnoser.ErrToolFailed, r)
		}
	}()
	if c.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ToolTimeout)
		defer cancel()
	}
	return d.Collector.Collect(ctx, diagnoser.CollectRequest{
		SessionID:  s.ID,
		From:       s.From,
		To:         s.To,
		Params:     s.ToolParams,
		BlobSASURI: s.BlobSASURI,
		Instance:   c.opts.Instance,
		WorkDir:    c.workDir(s.ID),
	})
}

// advanceCollector completes the collector once enough instances ran it and
// releases the analyzer. It reports whether the collector status changed.
func advanceCollector(s *session.Session, ds *session.DiagnoserState, need int) bool {
	if ds.CollectorStatus != session.StatusInProgress || len(ds.CollectedBy) < need {
		return false
	}
	ds.SetCollector(session.StatusComplete)
	if ds.AnalyzerStatus == session.StatusWaitingForInputs {
		ds.AnalyzerStatus = session.StatusInProgress
	}
	settleAnalyzer(s, ds)
	return true
}

// settleAnalyzer completes an in-progress analyzer when every log it has to
// look at has been analyzed.
func settleAnalyzer(s *session.Session, ds *session.DiagnoserState) bool {
	if ds.AnalyzerStatus != session.StatusInProgress || ds.CollectorStatus != session.StatusComplete {
		return false
	}
	for _, l := range s.LogsFor(ds.Name) {
		if l.AnalysisCompleted == nil {
			return false
		}
	}
	ds.SetAnalyzer(session.StatusComplete)
	return true
}

// MarkDiagnoserUnhealthyIfNeeded applies the retry policy to the named
// diagnoser and reports whether it was forced to Error.
func (c *Coordinator) MarkDiagnoserUnhealthyIfNeeded(ctx context.Context, id, name string) (bool, error) {
	live := c.liveCount(ctx)
	changed := false
	_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		ds := fresh.Diagnoser(name)
		if ds == nil || !c.opts.Retry.Apply(ds, live) {
			return ErrNoChange
		}
		changed = true
		return nil
	})
	if changed {
		logger.WithContext(c.logCtx(ctx, id)).Warn("diagnoser marked unhealthy", "diagnoser", name)
	}
	return changed, err
}

// RunToolForSession runs every collector this instance still owes the
// session, then moves on to analysis and completion.
func (c *Coordinator) RunToolForSession(ctx context.Context, id string) error {
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	for _, ds := range s.Diagnosers {
		if _, err := c.CollectDiagnoser(ctx, id, ds.Name); err != nil {
			return err
		}
	}
	return c.AnalyzeAndCompleteSession(ctx, id)
}

// AnalyzeAndCompleteSession analyzes whatever is ready, marks this instance
// complete once it has nothing left to do and then checks whether the whole
// session is done. Every instance calls this after its own work, so each
// step is safe to race.
func (c *Coordinator) AnalyzeAndCompleteSession(ctx context.Context, id string) error {
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	if !s.IsActive() {
		return nil
	}
	for _, ds := range s.Diagnosers {
		if _, err := c.AnalyzeDiagnoser(ctx, id, ds.Name); err != nil {
			return err
		}
	}
	_, err = c.FinishInstance(ctx, id)
	return err
}

// instanceFinished reports whether this instance has no work left in s.
func (c *Coordinator) instanceFinished(s *session.Session) bool {
	me := c.opts.Instance
	for _, ds := range s.Diagnosers {
		if ds.CollectorStatus.Terminal() {
			// nothing more will be collected or analyzed
			continue
		}
		collected := ds.HasCollected(me) || ds.CollectorStatus == session.StatusComplete
		if !collected || busyAnalyzer(ds.AnalyzerStatus) {
			return false
		}
	}
	return true
}

// FinishInstance marks this instance Complete when it has nothing left to
// do, removes its working directory and attempts session completion.
func (c *Coordinator) FinishInstance(ctx context.Context, id string) (bool, error) {
	me := c.opts.Instance
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return false, storageErr(err)
	}
	if !s.IsActive() || (!s.Targets(me) && s.Instance(me) == nil) || !c.instanceFinished(s) {
		return false, nil
	}

	_, err = c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		if !c.instanceFinished(fresh) {
			return errSkip
		}
		now := c.now().UTC()
		ai := fresh.EnsureInstance(me, now)
		if ai.Status.Done() {
			return ErrNoChange
		}
		if err := ai.Advance(session.InstanceComplete); err != nil {
			return err
		}
		ai.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errSkip), errors.Is(err, ErrNotActive):
		return false, nil
	case err != nil:
		return false, err
	}

	if err := os.RemoveAll(c.workDir(id)); err != nil {
		logger.WithContext(c.logCtx(ctx, id)).Warn("failed to remove work directory", "error", err)
	}
	logger.WithContext(c.logCtx(ctx, id)).Info("instance finished")

	if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, false); err != nil && !errors.Is(err, ErrLockTimeout) {
		return true, err
	}
	return true, nil
}
