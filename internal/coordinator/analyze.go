package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/session"
)

// AnalyzeDiagnoser claims and analyzes unanalyzed logs of the named
// diagnoser until none are left, another instance holds the rest, or a run
// fails. It returns how many logs this call analyzed.
func (c *Coordinator) AnalyzeDiagnoser(ctx context.Context, id, name string) (int, error) {
	d, err := c.diagnosers.Get(name)
	if err != nil {
		return 0, err
	}
	if d.Analyzer == nil {
		return 0, nil
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s, err := c.store.ReadByID(ctx, id)
		if err != nil {
			return n, storageErr(err)
		}
		if !s.IsActive() {
			return n, nil
		}
		ds := s.Diagnoser(name)
		if ds == nil || ds.AnalyzerStatus != session.StatusInProgress {
			return n, nil
		}
		if l := overdueLog(s, name, c.now(), c.opts.MaxAnalyzerDuration); l != nil {
			return n, c.cancelOverdueAnalysis(ctx, id, name, l.RelativePath)
		}
		if ai := s.Instance(c.opts.Instance); ai != nil && ai.Status.Done() {
			return n, nil
		}

		next := nextUnclaimed(s, name)
		if next == nil {
			_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
				ds := fresh.Diagnoser(name)
				if ds == nil || !settleAnalyzer(fresh, ds) {
					return ErrNoChange
				}
				return nil
			})
			if errors.Is(err, ErrNotActive) {
				err = nil
			}
			return n, err
		}

		claimed, err := c.claimLog(ctx, id, name, next.RelativePath)
		if err != nil {
			return n, err
		}
		if claimed == nil {
			continue
		}
		ok, err := c.analyzeLog(ctx, d, s, *claimed)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// nextUnclaimed returns the first log of the diagnoser nobody has started analyzing.
func nextUnclaimed(s *session.Session, name string) *session.LogFile {
	for _, l := range s.LogsFor(name) {
		if l.AnalysisStarted == nil {
			return l
		}
	}
	return nil
}

// overdueLog returns a log whose analysis started more than max ago and has
// not finished.
func overdueLog(s *session.Session, name string, now time.Time, max time.Duration) *session.LogFile {
	if max <= 0 {
		return nil
	}
	for _, l := range s.LogsFor(name) {
		if l.AnalysisStarted != nil && l.AnalysisCompleted == nil && now.Sub(*l.AnalysisStarted) > max {
			return l
		}
	}
	return nil
}

// claimLog marks the log as being analyzed by this instance. It returns nil
// when another instance got there first.
func (c *Coordinator) claimLog(ctx context.Context, id, name, relPath string) (*session.LogFile, error) {
	me := c.opts.Instance
	var claimed session.LogFile
	_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		ds := fresh.Diagnoser(name)
		l := fresh.FindLog(relPath)
		if ds == nil || ds.AnalyzerStatus != session.StatusInProgress || l == nil || l.AnalysisStarted != nil {
			return errSkip
		}
		now := c.now().UTC()
		ai := fresh.EnsureInstance(me, now)
		if ai.Status.Done() {
			return errSkip
		}
		if ai.Status == session.InstanceStarted {
			_ = ai.Advance(session.InstanceActive)
		}
		if err := ai.Advance(session.InstanceAnalyzing); err != nil {
			return err
		}
		ai.UpdatedAt = now
		l.AnalysisStarted = &now
		l.InstanceAnalyzing = me
		claimed = *l
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotActive) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// analyzeLog runs the analyzer on a claimed log and merges the reports. It
// reports false when the run failed and analysis should resume on a later poll.
func (c *Coordinator) analyzeLog(ctx context.Context, d *diagnoser.Diagnoser, s *session.Session, l session.LogFile) (bool, error) {
	me := c.opts.Instance
	lctx := c.logCtx(ctx, s.ID)

	logger.WithContext(lctx).Info("running analyzer", "diagnoser", d.Name, "log", l.RelativePath)
	reports, runErr := c.runAnalyzer(ctx, d, s, l)
	if ctx.Err() != nil {
		c.releaseClaim(context.WithoutCancel(ctx), s.ID, l.RelativePath)
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
	metrics.RecordToolRun(d.Name, "analyze", outcome)
	if runErr != nil {
		logger.WithContext(lctx).Warn("analyzer failed", "diagnoser", d.Name, "log", l.RelativePath, "error", runErr)
	}

	live := c.liveCount(ctx)
	_, err := c.UpdateActiveSession(ctx, s.ID, func(fresh *session.Session) error {
		ds := fresh.Diagnoser(d.Name)
		fl := fresh.FindLog(l.RelativePath)
		if ds == nil || fl == nil {
			return ErrNoChange
		}
		now := c.now().UTC()
		ai := fresh.EnsureInstance(me, now)
		ai.UpdatedAt = now
		ds.RecordAnalyzerRun(runErr != nil)

		switch outcome {
		case "failed":
			ai.AddAnalyzerErrors(fmt.Sprintf("%s analyzer failed on %s for %s: %v", d.Name, me, l.Name, runErr))
			fl.AnalysisStarted, fl.InstanceAnalyzing = nil, ""
		case "no_output":
			ai.AddAnalyzerErrors(fmt.Sprintf("%s analyzer on %s for %s: %v", d.Name, me, l.Name, runErr))
			fl.AnalysisCompleted = &now
		default:
			for i := range reports {
				if reports[i].Instance == "" {
					reports[i].Instance = me
				}
				if reports[i].AnalyzedLog == "" {
					reports[i].AnalyzedLog = l.RelativePath
				}
			}
			fl.AddReports(reports...)
			fl.AnalysisCompleted = &now
		}
		c.opts.Retry.Apply(ds, live)
		settleAnalyzer(fresh, ds)
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotActive) {
		return false, err
	}
	return outcome != "failed", nil
}

func (c *Coordinator) runAnalyzer(ctx context.Context, d *diagnoser.Diagnoser, s *session.Session, l session.LogFile) (reports []session.Report, err error) {
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
	return d.Analyzer.Analyze(ctx, diagnoser.AnalyzeRequest{
		SessionID:  s.ID,
		Log:        l,
		BlobSASURI: s.BlobSASURI,
		Instance:   c.opts.Instance,
		WorkDir:    c.workDir(s.ID),
	})
}

// releaseClaim gives a log back after an interrupted analysis.
func (c *Coordinator) releaseClaim(ctx context.Context, id, relPath string) {
	me := c.opts.Instance
	_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		l := fresh.FindLog(relPath)
		if l == nil || l.AnalysisCompleted != nil || l.InstanceAnalyzing != me {
			return ErrNoChange
		}
		l.AnalysisStarted, l.InstanceAnalyzing = nil, ""
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotActive) {
		logger.Error("failed to release analysis claim on %s in session %s: %v", relPath, id, err)
	}
}

// cancelOverdueAnalysis cancels the analyzer of a diagnoser whose analysis
// ran past the maximum duration, records the error and ends the session.
func (c *Coordinator) cancelOverdueAnalysis(ctx context.Context, id, name, relPath string) error {
	limit := c.opts.MaxAnalyzerDuration
	reason := fmt.Sprintf("analysis of %s exceeded %s", relPath, limit)
	_, err := c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		ds := fresh.Diagnoser(name)
		l := fresh.FindLog(relPath)
		if ds == nil || l == nil || l.AnalysisCompleted != nil {
			return errSkip
		}
		owner := l.InstanceAnalyzing
		if owner == "" {
			owner = c.opts.Instance
		}
		now := c.now().UTC()
		ai := fresh.EnsureInstance(owner, now)
		ai.AddAnalyzerErrors(fmt.Sprintf("%s analyzer: %s", ds.Name, reason))
		ai.UpdatedAt = now
		ds.SetAnalyzer(session.StatusCancelled)
		fresh.Reason = reason
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotActive) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.WithContext(c.logCtx(ctx, id)).Warn("analyzer exceeded maximum duration, cancelling session", "diagnoser", name, "log", relPath)
	_, err = c.complete(ctx, id, true, session.SessionCancelled, reason)
	return err
}
