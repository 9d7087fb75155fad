package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/session"
)

// Submitter accepts diagnostic session submissions. *coordinator.Coordinator
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error)
}

// Runner fires due schedules. Every instance runs one; the store's claim
// makes sure each run is submitted once.
type Runner struct {
	store    *Store
	submit   Submitter
	instance string
	interval time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a new schedule runner. interval defaults to a minute.
func NewRunner(store *Store, submit Submitter, instance string, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		submit:   submit,
		instance: instance,
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the scheduler loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("⏰ Schedule runner started (every %v)", r.interval)
}

// Stop stops the runner and waits for an in-flight check
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	logger.Info("⏰ Schedule runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.checkDueSchedules(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkDueSchedules(r.ctx)
		}
	}
}

// checkDueSchedules fires every schedule whose next run has passed
func (r *Runner) checkDueSchedules(ctx context.Context) {
	now := r.now().UTC()
	due, err := r.store.ListDue(ctx, now)
	if err != nil {
		logger.Error("Failed to list due schedules: %v", err)
		return
	}
	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		r.fire(ctx, sched, now)
	}
}

// fire claims and submits one scheduled run. Runs missed while no instance
// was up collapse into a single run; the next one is computed from now.
func (r *Runner) fire(ctx context.Context, sched *Schedule, now time.Time) {
	due := *sched.NextRunAt
	next, err := NextRun(sched.CronExpr, now)
	if err != nil {
		logger.Error("Schedule %s has an unusable cron expression: %v", sched.Name, err)
		return
	}
	claimed, err := r.store.Claim(ctx, sched.ID, due, now, next)
	if err != nil {
		logger.Error("Failed to claim schedule %s: %v", sched.Name, err)
		return
	}
	if !claimed {
		return
	}

	// The id is derived from the due time so a retried submission converges
	// on the same session.
	exec, _ := r.run(ctx, sched, session.NewID(due), due, false)
	logger.Info("⏰ Schedule %s fired for %s: %s %s (next run %s)",
		sched.Name, due.Format(time.RFC3339), exec.Status, exec.SessionID, next.Format(time.RFC3339))
}

// TriggerNow submits a schedule's session immediately without moving its
// regular run times
func (r *Runner) TriggerNow(ctx context.Context, idOrName string) (*Execution, error) {
	sched, err := r.store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	logger.Info("⏰ Manually triggering schedule %s", sched.Name)
	return r.run(ctx, sched, "", r.now().UTC(), true)
}

// run submits the session and records the outcome. The error is the
// submission's when it failed; a conflict is a skip, not a failure.
func (r *Runner) run(ctx context.Context, sched *Schedule, sessionID string, at time.Time, manual bool) (*Execution, error) {
	start := r.now()
	exec := &Execution{
		ScheduleID:   sched.ID,
		Instance:     r.instance,
		ScheduledFor: at,
		ExecutedAt:   start.UTC(),
		Manual:       manual,
	}

	id, err := r.submit.Submit(ctx, sched.Request(sessionID, at))
	exec.DurationMs = r.now().Sub(start).Milliseconds()

	switch {
	case err == nil:
		exec.Status = ExecutionSubmitted
		exec.SessionID = id
	case errors.Is(err, coordinator.ErrConflict):
		exec.Status = ExecutionSkipped
		exec.Error = err.Error()
	default:
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
		logger.Error("Schedule %s failed to submit: %v", sched.Name, err)
	}

	if recErr := r.store.RecordExecution(ctx, exec); recErr != nil {
		logger.Error("Failed to record execution for schedule %s: %v", sched.Name, recErr)
	}
	if exec.Status == ExecutionFailed {
		return exec, err
	}
	return exec, nil
}
