// Package runner polls the shared store for the active session and drives
// this instance's part of it. Nothing in here may stop the process: every
// step recovers and logs, and the next poll tries again.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
)

// errSessionEnded stops every loop of a session once it left the active bucket.
var errSessionEnded = errors.New("session ended")

// Runner manages the loops for the active session.
type Runner struct {
	coord    *coordinator.Coordinator
	registry *Registry
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRunner creates a runner polling every interval.
func NewRunner(coord *coordinator.Coordinator, registry *Registry, interval time.Duration) *Runner {
	if registry == nil {
		registry = NewRegistry()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		coord:    coord,
		registry: registry,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the sessions this runner is working on.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Start begins polling.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("Session runner started for instance %s (poll %s)", r.coord.Instance(), r.interval)
}

// Stop cancels every session loop and waits for them to return.
func (r *Runner) Stop() {
	logger.Info("Stopping session runner...")
	r.cancel()
	r.wg.Wait()
	logger.Info("Session runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Poll()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Poll()
		}
	}
}

// Poll looks for the active session once and starts loops for it if this
// process is not already running them.
func (r *Runner) Poll() {
	r.safely("poll", func() error {
		s, err := r.coord.GetActive(r.ctx)
		if err != nil {
			if errors.Is(err, coordinator.ErrStorageUnavailable) {
				return fmt.Errorf("cannot check for an active session: %w", err)
			}
			return err
		}
		keep := ""
		if s != nil {
			keep = s.ID
		}
		for _, id := range r.registry.CancelExcept(keep) {
			logger.Info("Session %s is no longer active, stopping its loops", id)
		}
		if s == nil || r.registry.Running(s.ID) {
			return nil
		}
		r.startSession(s.ID)
		return nil
	})
}

func (r *Runner) startSession(id string) {
	ctx, cancel := context.WithCancel(r.ctx)
	if !r.registry.Register(id, cancel) {
		cancel()
		return
	}
	metrics.RecordSessionStart()
	logger.Info("Joining session %s", id)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.registry.Remove(id)
		defer metrics.RecordSessionEnd()

		err := r.runSession(ctx, id)
		switch {
		case err == nil, errors.Is(err, errSessionEnded):
			logger.Info("Left session %s", id)
		case errors.Is(err, context.Canceled):
			logger.Info("Stopped work on session %s", id)
		default:
			logger.Error("Session %s loops ended: %v", id, err)
		}
	}()
}

// runSession runs one loop per diagnoser plus the session housekeeping loop.
// The first loop to see the session end stops the others.
func (r *Runner) runSession(ctx context.Context, id string) error {
	s, err := r.coord.Get(ctx, id)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(logger.WithInstance(logger.WithSession(ctx, id), r.coord.Instance()))
	for _, ds := range s.Diagnosers {
		name := ds.Name
		g.Go(func() error {
			return r.every(gctx, "diagnoser "+name, func() error { return r.diagnoserStep(gctx, id, name) })
		})
	}
	g.Go(func() error {
		return r.every(gctx, "session", func() error { return r.sessionStep(gctx, id) })
	})
	return g.Wait()
}

// every calls step each interval until it returns errSessionEnded or ctx is done.
func (r *Runner) every(ctx context.Context, what string, step func() error) error {
	for {
		var ended bool
		r.safely(what, func() error {
			err := step()
			if errors.Is(err, errSessionEnded) {
				ended = true
				return nil
			}
			return err
		})
		if ended {
			return errSessionEnded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval):
		}
	}
}

func (r *Runner) diagnoserStep(ctx context.Context, id, name string) error {
	s, err := r.coord.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.IsActive() {
		return errSessionEnded
	}
	if _, err := r.coord.CollectDiagnoser(ctx, id, name); err != nil {
		return err
	}
	_, err = r.coord.AnalyzeDiagnoser(ctx, id, name)
	return err
}

func (r *Runner) sessionStep(ctx context.Context, id string) error {
	s, err := r.coord.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.IsActive() {
		return errSessionEnded
	}
	if done, err := r.coord.CancelIfOverdue(ctx, s); err != nil || done {
		return endedOr(done, err)
	}
	if _, err := r.coord.CancelOrphanedInstancesIfNeeded(ctx, id); err != nil {
		return err
	}
	if _, err := r.coord.FinishInstance(ctx, id); err != nil {
		return err
	}
	return nil
}

func endedOr(done bool, err error) error {
	if err != nil {
		return err
	}
	if done {
		return errSessionEnded
	}
	return nil
}

// safely runs fn, turning panics and errors into log lines. Lock timeouts
// mean another instance is busy with the record and are not worth more
// than a debug line.
func (r *Runner) safely(what string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic in %s: %v\n%s", what, p, debug.Stack())
		}
	}()
	err := fn()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, coordinator.ErrNotActive):
	case errors.Is(err, coordinator.ErrLockTimeout):
		logger.Slog().Debug("lock busy, retrying next poll", "step", what, "error", err)
	default:
		logger.Error("%s: %v", what, err)
	}
}
