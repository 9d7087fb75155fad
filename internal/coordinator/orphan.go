package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/session"
)

// Orphaned returns the requested instances that never reported progress,
// once s has been active longer than timeout.
func Orphaned(s *session.Session, now time.Time, timeout time.Duration) []string {
	if timeout <= 0 || !s.IsActive() || s.Age(now) <= timeout {
		return nil
	}
	var out []string
	for _, name := range s.Instances {
		if s.Instance(name) == nil {
			out = append(out, name)
		}
	}
	return out
}

// orphanError is the collector error recorded for an instance that never
// picked up the session.
func orphanError(instance string, timeout time.Duration) string {
	return fmt.Sprintf("instance %s did not pick up the session within %s", instance, timeout)
}

// CancelOrphanedInstancesIfNeeded records every orphaned instance of the
// session as Complete with a collector error, then retries completion. It
// returns how many instances were synthesized.
func (c *Coordinator) CancelOrphanedInstancesIfNeeded(ctx context.Context, id string) (int, error) {
	timeout := c.opts.OrphanTimeout
	s, err := c.store.ReadByID(ctx, id)
	if err != nil {
		return 0, storageErr(err)
	}
	if len(Orphaned(s, c.now(), timeout)) == 0 {
		return 0, nil
	}

	live := c.liveCount(ctx)
	var synthesized []string
	_, err = c.UpdateActiveSession(ctx, id, func(fresh *session.Session) error {
		now := c.now().UTC()
		missing := Orphaned(fresh, now, timeout)
		if len(missing) == 0 {
			return ErrNoChange
		}
		for _, name := range missing {
			fresh.Active = append(fresh.Active, &session.ActiveInstance{
				Name:            name,
				Status:          session.InstanceComplete,
				CollectorErrors: []string{orphanError(name, timeout)},
				UpdatedAt:       now,
			})
			for i := range fresh.Diagnosers {
				ds := &fresh.Diagnosers[i]
				if !ds.HasCollected(name) {
					ds.CollectedBy = append(ds.CollectedBy, name)
				}
			}
		}
		for i := range fresh.Diagnosers {
			advanceCollector(fresh, &fresh.Diagnosers[i], required(fresh, live))
		}
		synthesized = missing
		return nil
	})
	if errors.Is(err, ErrNotActive) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(synthesized) == 0 {
		return 0, nil
	}

	metrics.RecordOrphans(len(synthesized))
	logger.WithContext(c.logCtx(ctx, id)).Warn("synthesized completion for orphaned instances", "instances", synthesized)

	if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, id, false); err != nil {
		return len(synthesized), err
	}
	return len(synthesized), nil
}
