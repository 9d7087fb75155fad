package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
	"github.com/HyphaGroup/diagd/internal/validation"
)

// defaultWindow is the log window used when the request gives no start time.
const defaultWindow = time.Hour

// SubmitRequest describes a new session.
type SubmitRequest struct {
	ID          string // generated when empty; resubmitting the same id is idempotent
	Tool        string
	Diagnosers  []string // defaults to the tool name
	ToolParams  string
	Description string
	From        time.Time
	To          time.Time
	Instances   []string // empty means every live instance
	BlobSASURI  string
	Mode        session.Mode
	AutoHeal    bool
	Labels      map[string]string
}

// Submit validates req and persists it as the partition's active session.
// It returns the session id.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	s, err := c.build(ctx, req)
	if err != nil {
		metrics.RecordSubmit("invalid")
		return "", err
	}
	if req.AutoHeal {
		if err := c.checkHealingLimits(ctx); err != nil {
			metrics.RecordSubmit("rate_limited")
			return "", err
		}
	}

	id, err := c.persist(ctx, s)
	switch {
	case err == nil:
		metrics.RecordSubmit("accepted")
		logger.WithContext(c.logCtx(ctx, id)).Info("session submitted",
			"tool", s.Tool, "instances", s.Instances, "mode", s.Mode, "auto_heal", s.AutoHeal)
	case errors.Is(err, ErrConflict):
		metrics.RecordSubmit("conflict")
	default:
		metrics.RecordSubmit("error")
	}
	return id, err
}

func (c *Coordinator) build(ctx context.Context, req SubmitRequest) (*session.Session, error) {
	now := c.now().UTC()

	tool := strings.TrimSpace(req.Tool)
	if tool == "" {
		return nil, &ValidationError{Field: "tool", Reason: "a tool name is required"}
	}

	id := req.ID
	if id == "" {
		id = session.NewID(now)
	} else if err := session.ValidateID(id); err != nil {
		return nil, &ValidationError{Field: "id", Reason: err.Error()}
	}

	mode := req.Mode
	switch mode {
	case "":
		mode = session.ModeCollectAndAnalyze
	case session.ModeCollectAndAnalyze, session.ModeCollectOnly:
	default:
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	to, from := req.To, req.From
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	if !from.Before(to) {
		return nil, &ValidationError{Field: "from", Reason: "must be before to"}
	}

	names := req.Diagnosers
	if len(names) == 0 {
		names = []string{tool}
	}
	var ds []*diagnoser.Diagnoser
	for _, n := range dedupeFold(names) {
		d, err := c.diagnosers.Get(n)
		if err != nil {
			return nil, &ValidationError{Field: "tool", Reason: err.Error()}
		}
		ds = append(ds, d)
	}

	instances := dedupeFold(req.Instances)
	if err := validation.ValidateNames("instance", instances); err != nil {
		return nil, &ValidationError{Field: "instances", Reason: err.Error()}
	}
	fleetWide := false
	if len(instances) == 0 {
		live, err := c.fleet.LiveInstances(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve live instances: %w", err)
		}
		instances = dedupeFold(live)
		fleetWide = true
	}
	if len(instances) == 0 {
		return nil, &ValidationError{Field: "instances", Reason: "no target instances given and none are live"}
	}

	blob := strings.TrimSpace(req.BlobSASURI)
	for _, d := range ds {
		if !d.RequiresStorage || blob != "" {
			continue
		}
		if c.opts.DefaultBlobSAS == "" {
			return nil, &StorageMisconfiguredError{
				Diagnoser: d.Name,
				Guidance:  "pass blob_sas_uri with the request or set artifacts.blob_sas_url in diagd.jsonc",
			}
		}
		blob = c.opts.DefaultBlobSAS
	}

	s := &session.Session{
		ID:          id,
		Partition:   c.store.Partition(),
		Description: req.Description,
		Tool:        tool,
		ToolParams:  req.ToolParams,
		Mode:        mode,
		StartTime:   now,
		From:        from.UTC(),
		To:          to.UTC(),
		Instances:   instances,
		FleetWide:   fleetWide,
		BlobSASURI:  blob,
		AutoHeal:    req.AutoHeal,
		Status:      session.SessionActive,
		Labels:      req.Labels,
	}
	for _, d := range ds {
		analyzer := session.StatusWaitingForInputs
		if d.Analyzer == nil || mode == session.ModeCollectOnly {
			analyzer = session.StatusNotRequested
		}
		s.Diagnosers = append(s.Diagnosers, session.DiagnoserState{
			Name:            d.Name,
			CollectorStatus: session.StatusInProgress,
			AnalyzerStatus:  analyzer,
		})
	}
	s.RefreshDerived()
	return s, nil
}

// checkHealingLimits counts finished auto-heal sessions started in the last
// day and in the configured window. An active session already blocks the
// submission with a conflict, so it is not counted.
func (c *Coordinator) checkHealingLimits(ctx context.Context) error {
	lim := c.opts.Healing
	now := c.now()
	list, err := c.store.List(ctx, store.Filter{Since: now.Add(-24 * time.Hour)})
	if err != nil {
		return storageErr(err)
	}
	var day, window int
	for _, s := range list {
		if !s.AutoHeal || !s.Status.Finished() {
			continue
		}
		day++
		if lim.Window > 0 && !s.StartTime.Before(now.Add(-lim.Window)) {
			window++
		}
	}
	if lim.MaxPerDay > 0 && day >= lim.MaxPerDay {
		return fmt.Errorf("%w: %d auto-heal sessions in the last 24h (max %d)", ErrRateLimited, day, lim.MaxPerDay)
	}
	if lim.MaxInWindow > 0 && window >= lim.MaxInWindow {
		return fmt.Errorf("%w: %d auto-heal sessions in the last %s (max %d)", ErrRateLimited, window, lim.Window, lim.MaxInWindow)
	}
	return nil
}

// persist creates s under the partition-wide submission lock.
func (c *Coordinator) persist(ctx context.Context, s *session.Session) (string, error) {
	l := lock.New(c.store.Locks(), c.gate, submitLockName, lock.Options{
		Instance:            c.opts.Instance,
		StaleAfter:          c.opts.SubmitLockStale,
		PollInterval:        c.opts.LockPoll,
		ForceClearOnTimeout: true,
	})
	ok, err := l.Acquire(ctx, "submit "+s.ID, c.opts.SubmitLockWait)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: submission lock", ErrLockTimeout)
	}
	defer c.release(ctx, l)

	// Another caller may have created a session while we waited.
	active, err := c.store.ReadActive(ctx)
	if err != nil {
		return "", storageErr(err)
	}
	if active != nil {
		if active.ID == s.ID {
			return s.ID, nil
		}
		return "", &ConflictError{ActiveSessionID: active.ID}
	}

	if err := c.store.CreateIfAbsent(ctx, s); err != nil {
		var ce *store.ConflictError
		if errors.As(err, &ce) {
			if ce.ExistingID == s.ID {
				return s.ID, nil
			}
			return "", &ConflictError{ActiveSessionID: ce.ExistingID}
		}
		return "", storageErr(err)
	}

	// A store without a uniqueness guarantee can end up with two active
	// records if the lock was reclaimed under us; the oldest one wins.
	winner, err := c.store.ReadActive(ctx)
	if err == nil && winner != nil && winner.ID != s.ID {
		if err := c.store.Delete(ctx, s.ID); err != nil {
			logger.Error("failed to remove losing session %s: %v", s.ID, err)
		}
		return "", &ConflictError{ActiveSessionID: winner.ID}
	}
	return s.ID, nil
}

func dedupeFold(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
