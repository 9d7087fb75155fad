// Package fleet reports which instances of the application are alive.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/HyphaGroup/diagd/internal/validation"
)

const heartbeatExt = ".hb"

// Provider lists live instance names.
type Provider interface {
	LiveInstances(ctx context.Context) ([]string, error)
}

// Static is a fixed instance list.
type Static []string

func (s Static) LiveInstances(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// Heartbeat treats an instance as live while its heartbeat file in a shared
// directory was touched within TTL.
type Heartbeat struct {
	Dir string
	TTL time.Duration
	now func() time.Time
}

// NewHeartbeat creates the heartbeat directory if needed.
func NewHeartbeat(dir string, ttl time.Duration) (*Heartbeat, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat directory: %w", err)
	}
	return &Heartbeat{Dir: dir, TTL: ttl, now: time.Now}, nil
}

// Beat records that instance is alive now.
func (h *Heartbeat) Beat(instance string) error {
	if err := validation.ValidateName("instance", instance); err != nil {
		return err
	}
	path := filepath.Join(h.Dir, instance+heartbeatExt)
	now := h.now()
	if err := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return os.Chtimes(path, now, now)
}

// Forget removes the heartbeat of an instance that is shutting down.
func (h *Heartbeat) Forget(instance string) error {
	if err := validation.ValidateName("instance", instance); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(h.Dir, instance+heartbeatExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LiveInstances returns instances with a fresh heartbeat, sorted.
func (h *Heartbeat) LiveInstances(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(h.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat directory: %w", err)
	}
	cutoff := h.now().Add(-h.TTL)
	var live []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, heartbeatExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().Before(cutoff) {
			continue
		}
		live = append(live, strings.TrimSuffix(name, heartbeatExt))
	}
	sort.Strings(live)
	return live, nil
}

// Run beats every interval until ctx is done, then forgets the instance.
func (h *Heartbeat) Run(ctx context.Context, instance string, interval time.Duration) {
	_ = h.Beat(instance)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = h.Forget(instance)
			return
		case <-ticker.C:
			_ = h.Beat(instance)
		}
	}
}
