// Package cleanup provides scheduled maintenance for diagd: retention of
// finished sessions, leftover working directories and lock tombstones.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/diagd/internal/backup"
	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/schedule"
	"github.com/HyphaGroup/diagd/internal/store"
)

// scratchAge is how old an abandoned temp file or lock tombstone must be
// before it is removed.
const scratchAge = time.Hour

// TombstonePruner removes renamed-away lock markers.
type TombstonePruner interface {
	PruneTombstones(maxAge time.Duration) (int, error)
}

// Cleaner performs periodic resource cleanup.
type Cleaner struct {
	coord     *coordinator.Coordinator
	locks     TombstonePruner
	archive   *backup.Manager
	schedule  cron.Schedule
	spec      string
	retention time.Duration
	tempDir   string
	storeDir  string
	diskWarn  float64
	diskError float64
	now       func() time.Time

	cron *cron.Cron
	mu   sync.Mutex // serializes runs
}

// Config holds cleanup configuration.
type Config struct {
	Schedule         string        // 5-field cron expression
	Retention        time.Duration // how long finished sessions and temp dirs are kept
	TempDir          string        // per-session working directories
	StoreDir         string        // file store root, swept for abandoned .tmp files; may be empty
	DiskWarnPercent  float64
	DiskErrorPercent float64
	Archive          *backup.Manager // archives sessions before they are deleted; may be nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(tempDir string) Config {
	return Config{
		Schedule:         "0 * * * *",
		Retention:        30 * 24 * time.Hour,
		TempDir:          tempDir,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// ValidateSchedule checks a cron expression.
func ValidateSchedule(expr string) error {
	return schedule.ValidateCron(expr)
}

// New creates a Cleaner. locks may be nil when the store has no tombstones.
func New(coord *coordinator.Coordinator, locks TombstonePruner, cfg Config) (*Cleaner, error) {
	sched, err := schedule.ParseCron(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Cleaner{
		coord:     coord,
		locks:     locks,
		archive:   cfg.Archive,
		schedule:  sched,
		spec:      cfg.Schedule,
		retention: cfg.Retention,
		tempDir:   cfg.TempDir,
		storeDir:  cfg.StoreDir,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
		now:       time.Now,
	}, nil
}

// Next returns when the cleanup runs next after t.
func (c *Cleaner) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// Start schedules cleanup runs.
func (c *Cleaner) Start() {
	c.cron = cron.New(cron.WithParser(schedule.Parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.cron.Schedule(c.schedule, cron.FuncJob(func() { c.RunOnce(context.Background()) }))
	c.cron.Start()
	logger.Printf("🧹 Cleanup scheduled (%s, retention=%v)", c.spec, c.retention)
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
		logger.Println("🧹 Cleanup stopped")
	}
}

// RunOnce performs all cleanup tasks.
func (c *Cleaner) RunOnce(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupOldSessions(ctx)
	c.cleanupTempDirs(ctx)
	c.cleanupTmpFiles()
	c.pruneLocks()
	c.checkDiskUsage()
}

// cleanupOldSessions deletes finished sessions, and their artifacts, that
// ended before the retention cutoff. With an archive configured a session
// that cannot be archived is kept.
func (c *Cleaner) cleanupOldSessions(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	cutoff := c.now().Add(-c.retention)

	list, err := c.coord.List(ctx, store.Filter{})
	if err != nil {
		logger.Printf("⚠️  Cleanup could not list sessions: %v", err)
		return
	}

	var removed int
	for _, s := range list {
		if s.IsActive() {
			continue // Never delete active sessions
		}
		ended := s.StartTime
		if s.EndTime != nil {
			ended = *s.EndTime
		}
		if !ended.Before(cutoff) {
			continue
		}
		if c.archive != nil {
			if _, err := c.archive.Archive(ctx, s); err != nil {
				logger.Printf("⚠️  Cleanup kept session %s, archive failed: %v", s.ID, err)
				continue
			}
		}
		if err := c.coord.Delete(ctx, s.ID); err != nil {
			if !errors.Is(err, coordinator.ErrNotFound) {
				logger.Printf("⚠️  Cleanup could not delete session %s: %v", s.ID, err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Printf("🧹 Deleted %d sessions older than %v", removed, c.retention)
	}
}

// cleanupTempDirs removes per-session working directories older than the
// retention, except the active session's.
func (c *Cleaner) cleanupTempDirs(ctx context.Context) {
	if c.tempDir == "" {
		return
	}
	entries, err := os.ReadDir(c.tempDir)
	if err != nil {
		return
	}

	active := ""
	if s, err := c.coord.GetActive(ctx); err == nil && s != nil {
		active = s.ID
	}

	cutoff := c.now().Add(-c.retention)
	var removed int
	for _, e := range entries {
		if !e.IsDir() || e.Name() == active {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.tempDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.Printf("🧹 Removed %d stale working directories", removed)
	}
}

// cleanupTmpFiles removes half-written record files left by a crash.
func (c *Cleaner) cleanupTmpFiles() {
	if c.storeDir == "" {
		return
	}
	cutoff := c.now().Add(-scratchAge)
	var removed int

	err := filepath.Walk(c.storeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() && strings.Contains(info.Name(), ".tmp.") && info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	if err != nil {
		logger.Printf("⚠️  Cleanup walk error: %v", err)
	}
	if removed > 0 {
		logger.Printf("🧹 Removed %d orphaned .tmp files", removed)
	}
}

func (c *Cleaner) pruneLocks() {
	if c.locks == nil {
		return
	}
	n, err := c.locks.PruneTombstones(scratchAge)
	if err != nil {
		logger.Printf("⚠️  Cleanup could not prune lock tombstones: %v", err)
	}
	if n > 0 {
		logger.Printf("🧹 Removed %d lock tombstones", n)
	}
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	dir := c.storeDir
	if dir == "" {
		dir = c.tempDir
	}
	_, _, usedPercent, err := DiskUsage(dir)
	if err != nil {
		return
	}

	if usedPercent >= c.diskError {
		logger.Printf("🔴 CRITICAL: Disk usage at %.1f%% (%s)", usedPercent, dir)
	} else if usedPercent >= c.diskWarn {
		logger.Printf("🟠 WARNING: Disk usage at %.1f%% (%s)", usedPercent, dir)
	}
}

// DiskUsage returns current disk usage stats for the filesystem holding dir.
func DiskUsage(dir string) (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(dir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
