package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	markerExt    = ".lock"
	tombstoneTag = ".stale."
)

// FileBackend keeps lock markers as files in a shared directory. Creation
// uses O_EXCL so only one writer can win a marker.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the marker directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the marker directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) markerPath(name string) string {
	return filepath.Join(b.dir, name+markerExt)
}

// Create writes the marker for name, failing with ErrHeld if it exists.
func (b *FileBackend) Create(ctx context.Context, name string, info Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	path := b.markerPath(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrHeld
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Read returns the marker contents. A marker caught mid-write has no
// parseable body; its age then comes from the file's modification time.
func (b *FileBackend) Read(ctx context.Context, name string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	return readMarker(b.markerPath(name))
}

func readMarker(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotHeld
		}
		return Info{}, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err == nil && !info.AcquiredAt.IsZero() {
		return info, nil
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotHeld
		}
		return Info{}, fmt.Errorf("failed to stat lock file: %w", err)
	}
	return Info{AcquiredAt: st.ModTime()}, nil
}

// Remove deletes the marker. With a holder, the marker is first renamed to
// a private tombstone so the ownership check and the delete cannot
// interleave with another instance; a marker that turns out to belong to
// someone else is linked back into place.
func (b *FileBackend) Remove(ctx context.Context, name, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.markerPath(name)

	if holder == "" {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return ErrNotHeld
			}
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	}

	tomb := path + tombstoneTag + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		if os.IsNotExist(err) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to move lock file: %w", err)
	}
	defer os.Remove(tomb)

	info, err := readMarker(tomb)
	if err != nil {
		return err
	}
	if info.Holder == holder {
		return nil
	}

	// Not ours. If a new marker appeared in the meantime it is newer than
	// the one we moved and wins.
	if err := os.Link(tomb, path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to restore lock file: %w", err)
	}
	return fmt.Errorf("%w: held by %s", ErrNotHeld, info.Holder)
}

// PruneTombstones deletes tombstones older than maxAge left behind by
// processes that died between rename and delete.
func (b *FileBackend) PruneTombstones(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), markerExt+tombstoneTag) {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
