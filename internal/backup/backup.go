// Package backup archives finished sessions before retention removes them.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/HyphaGroup/diagd/internal/artifact"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/validation"
)

const (
	stampLayout = "20060102_150405"
	recordName  = "session.json"
	artifactDir = "artifacts"
)

// Manager writes and reads session archives.
type Manager struct {
	artifactDir string
	backupDir   string
	retention   int
	now         func() time.Time
}

// Config holds backup configuration.
type Config struct {
	ArtifactDir string // local artifact root; blob artifacts are not archived
	BackupDir   string
	Retention   int // Number of archives to keep, 0 keeps all
}

// Snapshot represents one session archive.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a new backup Manager.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Manager{
		artifactDir: cfg.ArtifactDir,
		backupDir:   cfg.BackupDir,
		retention:   cfg.Retention,
		now:         time.Now,
	}, nil
}

// Dir returns the directory archives are written to.
func (m *Manager) Dir() string {
	return m.backupDir
}

// Archive writes the session record and its local artifacts to
// <id>_<timestamp>.tar.gz. Artifacts that are not on local disk are skipped.
func (m *Manager) Archive(ctx context.Context, s *session.Session) (*Snapshot, error) {
	if err := session.ValidateID(s.ID); err != nil {
		return nil, err
	}
	record, err := session.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}

	timestamp := m.now().UTC()
	filename := fmt.Sprintf("%s_%s.tar.gz", s.ID, timestamp.Format(stampLayout))
	backupPath := filepath.Join(m.backupDir, filename)

	tmp, err := os.CreateTemp(m.backupDir, filename+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("failed to create backup file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := m.writeArchive(ctx, tmp, s, record); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpPath, backupPath); err != nil {
		return nil, fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		Timestamp: timestamp.Truncate(time.Second),
		SessionID: s.ID,
		Filename:  filename,
		SizeBytes: stat.Size(),
	}
	logger.Printf("📦 Archived session %s: %s (%d bytes)", s.ID, filename, stat.Size())

	m.enforceRetention()
	return snapshot, nil
}

func (m *Manager) writeArchive(ctx context.Context, w io.Writer, s *session.Session, record []byte) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Join(s.ID, recordName),
		Mode:    0o644,
		Size:    int64(len(record)),
		ModTime: m.now(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(record); err != nil {
		return err
	}

	if m.artifactDir != "" {
		for _, rel := range artifact.Paths(s) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.addArtifact(tw, s.ID, rel); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func (m *Manager) addArtifact(tw *tar.Writer, id, rel string) error {
	clean, err := validation.SanitizePath(rel)
	if err != nil {
		logger.Printf("⚠️  Skipping artifact %q of session %s: %v", rel, id, err)
		return nil
	}
	src := filepath.Join(m.artifactDir, filepath.FromSlash(clean))
	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = path.Join(id, artifactDir, clean)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore extracts an archive below destDir and returns the session record
// it holds. Artifacts land in destDir/<id>/artifacts.
func (m *Manager) Restore(filename, destDir string) (*session.Session, error) {
	if err := validation.ValidateName("archive", filename); err != nil {
		return nil, err
	}
	backupPath := filepath.Join(m.backupDir, filename)
	file, err := os.Open(backupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("backup not found: %s", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer func() { _ = gr.Close() }()

	var restored *session.Session
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name, err := validation.SanitizePath(header.Name)
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", filename, err)
		}
		if path.Base(name) == recordName && strings.Count(name, "/") == 1 {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read backup: %w", err)
			}
			if restored, err = session.Unmarshal(data); err != nil {
				return nil, fmt.Errorf("backup %s holds a bad session record: %w", filename, err)
			}
			if err := writeFile(filepath.Join(destDir, filepath.FromSlash(name)), bytes.NewReader(data)); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeFile(filepath.Join(destDir, filepath.FromSlash(name)), tr); err != nil {
			return nil, err
		}
	}

	if restored == nil {
		return nil, fmt.Errorf("backup %s has no session record", filename)
	}
	logger.Printf("📦 Restored session %s from %s", restored.ID, filename)
	return restored, nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}

// ListSnapshots returns archives newest first, optionally for one session.
func (m *Manager) ListSnapshots(sessionID string) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}

		// <yyMMdd>_<HHmmssffff>_<YYYYMMDD>_<HHMMSS>.tar.gz
		name := strings.TrimSuffix(entry.Name(), ".tar.gz")
		parts := strings.Split(name, "_")
		if len(parts) != 4 {
			continue
		}
		id := parts[0] + "_" + parts[1]
		if sessionID != "" && id != sessionID {
			continue
		}
		timestamp, err := time.Parse(stampLayout, parts[2]+"_"+parts[3])
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			SessionID: id,
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].SessionID > snapshots[j].SessionID
		}
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// enforceRetention removes the oldest archives beyond the retention limit.
func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.ListSnapshots("")
	if err != nil || len(snapshots) <= m.retention {
		return
	}
	for _, old := range snapshots[m.retention:] {
		if err := os.Remove(filepath.Join(m.backupDir, old.Filename)); err == nil {
			logger.Printf("📦 Removed old archive: %s", old.Filename)
		}
	}
}
