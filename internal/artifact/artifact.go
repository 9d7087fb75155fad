// Package artifact removes collected logs and reports when a session is
// deleted. Missing artifacts are not errors.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HyphaGroup/diagd/internal/session"
)

// Store deletes artifacts by relative path.
type Store interface {
	Delete(ctx context.Context, relativePaths []string) error
}

// Paths returns every log and report path recorded in s.
func Paths(s *session.Session) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, l := range s.AllLogs() {
		add(l.RelativePath)
		for _, r := range l.Reports {
			add(r.RelativePath)
		}
	}
	return out
}

// Local keeps artifacts under a directory on shared disk.
type Local struct {
	Dir string
}

// Delete removes each path below Dir. Paths escaping Dir are rejected.
func (l Local) Delete(ctx context.Context, relativePaths []string) error {
	root, err := filepath.Abs(l.Dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, rel := range relativePaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(root, filepath.FromSlash(rel))
		if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
			errs = append(errs, fmt.Errorf("artifact path %q escapes %s", rel, l.Dir))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi deletes from every store and joins the errors.
type Multi []Store

func (m Multi) Delete(ctx context.Context, relativePaths []string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Delete(ctx, relativePaths); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
