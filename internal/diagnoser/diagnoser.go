// Package diagnoser defines the external collectors and analyzers a session
// runs, and the registry that maps tool names to them.
package diagnoser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/diagd/internal/session"
)

var (
	// ErrNoOutput means the tool ran but produced nothing to attach.
	ErrNoOutput = errors.New("tool produced no output")
	// ErrToolFailed means the tool could not be run or exited abnormally.
	ErrToolFailed = errors.New("tool execution failed")
	// ErrUnknown means no diagnoser is registered under the name.
	ErrUnknown = errors.New("unknown diagnoser")
)

// CollectRequest is what a collector needs to gather logs on one instance.
type CollectRequest struct {
	SessionID  string
	From       time.Time
	To         time.Time
	Params     string
	BlobSASURI string
	Instance   string
	WorkDir    string
}

// CollectResult holds collected logs and non-fatal errors.
type CollectResult struct {
	Logs   []session.LogFile
	Errors []string
}

// AnalyzeRequest is what an analyzer needs to process one log.
type AnalyzeRequest struct {
	SessionID  string
	Log        session.LogFile
	BlobSASURI string
	Instance   string
	WorkDir    string
}

// Collector gathers raw logs for a time range on the local instance.
type Collector interface {
	Collect(ctx context.Context, req CollectRequest) (CollectResult, error)
}

// Analyzer turns one collected log into reports.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) ([]session.Report, error)
}

// Diagnoser pairs a collector with an optional analyzer.
type Diagnoser struct {
	Name            string
	Collector       Collector
	Analyzer        Analyzer // nil for collect-only tools
	RequiresStorage bool
}

// Registry maps diagnoser names (case-insensitive) to diagnosers.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Diagnoser
}

// NewRegistry creates a registry holding ds.
func NewRegistry(ds ...*Diagnoser) *Registry {
	r := &Registry{m: make(map[string]*Diagnoser)}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a diagnoser.
func (r *Registry) Register(d *Diagnoser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[strings.ToLower(d.Name)] = d
}

// Get returns the named diagnoser.
func (r *Registry) Get(name string) (*Diagnoser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return d, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for _, d := range r.m {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, req CollectRequest) (CollectResult, error)

func (f CollectorFunc) Collect(ctx context.Context, req CollectRequest) (CollectResult, error) {
	return f(ctx, req)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req AnalyzeRequest) ([]session.Report, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, req AnalyzeRequest) ([]session.Report, error) {
	return f(ctx, req)
}
