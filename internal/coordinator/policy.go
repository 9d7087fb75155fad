package coordinator

import (
	"time"

	"github.com/HyphaGroup/diagd/internal/session"
)

// RetryPolicy decides when a collector or analyzer has failed often enough
// to be declared unhealthy.
type RetryPolicy struct {
	// Ceiling is the failure count above which a tool is unhealthy. Zero
	// disables the check.
	Ceiling int
	// PerInstance divides the failure count by the number of live instances
	// before comparing, so the ceiling is an average per instance. Otherwise
	// it is a total across the fleet.
	PerInstance bool
}

// Exceeded reports whether count is strictly above the ceiling.
func (p RetryPolicy) Exceeded(count, live int) bool {
	if p.Ceiling <= 0 {
		return false
	}
	if p.PerInstance && live > 0 {
		return float64(count)/float64(live) > float64(p.Ceiling)
	}
	return count > p.Ceiling
}

// Apply forces the collector or analyzer of ds to Error when its failures
// exceed the policy. It reports whether anything changed.
func (p RetryPolicy) Apply(ds *session.DiagnoserState, live int) bool {
	changed := false
	if !ds.CollectorStatus.Terminal() && ds.CollectorStatus != session.StatusComplete && p.Exceeded(ds.CollectorFails, live) {
		ds.SetCollector(session.StatusError)
		changed = true
	}
	if busyAnalyzer(ds.AnalyzerStatus) && p.Exceeded(ds.AnalyzerFails, live) {
		ds.SetAnalyzer(session.StatusError)
		changed = true
	}
	return changed
}

// HealingLimits caps sessions submitted by automated healing.
type HealingLimits struct {
	MaxPerDay   int
	MaxInWindow int
	Window      time.Duration
}

func busyAnalyzer(s session.Status) bool {
	switch s {
	case session.StatusWaitingForInputs, session.StatusInProgress, session.StatusAnalysisQueued, session.StatusAnalyzing:
		return true
	}
	return false
}
