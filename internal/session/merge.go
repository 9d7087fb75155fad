package session

import (
	"encoding/json"
	"strings"
	"time"
)

// AddLogs attaches logs to the instance, skipping any already present with
// the same name and size. It returns how many were added.
func (ai *ActiveInstance) AddLogs(logs ...LogFile) int {
	added := 0
	for _, l := range logs {
		if ai.hasLog(l.Name, l.Size) {
			continue
		}
		ai.Logs = append(ai.Logs, l)
		added++
	}
	return added
}

func (ai *ActiveInstance) hasLog(name string, size int64) bool {
	for _, existing := range ai.Logs {
		if strings.EqualFold(existing.Name, name) && existing.Size == size {
			return true
		}
	}
	return false
}

// AddCollectorErrors appends errors that are not already recorded.
func (ai *ActiveInstance) AddCollectorErrors(errs ...string) {
	ai.CollectorErrors = appendUnique(ai.CollectorErrors, errs...)
}

// AddAnalyzerErrors appends errors that are not already recorded.
func (ai *ActiveInstance) AddAnalyzerErrors(errs ...string) {
	ai.AnalyzerErrors = appendUnique(ai.AnalyzerErrors, errs...)
}

// Log finds a log on this instance by relative path.
func (ai *ActiveInstance) Log(relativePath string) *LogFile {
	for i := range ai.Logs {
		if ai.Logs[i].RelativePath == relativePath {
			return &ai.Logs[i]
		}
	}
	return nil
}

// FindLog finds a log on any instance by relative path.
func (s *Session) FindLog(relativePath string) *LogFile {
	for _, ai := range s.Active {
		if l := ai.Log(relativePath); l != nil {
			return l
		}
	}
	return nil
}

// LogsFor returns the logs collected by the named diagnoser.
func (s *Session) LogsFor(diagnoser string) []*LogFile {
	var out []*LogFile
	for _, l := range s.AllLogs() {
		if strings.EqualFold(l.Diagnoser, diagnoser) {
			out = append(out, l)
		}
	}
	return out
}

// AddReports attaches reports to the log, skipping paths already present.
func (l *LogFile) AddReports(reports ...Report) {
	for _, r := range reports {
		dup := false
		for _, existing := range l.Reports {
			if existing.RelativePath == r.RelativePath {
				dup = true
				break
			}
		}
		if !dup {
			l.Reports = append(l.Reports, r)
		}
	}
}

// MergeInstance folds src into the session's record for the same instance.
// Logs and errors are unioned; the status only moves forward.
func (s *Session) MergeInstance(src *ActiveInstance, now time.Time) *ActiveInstance {
	dst := s.EnsureInstance(src.Name, now)
	dst.AddLogs(src.Logs...)
	dst.AddCollectorErrors(src.CollectorErrors...)
	dst.AddAnalyzerErrors(src.AnalyzerErrors...)
	if src.Status != "" && src.Status != dst.Status && CanTransition(dst.Status, src.Status) {
		dst.Status = src.Status
	}
	dst.UpdatedAt = now
	return dst
}

// MarkCollected records that instance has finished running the collector for
// the diagnoser and bumps the run counters.
func (d *DiagnoserState) MarkCollected(instance string, failed bool) {
	d.CollectorRuns++
	if failed {
		d.CollectorFails++
	}
	if !containsFold(d.CollectedBy, instance) {
		d.CollectedBy = append(d.CollectedBy, instance)
	}
}

// RecordCollectorFailure counts a run that failed before producing anything.
// The instance is not marked as collected so that it retries on a later poll.
func (d *DiagnoserState) RecordCollectorFailure() {
	d.CollectorRuns++
	d.CollectorFails++
}

// RecordAnalyzerRun counts one analyzer run.
func (d *DiagnoserState) RecordAnalyzerRun(failed bool) {
	d.AnalyzerRuns++
	if failed {
		d.AnalyzerFails++
	}
}

// HasCollected reports whether instance already ran the collector.
func (d *DiagnoserState) HasCollected(instance string) bool {
	return containsFold(d.CollectedBy, instance)
}

// SetCollector advances the collector status, never moving it backwards.
// A collector that ends in Error or Cancelled leaves no logs to wait for, so
// an analyzer still waiting on it is dropped to NotRequested.
func (d *DiagnoserState) SetCollector(st Status) {
	d.CollectorStatus = MostAdvanced(d.CollectorStatus, st)
	if d.CollectorStatus.Terminal() && awaitingLogs(d.AnalyzerStatus) {
		d.AnalyzerStatus = StatusNotRequested
	}
}

func awaitingLogs(s Status) bool {
	return s == StatusWaitingForInputs || s == StatusInProgress
}

// SetAnalyzer advances the analyzer status, never moving it backwards.
func (d *DiagnoserState) SetAnalyzer(st Status) {
	d.AnalyzerStatus = MostAdvanced(d.AnalyzerStatus, st)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if item == "" {
			continue
		}
		dup := false
		for _, existing := range list {
			if existing == item {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, item)
		}
	}
	return list
}
