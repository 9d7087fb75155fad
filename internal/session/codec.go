package session

import (
	"encoding/json"
	"fmt"
)

// Marshal renders the persisted representation of a session.
func Marshal(s *Session) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// Unmarshal parses a persisted session and checks the fields every reader
// relies on.
func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("failed to parse session: missing id")
	}
	if s.Mode == "" {
		s.Mode = ModeCollectAndAnalyze
	}
	for i := range s.Diagnosers {
		d := &s.Diagnosers[i]
		if !d.CollectorStatus.Valid() || !d.AnalyzerStatus.Valid() {
			return nil, fmt.Errorf("session %s: diagnoser %s: %w", s.ID, d.Name, ErrCorruptState)
		}
	}
	return &s, nil
}
