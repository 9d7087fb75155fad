package session

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func ds(c, a Status) DiagnoserState {
	return DiagnoserState{Name: "d", CollectorStatus: c, AnalyzerStatus: a}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name  string
		input []DiagnoserState
		want  SessionStatus
	}{
		{"empty is active", nil, SessionActive},
		{"collector running", []DiagnoserState{ds(StatusInProgress, StatusWaitingForInputs)}, SessionActive},
		{"analyzer running", []DiagnoserState{ds(StatusComplete, StatusInProgress)}, SessionActive},
		{"analyzer waiting on healthy collector", []DiagnoserState{ds(StatusComplete, StatusWaitingForInputs)}, SessionActive},
		{"waiting analyzer behind failed collector", []DiagnoserState{ds(StatusError, StatusWaitingForInputs)}, SessionError},
		{"cancel beats active", []DiagnoserState{
			ds(StatusInProgress, StatusWaitingForInputs),
			ds(StatusCancelled, StatusNotRequested),
		}, SessionCancelled},
		{"cancel beats error", []DiagnoserState{
			ds(StatusError, StatusNotRequested),
			ds(StatusComplete, StatusCancelled),
		}, SessionCancelled},
		{"error beats active", []DiagnoserState{
			ds(StatusInProgress, StatusNotRequested),
			ds(StatusComplete, StatusError),
		}, SessionError},
		{"all complete", []DiagnoserState{
			ds(StatusComplete, StatusComplete),
			ds(StatusComplete, StatusComplete),
		}, SessionComplete},
		{"collect only", []DiagnoserState{ds(StatusComplete, StatusNotRequested)}, SessionCollectedLogsOnly},
		{"mixed complete and collect only", []DiagnoserState{
			ds(StatusComplete, StatusComplete),
			ds(StatusComplete, StatusNotRequested),
		}, SessionCollectedLogsOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveStatus(tt.input)
			if err != nil {
				t.Fatalf("DeriveStatus() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DeriveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveStatus_NoRuleMatches(t *testing.T) {
	_, err := DeriveStatus([]DiagnoserState{ds(StatusNotRequested, StatusNotRequested)})
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("DeriveStatus() error = %v, want ErrCorruptState", err)
	}
}

func TestDeriveStatus_OrderIndependent(t *testing.T) {
	statuses := []interface{}{
		StatusNotRequested, StatusWaitingForInputs, StatusInProgress,
		StatusComplete, StatusCancelled, StatusError,
	}
	genState := gopter.CombineGens(
		gen.OneConstOf(statuses...),
		gen.OneConstOf(statuses...),
	).Map(func(v []interface{}) DiagnoserState {
		return ds(v[0].(Status), v[1].(Status))
	})

	properties := gopter.NewProperties(nil)
	properties.Property("derivation ignores diagnoser order", prop.ForAll(
		func(states []DiagnoserState, seed int64) bool {
			want, wantErr := DeriveStatus(states)

			shuffled := make([]DiagnoserState, len(states))
			copy(shuffled, states)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			got, gotErr := DeriveStatus(shuffled)
			return got == want && (gotErr == nil) == (wantErr == nil)
		},
		gen.SliceOf(genState),
		gen.Int64(),
	))
	properties.TestingRun(t)
}

func TestMostAdvanced(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusNotRequested, StatusInProgress, StatusInProgress},
		{StatusComplete, StatusInProgress, StatusComplete},
		{StatusComplete, StatusError, StatusError},
		{StatusCancelled, StatusComplete, StatusCancelled},
		{StatusAnalyzing, StatusAnalysisQueued, StatusAnalyzing},
		{Status("bogus"), StatusNotRequested, StatusNotRequested},
	}
	for _, tt := range tests {
		if got := MostAdvanced(tt.a, tt.b); got != tt.want {
			t.Errorf("MostAdvanced(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
		if got := MostAdvanced(tt.b, tt.a); got != tt.want {
			t.Errorf("MostAdvanced(%q, %q) = %q, want %q", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestMostAdvanced_FirstTerminalWins(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusError, StatusCancelled, StatusError},
		{StatusCancelled, StatusError, StatusCancelled},
		{StatusError, StatusError, StatusError},
		{StatusInProgress, StatusCancelled, StatusCancelled},
	}
	for _, tt := range tests {
		if got := MostAdvanced(tt.a, tt.b); got != tt.want {
			t.Errorf("MostAdvanced(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to InstanceStatus
		want     bool
	}{
		{InstanceStarted, InstanceActive, true},
		{InstanceActive, InstanceAnalyzing, true},
		{InstanceActive, InstanceAnalysisQueued, true},
		{InstanceAnalysisQueued, InstanceAnalyzing, true},
		{InstanceAnalyzing, InstanceComplete, true},
		{InstanceAnalyzing, InstanceActive, false},
		{InstanceComplete, InstanceActive, false},
		{InstanceComplete, InstanceTimedOut, false},
		{InstanceStarted, InstanceTimedOut, true},
		{InstanceAnalyzing, InstanceTimedOut, true},
		{InstanceActive, InstanceActive, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
