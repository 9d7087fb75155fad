package docker

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/HyphaGroup/diagd/internal/config"
)

type fakeImages struct {
	local  map[string]bool
	output string
	pulled []string
}

func (f *fakeImages) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.local[ref] {
		return image.InspectResponse{ID: ref}, nil
	}
	return image.InspectResponse{}, errdefs.NotFound(io.EOF)
}

func (f *fakeImages) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(f.output)), nil
}

func TestImages(t *testing.T) {
	cfg := map[string]config.DiagnoserConfig{
		"MemoryDump": {
			Collector: config.ToolConfig{Image: "diag/dump:1"},
			Analyzer:  &config.ToolConfig{Image: "diag/analyze:1"},
		},
		"Trace": {Collector: config.ToolConfig{Image: "diag/dump:1"}},
	}
	got := Images(cfg)
	if len(got) != 2 || got[0] != "diag/analyze:1" || got[1] != "diag/dump:1" {
		t.Errorf("Images() = %v", got)
	}
}

func TestEnsureImages(t *testing.T) {
	tests := []struct {
		name       string
		local      map[string]bool
		output     string
		wantPulled int
		wantErr    bool
	}{
		{name: "all local", local: map[string]bool{"a": true, "b": true}},
		{name: "pulls missing", local: map[string]bool{"a": true}, output: `{"status":"Pulling"}` + "\n" + `{"status":"Done","id":"l1"}`, wantPulled: 1},
		{name: "pull error", local: map[string]bool{"a": true}, output: `{"error":"denied"}`, wantPulled: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DIAGD_DEV", "")
			api := &fakeImages{local: tt.local, output: tt.output}
			err := EnsureImages(context.Background(), api, []string{"a", "b"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureImages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(api.pulled) != tt.wantPulled {
				t.Errorf("pulled = %v, want %d pulls", api.pulled, tt.wantPulled)
			}
		})
	}
}

func TestEnsureImages_DevModeDoesNotPull(t *testing.T) {
	t.Setenv("DIAGD_DEV", "1")
	api := &fakeImages{}
	if err := EnsureImages(context.Background(), api, []string{"a"}); err == nil {
		t.Fatal("expected error for missing image in dev mode")
	}
	if len(api.pulled) != 0 {
		t.Errorf("pulled = %v", api.pulled)
	}
}
