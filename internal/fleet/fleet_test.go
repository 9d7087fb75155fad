package fleet

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	s := Static{"srv1", "srv2"}
	got, err := s.LiveInstances(context.Background())
	if err != nil || !reflect.DeepEqual(got, []string{"srv1", "srv2"}) {
		t.Errorf("LiveInstances() = %v, %v", got, err)
	}
	got[0] = "changed"
	if s[0] != "srv1" {
		t.Error("LiveInstances() returned the backing slice")
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	h, err := NewHeartbeat(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("NewHeartbeat() error = %v", err)
	}

	for _, name := range []string{"srv2", "srv1", "srv3"} {
		if err := h.Beat(name); err != nil {
			t.Fatalf("Beat(%s) error = %v", name, err)
		}
	}
	old := time.Now().Add(-time.Hour)
	_ = os.Chtimes(filepath.Join(h.Dir, "srv3.hb"), old, old)

	got, err := h.LiveInstances(ctx)
	if err != nil {
		t.Fatalf("LiveInstances() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"srv1", "srv2"}) {
		t.Errorf("LiveInstances() = %v, want [srv1 srv2]", got)
	}

	if err := h.Forget("srv1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	got, _ = h.LiveInstances(ctx)
	if !reflect.DeepEqual(got, []string{"srv2"}) {
		t.Errorf("LiveInstances() after Forget = %v", got)
	}

	if err := h.Beat("../evil"); err == nil {
		t.Error("Beat() expected error for path-like name")
	}
}
