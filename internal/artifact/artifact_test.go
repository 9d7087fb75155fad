package artifact

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/HyphaGroup/diagd/internal/session"
)

func TestPaths(t *testing.T) {
	s := &session.Session{Active: []*session.ActiveInstance{
		{Name: "srv1", Logs: []session.LogFile{{
			RelativePath: "logs/a.dmp",
			Reports:      []session.Report{{RelativePath: "reports/a.html"}},
		}}},
		{Name: "srv2", Logs: []session.LogFile{{RelativePath: "logs/a.dmp"}, {RelativePath: "logs/b.dmp"}}},
	}}
	want := []string{"logs/a.dmp", "reports/a.html", "logs/b.dmp"}
	if got := Paths(s); !reflect.DeepEqual(got, want) {
		t.Errorf("Paths() = %v, want %v", got, want)
	}
}

func TestLocal_Delete(t *testing.T) {
	dir := t.TempDir()
	_ = os.MkdirAll(filepath.Join(dir, "logs"), 0o755)
	present := filepath.Join(dir, "logs", "a.dmp")
	_ = os.WriteFile(present, []byte("x"), 0o644)

	err := Local{Dir: dir}.Delete(context.Background(), []string{"logs/a.dmp", "logs/missing.dmp"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(present); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}

	if err := (Local{Dir: dir}).Delete(context.Background(), []string{"../outside"}); err == nil {
		t.Error("Delete() expected error for escaping path")
	}
}

func TestForSession_NoBlobUsesFallback(t *testing.T) {
	fallback := Local{Dir: t.TempDir()}
	if got := ForSession("", fallback); got != Store(fallback) {
		t.Errorf("ForSession(\"\") = %#v, want fallback", got)
	}
}
