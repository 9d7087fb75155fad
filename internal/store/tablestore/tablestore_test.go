package tablestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/diagd/internal/store"
	"github.com/HyphaGroup/diagd/internal/store/storetest"
)

func setupTestStore(t *testing.T, dbPath, partition string) *Store {
	t.Helper()
	s, err := New(dbPath, partition)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return setupTestStore(t, filepath.Join(t.TempDir(), "sessions.db"), "myapp.example.net")
	})
}

func TestPartitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	a := setupTestStore(t, dbPath, "a.example.net")
	b := setupTestStore(t, dbPath, "b.example.net")

	now := time.Now().UTC()
	if err := a.CreateIfAbsent(ctx, storetest.NewSession(now, "srv1")); err != nil {
		t.Fatalf("CreateIfAbsent(a) error = %v", err)
	}
	if err := b.CreateIfAbsent(ctx, storetest.NewSession(now.Add(time.Second), "srv1")); err != nil {
		t.Fatalf("CreateIfAbsent(b) error = %v", err)
	}
	if got, _ := b.ReadActive(ctx); got == nil || got.Partition == "" {
		t.Errorf("ReadActive(b) = %v", got)
	}
}

func TestCreateIfAbsent_RacingInstances(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	base := time.Now().UTC()

	const n = 6
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		s := setupTestStore(t, dbPath, "app")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CreateIfAbsent(ctx, storetest.NewSession(base.Add(time.Duration(i)*time.Second), "srv1"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrConflict):
		default:
			t.Errorf("CreateIfAbsent() unexpected error = %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful creates = %d, want 1", ok)
	}
}
