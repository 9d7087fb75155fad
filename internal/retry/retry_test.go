package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("gives up after times attempts", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 4, time.Millisecond, func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Do() error = %v, want boom", err)
		}
		if calls != 4 {
			t.Errorf("calls = %d, want 4", calls)
		}
	})

	t.Run("permanent stops early", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 5, time.Millisecond, func() error {
			calls++
			return Permanent(boom)
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Do() error = %v, want boom", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), 2, time.Millisecond, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("Value() = %q, %v; want ok, nil", got, err)
	}
}
