package aggregator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	calls  atomic.Int32
	failOn int32 // 0 = never fail
}

func (f *fakeStore) RollupHourly(context.Context) error {
	n := f.calls.Add(1)
	if f.failOn != 0 && n == f.failOn {
		return errors.New("rollup failed")
	}
	return nil
}

func TestRunTicksAndRollsUpPeriodically(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	if calls := st.calls.Load(); calls < 3 {
		t.Fatalf("calls = %d, want at least 3 in 55ms at a 10ms interval", calls)
	}
}

func TestRunContinuesAfterRollupFailure(t *testing.T) {
	st := &fakeStore{failOn: 1}
	a := New(st, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	if calls := st.calls.Load(); calls < 3 {
		t.Fatalf("calls = %d, want at least 3 (a failed tick must not stop the ticker)", calls)
	}
}

func TestNewDefaultsToFiveMinuteInterval(t *testing.T) {
	a := New(&fakeStore{}, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if a.interval != defaultInterval {
		t.Fatalf("interval = %v, want %v", a.interval, defaultInterval)
	}
}
