package refresher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetWaitsForFirstLoad(t *testing.T) {
	var calls int32
	r := New(time.Hour, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}, nil)

	v, err := r.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one load, got %d", calls)
	}
}

func TestGetReturnsStaleValueOnLoadError(t *testing.T) {
	var fail int32
	r := New(10*time.Millisecond, func(ctx context.Context) (int, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return 0, errors.New("loader down")
		}
		return 7, nil
	}, nil)

	v, err := r.Get(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("initial get: v=%d err=%v", v, err)
	}

	atomic.StoreInt32(&fail, 1)
	time.Sleep(20 * time.Millisecond) // cross the refresh interval
	v, err = r.Get(context.Background())
	if err != nil {
		t.Fatalf("get after failing refresh should not error: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected stale value 7 to survive a failed refresh, got %d", v)
	}
}

func TestOnErrorCalledOnFailedRefresh(t *testing.T) {
	var errCount int32
	var fail int32
	r := New(5*time.Millisecond, func(ctx context.Context) (int, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return 0, errors.New("loader down")
		}
		return 1, nil
	}, func(err error) {
		atomic.AddInt32(&errCount, 1)
	})

	if _, err := r.Get(context.Background()); err != nil {
		t.Fatalf("initial get: %v", err)
	}
	atomic.StoreInt32(&fail, 1)
	time.Sleep(10 * time.Millisecond)
	if _, err := r.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&errCount) == 0 {
		t.Fatalf("expected onError to be called at least once")
	}
}

func TestRefreshAsyncThrottledToAtMostOneAttemptPerIntervalWhileFailing(t *testing.T) {
	var calls int32
	var fail int32
	r := New(50*time.Millisecond, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&fail) == 1 {
			return 0, errors.New("loader down")
		}
		return 1, nil
	}, nil)

	if _, err := r.Get(context.Background()); err != nil {
		t.Fatalf("initial get: %v", err)
	}
	atomic.StoreInt32(&fail, 1)
	time.Sleep(60 * time.Millisecond) // cross the refresh interval once

	// Drive many Get calls in quick succession, well within one interval
	// of each other, the way a busy per-message caller would.
	for i := 0; i < 20; i++ {
		if _, err := r.Get(context.Background()); err != nil {
			t.Fatalf("get: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	if got := atomic.LoadInt32(&calls); got > 2 {
		t.Fatalf("expected at most one retry attempt per interval while busy-polling a failing loader, got %d total loads", got)
	}
}

func TestFirstLoadErrorPropagates(t *testing.T) {
	r := New(time.Hour, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	}, nil)

	if _, err := r.Get(context.Background()); err == nil {
		t.Fatalf("expected error from first load with no stale value to fall back to")
	}
}
