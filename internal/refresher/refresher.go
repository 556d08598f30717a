// Package refresher implements BackgroundRefresher[T] (spec.md §4.C): a
// generic TTL cache over a single value with single-flight refresh and
// stale-on-error fallback. The first Get waits for the loader; subsequent
// Gets return the last good value immediately and kick off a refresh in
// the background once it goes stale, collapsing concurrent refreshes into
// one in-flight call via golang.org/x/sync/singleflight.
package refresher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader produces a fresh value of T.
type Loader[T any] func(ctx context.Context) (T, error)

// Refresher holds a T refreshed on a fixed interval.
type Refresher[T any] struct {
	load     Loader[T]
	interval time.Duration
	onError  func(error)

	group singleflight.Group

	mu          sync.RWMutex
	value       T
	hasValue    bool
	lastLoaded  time.Time
	lastAttempt time.Time
}

// New creates a Refresher. onError, if non-nil, is called whenever a
// refresh fails; the previous value (if any) is kept and returned.
func New[T any](interval time.Duration, load Loader[T], onError func(error)) *Refresher[T] {
	return &Refresher[T]{
		load:     load,
		interval: interval,
		onError:  onError,
	}
}

// Get returns the current value. If no value has ever loaded successfully,
// it blocks on the loader. Otherwise it returns the last good value
// immediately, triggering a background refresh (at most one in flight) if
// the cached value is older than the refresh interval.
func (r *Refresher[T]) Get(ctx context.Context) (T, error) {
	r.mu.RLock()
	has := r.hasValue
	val := r.value
	stale := time.Since(r.lastLoaded) >= r.interval
	r.mu.RUnlock()

	if !has {
		return r.refreshSync(ctx)
	}
	if stale {
		r.refreshAsync()
	}
	return val, nil
}

func (r *Refresher[T]) refreshSync(ctx context.Context) (T, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return r.doLoad(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// refreshAsync kicks off a background refresh if none is already in
// flight and none has been attempted within the last interval; it never
// blocks the caller and never returns an error — a failed background
// refresh is logged via onError and the stale value is kept. Gating on
// lastAttempt rather than lastLoaded means a persistently failing loader
// is retried at most once per interval, not once per Get call.
func (r *Refresher[T]) refreshAsync() {
	r.mu.RLock()
	recent := time.Since(r.lastAttempt) < r.interval
	r.mu.RUnlock()
	if recent {
		return
	}

	go func() {
		_, _, _ = r.group.Do("refresh", func() (interface{}, error) {
			return r.doLoad(context.Background())
		})
	}()
}

func (r *Refresher[T]) doLoad(ctx context.Context) (T, error) {
	r.mu.Lock()
	r.lastAttempt = time.Now()
	r.mu.Unlock()

	v, err := r.load(ctx)
	if err != nil {
		if r.onError != nil {
			r.onError(err)
		}
		r.mu.RLock()
		has := r.hasValue
		stale := r.value
		r.mu.RUnlock()
		if has {
			return stale, nil
		}
		var zero T
		return zero, err
	}

	r.mu.Lock()
	r.value = v
	r.hasValue = true
	r.lastLoaded = time.Now()
	r.mu.Unlock()
	return v, nil
}
