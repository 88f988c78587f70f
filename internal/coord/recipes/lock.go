// Package recipes implements the coordination patterns the rest of the
// system is built on: a single-holder mutual-exclusion lock, a
// read-increment-write counter guarded by that lock, and an abortable
// locking queue. All three are classic ZooKeeper recipes expressed against
// internal/coord.Store.
package recipes

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
)

// SingleLock is a coarse mutual-exclusion lock backed by one ephemeral node:
// whoever manages to create it holds the lock, and it is released either
// explicitly or by the holder's session expiring. The collector and the
// query surface take it on /control/lock before reading a job's subtree;
// counters, running tasks and jobs each use their own lock path.
type SingleLock struct {
	store *coord.Store
	sess  *coord.Session
	path  string
}

// NewSingleLock returns a lock handle for path, bound to sess: a successful
// Acquire creates an ephemeral node owned by sess, so it disappears if sess
// is ever closed without an explicit Release (a crashed holder).
func NewSingleLock(store *coord.Store, sess *coord.Session, path string) *SingleLock {
	return &SingleLock{store: store, sess: sess, path: path}
}

// TryAcquire makes one non-blocking attempt to take the lock. It returns
// (true, nil) on success and (false, nil) if the lock is already held by
// someone else - only a genuine store error is returned as err.
func (l *SingleLock) TryAcquire() (bool, error) {
	_, err := l.store.CreateEphemeral(l.sess, l.path, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, coord.ErrConflict) {
		return false, nil
	}
	return false, err
}

// Acquire blocks until the lock is taken or ctx is cancelled. It watches the
// lock node's existence and retries TryAcquire each time it disappears.
func (l *SingleLock) Acquire(ctx context.Context) error {
	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return fmt.Errorf("recipes: acquire lock %s: %w", l.path, err)
		}
		if ok {
			return nil
		}
		watch := l.store.WatchExists(l.path)
		select {
		case <-watch:
			// lock node changed state (almost certainly: released); loop and retry
		case <-ctx.Done():
			return fmt.Errorf("recipes: acquire lock %s: %w", l.path, coord.ErrAborted)
		}
	}
}

// Release gives up the lock by deleting its node. An absent node is not an
// error, matching Delete's tolerance; the node is deleted whichever session
// created it, so only the holder should call Release.
func (l *SingleLock) Release() error {
	return l.store.Delete(l.path)
}

// WithLock acquires the lock, runs fn, and releases it unconditionally
// afterward - the scoped-acquire helper every SingleLock caller in this
// module actually wants instead of manual Acquire/Release pairs.
func (l *SingleLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
