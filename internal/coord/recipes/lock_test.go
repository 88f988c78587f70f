package recipes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
)

func TestSingleLockTryAcquireAndRelease(t *testing.T) {
	s := coord.NewMemStore()
	_, err0 := s.Create("/control", nil, coord.CreateFlags{})
	require.NoError(t, err0)
	sessA := s.NewSession()
	sessB := s.NewSession()

	lockA := NewSingleLock(s, sessA, "/control/lock")
	lockB := NewSingleLock(s, sessB, "/control/lock")

	ok, err := lockA.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lockB.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not be able to acquire an already-held lock")

	require.NoError(t, lockA.Release())

	ok, err = lockB.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "the lock must be acquirable again once released")
}

func TestSingleLockReleasedBySessionExpiry(t *testing.T) {
	s := coord.NewMemStore()
	_, err0 := s.Create("/control", nil, coord.CreateFlags{})
	require.NoError(t, err0)
	sessA := s.NewSession()
	sessB := s.NewSession()

	lockA := NewSingleLock(s, sessA, "/control/lock")
	lockB := NewSingleLock(s, sessB, "/control/lock")

	ok, err := lockA.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	sessA.Close() // simulate a crashed holder

	ok, err = lockB.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder's session expiring must release its lock")
}

func TestSingleLockAcquireBlocksThenUnblocksOnRelease(t *testing.T) {
	s := coord.NewMemStore()
	_, err0 := s.Create("/control", nil, coord.CreateFlags{})
	require.NoError(t, err0)
	sessA := s.NewSession()
	sessB := s.NewSession()

	lockA := NewSingleLock(s, sessA, "/control/lock")
	lockB := NewSingleLock(s, sessB, "/control/lock")

	require.NoError(t, lockA.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- lockB.Acquire(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("lockB.Acquire must block while lockA holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lockA.Release())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lockB.Acquire did not unblock after release")
	}
}

func TestSingleLockAcquireAbortsOnContextCancel(t *testing.T) {
	s := coord.NewMemStore()
	_, err0 := s.Create("/control", nil, coord.CreateFlags{})
	require.NoError(t, err0)
	sessA := s.NewSession()
	sessB := s.NewSession()

	lockA := NewSingleLock(s, sessA, "/control/lock")
	lockB := NewSingleLock(s, sessB, "/control/lock")

	require.NoError(t, lockA.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lockB.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, coord.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("lockB.Acquire did not abort after context cancellation")
	}
}

func TestWithLockRunsFnAndReleasesAfterward(t *testing.T) {
	s := coord.NewMemStore()
	_, err0 := s.Create("/control", nil, coord.CreateFlags{})
	require.NoError(t, err0)
	sess := s.NewSession()
	lock := NewSingleLock(s, sess, "/control/lock")

	ran := false
	err := lock.WithLock(context.Background(), func() error {
		ran = true
		ok, err := lock.store.Exists(lock.path)
		require.NoError(t, err)
		assert.True(t, ok, "the lock must be held while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	ok, err := s.Exists("/control/lock")
	require.NoError(t, err)
	assert.False(t, ok, "WithLock must release the lock after fn returns")
}
