package recipes

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
)

func TestIncrementalCounterStartsAtZero(t *testing.T) {
	s := coord.NewMemStore()
	sess := s.NewSession()
	counter := NewIncrementalCounter(s, sess, "/core/jobs_counter", "/core/jobs_counter/lock")

	v, err := counter.Value()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestIncrementalCounterIncrements(t *testing.T) {
	s := coord.NewMemStore()
	sess := s.NewSession()
	counter := NewIncrementalCounter(s, sess, "/core/jobs_counter", "/core/jobs_counter/lock")

	for expected := uint64(1); expected <= 3; expected++ {
		v, err := counter.Increment(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expected, v)
	}

	v, err := counter.Value()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestIncrementalCounterSerializesConcurrentIncrements(t *testing.T) {
	s := coord.NewMemStore()
	sess := s.NewSession()
	counter := NewIncrementalCounter(s, sess, "/core/jobs_counter", "/core/jobs_counter/lock")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := counter.Increment(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := counter.Value()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), v, "concurrent increments must all be serialized by the guard lock")
}
