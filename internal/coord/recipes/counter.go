package recipes

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
)

// IncrementalCounter is a monotonically increasing counter stored as an
// 8-byte big-endian payload at a single node, guarded by a SingleLock so
// concurrent readers never race a read-modify-write. Used for
// /core/jobs_counter, the per-intake accounting sequence.
type IncrementalCounter struct {
	store *coord.Store
	path  string
	lock  *SingleLock
}

// NewIncrementalCounter returns a counter at path, guarded by lockPath.
func NewIncrementalCounter(store *coord.Store, sess *coord.Session, path, lockPath string) *IncrementalCounter {
	return &IncrementalCounter{
		store: store,
		path:  path,
		lock:  NewSingleLock(store, sess, lockPath),
	}
}

// Value reads the current counter value without taking the lock: a plain
// read is always safe, only read-then-write needs mutual exclusion.
func (c *IncrementalCounter) Value() (uint64, error) {
	data, err := c.store.Get(c.path)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeCounter(data), nil
}

// Increment takes the guard lock, reads the counter, writes value+1, and
// returns the new value. The node is created on first use.
func (c *IncrementalCounter) Increment(ctx context.Context) (uint64, error) {
	// The guard lock lives under the counter node, so that node must exist
	// before the first acquisition can create the lock child.
	if _, err := c.store.Get(c.path); errors.Is(err, coord.ErrNotFound) {
		if _, cerr := c.store.Create(c.path, encodeCounter(0), coord.CreateFlags{MakePath: true}); cerr != nil && !errors.Is(cerr, coord.ErrConflict) {
			return 0, fmt.Errorf("recipes: init counter %s: %w", c.path, cerr)
		}
	}

	var next uint64
	err := c.lock.WithLock(ctx, func() error {
		cur, err := c.Value()
		if err != nil {
			return err
		}
		next = cur + 1
		return c.write(next)
	})
	if err != nil {
		return 0, fmt.Errorf("recipes: increment counter %s: %w", c.path, err)
	}
	return next, nil
}

func (c *IncrementalCounter) write(v uint64) error {
	data := encodeCounter(v)
	err := c.store.Set(c.path, data)
	if errors.Is(err, coord.ErrNotFound) {
		_, err = c.store.Create(c.path, data, coord.CreateFlags{MakePath: true})
	}
	return err
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeCounter(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
