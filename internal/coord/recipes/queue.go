package recipes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
)

// AbortableLockingQueue is a FIFO built from sequential entry nodes plus a
// parallel "taken" namespace used to claim an entry without removing it:
// Get claims the oldest unclaimed entry by creating an ephemeral marker
// under the taken path (so a crashed claimant's session expiring makes the
// entry available again), and the caller either Consumes it (removes both
// the entry and the claim once the work is durably recorded downstream) or
// Abandons it (drops just the claim, leaving the entry for the next Get).
//
// Entries carry a priority baked into their name (entry-<pri>-<seq>), so a
// plain lexicographic sort of the children yields priority-then-FIFO order:
// lower priority numbers serve first, FIFO within a priority.
//
// "Abortable" because a blocked Get does not poll on a timeout: it parks on
// a children-watch and a context cancellation is the one external signal
// that unblocks it, so shutdown never waits out a sleep. Each wait registers
// one children-watch; a Get aborted by its context leaves that watch
// registered until the entries namespace next changes.
type AbortableLockingQueue struct {
	store       *coord.Store
	sess        *coord.Session
	entriesPath string
	takenPath   string
}

// NewAbortableLockingQueue returns a queue rooted at root, using root+"/entries"
// and root+"/taken" as the two namespaces. Neither needs to exist up front:
// the first Put creates the entries namespace and the first claim in Get
// creates the taken namespace.
func NewAbortableLockingQueue(store *coord.Store, sess *coord.Session, root string) *AbortableLockingQueue {
	return &AbortableLockingQueue{
		store:       store,
		sess:        sess,
		entriesPath: root + "/entries",
		takenPath:   root + "/taken",
	}
}

// Put appends data as a new entry at the given priority and returns its
// assigned id. Lower priority numbers are served first.
func (q *AbortableLockingQueue) Put(data []byte, priority int) (string, error) {
	path, err := q.store.Create(q.entryPrefix(priority), data, coord.CreateFlags{Sequential: true, MakePath: true})
	if err != nil {
		return "", fmt.Errorf("recipes: queue put: %w", err)
	}
	return lastSegment(path), nil
}

// entryPrefix builds the sequential-create prefix for priority, zero-padded
// so lexicographic child order is priority order.
func (q *AbortableLockingQueue) entryPrefix(priority int) string {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	return fmt.Sprintf("%s/entry-%03d-", q.entriesPath, priority)
}

// Get blocks until it can claim an entry, or ctx is cancelled. On success it
// returns the entry's id and payload; the caller must eventually call
// Consume or Abandon with that id.
func (q *AbortableLockingQueue) Get(ctx context.Context) (id string, data []byte, err error) {
	for {
		names, err := q.store.Children(q.entriesPath)
		if err != nil && !errors.Is(err, coord.ErrNotFound) {
			return "", nil, fmt.Errorf("recipes: queue get: %w", err)
		}
		sort.Strings(names) // sequential suffixes are zero-padded: lexicographic == FIFO order

		for _, name := range names {
			taken := q.takenPath + "/" + name
			_, cerr := q.store.CreateEphemeral(q.sess, taken, nil)
			if errors.Is(cerr, coord.ErrNotFound) {
				// The taken namespace is created by the first claim ever made.
				if _, merr := q.store.Create(q.takenPath, nil, coord.CreateFlags{MakePath: true}); merr != nil && !errors.Is(merr, coord.ErrConflict) {
					return "", nil, fmt.Errorf("recipes: queue get: create %s: %w", q.takenPath, merr)
				}
				_, cerr = q.store.CreateEphemeral(q.sess, taken, nil)
			}
			if cerr != nil {
				if errors.Is(cerr, coord.ErrConflict) {
					continue // another consumer already claimed this entry
				}
				return "", nil, fmt.Errorf("recipes: queue get: claim %s: %w", name, cerr)
			}
			entryData, gerr := q.store.Get(q.entriesPath + "/" + name)
			if gerr != nil {
				// Entry vanished between listing and claiming (consumed by a
				// racing Consume elsewhere); drop our stale claim and move on.
				_ = q.store.Delete(taken)
				continue
			}
			return name, entryData, nil
		}

		watch, werr := q.store.WatchChildren(q.entriesPath)
		if werr != nil {
			if !errors.Is(werr, coord.ErrNotFound) {
				return "", nil, fmt.Errorf("recipes: queue get: %w", werr)
			}
			// The entries directory does not exist yet (nothing has ever been
			// Put); park on its creation instead.
			watch = q.store.WatchExists(q.entriesPath)
		}
		select {
		case <-watch:
			continue
		case <-ctx.Done():
			return "", nil, fmt.Errorf("recipes: queue get: %w", coord.ErrAborted)
		}
	}
}

// Consume removes both the entry and its claim, permanently retiring id.
func (q *AbortableLockingQueue) Consume(id string) error {
	if err := q.store.Delete(q.entriesPath + "/" + id); err != nil {
		return fmt.Errorf("recipes: queue consume %s: %w", id, err)
	}
	return q.store.Delete(q.takenPath + "/" + id)
}

// Abandon drops the claim on id without removing the entry, so the next Get
// (from this process or another) can pick it up again.
func (q *AbortableLockingQueue) Abandon(id string) error {
	return q.store.Delete(q.takenPath + "/" + id)
}

// PutOp queues a Put onto an already-open transaction instead of committing
// it on its own, so the enqueue lands atomically alongside whatever else the
// caller is writing. Returns the op's index; once txn.Commit succeeds, the
// assigned entry id is the last path segment of the matching TxnResult.
func (q *AbortableLockingQueue) PutOp(txn *coord.Txn, data []byte, priority int) int {
	idx := txn.Len()
	txn.Create(q.entryPrefix(priority), data, coord.CreateFlags{Sequential: true, MakePath: true})
	return idx
}

// ConsumeOp queues the deletes Consume would perform onto an already-open
// transaction, so retiring id commits atomically with other mutations.
func (q *AbortableLockingQueue) ConsumeOp(txn *coord.Txn, id string) {
	txn.Delete(q.entriesPath + "/" + id)
	txn.Delete(q.takenPath + "/" + id)
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
