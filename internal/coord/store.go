// ============================================================================
// Coordination Store - typed access to the hierarchical KV namespace
// ============================================================================
//
// Package: internal/coord
// Purpose: serialize/deserialize node payloads, compose atomic multi-ops,
// and provide the single-holder lock / counter / locking-queue recipes that
// everything else in this module is built on.
//
// Every other package talks to the namespace exclusively through this Store,
// never through a bare map. It lives in one process, but the API surface
// (typed get/set/create/delete/children/exists, ephemeral + sequential
// create flags, existence/children watches, atomic transactions) matches a
// ZooKeeper-style client contract, so every recipe built on top (lock.go,
// counter.go, queue.go in ./recipes) would port unchanged to a real
// ensemble client.
//
// Durability: every transaction is appended to a write-ahead log before its
// commit returns (a failed append rolls the applied ops back), and the tree
// can be periodically snapshotted, so a
// process restart (NewStore(path) again) replays wal.go + snapshot.go to
// reconstruct the exact namespace state: load the snapshot first, then
// replay the WAL entries committed since.
//
// ============================================================================

package coord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var log = slog.Default()

// Store is a single coordination namespace. The zero value is not usable;
// construct with NewStore or NewMemStore.
type Store struct {
	mu       sync.Mutex
	root     *node
	sessions map[SessionID]map[string]struct{} // session -> set of ephemeral paths it owns
	nextSess SessionID

	wal  *opLog           // nil when running without durability (tests, demo)
	snap *SnapshotManager // nil when running without durability
}

// NewMemStore returns a Store with no durability: state lives only in
// memory and is lost on process exit. Useful for tests and the demo binary.
func NewMemStore() *Store {
	return &Store{
		root:     newNode(nil, false, 0),
		sessions: make(map[SessionID]map[string]struct{}),
	}
}

// NewStore opens a durable Store backed by a WAL file and a snapshot file,
// replaying them to reconstruct the last committed tree: snapshot first,
// then the WAL operations committed since.
func NewStore(walPath, snapshotPath string, walBufferSize int, walFlushInterval time.Duration) (*Store, error) {
	s := NewMemStore()

	snap := NewSnapshotManager(snapshotPath)
	s.snap = snap

	start := time.Now()
	tree, lastSeq, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("coord: failed to load snapshot: %w", err)
	}
	s.root = tree

	wal, err := openOpLog(walPath, walBufferSize, walFlushInterval, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("coord: failed to open wal: %w", err)
	}
	s.wal = wal

	replayed := 0
	if err := wal.Replay(lastSeq, func(ops []op) error {
		replayed++
		return s.applyLocked(ops)
	}); err != nil {
		return nil, fmt.Errorf("coord: failed to replay wal: %w", err)
	}

	log.Info("coordination store recovered", "duration", time.Since(start), "wal_replayed_batches", replayed)
	return s, nil
}

// Snapshot writes the current tree to the snapshot file and rotates the WAL.
func (s *Store) Snapshot() error {
	if s.snap == nil {
		return nil // memory-only store, nothing to persist
	}
	s.mu.Lock()
	tree := cloneTree(s.root)
	seq := s.wal.LastSeq()
	s.mu.Unlock()

	if err := s.snap.Write(tree, seq); err != nil {
		return fmt.Errorf("coord: snapshot write failed: %w", err)
	}
	return s.wal.Rotate()
}

// Close flushes and closes the underlying WAL, if any.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}

// ============================================================================
// Sessions
// ============================================================================

// NewSession opens a client session. Every ephemeral node created under this
// session disappears when the session is Closed - the in-process stand-in
// for a ZooKeeper session expiring when a worker process dies.
func (s *Store) NewSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSess++
	id := s.nextSess
	s.sessions[id] = make(map[string]struct{})
	return &Session{id: id, store: s}
}

// Session is a coordination client handle bound to one logical connection.
type Session struct {
	id     SessionID
	store  *Store
	closed bool
	mu     sync.Mutex
}

// ID returns the session's identifier, for logging.
func (sess *Session) ID() SessionID { return sess.id }

// Close expires the session: every ephemeral node it owns is deleted in one
// sweep and any watchers on those paths fire. Idempotent.
func (sess *Session) Close() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()
	sess.store.expireSession(sess.id)
}

func (s *Store) expireSession(id SessionID) {
	s.mu.Lock()
	owned := s.sessions[id]
	delete(s.sessions, id)
	var paths []string
	for p := range owned {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, p := range paths {
		// best-effort: the node may already be gone via an explicit delete
		_ = s.Delete(p)
	}
}

// ============================================================================
// Single-operation convenience API (each is a one-op transaction)
// ============================================================================

// Get returns the payload stored at path.
func (s *Store) Get(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _, ok := s.walk(path)
	if !ok {
		return nil, ErrNotFound
	}
	return n.data, nil
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ok := s.walk(path)
	return ok, nil
}

// Children lists the direct children of path, in no particular order (the
// caller sorts if FIFO-by-name ordering matters, e.g. queue entries).
func (s *Store) Children(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _, ok := s.walk(path)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	return out, nil
}

// Set overwrites the payload at path, which must already exist.
func (s *Store) Set(path string, data []byte) error {
	_, err := s.commit("set", []op{{kind: opSet, path: path, data: data}}, nil)
	return err
}

// Create makes a new node at path (all ancestors must already exist unless
// MakePath is set) and returns its actual path - the caller-given path with
// a zero-padded sequence suffix appended when Sequential is set.
func (s *Store) Create(path string, data []byte, flags CreateFlags) (string, error) {
	results, err := s.commit("create", []op{{kind: opCreate, path: path, data: data, flags: flags}}, nil)
	if err != nil {
		return "", err
	}
	return results[0].Path, nil
}

// CreateEphemeral is Create with Ephemeral set, bound to sess so the node is
// removed when sess.Close() runs.
func (s *Store) CreateEphemeral(sess *Session, path string, data []byte) (string, error) {
	results, err := s.commit("create-ephemeral", []op{{kind: opCreate, path: path, data: data, flags: CreateFlags{Ephemeral: true}}}, sess)
	if err != nil {
		return "", err
	}
	return results[0].Path, nil
}

// Delete removes the node at path. Deleting an absent node is not an error;
// the commit treats a missing target as a successful no-op, so lock release
// never fails just because the holder already vanished.
func (s *Store) Delete(path string) error {
	_, err := s.commit("delete", []op{{kind: opDelete, path: path}}, nil)
	return err
}

// CreateFlags mirror the ZooKeeper-style create flags.
type CreateFlags struct {
	Ephemeral  bool
	Sequential bool
	MakePath   bool
}

// ============================================================================
// Watches
// ============================================================================

// WatchExists returns a channel that is closed the next time path is
// created, deleted, or has its data set. One-shot, like a ZooKeeper watch:
// callers that need to keep watching must re-register after it fires.
func (s *Store) WatchExists(path string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	n, parent, ok := s.walk(path)
	target := n
	if !ok {
		target = parent // watch fires on the parent when the child doesn't exist yet
	}
	if target == nil {
		target = s.root
	}
	target.existsWatch = append(target.existsWatch, ch)
	return ch
}

// WatchChildren returns a channel closed the next time a child of path is
// added or removed.
func (s *Store) WatchChildren(path string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _, ok := s.walk(path)
	if !ok {
		return nil, ErrNotFound
	}
	ch := make(chan struct{})
	n.childrenWatch = append(n.childrenWatch, ch)
	return ch, nil
}
