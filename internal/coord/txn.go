package coord

import (
	"fmt"
)

// ============================================================================
// Transactions - atomic multi-op commits
// ============================================================================
//
// A Txn accumulates creates/sets/deletes and commits them atomically: either
// every operation lands, or none does. Ops are applied optimistically against
// the live tree while the store lock is held (no other goroutine can observe
// the half-applied state), with an undo log that unwinds everything if a
// later op fails validation or the WAL append fails. Fails atomically, no
// partial effects, without needing a full tree clone per commit.
//
// ============================================================================

type opKind int

const (
	opCreate opKind = iota
	opSet
	opDelete
)

type op struct {
	kind  opKind
	path  string
	data  []byte
	flags CreateFlags

	// resolved after apply: the actual path (sequential suffix applied) and,
	// for sequential creates, the numeric suffix handed out. Both are filled
	// in by applyOne and are what gets written to the WAL, so replay never
	// has to re-derive a sequence number.
	resolvedPath string
	seq          uint64
}

// TxnResult is the per-operation outcome of a committed transaction, in the
// same order the ops were added.
type TxnResult struct {
	Path string
}

// Txn is a transaction builder. Obtain one with Store.NewTxn.
type Txn struct {
	store *Store
	sess  *Session
	name  string
	ops   []op
}

// NewTxn starts a transaction named name (used only for error context and
// logging). Pass the session that should own any ephemeral node created by
// this transaction, or nil if none of the ops are ephemeral creates.
func (s *Store) NewTxn(name string, sess *Session) *Txn {
	return &Txn{store: s, sess: sess, name: name}
}

// Create queues a node creation.
func (t *Txn) Create(path string, data []byte, flags CreateFlags) *Txn {
	t.ops = append(t.ops, op{kind: opCreate, path: path, data: data, flags: flags})
	return t
}

// Set queues an overwrite of an existing node's payload.
func (t *Txn) Set(path string, data []byte) *Txn {
	t.ops = append(t.ops, op{kind: opSet, path: path, data: data})
	return t
}

// Delete queues a node removal. Deleting an absent node is not an error.
func (t *Txn) Delete(path string) *Txn {
	t.ops = append(t.ops, op{kind: opDelete, path: path})
	return t
}

// Len reports how many ops are queued so far. Callers that queue a
// sequential create (whose final path is only known after Commit) can save
// the index here and look up its resolved path in the matching TxnResult.
func (t *Txn) Len() int {
	return len(t.ops)
}

// Commit applies every queued op atomically.
func (t *Txn) Commit() ([]TxnResult, error) {
	return t.store.commit(t.name, t.ops, t.sess)
}

// commit is the engine behind Txn.Commit and the single-op convenience
// methods on Store (which build a one-element op slice).
func (s *Store) commit(name string, ops []op, sess *Session) ([]TxnResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	touched := map[*node]struct{}{s.root: {}}

	for i := range ops {
		fn, err := s.applyOne(&ops[i], sess, touched)
		if err != nil {
			rollback()
			return nil, &TransactionError{Name: name, OpIndex: i, Path: ops[i].path, Cause: err}
		}
		undo = append(undo, fn)
	}

	if s.wal != nil {
		if err := s.wal.Append(ops); err != nil {
			rollback()
			return nil, fmt.Errorf("coord: wal append for %q failed: %w", name, err)
		}
	}

	for n := range touched {
		n.fireExists()
		n.fireChildren()
	}

	results := make([]TxnResult, len(ops))
	for i, o := range ops {
		results[i] = TxnResult{Path: o.resolvedPath}
	}
	return results, nil
}

// applyOne mutates the tree for a single op, recording touched nodes (so the
// caller knows whose watches to fire) and returning an undo function.
func (s *Store) applyOne(o *op, sess *Session, touched map[*node]struct{}) (func(), error) {
	switch o.kind {
	case opCreate:
		return s.applyCreate(o, sess, touched)
	case opSet:
		return s.applySet(o, touched)
	case opDelete:
		return s.applyDelete(o, touched)
	default:
		return nil, ErrInvalid
	}
}

func (s *Store) applyCreate(o *op, sess *Session, touched map[*node]struct{}) (func(), error) {
	parts := splitPath(o.path)
	if len(parts) == 0 {
		return nil, ErrInvalid
	}
	leaf := parts[len(parts)-1]
	parentParts := parts[:len(parts)-1]

	var undoAncestors []func()
	parent := s.root
	for _, part := range parentParts {
		next, ok := parent.children[part]
		if !ok {
			if !o.flags.MakePath {
				for i := len(undoAncestors) - 1; i >= 0; i-- {
					undoAncestors[i]()
				}
				return nil, ErrNotFound
			}
			next = newNode(nil, false, 0)
			p := parent
			parent.children[part] = next
			undoAncestors = append(undoAncestors, func() { delete(p.children, part) })
			touched[parent] = struct{}{}
		}
		parent = next
	}

	ownerID := SessionID(0)
	if sess != nil {
		ownerID = sess.id
	}

	finalName := leaf
	var seq uint64
	if o.flags.Sequential {
		seq = parent.seqNext
		finalName = fmt.Sprintf("%s%010d", leaf, seq)
	}

	if _, exists := parent.children[finalName]; exists {
		for i := len(undoAncestors) - 1; i >= 0; i-- {
			undoAncestors[i]()
		}
		return nil, ErrConflict
	}

	n := newNode(o.data, o.flags.Ephemeral, ownerID)
	parent.children[finalName] = n
	if o.flags.Sequential {
		parent.seqNext++
	}

	o.resolvedPath = joinPath(parentParts, finalName)
	o.seq = seq

	if o.flags.Ephemeral && sess != nil {
		sess.mu.Lock()
		s.sessions[sess.id][o.resolvedPath] = struct{}{}
		sess.mu.Unlock()
	}

	touched[parent] = struct{}{}
	touched[n] = struct{}{}

	seqBumped := o.flags.Sequential
	return func() {
		delete(parent.children, finalName)
		if seqBumped {
			parent.seqNext--
		}
		if o.flags.Ephemeral && sess != nil {
			sess.mu.Lock()
			delete(s.sessions[sess.id], o.resolvedPath)
			sess.mu.Unlock()
		}
		for i := len(undoAncestors) - 1; i >= 0; i-- {
			undoAncestors[i]()
		}
	}, nil
}

func (s *Store) applySet(o *op, touched map[*node]struct{}) (func(), error) {
	n, _, ok := s.walk(o.path)
	if !ok {
		return nil, ErrNotFound
	}
	oldData, oldVersion := n.data, n.version
	n.data = o.data
	n.version++
	o.resolvedPath = o.path
	touched[n] = struct{}{}
	return func() {
		n.data = oldData
		n.version = oldVersion
	}, nil
}

func (s *Store) applyDelete(o *op, touched map[*node]struct{}) (func(), error) {
	n, parent, ok := s.walk(o.path)
	if !ok {
		o.resolvedPath = o.path
		return func() {}, nil // deleting an absent node is a no-op, not an error
	}
	if len(n.children) > 0 {
		return nil, ErrInvalid
	}

	parts := splitPath(o.path)
	name := parts[len(parts)-1]
	delete(parent.children, name)
	o.resolvedPath = o.path

	unowned := false
	if n.ephemeral && n.owner != 0 {
		if owned, ok := s.sessions[n.owner]; ok {
			delete(owned, o.path)
			unowned = true
		}
	}

	// Watchers registered on the node itself (a lock waiter parked on the
	// holder's node) must fire on its deletion, not just the parent's.
	touched[n] = struct{}{}
	touched[parent] = struct{}{}
	return func() {
		parent.children[name] = n
		if unowned {
			if owned, ok := s.sessions[n.owner]; ok {
				owned[o.path] = struct{}{}
			}
		}
	}, nil
}

func joinPath(parentParts []string, leaf string) string {
	p := "/"
	for _, part := range parentParts {
		p += part + "/"
	}
	return p + leaf
}
