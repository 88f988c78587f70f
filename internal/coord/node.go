package coord

import "strings"

// ============================================================================
// Coordination Store - internal tree representation
// ============================================================================
//
// A Store is a single in-process hierarchical KV tree that stands in for
// an external ZooKeeper-like coordination service.
// Every path component is a node; nodes carry an opaque payload, a version
// counter (bumped on every Set, used only for diagnostics here — the real
// service would use it for compare-and-swap), an ephemeral owner, and a
// per-parent sequence cursor for sequential children.
//
// ============================================================================

// SessionID identifies the coordination client session that created an
// ephemeral node. Sessions are the unit of failure: closing one (or losing
// it, in the real service) deletes every ephemeral node it owns in one
// sweep, which is exactly how the collector detects a dead worker.
type SessionID uint64

type node struct {
	data      []byte
	version   int32
	ephemeral bool
	owner     SessionID
	children  map[string]*node
	seqNext   uint64 // next suffix handed out to a sequential child of this node

	existsWatch   []chan struct{}
	childrenWatch []chan struct{}
}

func newNode(data []byte, ephemeral bool, owner SessionID) *node {
	return &node{
		data:      data,
		ephemeral: ephemeral,
		owner:     owner,
		children:  make(map[string]*node),
	}
}

// fireExists wakes every exists-watcher registered on this node (one-shot).
func (n *node) fireExists() {
	for _, ch := range n.existsWatch {
		close(ch)
	}
	n.existsWatch = nil
}

// fireChildren wakes every children-watcher registered on this node (one-shot).
func (n *node) fireChildren() {
	for _, ch := range n.childrenWatch {
		close(ch)
	}
	n.childrenWatch = nil
}

// splitPath turns "/a/b/c" into ["a","b","c"]; "/" into nil.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// walk resolves path from root, returning the node and its parent (parent is
// nil for root itself). ok is false if any component is missing.
func (s *Store) walk(path string) (n *node, parent *node, ok bool) {
	parts := splitPath(path)
	cur := s.root
	var prev *node
	for _, part := range parts {
		prev = cur
		next, exists := cur.children[part]
		if !exists {
			return nil, prev, false
		}
		cur = next
	}
	return cur, prev, true
}
