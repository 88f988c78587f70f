package coord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ============================================================================
// Snapshot persistence for the coordination tree
// ============================================================================
//
// Write to a temp file in the same directory, fsync, then atomically rename
// over the real path, so a crash mid-write never leaves a half-written
// snapshot for the next recovery to trip over.
//
// Ephemeral nodes are never included (see wal.go's package doc for why): the
// cloned tree handed to Write has already had every ephemeral subtree
// stripped out by cloneTree.
//
// ============================================================================

const snapshotSchemaVersion = 1

type snapNode struct {
	Data     []byte               `json:"data,omitempty"`
	SeqNext  uint64               `json:"seq_next,omitempty"`
	Children map[string]*snapNode `json:"children,omitempty"`
}

type snapshotFile struct {
	Version int       `json:"version"`
	Seq     uint64    `json:"seq"`
	Root    *snapNode `json:"root"`
}

// SnapshotManager persists and restores the coordination tree to a single
// file on disk.
type SnapshotManager struct {
	path string
}

// NewSnapshotManager returns a manager for the snapshot file at path.
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Load reads the snapshot file and reconstructs the tree, along with the WAL
// sequence number it was taken at. A missing file is not an error: it means
// this is a fresh store, and Load returns an empty root at sequence 0.
func (m *SnapshotManager) Load() (*node, uint64, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newNode(nil, false, 0), 0, nil
		}
		return nil, 0, fmt.Errorf("read snapshot: %w", err)
	}

	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if sf.Version != snapshotSchemaVersion {
		return nil, 0, fmt.Errorf("unsupported snapshot schema version %d", sf.Version)
	}
	root := inflate(sf.Root)
	return root, sf.Seq, nil
}

// Write atomically persists tree (already stripped of ephemeral subtrees by
// the caller) as the snapshot taken at WAL sequence seq.
func (m *SnapshotManager) Write(tree *node, seq uint64) error {
	sf := snapshotFile{Version: snapshotSchemaVersion, Seq: seq, Root: deflate(tree)}
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("rename temp snapshot into place: %w", err)
	}
	return nil
}

func deflate(n *node) *snapNode {
	sn := &snapNode{Data: n.data, SeqNext: n.seqNext}
	if len(n.children) > 0 {
		sn.Children = make(map[string]*snapNode, len(n.children))
		for name, c := range n.children {
			sn.Children[name] = deflate(c)
		}
	}
	return sn
}

func inflate(sn *snapNode) *node {
	n := newNode(sn.Data, false, 0)
	n.seqNext = sn.SeqNext
	for name, c := range sn.Children {
		n.children[name] = inflate(c)
	}
	return n
}

// cloneTree deep-copies the tree rooted at n, dropping every ephemeral
// subtree along the way: ephemeral nodes belong to a live session, and a
// session cannot survive the coordination store itself restarting, so there
// is nothing valid to persist for them.
func cloneTree(n *node) *node {
	c := newNode(append([]byte(nil), n.data...), false, 0)
	c.seqNext = n.seqNext
	for name, child := range n.children {
		if child.ephemeral {
			continue
		}
		c.children[name] = cloneTree(child)
	}
	return c
}
