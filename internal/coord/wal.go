package coord

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// ============================================================================
// Write-ahead log for the coordination tree
// ============================================================================
//
// A length-prefixed, checksummed, batch-fsynced append log with
// Replay-from-seq recovery. It logs resolved Store transactions, one frame
// per commit.
//
// Ephemeral creates are deliberately never written: a coordination-service
// restart is, semantically, every connected session expiring at once (just
// as a real ZooKeeper ensemble restart drops all ephemeral nodes), so there
// is nothing correct to replay them into. The collector's orphan sweep is
// what cleans up the locks and running-registrations that existed only in
// the crashed process's memory.
//
// ============================================================================

type walOp struct {
	Kind opKind
	Path string
	Data []byte
	Seq  uint64 // sequence number assigned, for sequential creates
}

type walRecord struct {
	Seq uint64
	Ops []walOp
}

type opLog struct {
	mu      sync.Mutex
	f       *os.File
	bw      *bufio.Writer
	lastSeq uint64

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
}

func openOpLog(path string, bufferSize int, flushInterval time.Duration, afterSeq uint64) (*opLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	l := &opLog{
		f:             f,
		bw:            bufio.NewWriterSize(f, bufferSize),
		lastSeq:       afterSeq,
		flushInterval: flushInterval,
		stopFlush:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}
	if flushInterval > 0 {
		go l.flushLoop()
	}
	return l, nil
}

// flushLoop fsyncs on a timer rather than after every single Append,
// trading a bounded amount of durability for much higher commit throughput.
func (l *opLog) flushLoop() {
	defer close(l.flushDone)
	t := time.NewTicker(l.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.mu.Lock()
			_ = l.bw.Flush()
			_ = l.f.Sync()
			l.mu.Unlock()
		case <-l.stopFlush:
			return
		}
	}
}

// Append writes one transaction's resolved ops as a single WAL frame.
// Ephemeral creates are filtered out before framing (see package doc).
func (l *opLog) Append(ops []op) error {
	wops := make([]walOp, 0, len(ops))
	for _, o := range ops {
		if o.kind == opCreate && o.flags.Ephemeral {
			continue
		}
		wops = append(wops, walOp{Kind: o.kind, Path: o.resolvedPath, Data: o.data, Seq: o.seq})
	}
	if len(wops) == 0 {
		return nil // transaction was entirely ephemeral creates; nothing to persist
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	rec := walRecord{Seq: l.lastSeq, Ops: wops}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	sum := crc32.ChecksumIEEE(payload)
	var sumBuf [4]byte
	binary.BigEndian.PutUint32(sumBuf[:], sum)

	if _, err := l.bw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write wal frame length: %w", err)
	}
	if _, err := l.bw.Write(payload); err != nil {
		return fmt.Errorf("write wal frame payload: %w", err)
	}
	if _, err := l.bw.Write(sumBuf[:]); err != nil {
		return fmt.Errorf("write wal frame checksum: %w", err)
	}

	// Flush (not fsync) immediately so a concurrent Replay sees the frame;
	// the periodic flushLoop is what fsyncs to disk in batches.
	return l.bw.Flush()
}

// LastSeq returns the sequence number of the last appended record.
func (l *opLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Replay reads every frame from the start of the file and invokes apply for
// each record whose Seq is greater than afterSeq, in order. Used once at
// startup, before any Append call, so it does not need to coordinate with
// the write path beyond opening its own read handle.
func (l *opLog) Replay(afterSeq uint64, apply func([]op) error) error {
	rf, err := os.Open(l.f.Name())
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer rf.Close()

	r := bufio.NewReader(rf)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read wal frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("read wal frame payload: %w", err)
		}
		var sumBuf [4]byte
		if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
			return fmt.Errorf("read wal frame checksum: %w", err)
		}
		want := binary.BigEndian.Uint32(sumBuf[:])
		if got := crc32.ChecksumIEEE(payload); got != want {
			return fmt.Errorf("wal frame checksum mismatch: got %x want %x", got, want)
		}

		var rec walRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}
		if rec.Seq > l.lastSeq {
			l.lastSeq = rec.Seq
		}
		if rec.Seq <= afterSeq {
			continue
		}
		ops := make([]op, len(rec.Ops))
		for i, w := range rec.Ops {
			ops[i] = op{kind: w.Kind, path: w.Path, data: w.Data, resolvedPath: w.Path, seq: w.Seq}
		}
		if err := apply(ops); err != nil {
			return err
		}
	}
}

// Rotate truncates the WAL after a successful snapshot: everything in it is
// now reflected in the snapshot file, so replaying it again on the next
// restart would be redundant work.
func (l *opLog) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bw.Flush(); err != nil {
		return err
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	l.bw.Reset(l.f)
	return nil
}

// Close stops the flush loop and closes the underlying file.
func (l *opLog) Close() error {
	if l.flushInterval > 0 {
		close(l.stopFlush)
		<-l.flushDone
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bw.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// applyLocked applies already-resolved ops (as read back from the WAL or a
// peer's transaction record) directly to the tree, bypassing the optimistic
// apply/rollback path in txn.go: a replayed op was already validated when it
// was first committed, so there is nothing left to check.
func (s *Store) applyLocked(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opCreate:
			parts := splitPath(o.resolvedPath)
			if len(parts) == 0 {
				return ErrInvalid
			}
			leaf := parts[len(parts)-1]
			parent := s.root
			for _, part := range parts[:len(parts)-1] {
				next, ok := parent.children[part]
				if !ok {
					next = newNode(nil, false, 0)
					parent.children[part] = next
				}
				parent = next
			}
			parent.children[leaf] = newNode(o.data, false, 0)
			if o.seq+1 > parent.seqNext {
				parent.seqNext = o.seq + 1
			}
		case opSet:
			if n, _, ok := s.walk(o.resolvedPath); ok {
				n.data = o.data
				n.version++
			}
		case opDelete:
			if n, parent, ok := s.walk(o.resolvedPath); ok && len(n.children) == 0 {
				parts := splitPath(o.resolvedPath)
				delete(parent.children, parts[len(parts)-1])
			}
		}
	}
	return nil
}
