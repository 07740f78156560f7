// Package walvfs implements the WAL hook operation vector of spec.md
// §4.5: the set of calls a host page cache would make into the virtual
// WAL (begin/end a read snapshot, locate and read a frame, append newly
// dirtied pages, undo an uncommitted tail, mark/restore savepoints, and
// run a checkpoint). There is no cgo SQLite VFS binding in this module;
// Hook is the pure-Go operation vector that a future binding (or, as
// here, a test harness and the injector) drives directly, generalizing
// the teacher's WAL type (wal.go) from "append-only raft log" to
// "mutable page cache with a snapshot-read rule".
package walvfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamsxin/wal/seglist"
	"github.com/dreamsxin/wal/segment"
)

var (
	// ErrClosed is returned by any operation on a closed Hook.
	ErrClosed = errors.New("walvfs: hook is closed")
	// ErrInTransaction is returned when a conflicting operation is
	// attempted while an uncommitted tail is open.
	ErrInTransaction = errors.New("walvfs: transaction already open")
)

// Snapshot is the opaque read-transaction token returned by BeginRead:
// reads through it observe frames with frame_no <= the captured value.
type Snapshot struct {
	FrameNo uint64
}

// Location identifies exactly where a page's bytes live: either the
// live head segment, or one specific sealed segment reached through the
// list. It is opaque to callers beyond passing it to ReadFrame.
type Location struct {
	inHead  bool
	node    *seglist.Node // non-nil when !inHead; already acquired, must be released
	maxFrom uint64         // snapshot bound to re-apply on read
}

// PageHeader is one dirtied page as the host page cache would hand it
// to Frames: spec.md §4.5's "linked list of dirty page headers".
type PageHeader struct {
	PageNo uint32
	Data   []byte
}

// CheckpointMode selects how aggressively Checkpoint waits for the
// sealed segment it produces to reach durability.
type CheckpointMode int

const (
	// CheckpointPassive seals the head and returns immediately.
	CheckpointPassive CheckpointMode = iota
	// CheckpointFull seals the head and blocks until waitDurable
	// (supplied at construction) reports the sealed segment's last
	// frame as durable.
	CheckpointFull
)

// WaitDurableFunc blocks until frameNo is known durable (replicated to
// quorum or persisted to the backend), matching the store scheduler's
// durable-frame-no notifier (spec.md §4.7/§8 scenario-driven fan-out).
type WaitDurableFunc func(frameNo uint64) error

// savepointMark is the opaque state vector of spec.md §4.5's
// Savepoint/SavepointUndo pair: a snapshot of the head's append cursor
// taken with the same writer lock Frames uses, so restoring it is just
// truncating back to that ordinal.
type savepointMark struct {
	frameCount uint64
}

// Hook is one namespace's WAL operation vector. The head segment is the
// exclusive-writer resource Frames/Undo/Savepoint/Checkpoint mutate; the
// segment list is the shared, reference-counted chain of everything
// sealed before it. Hook itself does not own a *segment.Head's
// lifecycle across a checkpoint: Checkpoint calls the supplied rotate
// function to get a fresh one, exactly as the teacher's WAL.rotate does
// for raft segments.
type Hook struct {
	mu sync.Mutex // guards head swap and the uncommitted tail

	head   *segment.Head
	list   *seglist.List
	rotate func(sealed *segment.Sealed) (*segment.Head, error)
	wait   WaitDurableFunc

	closed bool

	// uncommitted tail bookkeeping: Frames() calls before is_commit=true
	// are already durable in the head's file (crash safety does not
	// depend on buffering in memory) but SavepointUndo/Undo need to know
	// the append cursor to roll back to.
	txnOpen    bool
	txnStartAt uint64
}

// New constructs a Hook over an already-open head segment and its
// namespace's segment list. rotate is called by Checkpoint to produce
// the next head once the current one is sealed; wait, if non-nil, backs
// CheckpointFull.
func New(head *segment.Head, list *seglist.List, rotate func(*segment.Sealed) (*segment.Head, error), wait WaitDurableFunc) *Hook {
	return &Hook{head: head, list: list, rotate: rotate, wait: wait}
}

// BeginRead captures the current head's last committed frame_no as a
// read snapshot.
func (h *Hook) BeginRead() (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Snapshot{}, ErrClosed
	}
	return Snapshot{FrameNo: h.head.Info().LastCommittedFrameNo}, nil
}

// EndRead releases any resources tied to a read snapshot. FindFrame
// already releases its own sealed-segment reference once the caller's
// ReadFrame completes, so EndRead is a no-op kept for symmetry with the
// described operation vector.
func (h *Hook) EndRead(Snapshot) {}

// DbSize returns the head's current post-commit page count; snap is not
// consulted.
func (h *Hook) DbSize(snap Snapshot) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head.DbSize()
}

// FindFrame walks the head segment first, then the sealed list from tip
// to tail, stopping at the first hit with frame_no <= snap.FrameNo. A
// zero Location with found=false means "not in the WAL; read the main
// database file".
func (h *Hook) FindFrame(snap Snapshot, pageNo uint32) (Location, bool, error) {
	h.mu.Lock()
	closed := h.closed
	head := h.head
	h.mu.Unlock()
	if closed {
		return Location{}, false, ErrClosed
	}

	if _, ok, err := head.ReadPage(pageNo, snap.FrameNo); err != nil {
		return Location{}, false, err
	} else if ok {
		return Location{inHead: true, maxFrom: snap.FrameNo}, true, nil
	}

	var found Location
	var ok bool
	h.list.Walk(func(n *seglist.Node) bool {
		if n.Seg.Info().StartFrameNo > snap.FrameNo {
			return true // too new for this snapshot, keep walking to older ones
		}
		if _, hit, _ := n.Seg.ReadPage(pageNo, snap.FrameNo); hit {
			if n.Acquire() {
				found = Location{node: n, maxFrom: snap.FrameNo}
				ok = true
			}
			return false
		}
		return true
	})
	return found, ok, nil
}

// ReadFrame copies the page bytes identified by loc. The caller is done
// with loc after this call; any sealed-segment reference it held is
// released here.
func (h *Hook) ReadFrame(loc Location, pageNo uint32) ([]byte, error) {
	if loc.inHead {
		h.mu.Lock()
		head := h.head
		h.mu.Unlock()
		data, ok, err := head.ReadPage(pageNo, loc.maxFrom)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("walvfs: page %d vanished from head between FindFrame and ReadFrame", pageNo)
		}
		return data, nil
	}
	defer loc.node.Release()
	data, ok, err := loc.node.Seg.ReadPage(pageNo, loc.maxFrom)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("walvfs: page %d vanished from sealed segment between FindFrame and ReadFrame", pageNo)
	}
	return data, nil
}

// Frames appends each dirtied page in order, matching spec.md §4.5: the
// last call in a transaction carries isCommit=true and the post-commit
// page count.
func (h *Hook) Frames(headers []PageHeader, sizeAfter uint32, isCommit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.txnOpen {
		h.txnOpen = true
		h.txnStartAt = h.head.Info().FrameCount
	}
	for i, ph := range headers {
		committing := isCommit && i == len(headers)-1
		var sa uint32
		if committing {
			sa = sizeAfter
		}
		if _, err := h.head.Append(ph.PageNo, ph.Data, committing, sa); err != nil {
			return err
		}
	}
	if isCommit {
		h.txnOpen = false
	}
	return nil
}

// Undo discards the uncommitted tail appended since the transaction
// began, matching spec.md §4.5. Since every append here is already
// fsynced to the head file, "discard" means truncating the head back to
// the pre-transaction frame count (RecoverHead-style truncation). The
// predicate argument is accepted for interface fidelity but is not
// consulted: Undo always discards the whole uncommitted tail, whichever
// pages it holds.
func (h *Hook) Undo(matchesAll func(pageNo uint32) bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.txnOpen {
		return nil
	}
	if err := h.head.TruncateTo(h.txnStartAt); err != nil {
		return err
	}
	h.txnOpen = false
	return nil
}

// Savepoint marks the current append cursor within the uncommitted
// tail.
func (h *Hook) Savepoint() (savepointMark, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return savepointMark{}, ErrClosed
	}
	return savepointMark{frameCount: h.head.Info().FrameCount}, nil
}

// SavepointUndo restores the append cursor to a previously captured
// mark, discarding any frames appended after it.
func (h *Hook) SavepointUndo(mark savepointMark) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.head.TruncateTo(mark.frameCount)
}

// Checkpoint seals the current head, links it onto the segment list,
// and swaps in a fresh head via rotate. CheckpointFull additionally
// blocks until wait reports the sealed segment's last frame durable.
func (h *Hook) Checkpoint(mode CheckpointMode) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.txnOpen {
		h.mu.Unlock()
		return ErrInTransaction
	}
	oldHead := h.head
	h.mu.Unlock()

	sealed, err := oldHead.Seal()
	if err != nil {
		return err
	}
	h.list.Prepend(sealed)

	newHead, err := h.rotate(sealed)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.head = newHead
	h.mu.Unlock()

	if mode == CheckpointFull && h.wait != nil {
		return h.wait(sealed.Info().LastCommittedFrameNo)
	}
	return nil
}

// Close releases the hook. It does not close the head segment, since
// ownership of the head's lifecycle belongs to whoever constructed the
// Hook (the namespace registry).
func (h *Hook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
