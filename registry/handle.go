package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/meta"
	"github.com/dreamsxin/wal/seglist"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/store"
	"github.com/dreamsxin/wal/walvfs"
)

// Handle is one namespace's shared, reference-counted WAL state
// (spec.md §4.10): the live head segment, its sealed segment list, the
// walvfs.Hook operation vector a local writer or injector drives, and
// enough backend wiring to answer replication's LogSource/SnapshotSource
// and to push sealed segments into the store scheduler on checkpoint.
type Handle struct {
	registry  *Registry
	namespace string
	filer     segment.Filer
	meta      meta.Record

	refs int32 // atomic

	head atomic.Pointer[segment.Head]
	list *seglist.List
	hook *walvfs.Hook
}

// Hook returns the namespace's WAL operation vector (spec.md §4.5),
// which a local writer or an injector.Injector drives directly.
func (h *Handle) Hook() *walvfs.Hook { return h.hook }

// Head returns the currently active head segment. Its identity changes
// across a checkpoint; callers needing a stable snapshot should call
// this once per operation rather than caching it.
func (h *Handle) Head() *segment.Head { return h.head.Load() }

// acquire increments the handle's reference count, returning false if it
// has already dropped to zero (a race with a concurrent teardown) — the
// caller must then retry Registry.Open so it observes the replacement.
func (h *Handle) acquire() bool {
	for {
		old := atomic.LoadInt32(&h.refs)
		if old <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&h.refs, old, old+1) {
			return true
		}
	}
}

// Release drops one reference. The last release tears the handle's
// in-memory state down (closing the head and every sealed segment still
// linked) and removes it from the registry's namespace map, so the next
// Open recovers fresh from disk.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) != 0 {
		return
	}
	h.registry.teardown(h.namespace, h)
	_ = h.hook.Close()
	_ = h.Head().Close()
	for h.list.DropTail() != nil {
	}
}

// oldestFrameNo is the start_frame_no of the oldest segment still
// retained: the tail of the sealed list if non-empty, otherwise the
// head's own start (spec.md §4.7's NEED_SNAPSHOT boundary).
func (h *Handle) oldestFrameNo() uint64 {
	oldest := h.Head().Info().StartFrameNo
	h.list.Walk(func(n *seglist.Node) bool {
		oldest = n.Seg.Info().StartFrameNo
		return true
	})
	return oldest
}

// streamFrames emits every committed frame with frame_no >= from, in
// ascending order: the sealed segment list oldest-to-newest, then the
// live head's currently-committed tail. The list itself is linked
// newest-at-head, so a first Walk collects the segments worth reading
// (acquiring an extra reference on each so it survives past the Walk
// callback's own acquire/release window), and a second pass replays
// them oldest-first before releasing each reference.
func (h *Handle) streamFrames(ctx context.Context, from uint64, emit func(frame.Checked) error) error {
	var segs []*seglist.Node
	h.list.Walk(func(n *seglist.Node) bool {
		if n.Seg.Info().LastCommittedFrameNo < from {
			return false // everything older is even further behind `from`
		}
		if !n.Acquire() {
			return true
		}
		segs = append(segs, n)
		return true
	})

	for i := len(segs) - 1; i >= 0; i-- {
		n := segs[i]
		err := streamSealed(ctx, n.Seg, from, emit)
		n.Release()
		if err != nil {
			return err
		}
	}

	return streamHead(ctx, h.Head(), from, emit)
}

func streamSealed(ctx context.Context, seg *segment.Sealed, from uint64, emit func(frame.Checked) error) error {
	it := seg.IterateFrames(from)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cf, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := emit(cf); err != nil {
			return err
		}
	}
}

func streamHead(ctx context.Context, head *segment.Head, from uint64, emit func(frame.Checked) error) error {
	it := head.IterateFrames(from)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cf, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := emit(cf); err != nil {
			return err
		}
	}
}

// rotate is walvfs.Hook's Checkpoint callback (spec.md §4.5): given the
// segment just sealed, it allocates and returns the namespace's next
// head, chaining the new segment's salt from the sealed segment's final
// checksum so the running checksum chain spans the boundary, and — if a
// store scheduler is configured — enqueues the sealed segment for
// compaction and upload (spec.md §4.8).
func (h *Handle) rotate(sealed *segment.Sealed) (*segment.Head, error) {
	salt, err := sealed.LastChecksum()
	if err != nil {
		return nil, fmt.Errorf("registry: rotate: %w", err)
	}
	info := sealed.Info()
	newHead, err := segment.CreateHead(h.filer, uuid.New().String(), info.LogID, info.LastCommittedFrameNo+1, salt, info.PageSize)
	if err != nil {
		return nil, fmt.Errorf("registry: rotate: create head: %w", err)
	}
	h.head.Store(newHead)

	if h.registry.cfg.Scheduler != nil {
		h.registry.cfg.Scheduler.Enqueue(store.Request{
			Namespace: h.namespace,
			Segment:   sealed,
			OnStore: func(durableFrameNo uint64) {
				_ = h.registry.cfg.Meta.SetDurableFrameNo(h.namespace, durableFrameNo)
			},
		})
	}
	return newHead, nil
}

// waitDurable blocks until frameNo is confirmed stored by the backend,
// backing walvfs.CheckpointFull. Without a configured scheduler there is
// nothing to wait on, so it returns immediately — the local fsync
// Checkpoint already performed is the only durability this deployment
// has.
//
// Subscribe happens before the meta-store check below, not after: a
// store job enqueued by an earlier rotate may complete (and update the
// meta store) before this call ever runs, and subscribing first ensures
// any completion racing with the check is still observed on updates
// rather than silently missed.
func (h *Handle) waitDurable(frameNo uint64) error {
	sched := h.registry.cfg.Scheduler
	if sched == nil {
		return nil
	}
	updates := sched.Subscribe()

	if rec, err := h.registry.cfg.Meta.Load(h.namespace); err == nil && rec.LastDurableFrameNo >= frameNo {
		return nil
	}

	for u := range updates {
		if u.Namespace == h.namespace && u.FrameNo >= frameNo {
			return nil
		}
	}
	return fmt.Errorf("registry: wait durable: scheduler stopped before frame %d confirmed", frameNo)
}
