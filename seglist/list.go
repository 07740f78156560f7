// Package seglist implements the segment list of spec.md §4.4: a
// singly-linked, head-first list of shared, reference-counted sealed
// segments. Writers (Prepend on a seal swap, and DropTail) acquire a
// mutex; readers traverse the list
// lock-free from a captured head snapshot, the same acquire/release
// refcounting discipline as the teacher's state.acquire()/release() in
// wal.go, generalized from "one snapshot of the whole WAL" to "one node
// per sealed segment".
package seglist

import (
	"sync"
	"sync/atomic"

	"github.com/dreamsxin/wal/segment"
)

// Node is one link in the segment list. A Node's own structural
// membership in the list holds one reference; every reader that retains
// a Node across suspension points must call Acquire and later Release.
type Node struct {
	Seg  *segment.Sealed
	next atomic.Pointer[Node]
	refs int32

	onZero func(*Node) // called exactly once when refs reaches zero
}

// Acquire increments the node's reference count. Returns false if the
// node has already been released to zero (a race with a concurrent final
// Release); callers must treat that as "node no longer usable".
func (n *Node) Acquire() bool {
	for {
		old := atomic.LoadInt32(&n.refs)
		if old <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&n.refs, old, old+1) {
			return true
		}
	}
}

// Release decrements the reference count, invoking onZero exactly once
// when it reaches zero.
func (n *Node) Release() {
	if atomic.AddInt32(&n.refs, -1) == 0 && n.onZero != nil {
		n.onZero(n)
	}
}

// Next returns the following node, acquiring a reference to it on the
// caller's behalf (or nil if this is the tail).
func (n *Node) Next() *Node {
	next := n.next.Load()
	if next == nil {
		return nil
	}
	if !next.Acquire() {
		// The successor was concurrently dropped and fully released
		// between our load and Acquire; treat it as end-of-list from
		// this reader's point of view.
		return nil
	}
	return next
}

// List is the append-at-head, drop-at-tail segment list of one
// namespace.
type List struct {
	mu   sync.Mutex // held only across a seal swap or a tail drop
	head atomic.Pointer[Node]
}

// New returns an empty segment list.
func New() *List { return &List{} }

// closeOnZero is invoked once a node's refcount reaches zero: the
// underlying sealed segment file is closed. It never deletes the file.
func closeOnZero(n *Node) {
	_ = n.Seg.Close()
}

// Prepend pushes a newly sealed segment onto the head of the list. Held
// under the write mutex since it mutates head.
func (l *List) Prepend(seg *segment.Sealed) *Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := &Node{Seg: seg, refs: 1, onZero: closeOnZero}
	n.next.Store(l.head.Load())
	l.head.Store(n)
	return n
}

// Head returns the current head node with an acquired reference, or nil
// if the list is empty. Callers must Release it when done.
func (l *List) Head() *Node {
	for {
		h := l.head.Load()
		if h == nil {
			return nil
		}
		if h.Acquire() {
			return h
		}
		// h was concurrently dropped and fully released; retry.
	}
}

// DropTail finds the last node in the list (walking from head) and
// structurally unlinks it, releasing the list's own reference. Readers
// that already hold a reference keep the node (and its file) alive until
// they release it. Returns the dropped node, or nil if the list is
// empty.
func (l *List) DropTail() *Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.head.Load()
	if h == nil {
		return nil
	}
	if h.next.Load() == nil {
		// Only one node: the list becomes empty.
		l.head.Store(nil)
		h.Release()
		return h
	}

	prev := h
	cur := h.next.Load()
	for cur.next.Load() != nil {
		prev = cur
		cur = cur.next.Load()
	}
	prev.next.Store(nil)
	cur.Release()
	return cur
}

// Walk calls fn for every node from the head to the tail, stopping early
// if fn returns false. It acquires and releases a reference to each node
// as it visits it, so it is safe to call concurrently with Prepend and
// DropTail.
func (l *List) Walk(fn func(*Node) bool) {
	n := l.Head()
	for n != nil {
		keepGoing := fn(n)
		next := n.Next()
		n.Release()
		if !keepGoing {
			if next != nil {
				next.Release()
			}
			return
		}
		n = next
	}
}

// Len returns the number of nodes currently linked. O(n); intended for
// tests and diagnostics only.
func (l *List) Len() int {
	count := 0
	l.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}
