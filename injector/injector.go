// Package injector implements the follower-side frame injector of
// spec.md §4.6: buffering replicated frames, flushing them into a local
// WAL with the same commit atomicity a local writer gets, and exposing
// the Idle/InTxn/Rollback state machine as a small, synchronous type.
//
// It drives the same walvfs.Hook.Frames append path a local writer would
// use (per the SPEC_FULL Open Question resolution: no SQLite vector
// re-entry quirk applies here since Hook is a plain Go interface), so
// injected frames get the identical on-disk commit ordering as
// locally-appended ones.
package injector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/walvfs"
)

// ErrConflict is returned when a frame's checksum does not chain from
// the receiver's current position (spec.md §7 "Conflict"). The caller
// must re-handshake with the primary; the local WAL is left untouched.
var ErrConflict = errors.New("injector: frame checksum does not chain from local state")

// ErrBufferFull is returned by Push when the buffer is at capacity and
// the next frame is still not a commit frame; the caller should treat
// this as a flush-required signal rather than data loss, per spec.md
// §4.6 step 2 ("OR the buffer reaches capacity").
var ErrBufferFull = errors.New("injector: buffer at capacity, flush required")

// state is the injector's externally-observable state machine
// (spec.md §4.6): Idle is the only state visible between calls.
type state int

const (
	stateIdle state = iota
	stateInTxn
)

// Hook is the subset of walvfs.Hook the injector drives. Kept as an
// interface so tests can substitute a stub without a real segment
// backing it.
type Hook interface {
	Frames(headers []walvfs.PageHeader, sizeAfter uint32, isCommit bool) error
}

// Injector applies frames received from a primary into a local WAL,
// buffering by ascending frame_no and flushing on a commit frame or at
// capacity (spec.md §4.6).
type Injector struct {
	mu       sync.Mutex
	hook     Hook
	capacity int
	logger   log.Logger
	metrics  *metrics

	state        state
	buf          []frame.Checked
	prevChecksum uint32 // chain seed for the first buffered frame
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the logger used for flush failures and conflicts.
func WithLogger(l log.Logger) Option {
	return func(i *Injector) { i.logger = l }
}

// WithRegisterer wires Prometheus metrics into reg (spec.md ambient
// stack: nil-safe, promauto.With(nil) is legal).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(i *Injector) { i.metrics = newMetrics(reg) }
}

// New constructs an Injector over hook, buffering up to capacity frames
// before a forced flush (spec.md §6's injector_buffer_capacity, default
// 10). lastChecksum is the running checksum the receiver's chain
// currently ends at, i.e. the seed the first pushed frame must chain
// from.
func New(hook Hook, capacity int, lastChecksum uint32, opts ...Option) *Injector {
	i := &Injector{
		hook:         hook,
		capacity:     capacity,
		logger:       log.NewNopLogger(),
		metrics:      newMetrics(nil),
		prevChecksum: lastChecksum,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Push buffers one replicated frame. It validates the frame's checksum
// chains from the injector's current position before buffering it; a
// mismatch is an immediate ErrConflict with nothing buffered or applied,
// forcing the caller to re-handshake (spec.md §8 "Injection of a frame
// whose prev_checksum does not match... returns a conflict").
//
// If the frame is a commit frame (size_after != 0), Push flushes
// automatically before returning. Otherwise, once the buffer reaches
// capacity, Push returns ErrBufferFull; the caller must call Flush
// explicitly (this surfaces the "OR reaches capacity" branch of spec.md
// §4.6 step 2 as an explicit decision point rather than a silent
// automatic flush of a non-commit-aligned batch).
func (i *Injector) Push(cf frame.Checked, pageSize int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	seed := i.prevChecksum
	if len(i.buf) > 0 {
		seed = i.buf[len(i.buf)-1].Checksum
	}
	if got := frame.Verify(seed, cf.Header, cf.Data[:pageSize]); got != cf.Checksum {
		i.metrics.conflicts.Inc()
		level.Warn(i.logger).Log("msg", "injector conflict, frame does not chain", "frame_no", cf.Header.FrameNo)
		return ErrConflict
	}

	i.state = stateInTxn
	i.buf = append(i.buf, cf)

	if cf.Header.IsCommit() {
		return i.flushLocked()
	}
	if len(i.buf) >= i.capacity {
		return ErrBufferFull
	}
	return nil
}

// Flush forces a flush of whatever is currently buffered, used when the
// caller decides to flush a non-commit-aligned batch (e.g. because
// ErrBufferFull was returned, or the stream is being torn down).
func (i *Injector) Flush() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flushLocked()
}

// flushLocked opens a write transaction in the local WAL, replays each
// buffered frame through the hook's append path, then commits. Any
// failure rolls the entire flush back, clears the buffer, and the caller
// must re-handshake (spec.md §4.6 step 4). Re-injection is not
// idempotent: the hook assigns frame numbers itself and does not look
// for frames it already holds, so frames handed to flushLocked are
// always appended. A batch that has already been flushed cannot be
// pushed again, since Push then rejects its first frame with
// ErrConflict (the chain seed has moved past it).
func (i *Injector) flushLocked() error {
	if len(i.buf) == 0 {
		i.state = stateIdle
		return nil
	}

	headers := make([]walvfs.PageHeader, len(i.buf))
	for idx, cf := range i.buf {
		headers[idx] = walvfs.PageHeader{PageNo: cf.Header.PageNo, Data: cf.Data}
	}
	last := i.buf[len(i.buf)-1]
	isCommit := last.Header.IsCommit()

	if err := i.hook.Frames(headers, last.Header.SizeAfter, isCommit); err != nil {
		i.metrics.flushFailures.Inc()
		level.Error(i.logger).Log("msg", "injector flush failed, rolling back", "err", err)
		i.buf = nil
		i.state = stateIdle
		return fmt.Errorf("injector: flush: %w", err)
	}

	i.metrics.framesApplied.Add(float64(len(i.buf)))
	i.prevChecksum = last.Checksum
	i.buf = nil
	if isCommit {
		i.state = stateIdle
	}
	return nil
}

// InTxn reports whether the injector currently has an open, uncommitted
// buffer (spec.md §4.6's state machine: true between `begin` and
// `commit`/`rollback`).
func (i *Injector) InTxn() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == stateInTxn
}

// Reset discards any buffered, unflushed frames and returns to Idle,
// used when the caller is about to re-handshake after a conflict or
// connection loss.
func (i *Injector) Reset(lastChecksum uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.buf = nil
	i.state = stateIdle
	i.prevChecksum = lastChecksum
}

type metrics struct {
	framesApplied prometheus.Counter
	flushFailures prometheus.Counter
	conflicts     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		framesApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_frames_applied_total",
			Help: "Number of replicated frames successfully flushed into the local WAL.",
		}),
		flushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_flush_failures_total",
			Help: "Number of injector flushes that failed and were rolled back.",
		}),
		conflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "injector_conflicts_total",
			Help: "Number of pushed frames rejected because their checksum did not chain.",
		}),
	}
}
