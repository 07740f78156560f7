package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/dreamsxin/wal/segment"
)

// Request is one pending compaction-and-store job, spec.md §4.8's
// StoreRequest.
type Request struct {
	Namespace      string
	Segment        *segment.Sealed
	CreatedAt      time.Time
	ConfigOverride *ConfigOverride
	// OnStore, if set, is invoked after the segment is durably stored.
	OnStore func(durableFrameNo uint64)
}

// DurableUpdate is one (namespace, durable_frame_no) advance, fanned out
// to subscribers per the async_storage.rs notifier restored in
// SPEC_FULL.md §4: multiple independent observers (a Checkpoint waiter,
// a metrics exporter, a future admin surface) can watch it, not just a
// single stored value.
type DurableUpdate struct {
	Namespace string
	FrameNo   uint64
}

// Scheduler is the store scheduler of spec.md §4.8: a per-namespace FIFO
// of pending requests, at most one in-flight job per namespace, and a
// process-wide cap on total concurrency enforced with
// golang.org/x/sync/semaphore.Weighted (spec.md §6's
// max_in_flight_store_jobs).
type Scheduler struct {
	backend Backend
	sem     *semaphore.Weighted
	logger  log.Logger
	metrics *schedulerMetrics

	mu     sync.Mutex
	queues map[string][]Request
	busy   map[string]bool
	subs   []chan DurableUpdate
	closed bool
	wg     sync.WaitGroup
	wakeCh chan struct{}
	stopCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for job failures.
func WithLogger(l log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRegisterer wires Prometheus metrics into reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = newSchedulerMetrics(reg) }
}

// New constructs a Scheduler backed by backend, allowing at most
// maxInFlight compaction jobs to run concurrently.
func New(backend Backend, maxInFlight int64, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend: backend,
		sem:     semaphore.NewWeighted(maxInFlight),
		logger:  log.NewNopLogger(),
		metrics: newSchedulerMetrics(nil),
		queues:  make(map[string][]Request),
		busy:    make(map[string]bool),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue appends req to its namespace's FIFO and wakes the dispatch
// loop. Segments from one namespace are always stored in the order they
// are enqueued (spec.md §5: "the scheduler guarantees in-order upload").
func (s *Scheduler) Enqueue(req Request) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.queues[req.Namespace] = append(s.queues[req.Namespace], req)
	s.metrics.queueDepth.WithLabelValues(req.Namespace).Set(float64(len(s.queues[req.Namespace])))
	s.mu.Unlock()
	s.wake()
}

// Subscribe returns a channel of DurableUpdate events. The channel is
// closed when the scheduler shuts down. Subscribers that fall behind may
// miss updates (the channel is small and non-blocking from the
// scheduler's point of view, per spec.md §4.8 "if the notifier is gone
// it proceeds anyway").
func (s *Scheduler) Subscribe() <-chan DurableUpdate {
	ch := make(chan DurableUpdate, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Close drains in-flight jobs to completion, then stops the dispatch
// loop and closes subscriber channels (spec.md §4.8 "shutdown signal ->
// drain, then exit").
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the scheduler's single dispatch loop (spec.md §4.8's pseudocode):
// while capacity and queued, non-busy work exist, pop and spawn; await a
// new request, a job completion, or shutdown.
func (s *Scheduler) run() {
	defer s.wg.Done()
	var inFlight sync.WaitGroup
	for {
		s.dispatch(&inFlight)
		select {
		case <-s.wakeCh:
		case <-s.stopCh:
			inFlight.Wait()
			return
		}
	}
}

func (s *Scheduler) dispatch(inFlight *sync.WaitGroup) {
	for {
		req, ns, ok := s.nextRunnable()
		if !ok {
			return
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Lock()
			s.queues[ns] = append([]Request{req}, s.queues[ns]...)
			s.busy[ns] = false
			s.mu.Unlock()
			return
		}
		inFlight.Add(1)
		go func(req Request) {
			defer inFlight.Done()
			defer s.sem.Release(1)
			s.runJob(req)
		}(req)
	}
}

// nextRunnable pops the head request of the first namespace that has
// queued work and is not already busy, marking it busy.
func (s *Scheduler) nextRunnable() (Request, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ns, q := range s.queues {
		if len(q) == 0 || s.busy[ns] {
			continue
		}
		req := q[0]
		s.queues[ns] = q[1:]
		s.busy[ns] = true
		s.metrics.queueDepth.WithLabelValues(ns).Set(float64(len(s.queues[ns])))
		return req, ns, true
	}
	return Request{}, "", false
}

// runJob compacts and stores one segment. On failure it pushes the
// request back to the front of its namespace's queue for retry with
// back-off (spec.md §4.8 "Failures are retried indefinitely with
// back-off controlled by the job itself").
func (s *Scheduler) runJob(req Request) {
	start := time.Now()
	err := s.storeOne(req)
	if err != nil {
		s.metrics.jobFailures.WithLabelValues(req.Namespace).Inc()
		level.Error(s.logger).Log("msg", "store job failed, will retry", "namespace", req.Namespace, "err", err)
		backOff(req.CreatedAt)
		// The namespace stays busy until the request is back at the
		// front of its queue, so no later request overtakes it.
		s.mu.Lock()
		s.queues[req.Namespace] = append([]Request{req}, s.queues[req.Namespace]...)
		s.busy[req.Namespace] = false
		s.mu.Unlock()
		s.wake()
		return
	}

	s.mu.Lock()
	s.busy[req.Namespace] = false
	s.mu.Unlock()
	s.metrics.jobDuration.WithLabelValues(req.Namespace).Observe(time.Since(start).Seconds())
	s.wake()
}

// backOff is deliberately simple: it sleeps one tenth of the time since
// the request was created, capped at 500ms. The job is retried
// indefinitely, and exact back-off timing is not part of any testable
// property in spec.md §8.
func backOff(createdAt time.Time) {
	d := time.Since(createdAt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	time.Sleep(d / 10)
}

func (s *Scheduler) storeOne(req Request) error {
	ctx := context.Background()
	newLogID := uuid.New()

	var buf bytes.Buffer
	result, err := req.Segment.Compact(&writerAtBuffer{&buf}, newLogID)
	if err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}

	key, err := s.backend.Store(ctx, req.Namespace, result, bytes.NewReader(buf.Bytes()), req.ConfigOverride)
	if err != nil {
		return fmt.Errorf("store: upload: %w", err)
	}
	_ = key

	durable := result.Info.LastCommittedFrameNo
	s.metrics.segmentsStored.WithLabelValues(req.Namespace).Inc()

	if req.OnStore != nil {
		req.OnStore(durable)
	}
	update := DurableUpdate{Namespace: req.Namespace, FrameNo: durable}
	s.mu.Lock()
	subs := append([]chan DurableUpdate(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
	return nil
}

// writerAtBuffer adapts a bytes.Buffer to segment.WritableFile for
// Compact's output, which writes the frames in order, then the index and
// its checksum, and finally the header back at offset 0. WriteAt grows
// the buffer as needed and overwrites in place, so a plain buffer
// suffices without needing a real file on disk before upload.
type writerAtBuffer struct {
	buf *bytes.Buffer
}

func (w *writerAtBuffer) ReadAt(p []byte, off int64) (int, error) {
	b := w.buf.Bytes()
	if off >= int64(len(b)) {
		return 0, fmt.Errorf("store: writerAtBuffer: read past end")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("store: writerAtBuffer: short read")
	}
	return n, nil
}

func (w *writerAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > w.buf.Len() {
		grow := make([]byte, need-w.buf.Len())
		w.buf.Write(grow)
	}
	b := w.buf.Bytes()
	copy(b[off:need], p)
	return len(p), nil
}

func (w *writerAtBuffer) Sync() error            { return nil }
func (w *writerAtBuffer) Truncate(size int64) error {
	b := w.buf.Bytes()
	if int64(len(b)) > size {
		w.buf.Truncate(int(size))
	}
	return nil
}
func (w *writerAtBuffer) Close() error { return nil }

type schedulerMetrics struct {
	queueDepth     *prometheus.GaugeVec
	jobFailures    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	segmentsStored *prometheus.CounterVec
}

func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	return &schedulerMetrics{
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "store_scheduler_queue_depth",
			Help: "Number of pending store requests queued per namespace.",
		}, []string{"namespace"}),
		jobFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "store_scheduler_job_failures_total",
			Help: "Number of store jobs that failed and were retried.",
		}, []string{"namespace"}),
		jobDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "store_scheduler_job_duration_seconds",
			Help: "Duration of successful compact-and-store jobs.",
		}, []string{"namespace"}),
		segmentsStored: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "store_scheduler_segments_stored_total",
			Help: "Number of segments successfully compacted and stored.",
		}, []string{"namespace"}),
	}
}
