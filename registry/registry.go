// Package registry implements the shared WAL registry of spec.md §4.10:
// a process-wide `namespace -> handle` map, reference-counted handles,
// and §7's recovery-on-open algorithm (open segments newest-first,
// validate header checksums, quarantine and restore corrupt ones, and
// truncate an uncommitted tail off the most recent unsealed segment
// before reopening it as the active head).
//
// The namespace map itself is a benbjohnson/immutable.SortedMap, the
// same zero-value-constructed, copy-on-write map the teacher keeps its
// segment index in (dreamsxin-wal's state.segments): readers take a
// snapshot pointer under a read lock and then walk it lock-free
// (spec.md §5's "namespace registry: upgradeable reader-writer lock so
// the common open-existing case is lock-free for readers"); only
// inserting or removing a namespace takes the write lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/meta"
	"github.com/dreamsxin/wal/replication"
	"github.com/dreamsxin/wal/seglist"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/store"
	"github.com/dreamsxin/wal/walvfs"
)

// ErrNamespaceNotFound is returned when the meta store has no record of
// a namespace and AllowCreate is false.
var ErrNamespaceNotFound = replication.ErrNamespaceNotFound

// Config configures a Registry. Dir is the root directory holding one
// subdirectory per namespace's segment files, matching spec.md §6's
// `<root>/<namespace>/wal/<segment_id>.seg` layout. Meta is required;
// Backend and Scheduler are optional (nil disables quarantine-restore
// and automatic compaction-on-checkpoint, respectively).
type Config struct {
	Dir         string
	PageSize    int
	Meta        *meta.Store
	Backend     store.Backend
	Scheduler   *store.Scheduler
	AllowCreate bool
	Logger      log.Logger
	Metrics     *metrics
}

// Registry is the process-wide namespace multiplexer.
type Registry struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics

	mu sync.RWMutex
	ns *immutable.SortedMap[string, *Handle]
}

// New constructs a Registry. cfg.PageSize defaults to frame.PageSize.
func New(cfg Config) *Registry {
	if cfg.PageSize == 0 {
		cfg.PageSize = frame.PageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = newMetrics(nil)
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		ns:      &immutable.SortedMap[string, *Handle]{},
	}
}

// Open returns the namespace's shared handle, constructing one by
// recovering its on-disk segments (spec.md §7) if this process has not
// already opened it. The caller must call Handle.Release when done.
func (r *Registry) Open(namespace string) (*Handle, error) {
	if h := r.fastOpen(namespace); h != nil {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.ns.Get(namespace); ok && h.acquire() {
		return h, nil
	}

	h, err := r.recover(namespace)
	if err != nil {
		return nil, err
	}
	r.ns = r.ns.Set(namespace, h)
	r.metrics.namespacesOpen.Set(float64(r.ns.Len()))
	return h, nil
}

// fastOpen is the lock-free-for-readers path: look up an existing handle
// under a read lock and try to acquire it without ever taking the write
// lock. Returns nil (not an error) when the namespace must be recovered.
func (r *Registry) fastOpen(namespace string) *Handle {
	r.mu.RLock()
	h, ok := r.ns.Get(namespace)
	r.mu.RUnlock()
	if ok && h.acquire() {
		return h
	}
	return nil
}

// teardown removes namespace from the map once its last handle
// reference is released, but only if no concurrent Open has already
// replaced it with a fresh handle.
func (r *Registry) teardown(namespace string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.ns.Get(namespace); ok && cur == h {
		r.ns = r.ns.Delete(namespace)
		r.metrics.namespacesOpen.Set(float64(r.ns.Len()))
	}
}

// recover implements spec.md §7's recovery-on-open: list segment files,
// validate each header checksum (quarantining and restoring any that
// fail), order the valid ones newest-first, and truncate an uncommitted
// tail off the most recent unsealed segment.
func (r *Registry) recover(namespace string) (*Handle, error) {
	rec, err := r.loadOrCreateMeta(namespace)
	if err != nil {
		return nil, err
	}

	nsDir := filepath.Join(r.cfg.Dir, namespace, "wal")
	if err := os.MkdirAll(nsDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create namespace dir: %w", err)
	}
	filer := segment.NewOSFiler(nsDir)

	ids, err := filer.List()
	if err != nil {
		return nil, fmt.Errorf("registry: list segments: %w", err)
	}

	infos := make([]segment.Info, 0, len(ids))
	for _, id := range ids {
		info, ok := r.openAndValidate(namespace, filer, id)
		if ok {
			infos = append(infos, info)
		}
	}

	// Reverse start_frame_no order (spec.md §7), i.e. newest first — the
	// order recovery inspects segments in, so the most recent unsealed
	// one (if any) is identified before anything is opened as sealed.
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartFrameNo > infos[j].StartFrameNo })

	var head *segment.Head
	var headInfo segment.Info
	sealedInfos := infos
	if len(infos) > 0 && !infos[0].Sealed() {
		head, err = segment.RecoverHead(filer, infos[0])
		if err != nil {
			return nil, fmt.Errorf("registry: recover head %s: %w", infos[0].ID, err)
		}
		headInfo = head.Info()
		sealedInfos = infos[1:]
	}

	// seglist.List.Prepend always places the newest node at the head, so
	// sealedInfos (still newest-first) must be opened oldest-first for
	// the list's head to end up holding the newest sealed segment.
	list := seglist.New()
	for i := len(sealedInfos) - 1; i >= 0; i-- {
		info := sealedInfos[i]
		sealed, err := segment.OpenSealed(filer, info)
		if err != nil {
			return nil, fmt.Errorf("registry: open sealed %s: %w", info.ID, err)
		}
		list.Prepend(sealed)
	}

	if head == nil {
		id := uuid.New().String()
		startFrameNo := uint64(1)
		salt := uint32(0)
		if len(infos) > 0 {
			startFrameNo = infos[0].LastCommittedFrameNo + 1
		}
		head, err = segment.CreateHead(filer, id, rec.LogID, startFrameNo, salt, r.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("registry: create head: %w", err)
		}
		headInfo = head.Info()
	}

	h := &Handle{
		registry:  r,
		namespace: namespace,
		filer:     filer,
		meta:      rec,
		refs:      1,
		list:      list,
	}
	h.head.Store(head)
	h.hook = walvfs.New(head, list, h.rotate, h.waitDurable)

	level.Info(r.logger).Log("msg", "namespace recovered", "namespace", namespace, "segments", len(infos), "head_start", headInfo.StartFrameNo)
	r.metrics.recoveries.Inc()
	return h, nil
}

// openAndValidate opens one segment file by id, validating its header.
// On failure it quarantines the file (renames it aside) and, if a
// backend is configured, attempts to restore a replacement from it —
// matching bottomless/replicator_extras.rs's caution around losing
// forensic evidence rather than deleting outright (SPEC_FULL.md §4).
func (r *Registry) openAndValidate(namespace string, filer segment.Filer, id string) (segment.Info, bool) {
	f, err := filer.Open(segment.Info{ID: id})
	if err != nil {
		level.Warn(r.logger).Log("msg", "segment open failed", "namespace", namespace, "id", id, "err", err)
		return segment.Info{}, false
	}
	hdrBuf := make([]byte, frame.HeaderSize)
	_, err = f.ReadAt(hdrBuf, 0)
	f.Close()
	if err != nil {
		r.quarantine(namespace, id)
		return segment.Info{}, false
	}
	hdr, err := frame.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		level.Error(r.logger).Log("msg", "segment header corrupt, quarantining", "namespace", namespace, "id", id, "err", err)
		r.metrics.quarantined.Inc()
		r.quarantine(namespace, id)
		r.restoreFromBackend(namespace)
		return segment.Info{}, false
	}
	return segment.InfoFromHeader(id, hdr), true
}

func (r *Registry) quarantine(namespace, id string) {
	src := filepath.Join(r.cfg.Dir, namespace, "wal", id+".seg")
	dst := src + ".quarantined"
	if err := os.Rename(src, dst); err != nil {
		level.Error(r.logger).Log("msg", "quarantine rename failed", "namespace", namespace, "id", id, "err", err)
	}
}

// restoreFromBackend fetches the latest compacted artifact for
// namespace so recovery has something durable to fall back on. Absent a
// configured backend, the quarantined segment is simply dropped from
// the recovered set; whatever data it held is presumed already durable
// upstream (spec.md §7 does not require a backend to be configured for
// a single-node deployment).
func (r *Registry) restoreFromBackend(namespace string) {
	if r.cfg.Backend == nil {
		return
	}
	nsDir := filepath.Join(r.cfg.Dir, namespace, "wal")
	restoredPath := filepath.Join(nsDir, "restored.db")
	out, err := os.OpenFile(restoredPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		level.Error(r.logger).Log("msg", "restore: open output", "namespace", namespace, "err", err)
		return
	}
	defer out.Close()
	if err := r.cfg.Backend.Restore(context.Background(), namespace, store.RestoreOptions{}, out, nil); err != nil {
		level.Error(r.logger).Log("msg", "restore from backend failed", "namespace", namespace, "err", err)
	}
}

func (r *Registry) loadOrCreateMeta(namespace string) (meta.Record, error) {
	rec, err := r.cfg.Meta.BumpGeneration(namespace)
	if errors.Is(err, meta.ErrNotFound) {
		if !r.cfg.AllowCreate {
			return meta.Record{}, ErrNamespaceNotFound
		}
		return r.cfg.Meta.Create(namespace)
	}
	return rec, err
}

// Identity implements replication.LogSource.
func (r *Registry) Identity(namespace string) (uuid.UUID, uint64, error) {
	h, err := r.Open(namespace)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	defer h.Release()
	return h.meta.LogID, h.meta.Generation, nil
}

// CurrentFrameNo implements replication.LogSource.
func (r *Registry) CurrentFrameNo(namespace string) (uint64, error) {
	h, err := r.Open(namespace)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Head().Info().LastCommittedFrameNo, nil
}

// OldestFrameNo implements replication.LogSource.
func (r *Registry) OldestFrameNo(namespace string) (uint64, error) {
	h, err := r.Open(namespace)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.oldestFrameNo(), nil
}

// StreamFrames implements replication.LogSource: every sealed segment
// covering frame_no >= from, oldest to newest, followed by the live
// head's currently-committed tail.
func (r *Registry) StreamFrames(ctx context.Context, namespace string, from uint64, emit func(frame.Checked) error) error {
	h, err := r.Open(namespace)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.streamFrames(ctx, from, emit)
}

// FetchSnapshot implements replication.SnapshotSource by asking the
// configured backend for the compacted artifact covering untilFrameNo
// and re-framing it as a Sealed (segment.OpenSealedFromFile).
func (r *Registry) FetchSnapshot(ctx context.Context, namespace string, untilFrameNo uint64) (*segment.Sealed, error) {
	if r.cfg.Backend == nil {
		return nil, errors.New("registry: no backend configured for snapshots")
	}
	key, err := r.cfg.Backend.FindSegment(ctx, namespace, store.FindSegmentRequest{UntilFrameNo: untilFrameNo}, nil)
	if err != nil {
		return nil, err
	}
	rc, err := r.cfg.Backend.FetchSegmentData(ctx, namespace, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf, err := readAll(rc)
	if err != nil {
		return nil, err
	}
	return segment.OpenSealedFromFile(&memReadableFile{data: buf})
}
