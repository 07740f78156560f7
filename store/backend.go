// Package store implements the compaction/backend pipeline of spec.md
// §4.8-§4.9: a per-namespace scheduler that turns sealed segments into
// compacted, index-addressed artifacts and uploads them to a Backend,
// bounded by a configurable maximum in-flight job count.
package store

import (
	"context"
	"io"
	"time"

	"github.com/dreamsxin/wal/segment"
)

// FindSegmentRequest selects a segment either by the newest frame it
// must cover or by a point in time, per spec.md §4.9 and the
// `storage/scheduler.rs` SegmentKey concept restored in SPEC_FULL.md §4
// rather than dropped to frame-number-only lookup. Exactly one of the
// two fields is set.
type FindSegmentRequest struct {
	UntilFrameNo uint64
	Timestamp    time.Time
}

// SegmentKey opaquely names one stored artifact within a namespace.
type SegmentKey string

// SegmentInfo describes one stored artifact, as returned by ListSegments.
type SegmentInfo struct {
	Key                  SegmentKey
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	CreatedAt            time.Time
}

// NamespaceMeta is the backend's view of a namespace's stored state.
type NamespaceMeta struct {
	MaxFrameNo uint64
	LogID      [16]byte
}

// RestoreOptions parameterizes a bulk restore, e.g. restoring as of a
// specific frame number or timestamp instead of the latest snapshot.
type RestoreOptions struct {
	UntilFrameNo uint64
	Timestamp    time.Time
}

// ConfigOverride carries per-call credentials/bucket/prefix overrides so
// tests (or a multi-tenant deployment) can rebind a single call without
// touching process-wide configuration, per spec.md §4.9's "Each call
// takes an optional config override".
type ConfigOverride struct {
	Bucket string
	Prefix string
}

// Backend abstracts a remote object store, spec.md §4.9.
type Backend interface {
	Meta(ctx context.Context, namespace string, cfg *ConfigOverride) (NamespaceMeta, error)
	FindSegment(ctx context.Context, namespace string, req FindSegmentRequest, cfg *ConfigOverride) (SegmentKey, error)
	FetchSegmentIndex(ctx context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (*segment.DiskIndex, error)
	FetchSegmentData(ctx context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (io.ReadCloser, error)
	Restore(ctx context.Context, namespace string, opts RestoreOptions, out io.WriterAt, cfg *ConfigOverride) error
	ListSegments(ctx context.Context, namespace string, untilFrameNo uint64, cfg *ConfigOverride) ([]SegmentInfo, error)
	Store(ctx context.Context, namespace string, seg *segment.CompactedResult, data io.Reader, cfg *ConfigOverride) (SegmentKey, error)
}
