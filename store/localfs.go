package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/segment"
)

// LocalFS is a Backend rooted at a local directory tree, one
// subdirectory per namespace, used in tests and as the module's default
// (no object-storage SDK is required to exercise the pipeline end to
// end).
type LocalFS struct {
	mu   sync.Mutex
	root string
}

// NewLocalFS returns a Backend rooted at root. The directory is created
// if it does not already exist.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalFS{root: root}, nil
}

func (l *LocalFS) nsDir(namespace string, cfg *ConfigOverride) string {
	root := l.root
	if cfg != nil && cfg.Bucket != "" {
		root = filepath.Join(root, cfg.Bucket)
	}
	if cfg != nil && cfg.Prefix != "" {
		root = filepath.Join(root, cfg.Prefix)
	}
	return filepath.Join(root, namespace)
}

func (l *LocalFS) Meta(_ context.Context, namespace string, cfg *ConfigOverride) (NamespaceMeta, error) {
	segs, err := l.listFiles(namespace, cfg)
	if err != nil {
		return NamespaceMeta{}, err
	}
	var meta NamespaceMeta
	for _, s := range segs {
		if s.LastCommittedFrameNo > meta.MaxFrameNo {
			meta.MaxFrameNo = s.LastCommittedFrameNo
		}
	}
	return meta, nil
}

func (l *LocalFS) FindSegment(_ context.Context, namespace string, req FindSegmentRequest, cfg *ConfigOverride) (SegmentKey, error) {
	segs, err := l.listFiles(namespace, cfg)
	if err != nil {
		return "", err
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartFrameNo < segs[j].StartFrameNo })

	if !req.Timestamp.IsZero() {
		for i := len(segs) - 1; i >= 0; i-- {
			if !segs[i].CreatedAt.After(req.Timestamp) {
				return segs[i].Key, nil
			}
		}
		return "", fmt.Errorf("store: no segment at or before %s", req.Timestamp)
	}
	for _, s := range segs {
		if s.LastCommittedFrameNo >= req.UntilFrameNo {
			return s.Key, nil
		}
	}
	return "", fmt.Errorf("store: no segment covers frame %d", req.UntilFrameNo)
}

func (l *LocalFS) FetchSegmentIndex(_ context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (*segment.DiskIndex, error) {
	_, idx, err := l.readArtifact(namespace, key, cfg)
	return idx, err
}

func (l *LocalFS) FetchSegmentData(_ context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (io.ReadCloser, error) {
	return os.Open(l.path(namespace, key, cfg))
}

// Restore reconstructs a database file from the compacted segment that
// covers opts.UntilFrameNo (or the newest segment if unset), writing
// each page's final bytes at its natural (page_no-1)*page_size offset,
// per spec.md §4.9's bulk restore contract.
func (l *LocalFS) Restore(_ context.Context, namespace string, opts RestoreOptions, out io.WriterAt, cfg *ConfigOverride) error {
	segs, err := l.listFiles(namespace, cfg)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("store: restore: namespace %q has no stored segments", namespace)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartFrameNo < segs[j].StartFrameNo })

	target := opts.UntilFrameNo
	if target == 0 {
		target = segs[len(segs)-1].LastCommittedFrameNo
	}
	chosen := segs[0]
	for _, s := range segs {
		if s.StartFrameNo > target {
			break
		}
		chosen = s
	}

	f, err := os.Open(l.path(namespace, chosen.Key, cfg))
	if err != nil {
		return err
	}
	defer f.Close()

	info, idx, err := l.readArtifact(namespace, chosen.Key, cfg)
	if err != nil {
		return err
	}

	buf := make([]byte, info.PageSize)
	return idx.ForEach(func(pageNo uint32, ordinal uint64) error {
		off := frame.PageOffset(ordinal, info.PageSize)
		if _, err := f.ReadAt(buf, off); err != nil {
			return fmt.Errorf("store: restore: read page %d: %w", pageNo, err)
		}
		dbOff := int64(pageNo-1) * int64(info.PageSize)
		if _, err := out.WriteAt(buf, dbOff); err != nil {
			return fmt.Errorf("store: restore: write page %d: %w", pageNo, err)
		}
		return nil
	})
}

func (l *LocalFS) ListSegments(_ context.Context, namespace string, untilFrameNo uint64, cfg *ConfigOverride) ([]SegmentInfo, error) {
	segs, err := l.listFiles(namespace, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(segs))
	for _, s := range segs {
		if untilFrameNo == 0 || s.LastCommittedFrameNo <= untilFrameNo {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartFrameNo < out[j].StartFrameNo })
	return out, nil
}

func (l *LocalFS) Store(_ context.Context, namespace string, seg *segment.CompactedResult, data io.Reader, cfg *ConfigOverride) (SegmentKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.nsDir(namespace, cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	key := SegmentKey(fmt.Sprintf("%020d-%s.seg", seg.Info.StartFrameNo, seg.Info.ID))
	path := filepath.Join(dir, string(key))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return "", err
	}
	return key, nil
}

func (l *LocalFS) path(namespace string, key SegmentKey, cfg *ConfigOverride) string {
	return filepath.Join(l.nsDir(namespace, cfg), string(key))
}

func (l *LocalFS) listFiles(namespace string, cfg *ConfigOverride) ([]SegmentInfo, error) {
	dir := l.nsDir(namespace, cfg)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []SegmentInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		info, _, err := l.readArtifact(namespace, SegmentKey(e.Name()), cfg)
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SegmentInfo{
			Key:                  SegmentKey(e.Name()),
			StartFrameNo:         info.StartFrameNo,
			LastCommittedFrameNo: info.LastCommittedFrameNo,
			CreatedAt:            fi.ModTime(),
		})
	}
	return out, nil
}

func (l *LocalFS) readArtifact(namespace string, key SegmentKey, cfg *ConfigOverride) (segment.Info, *segment.DiskIndex, error) {
	path := l.path(namespace, key, cfg)
	f, err := os.Open(path)
	if err != nil {
		return segment.Info{}, nil, err
	}
	defer f.Close()

	hdrBuf := make([]byte, frame.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return segment.Info{}, nil, fmt.Errorf("store: read header: %w", err)
	}
	hdr, err := frame.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		return segment.Info{}, nil, err
	}
	info := segment.InfoFromHeader(string(key), hdr)

	idxBuf := make([]byte, hdr.IndexSize)
	if _, err := f.ReadAt(idxBuf, int64(hdr.IndexOffset)); err != nil {
		return segment.Info{}, nil, fmt.Errorf("store: read index: %w", err)
	}
	idx, err := segment.DecodeDiskIndex(idxBuf)
	if err != nil {
		return segment.Info{}, nil, err
	}
	return info, idx, nil
}
