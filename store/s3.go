package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/segment"
)

// S3 is a Backend storing compacted segments as objects in an S3-compatible
// bucket, the only object-storage SDK present anywhere in the retrieval
// pack (`_examples/xlwh-prometheus`'s go.mod carries
// github.com/aws/aws-sdk-go). Objects are keyed
// "<prefix>/<namespace>/<start_frame_no>-<last_committed_frame_no>-<id>.seg",
// so ListSegments reads both frame numbers from the object name.
type S3 struct {
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3 constructs an S3 backend from an AWS session, a bucket, and an
// optional key prefix.
func NewS3(sess *session.Session, bucket, prefix string) *S3 {
	return &S3{
		bucket:   bucket,
		prefix:   prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

func (b *S3) resolve(cfg *ConfigOverride) (bucket, prefix string) {
	bucket, prefix = b.bucket, b.prefix
	if cfg != nil && cfg.Bucket != "" {
		bucket = cfg.Bucket
	}
	if cfg != nil && cfg.Prefix != "" {
		prefix = cfg.Prefix
	}
	return bucket, prefix
}

func (b *S3) objectKey(namespace string, cfg *ConfigOverride, name string) (bucket, key string) {
	bucket, prefix := b.resolve(cfg)
	key = path.Join(prefix, namespace, name)
	return bucket, key
}

func (b *S3) Meta(ctx context.Context, namespace string, cfg *ConfigOverride) (NamespaceMeta, error) {
	segs, err := b.ListSegments(ctx, namespace, 0, cfg)
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

func (b *S3) FindSegment(ctx context.Context, namespace string, req FindSegmentRequest, cfg *ConfigOverride) (SegmentKey, error) {
	segs, err := b.ListSegments(ctx, namespace, 0, cfg)
	if err != nil {
		return "", err
	}
	if !req.Timestamp.IsZero() {
		for i := len(segs) - 1; i >= 0; i-- {
			if !segs[i].CreatedAt.After(req.Timestamp) {
				return segs[i].Key, nil
			}
		}
		return "", fmt.Errorf("store: s3: no segment at or before %s", req.Timestamp)
	}
	for _, s := range segs {
		if s.LastCommittedFrameNo >= req.UntilFrameNo {
			return s.Key, nil
		}
	}
	return "", fmt.Errorf("store: s3: no segment covers frame %d", req.UntilFrameNo)
}

func (b *S3) FetchSegmentIndex(ctx context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (*segment.DiskIndex, error) {
	_, idx, err := b.fetchHeaderAndIndex(ctx, namespace, key, cfg)
	return idx, err
}

func (b *S3) FetchSegmentData(ctx context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (io.ReadCloser, error) {
	bucket, objKey := b.objectKey(namespace, cfg, string(key))
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, fmt.Errorf("store: s3: get %s/%s: %w", bucket, objKey, err)
	}
	return out.Body, nil
}

func (b *S3) Restore(ctx context.Context, namespace string, opts RestoreOptions, out io.WriterAt, cfg *ConfigOverride) error {
	req := FindSegmentRequest{UntilFrameNo: opts.UntilFrameNo, Timestamp: opts.Timestamp}
	if req.UntilFrameNo == 0 && req.Timestamp.IsZero() {
		// No target given: restore from the newest segment.
		m, err := b.Meta(ctx, namespace, cfg)
		if err != nil {
			return err
		}
		req.UntilFrameNo = m.MaxFrameNo
	}
	key, err := b.FindSegment(ctx, namespace, req, cfg)
	if err != nil {
		return err
	}
	info, idx, err := b.fetchHeaderAndIndex(ctx, namespace, key, cfg)
	if err != nil {
		return err
	}
	body, err := b.FetchSegmentData(ctx, namespace, key, cfg)
	if err != nil {
		return err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("store: s3: read segment body: %w", err)
	}

	buf := make([]byte, info.PageSize)
	return idx.ForEach(func(pageNo uint32, ordinal uint64) error {
		off := frame.PageOffset(ordinal, info.PageSize)
		end := off + int64(len(buf))
		if end > int64(len(raw)) {
			return fmt.Errorf("store: s3: truncated segment body for page %d", pageNo)
		}
		copy(buf, raw[off:end])
		dbOff := int64(pageNo-1) * int64(info.PageSize)
		if _, err := out.WriteAt(buf, dbOff); err != nil {
			return fmt.Errorf("store: s3: write page %d: %w", pageNo, err)
		}
		return nil
	})
}

func (b *S3) ListSegments(ctx context.Context, namespace string, untilFrameNo uint64, cfg *ConfigOverride) ([]SegmentInfo, error) {
	bucket, prefix := b.resolve(cfg)
	listPrefix := path.Join(prefix, namespace) + "/"

	var out []SegmentInfo
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), listPrefix)
			startFrameNo, lastFrameNo, ok := parseSegmentName(name)
			if !ok {
				continue
			}
			if untilFrameNo != 0 && lastFrameNo > untilFrameNo {
				continue
			}
			out = append(out, SegmentInfo{
				Key:                  SegmentKey(name),
				StartFrameNo:         startFrameNo,
				LastCommittedFrameNo: lastFrameNo,
				CreatedAt:            aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("store: s3: list %s/%s: %w", bucket, listPrefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartFrameNo < out[j].StartFrameNo })
	return out, nil
}

func (b *S3) Store(ctx context.Context, namespace string, seg *segment.CompactedResult, data io.Reader, cfg *ConfigOverride) (SegmentKey, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("store: s3: buffer upload body: %w", err)
	}
	name := fmt.Sprintf("%020d-%020d-%s.seg", seg.Info.StartFrameNo, seg.Info.LastCommittedFrameNo, seg.Info.ID)
	bucket, objKey := b.objectKey(namespace, cfg, name)

	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return "", fmt.Errorf("store: s3: upload %s/%s: %w", bucket, objKey, err)
	}
	return SegmentKey(name), nil
}

func (b *S3) fetchHeaderAndIndex(ctx context.Context, namespace string, key SegmentKey, cfg *ConfigOverride) (segment.Info, *segment.DiskIndex, error) {
	bucket, objKey := b.objectKey(namespace, cfg, string(key))
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return segment.Info{}, nil, fmt.Errorf("store: s3: get %s/%s: %w", bucket, objKey, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return segment.Info{}, nil, fmt.Errorf("store: s3: read body: %w", err)
	}
	if len(raw) < frame.HeaderSize {
		return segment.Info{}, nil, fmt.Errorf("store: s3: segment %q too short for a header", key)
	}
	hdr, err := frame.DecodeSegmentHeader(raw[:frame.HeaderSize])
	if err != nil {
		return segment.Info{}, nil, err
	}
	info := segment.InfoFromHeader(string(key), hdr)

	idxEnd := hdr.IndexOffset + hdr.IndexSize
	if idxEnd > uint64(len(raw)) {
		return segment.Info{}, nil, fmt.Errorf("store: s3: segment %q index out of range", key)
	}
	idx, err := segment.DecodeDiskIndex(raw[hdr.IndexOffset:idxEnd])
	if err != nil {
		return segment.Info{}, nil, err
	}
	return info, idx, nil
}

// parseSegmentName extracts the (start, last-committed) frame numbers
// this package's own Store encodes into object names.
func parseSegmentName(name string) (start, last uint64, ok bool) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseUint(parts[0], 10, 64)
	l, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, l, true
}
