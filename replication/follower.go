package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/injector"
	"github.com/dreamsxin/wal/walvfs"
)

// ErrNeedSnapshot is returned by Follower.Sync when the primary reports
// next_offset is older than its oldest retained segment (spec.md §6's
// FailedPrecondition "NEED_SNAPSHOT"); the caller must call
// Follower.ApplySnapshot before resuming Sync.
var ErrNeedSnapshot = errors.New("replication: primary requires a snapshot")

// FollowerOption configures a Follower.
type FollowerOption func(*Follower)

// WithFollowerLogger overrides the follower's logger.
func WithFollowerLogger(l log.Logger) FollowerOption {
	return func(f *Follower) { f.logger = l }
}

// Follower drives the client side of spec.md §4.6/§4.7/§6: handshake
// with a primary, stream committed frames into a local injector.Injector,
// and fall back to a full Snapshot when the primary can no longer serve
// an incremental tail. It holds no namespace/segment state of its own —
// those live in the registry package (spec.md §4.10) — beyond the
// session bookkeeping a single replication connection needs.
type Follower struct {
	client    *Client
	namespace string
	inj       *injector.Injector
	hook      injector.Hook
	pageSize  int
	logger    log.Logger

	sessionToken string
}

// NewFollower builds a Follower for namespace, pushing streamed frames
// into inj and applying snapshot frames directly through hook.
func NewFollower(client *Client, namespace string, inj *injector.Injector, hook injector.Hook, pageSize int, opts ...FollowerOption) *Follower {
	f := &Follower{
		client:    client,
		namespace: namespace,
		inj:       inj,
		hook:      hook,
		pageSize:  pageSize,
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handshake performs Hello and records the returned session token,
// returning the primary's current replication index (spec.md §6).
func (f *Follower) Handshake(ctx context.Context) (*HelloResponse, error) {
	resp, err := f.client.Hello(NamespaceContext(ctx, f.namespace))
	if err != nil {
		return nil, fmt.Errorf("replication: hello: %w", err)
	}
	f.sessionToken = resp.SessionToken
	level.Info(f.logger).Log("msg", "handshake complete", "namespace", f.namespace, "generation", resp.GenerationID, "current", resp.CurrentReplicationIndex)
	return resp, nil
}

// Sync streams committed frames starting at fromFrameNo and pushes each
// into the injector until the stream ends (the primary has nothing more
// to send right now) or an error occurs. It returns ErrNeedSnapshot when
// the primary requires a snapshot first, and injector.ErrConflict when a
// streamed frame does not chain from the injector's current position —
// both signal the caller to re-handshake (and, for ErrNeedSnapshot, call
// ApplySnapshot) rather than retry Sync as-is.
func (f *Follower) Sync(ctx context.Context, fromFrameNo uint64) error {
	if f.sessionToken == "" {
		return errors.New("replication: Sync called before a successful Handshake")
	}
	ctx = SessionContext(ctx, f.namespace, f.sessionToken)
	stream, err := f.client.LogEntries(ctx, fromFrameNo)
	if err != nil {
		return f.translateStreamErr(err)
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return f.translateStreamErr(err)
		}
		cf, err := DecodeFrame(resp.FrameBytes)
		if err != nil {
			return fmt.Errorf("replication: decode streamed frame: %w", err)
		}
		if err := f.inj.Push(cf, f.pageSize); err != nil {
			return err
		}
	}
}

// ApplySnapshot fetches a snapshot sufficient to reconstruct every page
// as of untilFrameNo and applies it directly through hook, bypassing the
// injector's checksum-chain check (a snapshot starts a fresh log whose
// chain the local WAL has no prior position in, per spec.md §7's
// "Compaction/Restore" recovery path). The caller is responsible for
// resetting/recreating the local WAL's storage before calling this, and
// for calling Follower.Reset (via inj.Reset) with the snapshot's trailing
// checksum afterward.
func (f *Follower) ApplySnapshot(ctx context.Context, untilFrameNo uint64) (uint64, error) {
	if f.sessionToken == "" {
		return 0, errors.New("replication: ApplySnapshot called before a successful Handshake")
	}
	ctx = SessionContext(ctx, f.namespace, f.sessionToken)
	stream, err := f.client.Snapshot(ctx, untilFrameNo)
	if err != nil {
		return 0, f.translateStreamErr(err)
	}

	var frames []frame.Checked
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, f.translateStreamErr(err)
		}
		cf, err := DecodeFrame(resp.FrameBytes)
		if err != nil {
			return 0, fmt.Errorf("replication: decode snapshot frame: %w", err)
		}
		frames = append(frames, cf)
	}
	if len(frames) == 0 {
		return 0, nil
	}

	// Apply every page as one transaction through the hook, which
	// appends them to the local head under its own checksum chain (a
	// compacted segment re-frames page images; the primary's chain
	// values are not carried over).
	return f.applyFrames(frames)
}

func (f *Follower) applyFrames(frames []frame.Checked) (uint64, error) {
	last := frames[len(frames)-1]
	level.Info(f.logger).Log("msg", "applying snapshot", "namespace", f.namespace, "frames", len(frames), "through", last.Header.FrameNo)

	headers := make([]walvfs.PageHeader, len(frames))
	for i, cf := range frames {
		headers[i] = walvfs.PageHeader{PageNo: cf.Header.PageNo, Data: cf.Data}
	}
	if err := f.hook.Frames(headers, last.Header.SizeAfter, true); err != nil {
		return 0, fmt.Errorf("replication: apply snapshot frames: %w", err)
	}
	return last.Header.FrameNo, nil
}

// Reset discards any buffered injector state and reseeds its checksum
// chain, used after a successful ApplySnapshot or when abandoning a
// connection after a conflict.
func (f *Follower) Reset(lastChecksum uint32) {
	f.inj.Reset(lastChecksum)
	f.sessionToken = ""
}

func (f *Follower) translateStreamErr(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch {
	case st.Code() == codes.FailedPrecondition && st.Message() == "NEED_SNAPSHOT":
		return ErrNeedSnapshot
	case st.Code() == codes.FailedPrecondition && st.Message() == "NO_HELLO":
		return fmt.Errorf("replication: %w", errNoHello)
	default:
		return err
	}
}

var errNoHello = errors.New("session rejected, re-handshake required")

// RunLoop is a simple handshake-and-resume driver suitable for a
// background goroutine: it handshakes, syncs until a snapshot or
// re-handshake is needed, and repeats until ctx is canceled. It assumes
// the underlying *grpc.ClientConn survives transient RPC failures
// (grpc-go reconnects transports internally); redialing after the
// connection itself is closed is the caller's responsibility. Backoff
// between attempts is linear and capped, mirroring store.Scheduler's
// backOff (spec.md §8 does not test exact retry timing).
func (f *Follower) RunLoop(ctx context.Context, from uint64) error {
	attempt := 0
	next := from
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Handshake(ctx); err != nil {
			attempt++
			level.Warn(f.logger).Log("msg", "handshake failed", "err", err, "attempt", attempt)
			sleepBackoff(attempt)
			continue
		}
		attempt = 0

		err := f.Sync(ctx, next)
		switch {
		case err == nil:
			sleepBackoff(1)
		case errors.Is(err, ErrNeedSnapshot):
			applied, serr := f.ApplySnapshot(ctx, next)
			if serr != nil {
				level.Error(f.logger).Log("msg", "snapshot apply failed", "err", serr)
				sleepBackoff(attempt + 1)
				continue
			}
			next = applied + 1
			f.Reset(0)
		case errors.Is(err, errNoHello), errors.Is(err, injector.ErrConflict):
			level.Warn(f.logger).Log("msg", "re-handshake required", "err", err)
			f.Reset(0)
		default:
			level.Warn(f.logger).Log("msg", "sync stream ended", "err", err)
			sleepBackoff(attempt + 1)
		}
	}
}

func sleepBackoff(attempt int) {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	time.Sleep(d)
}
