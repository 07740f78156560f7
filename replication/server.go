package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/segment"
)

// ErrNamespaceNotFound is returned by a LogSource when asked about a
// namespace the primary has never opened.
var ErrNamespaceNotFound = errors.New("replication: namespace does not exist")

// LogSource is what the primary-side Server needs from a namespace's live
// log (head segment + segment list) to answer Hello and LogEntries. The
// registry package (spec.md §4.10) implements it; keeping it as an
// interface here avoids replication importing registry.
type LogSource interface {
	// Identity returns the namespace's stable log identity and current
	// generation (bumped each time the registry recovers the namespace
	// from disk, spec.md §4.10).
	Identity(namespace string) (logID uuid.UUID, generation uint64, err error)
	// CurrentFrameNo returns the highest committed frame_no in the log.
	CurrentFrameNo(namespace string) (uint64, error)
	// OldestFrameNo returns the start_frame_no of the oldest segment still
	// retained; a next_offset older than this requires a snapshot.
	OldestFrameNo(namespace string) (uint64, error)
	// StreamFrames calls emit, in ascending frame_no order, for every
	// committed frame with frame_no >= from. It returns when exhausted,
	// when ctx is done, or when emit returns an error (propagated as-is).
	StreamFrames(ctx context.Context, namespace string, from uint64, emit func(frame.Checked) error) error
}

// SnapshotSource is what Server needs to answer Snapshot: a compacted
// segment covering every page as of untilFrameNo, fetched from the
// backend (store.Backend, spec.md §4.9). Caller owns the returned
// Sealed and must Close it.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, namespace string, untilFrameNo uint64) (*segment.Sealed, error)
}

// ServerOption configures a PrimaryServer.
type ServerOption func(*PrimaryServer)

// WithLogger overrides the server's logger, defaulting to a no-op one.
func WithLogger(logger log.Logger) ServerOption {
	return func(s *PrimaryServer) { s.logger = logger }
}

// WithRegisterer wires Prometheus metrics into reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *PrimaryServer) { s.metrics = newServerMetrics(reg) }
}

// PrimaryServer is the primary-side implementation of the Server
// interface declared in service.go: Hello, LogEntries, Snapshot
// (spec.md §4.7/§6).
type PrimaryServer struct {
	databaseID string
	logSource  LogSource
	snapSource SnapshotSource
	logger     log.Logger
	metrics    *serverMetrics

	mu       sync.Mutex
	sessions map[string]string // namespace -> current session token
}

var _ Server = (*PrimaryServer)(nil)

// NewServer builds a PrimaryServer. databaseID identifies this primary
// process (and is returned verbatim in every HelloResponse, spec.md
// §6); logSource and snapSource supply namespace state.
func NewServer(databaseID string, logSource LogSource, snapSource SnapshotSource, opts ...ServerOption) *PrimaryServer {
	s := &PrimaryServer{
		databaseID: databaseID,
		logSource:  logSource,
		snapSource: snapSource,
		logger:     log.NewNopLogger(),
		metrics:    newServerMetrics(nil),
		sessions:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionTokenFor returns the namespace's current session token, minting
// one the first time the namespace is seen. A token only changes when
// the server process restarts (the map is rebuilt from empty), which is
// exactly the event a follower must detect and re-handshake on.
func (s *PrimaryServer) sessionTokenFor(namespace string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.sessions[namespace]; ok {
		return tok
	}
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	tok := hex.EncodeToString(raw[:])
	s.sessions[namespace] = tok
	return tok
}

func (s *PrimaryServer) checkSessionToken(namespace, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && s.sessions[namespace] == token
}

func namespaceFromIncoming(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get("x-namespace-bin")
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}

func sessionTokenFromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("x-session-token")
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Hello implements the handshake: spec.md §6 — no prior session state is
// required, the primary returns its identity, the namespace's log
// identity and generation, a session token, and the current replication
// index.
func (s *PrimaryServer) Hello(ctx context.Context, _ *HelloRequest) (*HelloResponse, error) {
	namespace, ok := namespaceFromIncoming(ctx)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "NAMESPACE_DOESNT_EXIST")
	}
	logID, generation, err := s.logSource.Identity(namespace)
	if err != nil {
		if errors.Is(err, ErrNamespaceNotFound) {
			return nil, status.Error(codes.FailedPrecondition, "NAMESPACE_DOESNT_EXIST")
		}
		return nil, status.Errorf(codes.Internal, "replication: identity: %v", err)
	}
	current, err := s.logSource.CurrentFrameNo(namespace)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "replication: current frame: %v", err)
	}
	s.metrics.helloTotal.WithLabelValues(namespace).Inc()
	level.Debug(s.logger).Log("msg", "hello", "namespace", namespace, "generation", generation, "current", current)
	return &HelloResponse{
		DatabaseID:              s.databaseID,
		LogID:                   logID,
		GenerationID:            generation,
		SessionToken:            s.sessionTokenFor(namespace),
		CurrentReplicationIndex: current,
	}, nil
}

// authorize validates the namespace + session-token pair every call
// after Hello must present, per spec.md §6.
func (s *PrimaryServer) authorize(ctx context.Context) (namespace string, err error) {
	namespace, ok := namespaceFromIncoming(ctx)
	if !ok {
		return "", status.Error(codes.FailedPrecondition, "NAMESPACE_DOESNT_EXIST")
	}
	token := sessionTokenFromIncoming(ctx)
	if !s.checkSessionToken(namespace, token) {
		s.metrics.sessionMismatch.WithLabelValues(namespace).Inc()
		return "", status.Error(codes.FailedPrecondition, "NO_HELLO")
	}
	return namespace, nil
}

// LogEntries implements spec.md §6's streaming tail read: frames with
// frame_no >= next_offset, in order, until the stream's context is
// canceled or every currently-committed frame has been sent.
func (s *PrimaryServer) LogEntries(req *LogEntriesRequest, stream LogEntriesStream) error {
	ctx := stream.Context()
	namespace, err := s.authorize(ctx)
	if err != nil {
		return err
	}

	oldest, err := s.logSource.OldestFrameNo(namespace)
	if err != nil {
		return status.Errorf(codes.Internal, "replication: oldest frame: %v", err)
	}
	current, err := s.logSource.CurrentFrameNo(namespace)
	if err != nil {
		return status.Errorf(codes.Internal, "replication: current frame: %v", err)
	}

	if req.NextOffset > current+1 {
		return status.Error(codes.OutOfRange, "frame not yet available")
	}
	if req.NextOffset < oldest {
		s.metrics.needSnapshot.WithLabelValues(namespace).Inc()
		return status.Error(codes.FailedPrecondition, "NEED_SNAPSHOT")
	}

	count := 0
	err = s.logSource.StreamFrames(ctx, namespace, req.NextOffset, func(cf frame.Checked) error {
		payload, err := EncodeFrame(cf)
		if err != nil {
			return err
		}
		count++
		return stream.Send(&LogEntriesResponse{FrameBytes: payload, TimestampMillis: Now().UnixMilli()})
	})
	if err != nil {
		return status.Errorf(codes.Internal, "replication: stream frames: %v", err)
	}
	s.metrics.framesSent.WithLabelValues(namespace).Add(float64(count))
	level.Debug(s.logger).Log("msg", "log_entries", "namespace", namespace, "from", req.NextOffset, "sent", count)
	return nil
}

// Snapshot implements spec.md §6's Snapshot RPC: a stream of frames
// sufficient to reconstruct every page as of next_offset, backed in
// practice by a single compacted segment fetched from the storage
// backend and re-framed (segment.OpenSealedFromFile).
func (s *PrimaryServer) Snapshot(req *SnapshotRequest, stream SnapshotStream) error {
	ctx := stream.Context()
	namespace, err := s.authorize(ctx)
	if err != nil {
		return err
	}

	sealed, err := s.snapSource.FetchSnapshot(ctx, namespace, req.NextOffset)
	if err != nil {
		return status.Errorf(codes.Unavailable, "snapshot not found: %v", err)
	}
	defer sealed.Close()

	it := sealed.IterateFrames(0)
	count := 0
	for {
		cf, ok, err := it.Next()
		if err != nil {
			return status.Errorf(codes.Internal, "replication: iterate snapshot: %v", err)
		}
		if !ok {
			break
		}
		payload, err := EncodeFrame(cf)
		if err != nil {
			return status.Errorf(codes.Internal, "replication: encode snapshot frame: %v", err)
		}
		if err := stream.Send(&SnapshotResponse{FrameBytes: payload}); err != nil {
			return err
		}
		count++
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		default:
		}
	}
	s.metrics.snapshotFrames.WithLabelValues(namespace).Add(float64(count))
	level.Debug(s.logger).Log("msg", "snapshot", "namespace", namespace, "until", req.NextOffset, "sent", count)
	return nil
}

