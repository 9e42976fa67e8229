package relay

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/stream"
)

const pullStreamMethod = "/relaycast.Relay/PullStream"

// Server answers pull requests with the frames of locally hosted streams.
type Server struct {
	directory *stream.Directory
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// ServerConfig wires the relay server to the local stream directory.
type ServerConfig struct {
	Directory *stream.Directory
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// NewServer builds the relay server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Directory == nil {
		return nil, errors.New("relay: directory is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		directory: cfg.Directory,
		metrics:   recorder,
		logger:    logging.WithComponent(logger, "relay"),
	}, nil
}

// NewGRPCServer returns a grpc.Server carrying the wire codec with the
// relay service registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(wireCodec{}))
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, srv)
	return s
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "relaycast.Relay",
	HandlerType: (*pullStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "PullStream",
		Handler:       pullStreamHandler,
		ServerStreams: true,
	}},
}

type pullStreamer interface {
	pullStream(req *pullRequest, gs grpc.ServerStream) error
}

func pullStreamHandler(srv any, gs grpc.ServerStream) error {
	req := new(pullRequest)
	if err := gs.RecvMsg(req); err != nil {
		return err
	}
	return srv.(pullStreamer).pullStream(req, gs)
}

// pullStream serves the snapshot and then the live feed of one local hub
// until the stream ends or the puller goes away.
func (s *Server) pullStream(req *pullRequest, gs grpc.ServerStream) error {
	key, err := stream.ParseKey(req.Key)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad stream key: %v", err)
	}
	hub, ok := s.directory.Get(key)
	if !ok {
		return status.Errorf(codes.NotFound, "stream %s not hosted here", key)
	}
	sub, err := hub.Subscribe()
	if err != nil {
		return status.Errorf(codes.NotFound, "stream %s just ended", key)
	}
	defer sub.Close()

	logger := s.logger.With("stream", key.String())
	logger.Info("relay pull started")
	defer logger.Info("relay pull ended")
	s.metrics.ViewerAttached("relay")
	defer s.metrics.ViewerDetached("relay")

	for _, frame := range sub.Snapshot() {
		if err := gs.SendMsg(frameToWire(frame)); err != nil {
			return err
		}
	}
	ctx := gs.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.Frames():
			if !ok {
				// End of stream maps onto a clean RPC completion.
				return nil
			}
			if err := gs.SendMsg(frameToWire(frame)); err != nil {
				return err
			}
		}
	}
}

// pullFrames opens a pull RPC on an established connection. The returned
// receive function yields frames until the remote stream ends.
func pullFrames(ctx context.Context, conn *grpc.ClientConn, key stream.Key) (func() (stream.Frame, error), error) {
	gs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], pullStreamMethod, grpc.ForceCodec(wireCodec{}))
	if err != nil {
		return nil, err
	}
	if err := gs.SendMsg(&pullRequest{Key: key.String()}); err != nil {
		return nil, err
	}
	if err := gs.CloseSend(); err != nil {
		return nil, err
	}
	return func() (stream.Frame, error) {
		msg := new(frameMessage)
		if err := gs.RecvMsg(msg); err != nil {
			return stream.Frame{}, err
		}
		return msg.toFrame(), nil
	}, nil
}
