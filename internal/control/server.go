package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/buildd/internal/dispatcher"
)

// Backend is what the control service drives; *dispatcher.Dispatcher
// implements it.
type Backend interface {
	Status(ctx context.Context) (dispatcher.Status, error)
	RequestDrain()
	FlushReplay(ctx context.Context) (int, error)
}

// Server implements ControlServer on top of a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer creates a control server.
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: b, logger: logger}
}

// Status returns the daemon status as a JSON-shaped struct.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	out, err := toStruct(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// Drain asks the daemon to stop claiming. It returns immediately.
func (s *Server) Drain(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.logger.Info("drain requested over control service")
	s.backend.RequestDrain()
	return &emptypb.Empty{}, nil
}

// Replay flushes the replay queue now.
func (s *Server) Replay(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := s.backend.FlushReplay(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "replay: %v", err)
	}
	return structpb.NewStruct(map[string]interface{}{"delivered": n})
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, b Backend, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, b, logger)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func ServeListener(ctx context.Context, lis net.Listener, b Backend, logger *slog.Logger) error {
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewServer(b, logger))

	stop := context.AfterFunc(ctx, srv.GracefulStop)
	defer stop()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
