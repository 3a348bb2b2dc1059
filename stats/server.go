package stats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"framepipe/debug"
)

const snapshotMethod = "/framepipe.Stats/Snapshot"

// StatsServer is the server API of the framepipe.Stats service.
type StatsServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatsServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: snapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatsServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "framepipe.Stats",
	HandlerType: (*StatsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Snapshot",
			Handler:    snapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "framepipe/stats.proto",
}

// RegisterStatsServer registers srv on s.
func RegisterStatsServer(s grpc.ServiceRegistrar, srv StatsServer) {
	s.RegisterService(&serviceDesc, srv)
}

type service struct {
	rec *Recorder
}

func (s *service) Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.rec.Snapshot().toStruct()
}

// Server serves a Recorder.
type Server struct {
	gs   *grpc.Server
	ln   net.Listener
	path string
}

// splitAddr turns "unix:/path" into ("unix", "/path") and anything else
// into ("tcp", addr).
func splitAddr(addr string) (network, address string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", strings.TrimPrefix(path, "//")
	}
	return "tcp", addr
}

// Listen binds addr, either "unix:/path" or "host:port".
func Listen(addr string, rec *Recorder) (*Server, error) {
	network, address := splitAddr(addr)
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale stats socket: %w", err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("stats listen: %w", err)
	}

	gs := grpc.NewServer()
	RegisterStatsServer(gs, &service{rec: rec})

	s := &Server{gs: gs, ln: ln}
	if network == "unix" {
		s.path = address
	}
	return s, nil
}

// Addr returns the dialable address of the server.
func (s *Server) Addr() string {
	if s.path != "" {
		return "unix:" + s.path
	}
	return s.ln.Addr().String()
}

// Serve blocks until Close.
func (s *Server) Serve() error {
	debug.Debug(fmt.Sprintf("stats: serving on %s", s.Addr()), debug.INFO)
	if err := s.gs.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Close() {
	s.gs.Stop()
	if s.path != "" {
		os.Remove(s.path)
	}
}

// Client reads snapshots from a Server.
type Client struct {
	cc *grpc.ClientConn
}

func Dial(addr string) (*Client, error) {
	network, address := splitAddr(addr)
	target := address
	if network == "unix" {
		target = "unix:" + address
	} else {
		target = "passthrough:///" + address
	}

	// As of 1.63 NewClient replaces the Dial family
	cc, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{cc: cc}, nil
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, &emptypb.Empty{}, out); err != nil {
		return Snapshot{}, err
	}
	return snapshotFromStruct(out)
}

func (c *Client) Close() error {
	return c.cc.Close()
}
