// Package transport carries messaging frames between nodes over gRPC. The
// service has a single unary method taking the encoded envelope as a
// BytesValue, so no generated code is needed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/adamgarcia4/goLearning/antientropy/messaging"
)

const (
	serviceName   = "antientropy.messaging.v1.Messaging"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// Receiver consumes frames delivered by peers.
type Receiver interface {
	Receive(ctx context.Context, frame []byte) error
}

type GRPC struct {
	addr     string
	srv      *grpc.Server
	lis      net.Listener
	nodeID   string
	receiver Receiver
	logger   zerolog.Logger

	connsMu sync.Mutex
	conns   map[string]*grpc.ClientConn

	wg sync.WaitGroup
}

func (g *GRPC) setupTcp() (net.Listener, error) {
	lis, err := net.Listen("tcp", g.addr)

	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	return lis, nil
}

// messagingServer is the server side of the Messaging service.
type messagingServer interface {
	Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*messagingServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "antientropy/messaging/v1/messaging.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messagingServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(messagingServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// messagingService hands delivered frames to the node's receiver.
type messagingService struct {
	receiver Receiver
	logger   zerolog.Logger
}

// Deliver handles one inbound frame
func (s *messagingService) Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	if err := s.receiver.Receive(ctx, req.GetValue()); err != nil {
		s.logger.Debug().Err(err).Int("size", len(req.GetValue())).Msg("Frame rejected")
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	var unknownVerb *messaging.UnknownVerbError
	switch {
	case errors.Is(err, messaging.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &unknownVerb):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (g *GRPC) setupServices() error {
	g.srv.RegisterService(&messagingServiceDesc, &messagingService{
		receiver: g.receiver,
		logger:   g.logger,
	})
	return nil
}

// Start binds the listener and serves in the background. Bind errors are
// returned immediately.
func (g *GRPC) Start() error {
	if lis, err := g.setupTcp(); err != nil {
		return fmt.Errorf("failed to setup TCP: %w", err)
	} else {
		g.lis = lis
	}

	// Register services
	if err := g.setupServices(); err != nil {
		return fmt.Errorf("failed to setup services: %w", err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.srv.Serve(g.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	g.logger.Info().Str("addr", g.Addr()).Msg("gRPC server listening")
	return nil
}

// Stop shuts the server down and closes client connections.
func (g *GRPC) Stop() {
	g.srv.Stop()
	g.wg.Wait()

	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil {
			g.logger.Debug().Err(err).Str("peer", addr).Msg("Closing client connection")
		}
		delete(g.conns, addr)
	}
}

// Addr returns the bound address once started, otherwise the configured one.
func (g *GRPC) Addr() string {
	if g.lis != nil {
		return g.lis.Addr().String()
	}
	return g.addr
}

// Send delivers a frame to the node listening at to.
func (g *GRPC) Send(ctx context.Context, to string, frame []byte) error {
	conn, err := g.conn(to)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(frame), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
	}
	return nil
}

func (g *GRPC) conn(to string) (*grpc.ClientConn, error) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	if conn, ok := g.conns[to]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(to, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", to, err)
	}
	g.conns[to] = conn
	return conn, nil
}

func NewGRPC(addr string, nodeID string, receiver Receiver, logger zerolog.Logger) (*GRPC, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("invalid address: %s", addr)
	}

	if nodeID == "" {
		return nil, fmt.Errorf("nodeID must be provided")
	}

	if receiver == nil {
		return nil, fmt.Errorf("receiver must be provided")
	}

	return &GRPC{
		addr:     addr,
		srv:      grpc.NewServer(),
		nodeID:   nodeID,
		receiver: receiver,
		logger:   logger.With().Str("component", "transport").Str("node", nodeID).Logger(),
		conns:    make(map[string]*grpc.ClientConn),
	}, nil
}
