package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
)

const (
	grpcServiceName  = "orbit.v1.Broker"
	grpcInvokeMethod = "/" + grpcServiceName + "/Invoke"
)

// GRPCClient sends envelopes as unary calls carrying a BytesValue payload.
// Request metadata travels in headers, response metadata in trailers.
type GRPCClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewGRPCClient creates a client with insecure transport credentials
// unless opts override them.
func NewGRPCClient(opts ...grpc.DialOption) *GRPCClient {
	all := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &GRPCClient{
		conns: make(map[string]*grpc.ClientConn),
		opts:  all,
	}
}

func (c *GRPCClient) Protocols() []domain.Protocol {
	return []domain.Protocol{domain.ProtocolGRPC}
}

// Send performs one unary call to address.
func (c *GRPCClient) Send(ctx context.Context, protocol domain.Protocol, address string, req *Request) (*Response, error) {
	if protocol != domain.ProtocolGRPC {
		return nil, faults.Newf(faults.CodeClientNotFound, "grpc client cannot send %s", protocol)
	}
	conn, err := c.conn(address)
	if err != nil {
		return nil, faults.Wrap(faults.CodeTransport, err, "grpc connect")
	}

	if req.Metadata.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Metadata.Timeout)
		defer cancel()
	}
	pairs := make([]string, 0, 16)
	for k, v := range requestHeaders(req.Metadata) {
		pairs = append(pairs, k, v)
	}
	observability.InjectHeaders(ctx, func(k, v string) {
		pairs = append(pairs, strings.ToLower(k), v)
	})
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

	var trailer metadata.MD
	out := &wrapperspb.BytesValue{}
	if err := conn.Invoke(ctx, grpcInvokeMethod, wrapperspb.Bytes(req.Payload), out, grpc.Trailer(&trailer)); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.CodeTimeout, err, "grpc invoke "+address)
		}
		return nil, faults.Wrap(faults.CodeTransport, err, "grpc invoke "+address)
	}

	md, err := parseResponseHeaders(firstValue(trailer))
	if err != nil {
		return nil, faults.Wrap(faults.CodeTransport, err, "grpc response metadata")
	}
	return &Response{Metadata: md, Payload: out.GetValue()}, nil
}

func (c *GRPCClient) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Close shuts down all cached connections.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

func firstValue(md metadata.MD) func(string) string {
	return func(key string) string {
		if vs := md.Get(key); len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
}

// invokeService is the handler type of the hand-written service
// descriptor below.
type invokeService interface {
	invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*invokeService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orbit/v1/broker.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invokeService).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcInvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(invokeService).invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer accepts envelopes over gRPC and dispatches them locally.
type GRPCServer struct {
	dispatcher *Dispatcher
	server     *grpc.Server
	lis        net.Listener
	port       int
}

// NewGRPCServer creates a server; call Start to listen.
func NewGRPCServer(d *Dispatcher, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{dispatcher: d, server: grpc.NewServer(opts...)}
	s.server.RegisterService(&brokerServiceDesc, s)
	return s
}

// Start listens on addr and serves in the background.
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.lis = lis
	s.port = lis.Addr().(*net.TCPAddr).Port

	logging.Op().Info("gRPC server started", "addr", lis.Addr().String())

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *GRPCServer) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Endpoints reports the bound listener for the local target.
func (s *GRPCServer) Endpoints() []domain.Endpoint {
	if s.lis == nil {
		return nil
	}
	return []domain.Endpoint{{Protocol: domain.ProtocolGRPC, Port: s.port}}
}

// Extensions reports listener metadata for the local target.
func (s *GRPCServer) Extensions() map[string]string {
	return map[string]string{"grpc.port": strconv.Itoa(s.port)}
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

func (s *GRPCServer) invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	incoming, _ := metadata.FromIncomingContext(ctx)
	ctx = observability.ExtractHeaders(ctx, firstValue(incoming))
	md, err := parseRequestHeaders(firstValue(incoming))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp := s.dispatcher.Dispatch(ctx, &Request{Metadata: md, Payload: in.GetValue()})

	headers, err := responseHeaders(resp.Metadata)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := grpc.SetTrailer(ctx, metadata.New(headers)); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(resp.Payload), nil
}
