package api

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/yanun0323/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"exchange/internal/core"
	"exchange/internal/sink"
	"exchange/pkg/exception"
)

const serviceName = "exchange.v1.Exchange"

const (
	methodNewOrder     = "/" + serviceName + "/NewOrder"
	methodCancelOrder  = "/" + serviceName + "/CancelOrder"
	methodModifyOrder  = "/" + serviceName + "/ModifyOrder"
	methodGetOrder     = "/" + serviceName + "/GetOrder"
	methodGetSnapshot  = "/" + serviceName + "/GetSnapshot"
	methodStreamEvents = "/" + serviceName + "/StreamEvents"
)

// ExchangeServer is the server side of the exchange.v1.Exchange service.
type ExchangeServer interface {
	NewOrder(context.Context, *NewOrderRequest) (*AckResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*AckResponse, error)
	ModifyOrder(context.Context, *ModifyOrderRequest) (*AckResponse, error)
	GetOrder(context.Context, *OrderRequest) (*OrderResponse, error)
	GetSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	StreamEvents(*StreamRequest, grpc.ServerStream) error
}

// ExchangeServiceDesc describes the service for grpc.Server.RegisterService.
var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NewOrder", Handler: newOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
		{MethodName: "ModifyOrder", Handler: modifyOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
}

// RegisterExchangeServer registers srv on s.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}

// NewGRPCServer builds a server speaking JSON over gRPC with svc registered.
func NewGRPCServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(unaryLogger),
		grpc.ChainStreamInterceptor(streamLogger),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterExchangeServer(s, NewExchangeServer(svc))
	return s
}

// ServeGRPC serves on lis until ctx is done, then stops gracefully.
func ServeGRPC(ctx context.Context, s *grpc.Server, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.GracefulStop()
		case <-done:
		}
	}()
	logs.Infof("grpc serving on %s", lis.Addr())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

type exchangeServer struct {
	svc *Service
}

// NewExchangeServer adapts svc to ExchangeServer, mapping errors to gRPC status codes.
func NewExchangeServer(svc *Service) ExchangeServer {
	return &exchangeServer{svc: svc}
}

func (s *exchangeServer) NewOrder(ctx context.Context, req *NewOrderRequest) (*AckResponse, error) {
	resp, err := s.svc.NewOrder(ctx, req)
	return resp, toStatus(err)
}

func (s *exchangeServer) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*AckResponse, error) {
	resp, err := s.svc.CancelOrder(ctx, req)
	return resp, toStatus(err)
}

func (s *exchangeServer) ModifyOrder(ctx context.Context, req *ModifyOrderRequest) (*AckResponse, error) {
	resp, err := s.svc.ModifyOrder(ctx, req)
	return resp, toStatus(err)
}

func (s *exchangeServer) GetOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	resp, err := s.svc.GetOrder(ctx, req)
	return resp, toStatus(err)
}

func (s *exchangeServer) GetSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	resp, err := s.svc.GetSnapshot(ctx, req)
	return resp, toStatus(err)
}

func (s *exchangeServer) StreamEvents(req *StreamRequest, stream grpc.ServerStream) error {
	err := s.svc.StreamEvents(stream.Context(), req, func(env *sink.Envelope) error {
		return stream.SendMsg(env)
	})
	return toStatus(err)
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, exception.ErrOrderInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, exception.ErrOrderNotFound), errors.Is(err, exception.ErrUnknownInstrument),
		errors.Is(err, core.ErrUnknownInstrument):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrOverloaded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, core.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logs.Errorf("rpc %s failed after %s, err: %+v", info.FullMethod, time.Since(start), err)
	}
	return resp, err
}

func streamLogger(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	logs.Infof("stream %s opened", info.FullMethod)
	err := handler(srv, ss)
	if err != nil {
		logs.Errorf("stream %s closed, err: %+v", info.FullMethod, err)
		return err
	}
	logs.Infof("stream %s closed", info.FullMethod)
	return nil
}

func newOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(NewOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).NewOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodNewOrder}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).NewOrder(ctx, req.(*NewOrderRequest))
	})
}

func cancelOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancelOrder}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).CancelOrder(ctx, req.(*CancelOrderRequest))
	})
}

func modifyOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ModifyOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).ModifyOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodModifyOrder}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).ModifyOrder(ctx, req.(*ModifyOrderRequest))
	})
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetOrder}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).GetOrder(ctx, req.(*OrderRequest))
	})
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSnapshot}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).GetSnapshot(ctx, req.(*SnapshotRequest))
	})
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExchangeServer).StreamEvents(in, stream)
}

// Client calls the exchange.v1.Exchange service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection. Calls use the JSON content subtype.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *Client) NewOrder(ctx context.Context, in *NewOrderRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.invoke(ctx, methodNewOrder, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.invoke(ctx, methodCancelOrder, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ModifyOrder(ctx context.Context, in *ModifyOrderRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.invoke(ctx, methodModifyOrder, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, methodGetOrder, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	out := new(SnapshotResponse)
	if err := c.invoke(ctx, methodGetSnapshot, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvents opens an event stream. Recv returns io.EOF when the server ends it.
func (c *Client) StreamEvents(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (*EventStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ExchangeServiceDesc.Streams[0], methodStreamEvents, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// EventStream receives envelopes from StreamEvents.
type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (*sink.Envelope, error) {
	env := new(sink.Envelope)
	if err := s.stream.RecvMsg(env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return env, nil
}
