/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/SilentAlice/pvchan/internal/logging"
)

const serviceName = "pvchan.exchange.Exchange"

func method(name string) string { return "/" + serviceName + "/" + name }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Store)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Remove", Handler: removeHandler},
		{MethodName: "Directory", Handler: directoryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

// unary decodes a request of type Req and runs fn through the interceptor
// chain.
func unary[Req any](name string, fn func(Store, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		run := func(ctx context.Context, req any) (any, error) {
			out, err := fn(srv.(Store), ctx, req.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return run(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method(name)}
		return interceptor(ctx, in, info, run)
	}
}

var (
	getHandler = unary("Get", func(s Store, ctx context.Context, in *pathRequest) (any, error) {
		v, err := s.Get(ctx, in.Path)
		return &valueReply{Value: v}, err
	})
	setHandler = unary("Set", func(s Store, ctx context.Context, in *setRequest) (any, error) {
		return &emptyReply{}, s.Set(ctx, in.Path, in.Value)
	})
	removeHandler = unary("Remove", func(s Store, ctx context.Context, in *pathRequest) (any, error) {
		return &emptyReply{}, s.Remove(ctx, in.Path)
	})
	directoryHandler = unary("Directory", func(s Store, ctx context.Context, in *pathRequest) (any, error) {
		children, err := s.Directory(ctx, in.Path)
		return &listReply{Children: children}, err
	})
)

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(pathRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	events, err := srv.(Store).Watch(stream.Context(), in.Path)
	if err != nil {
		return toStatus(err)
	}
	for ev := range events {
		if err := stream.SendMsg(&watchEvent{Path: ev.Path}); err != nil {
			return err
		}
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidPath):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w (%s)", ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w (%s)", ErrInvalidPath, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return err
	}
}

// Server exposes a Store over gRPC.
type Server struct {
	srv    *grpc.Server
	logger *zap.Logger
}

// NewServer wraps store in a gRPC server.
func NewServer(store Store, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	logger = logging.OrNop(logger).Named("exchange.server")
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(logUnary(logger)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, store)
	return &Server{srv: s, logger: logger}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("exchange service listening", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Stop closes all connections and watches.
func (s *Server) Stop() {
	s.srv.Stop()
}

// GracefulStop waits for in-flight unary calls. Open watches are cancelled.
func (s *Server) GracefulStop() {
	s.srv.GracefulStop()
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("exchange call",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()))
		return resp, err
	}
}

// Client is a Store served by a remote exchange Server.
type Client struct {
	cc     grpc.ClientConnInterface
	closer func() error
}

var _ Store = (*Client)(nil)

// Dial connects to the exchange service at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial exchange: %w", err)
	}
	return &Client{cc: conn, closer: conn.Close}, nil
}

// NewClient uses an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, closer: func() error { return nil }}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, name string, in, out any) error {
	if err := c.cc.Invoke(ctx, method(name), in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, p string) (string, error) {
	var out valueReply
	if err := c.invoke(ctx, "Get", &pathRequest{Path: p}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// Set implements Store.
func (c *Client) Set(ctx context.Context, p, value string) error {
	return c.invoke(ctx, "Set", &setRequest{Path: p, Value: value}, &emptyReply{})
}

// Remove implements Store.
func (c *Client) Remove(ctx context.Context, p string) error {
	return c.invoke(ctx, "Remove", &pathRequest{Path: p}, &emptyReply{})
}

// Directory implements Store.
func (c *Client) Directory(ctx context.Context, p string) ([]string, error) {
	var out listReply
	if err := c.invoke(ctx, "Directory", &pathRequest{Path: p}, &out); err != nil {
		return nil, err
	}
	return out.Children, nil
}

// Watch implements Store. The first event is received before Watch
// returns, so a bad path is reported here rather than as a closed channel.
func (c *Client) Watch(ctx context.Context, p string) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], method("Watch"), grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&pathRequest{Path: p}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	var first watchEvent
	if err := stream.RecvMsg(&first); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	ch := make(chan Event, 1)
	ch <- Event{Path: first.Path}
	go func() {
		defer cancel()
		defer close(ch)
		for {
			var ev watchEvent
			if err := stream.RecvMsg(&ev); err != nil {
				return
			}
			select {
			case ch <- Event{Path: ev.Path}:
			default:
			}
		}
	}()
	return ch, nil
}
