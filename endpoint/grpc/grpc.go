/*
 * Copyright 2024 The RuleGo Authors.
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
 */

// Package grpc serves and calls gRPC methods without generated code. Messages travel as
// raw bytes: a consumer registered for /pkg.Service/Method receives the request payloads,
// a producer invokes the method with the In body.
//
//	grpc:0.0.0.0:9000/orders.OrderService/Create
//	grpc:0.0.0.0:9000/orders.OrderService/Upload?strategy=aggregation
package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const Scheme = "grpc"

// Header names set by grpc endpoints.
const (
	HeaderMethod     = "GrpcMethod"
	HeaderStatusCode = "GrpcStatusCode"
	HeaderIndex      = "GrpcIndex"
	// MetadataPrefix marks headers sent as outgoing metadata by producers.
	MetadataPrefix = "x-"
)

// Config is bound from the address. The path is host:port/Service/Method.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.StreamConfig   `mapstructure:",squash"`
	Path                string        `mapstructure:"path" required:"true"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// Host returns the host:port part of the path.
func (c Config) Host() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[:i]
	}
	return c.Path
}

// Method returns the full method name, /Service/Method.
func (c Config) Method() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[i:]
	}
	return ""
}

// Component shares one server per listen address and one client connection per target.
// Listen and Dial replace the network, e.g. with a bufconn listener.
type Component struct {
	Listen func(addr string) (net.Listener, error)
	Dial   func(ctx context.Context, addr string) (net.Conn, error)

	servers impl.ClientPool[*server]
	clients impl.ClientPool[*grpc.ClientConn]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig: impl.DefaultConsumerConfig(),
		StreamConfig:   impl.DefaultStreamConfig(),
		Timeout:        30 * time.Second,
	}
	if err := impl.Bind(c, address, config, "path", &conf); err != nil {
		return nil, err
	}
	strategy, err := conf.StreamConfig.Validate(address.String())
	if err != nil {
		return nil, err
	}
	if conf.Host() == "" || strings.Count(conf.Method(), "/") != 2 {
		return nil, types.NewConfigurationError(address.String(), "path", "expected host:port/Service/Method")
	}
	ep := &Endpoint{conf: conf, strategy: strategy}
	ep.Init(address, config, conf)
	host := conf.Host()
	ep.server = c.servers.Get(host, func() (*server, error) {
		return c.newServer(host)
	}, func(s *server) error {
		s.stop(config.Timeout())
		return nil
	})
	ep.client = c.clients.Get(host, func() (*grpc.ClientConn, error) {
		opts := []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		}
		if c.Dial != nil {
			opts = append(opts, grpc.WithContextDialer(c.Dial))
		}
		return grpc.NewClient("passthrough:///"+host, opts...)
	}, func(conn *grpc.ClientConn) error {
		return conn.Close()
	})
	return ep, nil
}

// server dispatches every call by full method name to the attached consumer.
type server struct {
	srv *grpc.Server
	lis net.Listener

	mu       sync.RWMutex
	handlers map[string]*Consumer
}

func (c *Component) newServer(addr string) (*server, error) {
	listen := c.Listen
	if listen == nil {
		listen = func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		}
	}
	lis, err := listen(addr)
	if err != nil {
		return nil, err
	}
	s := &server{lis: lis, handlers: make(map[string]*Consumer)}
	s.srv = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}), grpc.UnknownServiceHandler(s.handle))
	go func() {
		_ = s.srv.Serve(lis)
	}()
	return s, nil
}

func (s *server) attach(method string, c *Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[method]; ok {
		return false
	}
	s.handlers[method] = c
	return true
}

func (s *server) detach(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, method)
}

func (s *server) stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.srv.Stop()
	}
}

func (s *server) handle(_ interface{}, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method not found in stream context")
	}
	s.mu.RLock()
	c := s.handlers[method]
	s.mu.RUnlock()
	if c == nil {
		return status.Errorf(codes.Unimplemented, "method %s not served", method)
	}
	return c.serve(method, stream)
}

// Endpoint is a grpc endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf     Config
	strategy impl.StreamStrategy
	server   *impl.SharedClient[*server]
	client   *impl.SharedClient[*grpc.ClientConn]
}

// ListenAddr returns the address the shared server is bound to, once a consumer started.
func (e *Endpoint) ListenAddr() string {
	s, err := e.server.Get()
	if err != nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &Consumer{endpoint: e}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

// Consumer serves one method.
type Consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
}

func (c *Consumer) start(ctx context.Context) error {
	s, err := c.endpoint.server.Acquire()
	if err != nil {
		return types.NewConnectivityError("listen", err)
	}
	if !s.attach(c.endpoint.conf.Method(), c) {
		_ = c.endpoint.server.Release(c.endpoint.Config().Timeout())
		return types.NewConfigurationError(c.endpoint.Address(), "path", "method %s is already served", c.endpoint.conf.Method())
	}
	return nil
}

func (c *Consumer) stop() error {
	if s, err := c.endpoint.server.Get(); err == nil {
		s.detach(c.endpoint.conf.Method())
	}
	return c.endpoint.server.Release(c.endpoint.Config().Timeout())
}

func (c *Consumer) serve(method string, stream grpc.ServerStream) error {
	var sendMu sync.Mutex
	dispatcher := impl.NewStreamDispatcher(c.DefaultConsumer, c.endpoint.strategy, c.endpoint.conf.MaxAggregation, func(exchange *types.Exchange) error {
		// unary callers expect exactly one reply, so the In body is echoed when no Out is set
		var data []byte
		if exchange.HasOut() || c.endpoint.strategy == impl.Propagation {
			var err error
			if data, err = exchange.Result().BodyBytes(); err != nil {
				return types.NewProgrammerError("encode", "body", "%v", err)
			}
		}
		if data == nil {
			data = []byte{}
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.SendMsg(data)
	})
	headers := map[string]interface{}{HeaderMethod: method}
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		for k, v := range md {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
	}
	dispatcher.Headers = headers
	dispatcher.IndexHeader = HeaderIndex
	for {
		var data []byte
		err := stream.RecvMsg(&data)
		if errors.Is(err, io.EOF) {
			if err := dispatcher.OnCompleted(); err != nil {
				return toStatus(err)
			}
			return nil
		}
		if err != nil {
			dispatcher.OnError(err)
			return err
		}
		if err := dispatcher.OnNext(data); err != nil {
			return toStatus(err)
		}
	}
}

// toStatus maps an exchange error to a status for the caller.
func toStatus(err error) error {
	if errors.Is(err, impl.ErrAggregationOverflow) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	kind := types.KindOf(err)
	var f *types.Fault
	if errors.As(err, &f) {
		kind = f.Kind
	}
	switch kind {
	case types.KindProgrammer, types.KindConfiguration:
		return status.Error(codes.InvalidArgument, err.Error())
	case types.KindConnectivity:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, func(exchange *types.Exchange) error {
		return e.invoke(exchange)
	})
	p.DoStart = func() error {
		_, err := e.client.Acquire()
		if err != nil {
			return types.NewConfigurationError(e.Address(), "path", "%v", err)
		}
		return nil
	}
	p.DoStop = func() error {
		return e.client.Release(e.Config().Timeout())
	}
	return p, nil
}

func (e *Endpoint) invoke(exchange *types.Exchange) error {
	conn, err := e.client.Get()
	if err != nil {
		return types.NewConnectivityError("invoke", err)
	}
	e.client.BeginOp()
	defer e.client.EndOp()
	req, err := exchange.In().BodyBytes()
	if err != nil {
		return types.NewProgrammerError("encode", "body", "%v", err)
	}
	if req == nil {
		req = []byte{}
	}
	ctx, cancel := context.WithTimeout(exchange.Context(), e.conf.Timeout)
	defer cancel()
	var pairs []string
	exchange.In().Headers().Range(func(key string, value interface{}) bool {
		if s, ok := value.(string); ok && strings.HasPrefix(strings.ToLower(key), MetadataPrefix) {
			pairs = append(pairs, strings.ToLower(key), s)
		}
		return true
	})
	if len(pairs) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}
	var resp []byte
	err = conn.Invoke(ctx, e.conf.Method(), &req, &resp)
	st, _ := status.FromError(err)
	if err != nil {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return types.NewConnectivityError(e.conf.Method(), err)
		}
		return types.NewProtocolError(e.conf.Method(), st.Code().String(), err)
	}
	impl.Reply(exchange, resp).SetHeader(HeaderStatusCode, st.Code().String())
	return nil
}
