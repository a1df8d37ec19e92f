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

// Package net provides raw TCP and UDP endpoints. A TCP consumer treats each accepted
// connection as a stream of packets cut by the framer; a UDP consumer turns each datagram
// into an exchange. Replies set as Out are written back to the peer.
//
//	tcp:0.0.0.0:8888?packetMode=length_prefix_be&packetSize=2
//	udp:127.0.0.1:9999?textBody=false
package net

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const (
	SchemeTCP = "tcp"
	SchemeUDP = "udp"
)

// Header names set by net consumers.
const (
	HeaderRemoteAddr = "NetRemoteAddr"
	HeaderLocalAddr  = "NetLocalAddr"
	HeaderIndex      = "NetIndex"
)

const (
	DefaultMaxPacketSize = 64 * 1024
	udpBufferSize        = 64 * 1024
)

// Config is bound from the address. The path is host:port.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.StreamConfig   `mapstructure:",squash"`
	Server              string `mapstructure:"server" required:"true"`
	PacketMode          string `mapstructure:"packetMode"`
	// PacketSize is the fixed packet size or the length prefix width.
	PacketSize    int    `mapstructure:"packetSize"`
	Delimiter     string `mapstructure:"delimiter"`
	MaxPacketSize int    `mapstructure:"maxPacketSize"`
	// TextBody delivers payloads as strings instead of byte slices.
	TextBody bool `mapstructure:"textBody"`
	// ReadTimeout closes an idle TCP connection. 0 waits forever.
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// ReplyTimeout bounds the wait for the reply of an InOut producer exchange.
	ReplyTimeout time.Duration `mapstructure:"replyTimeout"`
}

// Component creates endpoints for Protocol, tcp when empty.
type Component struct {
	Protocol string
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	if c.Protocol == "" {
		return SchemeTCP
	}
	return c.Protocol
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig: impl.DefaultConsumerConfig(),
		StreamConfig:   impl.DefaultStreamConfig(),
		PacketMode:     string(PacketModeLine),
		MaxPacketSize:  DefaultMaxPacketSize,
		TextBody:       true,
		ConnectTimeout: 5 * time.Second,
		ReplyTimeout:   30 * time.Second,
	}
	if err := impl.Bind(c, address, config, "server", &conf); err != nil {
		return nil, err
	}
	if _, _, err := net.SplitHostPort(conf.Server); err != nil {
		return nil, types.NewConfigurationError(address.String(), "server", "%v", err)
	}
	strategy, err := conf.StreamConfig.Validate(address.String())
	if err != nil {
		return nil, err
	}
	framer, err := NewFramer(PacketMode(conf.PacketMode), conf.PacketSize, conf.Delimiter, conf.MaxPacketSize)
	if err != nil {
		return nil, types.NewConfigurationError(address.String(), "packetMode", "%v", err)
	}
	ep := &Endpoint{conf: conf, network: c.Scheme(), framer: framer, strategy: strategy}
	ep.Init(address, config, conf)
	return ep, nil
}

// Endpoint is a tcp or udp endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf     Config
	network  string
	framer   Framer
	strategy impl.StreamStrategy
}

func (e *Endpoint) body(data []byte) interface{} {
	if e.conf.TextBody {
		return string(data)
	}
	return data
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &Consumer{endpoint: e, conns: make(map[net.Conn]struct{})}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

// Consumer listens on the endpoint address.
type Consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint

	mu       sync.Mutex
	listener net.Listener
	packet   net.PacketConn
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Addr returns the bound address once started.
func (c *Consumer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	if c.packet != nil {
		return c.packet.LocalAddr().String()
	}
	return ""
}

func (c *Consumer) start(ctx context.Context) error {
	var lc net.ListenConfig
	if c.endpoint.network == SchemeUDP {
		pc, err := lc.ListenPacket(ctx, "udp", c.endpoint.conf.Server)
		if err != nil {
			return types.NewConnectivityError("listen", err)
		}
		c.mu.Lock()
		c.packet = pc
		c.mu.Unlock()
		c.wg.Add(1)
		go c.readPackets(pc)
		return nil
	}
	l, err := lc.Listen(ctx, "tcp", c.endpoint.conf.Server)
	if err != nil {
		return types.NewConnectivityError("listen", err)
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.wg.Add(1)
	go c.accept(l)
	return nil
}

func (c *Consumer) stop() error {
	c.mu.Lock()
	if c.listener != nil {
		_ = c.listener.Close()
		c.listener = nil
	}
	if c.packet != nil {
		_ = c.packet.Close()
		c.packet = nil
	}
	for conn := range c.conns {
		_ = conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Connections returns the number of open TCP connections.
func (c *Consumer) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *Consumer) accept(l net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.endpoint.Config().Printf("net %s accept: %v", c.endpoint.Address(), err)
			}
			return
		}
		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Consumer) serve(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		_ = conn.Close()
	}()
	c.Fire(types.EventConnect, nil)
	e := c.endpoint
	dispatcher := impl.NewStreamDispatcher(c.DefaultConsumer, e.strategy, e.conf.MaxAggregation, func(exchange *types.Exchange) error {
		if !exchange.HasOut() {
			return nil
		}
		data, err := exchange.Out().BodyBytes()
		if err != nil {
			return types.NewProgrammerError("encode", "body", "%v", err)
		}
		framed, err := e.framer.Frame(data)
		if err != nil {
			return types.NewProtocolError("frame", "", err)
		}
		_, err = conn.Write(framed)
		return err
	})
	dispatcher.Headers = map[string]interface{}{
		HeaderRemoteAddr: conn.RemoteAddr().String(),
		HeaderLocalAddr:  conn.LocalAddr().String(),
	}
	dispatcher.IndexHeader = HeaderIndex
	reader := bufio.NewReader(conn)
	for {
		if e.conf.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(e.conf.ReadTimeout))
		}
		data, err := e.framer.Read(reader)
		if err != nil {
			// a clean EOF between packets completes the stream
			if errors.Is(err, io.EOF) && len(data) == 0 {
				if err := dispatcher.OnCompleted(); err != nil {
					e.Config().Printf("net %s stream %s: %v", e.Address(), conn.RemoteAddr(), err)
				}
			} else {
				dispatcher.OnError(err)
			}
			c.Fire(types.EventDisconnect, nil)
			return
		}
		if err := dispatcher.OnNext(e.body(data)); err != nil {
			e.Config().Printf("net %s stream %s: %v", e.Address(), conn.RemoteAddr(), err)
			c.Fire(types.EventDisconnect, err)
			return
		}
	}
}

func (c *Consumer) readPackets(pc net.PacketConn) {
	defer c.wg.Done()
	buf := make([]byte, udpBufferSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.endpoint.Config().Printf("net %s read: %v", c.endpoint.Address(), err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		exchange := c.CreateExchange()
		exchange.In().SetBody(c.endpoint.body(data))
		exchange.In().SetHeader(HeaderRemoteAddr, addr.String())
		exchange.In().SetHeader(HeaderLocalAddr, pc.LocalAddr().String())
		c.EmitAsync(exchange, func(bool) {
			if exchange.Failed() || !exchange.HasOut() {
				return
			}
			if reply, err := exchange.Out().BodyBytes(); err == nil {
				_, _ = pc.WriteTo(reply, addr)
			}
		})
	}
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.send)
	p.DoStop = p.close
	return p, nil
}

// producer keeps one connection, dialled on first use and again after a failure.
type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func (p *producer) send(exchange *types.Exchange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.endpoint
	if p.conn == nil {
		d := net.Dialer{Timeout: e.conf.ConnectTimeout}
		conn, err := d.DialContext(exchange.Context(), e.network, e.conf.Server)
		if err != nil {
			return types.NewConnectivityError("dial", err)
		}
		p.conn, p.reader = conn, bufio.NewReader(conn)
	}
	data, err := exchange.In().BodyBytes()
	if err != nil {
		return types.NewProgrammerError("encode", "body", "%v", err)
	}
	if e.network == SchemeTCP {
		if data, err = e.framer.Frame(data); err != nil {
			return types.NewProtocolError("frame", "", err)
		}
	}
	if _, err := p.conn.Write(data); err != nil {
		p.reset()
		return types.NewConnectivityError("write", err)
	}
	if exchange.Pattern() != types.InOut {
		return nil
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(e.conf.ReplyTimeout))
	var reply []byte
	if e.network == SchemeTCP {
		reply, err = e.framer.Read(p.reader)
	} else {
		buf := make([]byte, udpBufferSize)
		var n int
		n, err = p.conn.Read(buf)
		reply = buf[:n]
	}
	if err != nil {
		p.reset()
		return types.NewConnectivityError("read", err)
	}
	_ = p.conn.SetReadDeadline(time.Time{})
	impl.Reply(exchange, e.body(reply))
	return nil
}

func (p *producer) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn, p.reader = nil, nil
	}
}

func (p *producer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
