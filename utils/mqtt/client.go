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

// Package mqtt wraps the Paho client with context-aware operations, subscriptions that
// survive reconnects and connection-lost listeners. Reconnecting is left to the caller.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rulego/relay/utils/str"
)

// ErrSubscriptionRejected is returned when the broker answers a subscribe with 0x80.
var ErrSubscriptionRejected = errors.New("subscription rejected by broker")

// Message is a received publication.
type Message struct {
	Topic     string
	Payload   []byte
	Qos       byte
	Retained  bool
	MessageID uint16
}

// Handler receives the messages of one subscription.
type Handler struct {
	Topic  string
	Qos    byte
	Handle func(msg Message)
}

// Config is the client connection configuration.
type Config struct {
	// Server is the broker URL, e.g. tcp://127.0.0.1:1883.
	Server       string
	Username     string
	Password     string
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration
	// ConnectTimeout bounds a connection attempt when the caller's context has no deadline.
	ConnectTimeout time.Duration
	CAFile         string
	CertFile       string
	CertKeyFile    string
}

// Key identifies clients that may be shared.
func (c Config) Key() string {
	return c.Server + "|" + c.ClientID + "|" + c.Username
}

// Client is a Paho client whose subscriptions are restored on every connect.
type Client struct {
	client paho.Client

	mu       sync.RWMutex
	handlers map[string]Handler

	lostMu sync.Mutex
	lost   map[string]func(err error)

	connectMu      sync.Mutex
	connectTimeout time.Duration
}

// NewClient builds a client without connecting.
func NewClient(conf Config) (*Client, error) {
	return newClient(conf, paho.NewClient)
}

func newClient(conf Config, factory func(o *paho.ClientOptions) paho.Client) (*Client, error) {
	if conf.Server == "" {
		return nil, errors.New("mqtt server is required")
	}
	c := &Client{
		handlers:       make(map[string]Handler),
		lost:           make(map[string]func(err error)),
		connectTimeout: conf.ConnectTimeout,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 10 * time.Second
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	if conf.ClientID == "" {
		opts.SetClientID("relay/" + str.RandomStr(8))
	} else {
		opts.SetClientID(conf.ClientID)
	}
	if conf.KeepAlive > 0 {
		opts.SetKeepAlive(conf.KeepAlive)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.connectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		c.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.notifyLost(err)
	})
	tlsConfig, err := newTLSConfig(conf.CAFile, conf.CertFile, conf.CertKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error loading mqtt certificate files, ca_cert=%s, tls_cert=%s, tls_key=%s: %w", conf.CAFile, conf.CertFile, conf.CertKeyFile, err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	c.client = factory(opts)
	return c, nil
}

// Connect makes one connection attempt. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.client.IsConnected() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	return wait(ctx, c.client.Connect())
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Subscribe registers handler and subscribes right away when connected.
// Registered handlers are subscribed again after every connect.
func (c *Client) Subscribe(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	c.handlers[handler.Topic] = handler
	c.mu.Unlock()
	if !c.client.IsConnected() {
		return nil
	}
	return c.subscribe(ctx, handler)
}

// Unsubscribe removes the handler of topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()
	if !ok || !c.client.IsConnected() {
		return nil
	}
	return wait(ctx, c.client.Unsubscribe(topic))
}

// Handlers returns the number of registered subscriptions.
func (c *Client) Handlers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Publish sends payload and waits for the broker acknowledgement the qos requires.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return wait(ctx, c.client.Publish(topic, qos, retained, payload))
}

// OnConnectionLost registers fn under key. fn runs on its own goroutine.
func (c *Client) OnConnectionLost(key string, fn func(err error)) {
	c.lostMu.Lock()
	defer c.lostMu.Unlock()
	if fn == nil {
		delete(c.lost, key)
		return
	}
	c.lost[key] = fn
}

// Close disconnects, waiting up to 500ms for in-flight work.
func (c *Client) Close() error {
	c.client.Disconnect(500)
	return nil
}

func (c *Client) notifyLost(err error) {
	c.lostMu.Lock()
	listeners := make([]func(error), 0, len(c.lost))
	for _, fn := range c.lost {
		listeners = append(listeners, fn)
	}
	c.lostMu.Unlock()
	for _, fn := range listeners {
		go fn(err)
	}
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()
	// the connect callback runs on the client's goroutine, subscribing must not block it
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		defer cancel()
		for _, h := range handlers {
			_ = c.subscribe(ctx, h)
		}
	}()
}

func (c *Client) subscribe(ctx context.Context, handler Handler) error {
	topic := handler.Topic
	token := c.client.Subscribe(topic, handler.Qos, func(_ paho.Client, m paho.Message) {
		handler.Handle(Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			Qos:       m.Qos(),
			Retained:  m.Retained(),
			MessageID: m.MessageID(),
		})
	})
	if err := wait(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code == 0x80 {
			return fmt.Errorf("%w: topic=%s", ErrSubscriptionRejected, topic)
		}
	}
	return nil
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTLSConfig(caFile, certFile, certKeyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = pool
	}
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}
