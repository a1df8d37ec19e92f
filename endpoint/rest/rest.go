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

// Package rest provides HTTP endpoints. As a consumer the endpoint serves a route on a
// listener shared by all consumers of the same host:port; as a producer it sends the
// In body to the URL and stores the response in Out.
//
//	http:0.0.0.0:9090/orders/:id?httpMethodRestrict=POST
//	http:api.example.com/orders?httpMethod=GET&proxy=socks5://127.0.0.1:1080
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"golang.org/x/net/proxy"
)

const (
	Scheme       = "http"
	SchemeSecure = "https"
)

// Header names set and read by http endpoints.
const (
	HeaderMethod       = "HttpMethod"
	HeaderPath         = "HttpPath"
	HeaderQuery        = "HttpQuery"
	HeaderUri          = "HttpUri"
	HeaderResponseCode = "HttpResponseCode"
	HeaderContentType  = "Content-Type"
)

var allMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Config is bound from the address. The path is host[:port]/route.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	Path                string `mapstructure:"path" required:"true"`
	// HttpMethodRestrict lists the methods a consumer accepts, comma separated. Empty accepts all.
	HttpMethodRestrict string `mapstructure:"httpMethodRestrict"`
	// HttpMethod is the producer method. Empty sends POST when the body is set, GET otherwise.
	HttpMethod string `mapstructure:"httpMethod"`
	// ThrowExceptionOnFailure turns non-2xx responses into protocol faults.
	ThrowExceptionOnFailure bool          `mapstructure:"throwExceptionOnFailure"`
	ResponseTimeout         time.Duration `mapstructure:"responseTimeout"`
	// Proxy is an http, https or socks5 proxy URL.
	Proxy              string `mapstructure:"proxy"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	MaxConnsPerHost    int    `mapstructure:"maxConnsPerHost"`
	CertFile           string `mapstructure:"certFile"`
	CertKeyFile        string `mapstructure:"certKeyFile"`
}

// Host returns the host:port part of the path.
func (c Config) Host() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[:i]
	}
	return c.Path
}

// Route returns the route part of the path, starting with "/".
func (c Config) Route() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[i:]
	}
	return "/"
}

// Methods returns the methods a consumer accepts.
func (c Config) Methods() []string {
	if c.HttpMethodRestrict == "" {
		return allMethods
	}
	var methods []string
	for _, m := range strings.Split(c.HttpMethodRestrict, ",") {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	return methods
}

// Component serves consumers on listeners shared per host:port.
// Secure selects the https scheme for producers.
type Component struct {
	Secure bool
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	if c.Secure {
		return SchemeSecure
	}
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:          impl.DefaultConsumerConfig(),
		ThrowExceptionOnFailure: true,
		ResponseTimeout:         30 * time.Second,
	}
	if err := impl.Bind(c, address, config, "path", &conf); err != nil {
		return nil, err
	}
	if conf.Host() == "" {
		return nil, types.NewConfigurationError(address.String(), "path", "host is required")
	}
	if conf.Proxy != "" {
		u, err := url.Parse(conf.Proxy)
		if err != nil || u.Host == "" {
			return nil, types.NewConfigurationError(address.String(), "proxy", "invalid proxy url %q", conf.Proxy)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, types.NewConfigurationError(address.String(), "proxy", "unsupported proxy scheme %q", u.Scheme)
		}
	}
	ep := &Endpoint{conf: conf, secure: c.Secure}
	ep.Init(address, config, conf)
	ep.server = SharedServer(conf.Host(), conf.CertFile, conf.CertKeyFile, config.Timeout())
	return ep, nil
}

// Endpoint is an http endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	secure bool
	server *impl.SharedClient[*Server]
}

// ListenAddr returns the address the shared listener is bound to, once a consumer started.
func (e *Endpoint) ListenAddr() string {
	s, err := e.server.Get()
	if err != nil {
		return ""
	}
	return s.Addr()
}

// URL returns the producer target.
func (e *Endpoint) URL() string {
	scheme := "http"
	if e.secure {
		scheme = "https"
	}
	return scheme + "://" + e.conf.Path
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e, client: NewHttpClient(e.conf)}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.send)
	return p, nil
}

// NewHttpClient builds a client on a clone of the default transport with the proxy applied.
func NewHttpClient(conf Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: conf.InsecureSkipVerify}
	transport.MaxConnsPerHost = conf.MaxConnsPerHost
	if conf.Proxy != "" {
		if proxyURL, err := url.Parse(conf.Proxy); err == nil {
			if proxyURL.Scheme == "socks5" {
				transport.Proxy = nil
				transport.DialContext = socks5Dialer(proxyURL)
			} else {
				transport.Proxy = http.ProxyURL(proxyURL)
			}
		}
	}
	return &http.Client{Transport: transport, Timeout: conf.ResponseTimeout}
}

func socks5Dialer(proxyURL *url.URL) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var auth *proxy.Auth
		if proxyURL.User != nil {
			if password, ok := proxyURL.User.Password(); ok {
				auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
			}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
}

type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint
	client   *http.Client
}

func (p *producer) send(exchange *types.Exchange) error {
	in := exchange.In()
	target := p.endpoint.URL()
	if path := in.Headers().GetString(HeaderPath); path != "" {
		target = strings.TrimSuffix(target, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	if query := in.Headers().GetString(HeaderQuery); query != "" {
		target += "?" + query
	}
	body, err := in.BodyBytes()
	if err != nil {
		return types.NewProgrammerError("encode", "body", "%v", err)
	}
	method := in.Headers().GetString(HeaderMethod)
	if method == "" {
		method = p.endpoint.conf.HttpMethod
	}
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(exchange.Context(), strings.ToUpper(method), target, reader)
	if err != nil {
		return types.NewProgrammerError(method, HeaderPath, "%v", err)
	}
	in.Headers().Range(func(key string, value interface{}) bool {
		if strings.HasPrefix(key, "Http") {
			return true
		}
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
		return true
	})
	resp, err := p.client.Do(req)
	if err != nil {
		return types.NewConnectivityError(method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewConnectivityError(method, err)
	}
	if p.endpoint.conf.ThrowExceptionOnFailure && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return types.NewProtocolError(method, strconv.Itoa(resp.StatusCode), &OperationFailedError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       data,
		})
	}
	out := impl.Reply(exchange, data)
	for k, v := range resp.Header {
		if len(v) > 0 {
			out.SetHeader(k, v[0])
		}
	}
	out.SetHeader(HeaderResponseCode, resp.StatusCode)
	return nil
}

// OperationFailedError carries a non-2xx response. It is the cause of the
// exchange fault when throwExceptionOnFailure is set.
type OperationFailedError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *OperationFailedError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
	if len(e.Body) > 0 {
		msg += ": " + strings.TrimSpace(string(e.Body))
	}
	return msg
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	settings := e.conf.ConsumerConfig
	// the reply is written by the handler, so every request is processed as InOut
	settings.ExchangePattern = types.InOut.String()
	c := &consumer{endpoint: e}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, settings)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

type consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	attached []string
}

func (c *consumer) start(ctx context.Context) error {
	s, err := c.endpoint.server.Acquire()
	if err != nil {
		return types.NewConnectivityError("listen", err)
	}
	route := c.endpoint.conf.Route()
	for _, method := range c.endpoint.conf.Methods() {
		if !s.Attach(method, route, c.handle) {
			c.detach(s)
			_ = c.endpoint.server.Release(c.endpoint.Config().Timeout())
			return types.NewConfigurationError(c.endpoint.Address(), "path", "route %s %s is already served", method, route)
		}
		c.attached = append(c.attached, method)
	}
	return nil
}

func (c *consumer) detach(s *Server) {
	for _, method := range c.attached {
		s.Detach(method, c.endpoint.conf.Route())
	}
	c.attached = nil
}

func (c *consumer) stop() error {
	if s, err := c.endpoint.server.Get(); err == nil {
		c.detach(s)
	}
	return c.endpoint.server.Release(c.endpoint.Config().Timeout())
}

func (c *consumer) handle(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exchange := c.CreateExchange()
	exchange.SetContext(r.Context())
	in := exchange.In()
	in.SetBody(body)
	for k, v := range r.Header {
		if len(v) > 0 {
			in.SetHeader(k, v[0])
		}
	}
	for _, p := range params {
		in.SetHeader(p.Key, p.Value)
	}
	in.SetHeader(HeaderMethod, r.Method)
	in.SetHeader(HeaderPath, r.URL.Path)
	in.SetHeader(HeaderQuery, r.URL.RawQuery)
	in.SetHeader(HeaderUri, r.RequestURI)

	_ = c.EmitAndWait(exchange)
	writeResponse(w, exchange)
}

func writeResponse(w http.ResponseWriter, exchange *types.Exchange) {
	if f := exchange.Fault(); f != nil {
		code := http.StatusInternalServerError
		if f.Kind == types.KindProtocol {
			if n, err := strconv.Atoi(f.Code); err == nil && n >= 400 && n < 600 {
				code = n
			}
		}
		http.Error(w, f.Error(), code)
		return
	}
	result := exchange.Result()
	data, err := result.BodyBytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ct := result.Headers().GetString(HeaderContentType); ct != "" {
		w.Header().Set(HeaderContentType, ct)
	}
	code := http.StatusOK
	if n := result.Headers().GetInt64(HeaderResponseCode); n > 0 {
		code = int(n)
	}
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
