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

// Package ssh runs commands on remote hosts. The address path is host or host:port.
//
//	ssh:10.0.0.5:22?username=ops&keyFile=/etc/relay/id_ed25519&command=uptime
//
// Producers run the command header, the configured command or the body, with ${}
// placeholders expanded from the headers and the body. The Out body is the standard
// output. Consumers run the configured command on every poll and emit its output.
// Endpoints with the same user and host share one connection, redialled after a failure.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/str"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const Scheme = "ssh"

// Header names set and read by ssh endpoints.
const (
	HeaderCommand    = "SshCommand"
	HeaderExitStatus = "SshExitStatus"
	HeaderStderr     = "SshStderr"
)

// Config is bound from the address. The path is the host.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.PollConfig     `mapstructure:",squash"`
	Host                string `mapstructure:"host" required:"true"`
	Username            string `mapstructure:"username" required:"true"`
	Password            string `mapstructure:"password"`
	// KeyFile is a PEM private key, optionally protected by KeyPassphrase.
	KeyFile       string `mapstructure:"keyFile"`
	KeyPassphrase string `mapstructure:"keyPassphrase"`
	// KnownHostsFile enables host key verification.
	KnownHostsFile string        `mapstructure:"knownHostsFile"`
	Command        string        `mapstructure:"command"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// CommandTimeout bounds a single command run.
	CommandTimeout time.Duration `mapstructure:"commandTimeout"`
	// FailOnExitStatus turns a non-zero exit status into a fault.
	FailOnExitStatus bool `mapstructure:"failOnExitStatus"`
}

// Addr returns host:port, defaulting to port 22.
func (c Config) Addr() string {
	if _, _, err := net.SplitHostPort(c.Host); err == nil {
		return c.Host
	}
	return net.JoinHostPort(c.Host, "22")
}

// Component shares connections per user and host.
// Dial replaces ssh.Dial, e.g. to count connections.
type Component struct {
	Dial    func(addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	clients impl.ClientPool[*client]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:   impl.DefaultConsumerConfig(),
		PollConfig:       impl.DefaultPollConfig(),
		ConnectTimeout:   10 * time.Second,
		CommandTimeout:   time.Minute,
		FailOnExitStatus: true,
	}
	conf.PollInterval = time.Minute
	if err := impl.Bind(c, address, config, "host", &conf); err != nil {
		return nil, err
	}
	if err := conf.PollConfig.Validate(address.String()); err != nil {
		return nil, err
	}
	clientConfig, err := clientConfig(conf)
	if err != nil {
		return nil, types.NewConfigurationError(address.String(), "", "%v", err)
	}
	dial := c.Dial
	if dial == nil {
		dial = func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
			return ssh.Dial("tcp", addr, config)
		}
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	addr := conf.Addr()
	ep.client = c.clients.Get(conf.Username+"@"+addr, func() (*client, error) {
		return &client{dial: func() (*ssh.Client, error) {
			return dial(addr, clientConfig)
		}}, nil
	}, func(cl *client) error {
		return cl.close()
	})
	return ep, nil
}

// clientConfig builds the authentication and host key settings.
func clientConfig(conf Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if conf.KeyFile != "" {
		pemBytes, err := os.ReadFile(conf.KeyFile)
		if err != nil {
			return nil, err
		}
		var signer ssh.Signer
		if conf.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(conf.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("keyFile: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if conf.Password != "" {
		auth = append(auth, ssh.Password(conf.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("password or keyFile is required")
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if conf.KnownHostsFile != "" {
		cb, err := knownhosts.New(conf.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("knownHostsFile: %w", err)
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            conf.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         conf.ConnectTimeout,
	}, nil
}

// client dials lazily and drops the connection after a session could not be opened.
type client struct {
	dial  func() (*ssh.Client, error)
	mu    sync.Mutex
	conn  *ssh.Client
	dials int64
}

func (c *client) session() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		atomic.AddInt64(&c.dials, 1)
		c.conn = conn
	}
	session, err := c.conn.NewSession()
	if err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return session, nil
}

// Dials returns how many connections were established.
func (c *client) Dials() int {
	return int(atomic.LoadInt64(&c.dials))
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// result is the outcome of one command run.
type result struct {
	stdout, stderr string
	exitStatus     int
}

// run executes command in a new session. The session is killed when ctx is done.
func (c *client) run(ctx context.Context, command string) (result, error) {
	session, err := c.session()
	if err != nil {
		return result{}, types.NewConnectivityError("session", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return result{}, types.NewConnectivityError("exec", ctx.Err())
	case err = <-done:
	}
	res := result{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.exitStatus = exitErr.ExitStatus()
	default:
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return res, types.NewProtocolError("exec", "", err)
		}
		return res, types.NewConnectivityError("exec", err)
	}
	return res, nil
}

// Endpoint is an ssh endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	client *impl.SharedClient[*client]
}

// exec runs command and applies FailOnExitStatus.
func (e *Endpoint) exec(ctx context.Context, command string) (result, error) {
	cl, err := e.client.Get()
	if err != nil {
		return result{}, types.NewConnectivityError("exec", err)
	}
	e.client.BeginOp()
	defer e.client.EndOp()
	ctx, cancel := context.WithTimeout(ctx, e.conf.CommandTimeout)
	defer cancel()
	res, err := cl.run(ctx, command)
	if err != nil {
		return res, err
	}
	if res.exitStatus != 0 && e.conf.FailOnExitStatus {
		return res, types.NewProtocolError("exec", strconv.Itoa(res.exitStatus),
			fmt.Errorf("command exited with status %d: %s", res.exitStatus, res.stderr))
	}
	return res, nil
}

func (e *Endpoint) acquire() error {
	_, err := e.client.Acquire()
	return err
}

func (e *Endpoint) release() error {
	return e.client.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.process)
	p.Validate = func(exchange *types.Exchange) error {
		_, err := p.command(exchange)
		return err
	}
	p.DoStart = e.acquire
	p.DoStop = e.release
	return p, nil
}

type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint
}

// command picks the header, the configured command or the body and expands placeholders.
func (p *producer) command(exchange *types.Exchange) (string, error) {
	in := exchange.In()
	command := in.Headers().GetString(HeaderCommand)
	if command == "" {
		command = p.endpoint.conf.Command
	}
	if command == "" {
		command = in.BodyString()
	}
	if command == "" {
		return "", types.NewProgrammerError("exec", HeaderCommand, "no command, set header %s, the command parameter or the body", HeaderCommand)
	}
	if str.CheckHasVar(command) {
		env := in.Headers().Values()
		env[types.Body] = in.Body()
		command = str.ExecuteTemplate(command, env)
	}
	return command, nil
}

func (p *producer) process(exchange *types.Exchange) error {
	command, err := p.command(exchange)
	if err != nil {
		return err
	}
	res, err := p.endpoint.exec(exchange.Context(), command)
	if err != nil {
		return err
	}
	out := impl.Reply(exchange, res.stdout)
	out.SetHeader(HeaderExitStatus, res.exitStatus)
	out.SetHeader(HeaderStderr, res.stderr)
	return nil
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	if e.conf.Command == "" {
		return nil, types.NewMissingParameterError(e.Address(), "command")
	}
	cursor, err := impl.NewCursor(impl.CursorId, 0)
	if err != nil {
		return nil, err
	}
	c := impl.NewScheduledPollConsumer(e, processor, e.conf.ConsumerConfig, e.conf.PollConfig, &source{endpoint: e}, cursor)
	c.ItemHeaderPrefix = "Ssh"
	return c, nil
}

// source runs the command once per poll.
type source struct {
	endpoint *Endpoint
	runs     int64
}

func (s *source) Open(ctx context.Context) error {
	return s.endpoint.acquire()
}

func (s *source) Close() error {
	return s.endpoint.release()
}

func (s *source) Fetch(ctx context.Context, cursor impl.Cursor, max int) ([]impl.PollItem, error) {
	res, err := s.endpoint.exec(ctx, s.endpoint.conf.Command)
	if err != nil {
		return nil, err
	}
	seq := atomic.AddInt64(&s.runs, 1)
	return []impl.PollItem{{
		Key:  strconv.FormatInt(seq, 10),
		Seq:  seq,
		Time: time.Now(),
		Body: res.stdout,
		Headers: map[string]interface{}{
			HeaderExitStatus: res.exitStatus,
			HeaderStderr:     res.stderr,
		},
	}}, nil
}
