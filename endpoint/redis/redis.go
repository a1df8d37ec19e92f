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

// Package redis provides Redis endpoints. Producers run the command named by the
// RedisCommand header against the key of the address. Consumers either subscribe
// to the channel (a pattern when it contains *) or pop the list with BLPOP.
//
//	redis:orders?server=127.0.0.1:6379&command=RPUSH
//	redis:events.*?server=127.0.0.1:6379
//	redis:jobs?server=127.0.0.1:6379&consumerMode=list
//
// Endpoints on the same server, database and user share one client.
package redis

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
)

const Scheme = "redis"

// Header names set and read by redis endpoints.
const (
	HeaderCommand = "RedisCommand"
	// HeaderKey replaces the key of the address.
	HeaderKey = "RedisKey"
	// HeaderValue replaces the body as the value.
	HeaderValue = "RedisValue"
	HeaderField = "RedisField"
	// HeaderExpire sets a key expiry for SET and EXPIRE.
	HeaderExpire  = "RedisExpire"
	HeaderChannel = "RedisChannel"
	HeaderPattern = "RedisPattern"
)

// Commands run by producers.
const (
	CmdSet      = "SET"
	CmdGet      = "GET"
	CmdDel      = "DEL"
	CmdExists   = "EXISTS"
	CmdExpire   = "EXPIRE"
	CmdIncr     = "INCR"
	CmdLPush    = "LPUSH"
	CmdRPush    = "RPUSH"
	CmdLPop     = "LPOP"
	CmdRPop     = "RPOP"
	CmdHSet     = "HSET"
	CmdHGet     = "HGET"
	CmdHGetAll  = "HGETALL"
	CmdSAdd     = "SADD"
	CmdSMembers = "SMEMBERS"
	CmdPublish  = "PUBLISH"
)

// Consumer modes.
const (
	ModePubSub = "pubsub"
	ModeList   = "list"
)

// Config is bound from the address. The path is the key, list or channel.
type Config struct {
	impl.ConsumerConfig  `mapstructure:",squash"`
	impl.ReconnectConfig `mapstructure:",squash"`
	Key                  string `mapstructure:"key"`
	Server               string `mapstructure:"server" required:"true"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	Db                   int    `mapstructure:"db"`
	PoolSize             int    `mapstructure:"poolSize"`
	// Command is the default producer command.
	Command string `mapstructure:"command"`
	// ConsumerMode is pubsub or list.
	ConsumerMode string        `mapstructure:"consumerMode"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	// PopTimeout bounds one BLPOP in list mode.
	PopTimeout time.Duration `mapstructure:"popTimeout"`
}

func (c Config) clientKey() string {
	return c.Server + "|" + cast.ToString(c.Db) + "|" + c.Username
}

// Component shares one client per server, database and user.
type Component struct {
	clients impl.ClientPool[*redis.Client]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		ReconnectConfig: impl.DefaultReconnectConfig(),
		Command:         CmdSet,
		ConsumerMode:    ModePubSub,
		DialTimeout:     5 * time.Second,
		PopTimeout:      time.Second,
	}
	if err := impl.Bind(c, address, config, "key", &conf); err != nil {
		return nil, err
	}
	conf.Command = strings.ToUpper(conf.Command)
	conf.ConsumerMode = strings.ToLower(conf.ConsumerMode)
	if conf.ConsumerMode != ModePubSub && conf.ConsumerMode != ModeList {
		return nil, types.NewConfigurationError(address.String(), "consumerMode", "unknown mode %q, expected %s or %s", conf.ConsumerMode, ModePubSub, ModeList)
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	ep.ops = ep.operations()
	if !ep.ops.Has(conf.Command) {
		return nil, types.NewConfigurationError(address.String(), "command", "unknown command %q, supported commands are %v", conf.Command, ep.ops.Operations())
	}
	ep.client = c.clients.Get(conf.clientKey(), func() (*redis.Client, error) {
		return redis.NewClient(&redis.Options{
			Addr:        conf.Server,
			Username:    conf.Username,
			Password:    conf.Password,
			DB:          conf.Db,
			PoolSize:    conf.PoolSize,
			DialTimeout: conf.DialTimeout,
		}), nil
	}, func(client *redis.Client) error {
		return client.Close()
	})
	return ep, nil
}

// Endpoint is a redis endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	ops    *impl.OperationTable
	client *impl.SharedClient[*redis.Client]
}

// Client returns the shared handle.
func (e *Endpoint) Client() *impl.SharedClient[*redis.Client] {
	return e.client
}

func (e *Endpoint) release() error {
	return e.client.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, func(exchange *types.Exchange) error {
		return e.ops.Dispatch(exchange, e.conf.Command)
	})
	p.Validate = func(exchange *types.Exchange) error {
		_, _, err := e.ops.Resolve(exchange, e.conf.Command)
		if err != nil {
			return err
		}
		if e.key(exchange) == "" {
			return types.NewProgrammerError("redis", HeaderKey, "header %s is required", HeaderKey)
		}
		return nil
	}
	p.DoStart = func() error {
		_, err := e.client.Acquire()
		return err
	}
	p.DoStop = e.release
	return p, nil
}

func (e *Endpoint) key(exchange *types.Exchange) string {
	if k := exchange.In().Headers().GetString(HeaderKey); k != "" {
		return k
	}
	return e.conf.Key
}

// value is the RedisValue header or the body. Values go-redis cannot encode are sent as JSON.
func value(in *types.Message) (interface{}, error) {
	v, ok := in.Header(HeaderValue)
	if !ok {
		v = in.Body()
	}
	switch v.(type) {
	case string, []byte, int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return v, nil
	}
	b, err := types.NewMessage(v).BodyBytes()
	if err != nil {
		return nil, types.NewProgrammerError("redis", "body", "%v", err)
	}
	return b, nil
}

// command wraps a go-redis call with the client lookup, timeout and error classification.
func (e *Endpoint) command(name string, exchange *types.Exchange, fn func(ctx context.Context, client *redis.Client, key string) (interface{}, error)) error {
	client, err := e.client.Get()
	if err != nil {
		return types.NewConnectivityError("redis", err)
	}
	e.client.BeginOp()
	defer e.client.EndOp()
	ctx, cancel := context.WithTimeout(exchange.Context(), e.Config().Timeout())
	defer cancel()
	result, err := fn(ctx, client, e.key(exchange))
	if errors.Is(err, redis.Nil) {
		result, err = nil, nil
	}
	if err != nil {
		return classify(name, err)
	}
	impl.Reply(exchange, result)
	return nil
}

func (e *Endpoint) operations() *impl.OperationTable {
	t := impl.NewOperationTable(HeaderCommand)
	reg := func(name string, fn func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error)) {
		t.Register(name, func(exchange *types.Exchange) error {
			return e.command(name, exchange, func(ctx context.Context, client *redis.Client, key string) (interface{}, error) {
				return fn(ctx, client, key, exchange.In())
			})
		})
	}
	reg(CmdSet, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		v, err := value(in)
		if err != nil {
			return nil, err
		}
		return client.Set(ctx, key, v, expire(in)).Result()
	})
	reg(CmdGet, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.Get(ctx, key).Result()
	})
	reg(CmdDel, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.Del(ctx, key).Result()
	})
	reg(CmdExists, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		n, err := client.Exists(ctx, key).Result()
		return n > 0, err
	})
	reg(CmdExpire, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.Expire(ctx, key, expire(in)).Result()
	})
	reg(CmdIncr, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.Incr(ctx, key).Result()
	})
	reg(CmdLPush, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		v, err := value(in)
		if err != nil {
			return nil, err
		}
		return client.LPush(ctx, key, v).Result()
	})
	reg(CmdRPush, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		v, err := value(in)
		if err != nil {
			return nil, err
		}
		return client.RPush(ctx, key, v).Result()
	})
	reg(CmdLPop, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.LPop(ctx, key).Result()
	})
	reg(CmdRPop, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.RPop(ctx, key).Result()
	})
	reg(CmdHSet, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		if field := in.Headers().GetString(HeaderField); field != "" {
			v, err := value(in)
			if err != nil {
				return nil, err
			}
			return client.HSet(ctx, key, field, v).Result()
		}
		fields, ok := in.Body().(map[string]interface{})
		if !ok {
			return nil, types.NewProgrammerError(CmdHSet, HeaderField, "header %s or a map body is required", HeaderField)
		}
		return client.HSet(ctx, key, fields).Result()
	})
	reg(CmdHGet, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		field := in.Headers().GetString(HeaderField)
		if field == "" {
			return nil, types.NewProgrammerError(CmdHGet, HeaderField, "header %s is required", HeaderField)
		}
		return client.HGet(ctx, key, field).Result()
	})
	reg(CmdHGetAll, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.HGetAll(ctx, key).Result()
	})
	reg(CmdSAdd, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		v, err := value(in)
		if err != nil {
			return nil, err
		}
		return client.SAdd(ctx, key, v).Result()
	})
	reg(CmdSMembers, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		return client.SMembers(ctx, key).Result()
	})
	reg(CmdPublish, func(ctx context.Context, client *redis.Client, key string, in *types.Message) (interface{}, error) {
		if ch := in.Headers().GetString(HeaderChannel); ch != "" {
			key = ch
		}
		v, err := value(in)
		if err != nil {
			return nil, err
		}
		return client.Publish(ctx, key, v).Result()
	})
	return t
}

func expire(in *types.Message) time.Duration {
	v, ok := in.Header(HeaderExpire)
	if !ok {
		return 0
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0
	}
	return d
}

// classify maps client errors: transport failures are connectivity errors, server
// replies are protocol errors coded by their prefix, e.g. WRONGTYPE.
func classify(op string, err error) error {
	if types.KindOf(err) != types.KindUnknown {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return types.NewConnectivityError(op, err)
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		code := redisErr.Error()
		if i := strings.IndexByte(code, ' '); i > 0 {
			code = code[:i]
		}
		return types.NewProtocolError(op, code, err)
	}
	return types.NewConnectivityError(op, err)
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	if e.conf.Key == "" {
		return nil, types.NewMissingParameterError(e.Address(), "key")
	}
	c := &consumer{endpoint: e, policy: impl.NewReconnectPolicy(e.conf.ReconnectConfig)}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

type consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	policy   impl.ReconnectPolicy
	pubsub   *redis.PubSub
	done     chan struct{}
}

func (c *consumer) start(ctx context.Context) error {
	client, err := c.endpoint.client.Acquire()
	if err != nil {
		return err
	}
	c.done = make(chan struct{})
	if c.endpoint.conf.ConsumerMode == ModeList {
		go c.popLoop(ctx, client)
		return nil
	}
	key := c.endpoint.conf.Key
	if strings.ContainsAny(key, "*?[") {
		c.pubsub = client.PSubscribe(ctx, key)
	} else {
		c.pubsub = client.Subscribe(ctx, key)
	}
	// go-redis resubscribes by itself after a lost connection
	if _, err := c.pubsub.Receive(ctx); err != nil {
		c.Fire(types.EventDisconnect, classify("subscribe", err))
		c.endpoint.Config().Printf("consumer %s subscribe pending: %v", c.endpoint.Address(), err)
	} else {
		c.Fire(types.EventConnect, nil)
	}
	go c.receiveLoop(c.pubsub.Channel())
	return nil
}

func (c *consumer) receiveLoop(messages <-chan *redis.Message) {
	defer close(c.done)
	for msg := range messages {
		exchange := c.CreateExchange()
		in := exchange.In()
		in.SetHeader(HeaderChannel, msg.Channel)
		if msg.Pattern != "" {
			in.SetHeader(HeaderPattern, msg.Pattern)
		}
		in.SetBody(msg.Payload)
		_ = c.Emit(exchange)
	}
}

// popLoop pops the list until ctx is done. A failed BLPOP starts the reconnect policy
// and the loop resumes once a PING succeeds.
func (c *consumer) popLoop(ctx context.Context, client *redis.Client) {
	defer close(c.done)
	key := c.endpoint.conf.Key
	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	for ctx.Err() == nil {
		if c.Reconnecting() {
			if !sleep(ctx, 10*time.Millisecond) {
				return
			}
			continue
		}
		result, err := client.BLPop(ctx, c.endpoint.conf.PopTimeout, key).Result()
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			continue
		}
		if err != nil {
			c.Reconnect(c.policy, classify("blpop", err), ping)
			if !c.policy.Enabled() && !sleep(ctx, c.endpoint.conf.PopTimeout) {
				return
			}
			continue
		}
		exchange := c.CreateExchange()
		exchange.In().SetHeader(HeaderKey, result[0])
		exchange.In().SetBody(result[1])
		_ = c.Emit(exchange)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *consumer) stop() error {
	if c.pubsub != nil {
		_ = c.pubsub.Close()
		c.pubsub = nil
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(c.endpoint.Config().Timeout()):
		}
	}
	return c.endpoint.release()
}
