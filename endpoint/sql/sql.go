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

// Package sql provides database/sql endpoints. The address path is the statement;
// # marks a positional parameter and :#name a named one.
//
//	sql:select * from orders where id > :#cursor?driverName=mysql&dsn=user:pass@tcp(db:3306)/shop
//
// Producers run the statement per exchange: selects reply with the rows, other
// statements with the update count. Consumers poll a select and track progress
// with a cursor; :#cursor binds the committed position so the query only returns new rows.
// Endpoints on the same driver and dsn share one *sql.DB.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
	"github.com/rulego/relay/utils/maps"
	"github.com/rulego/relay/utils/str"
)

const Scheme = "sql"

// Header names set and read by sql endpoints.
const (
	// HeaderQuery replaces the statement of the address.
	HeaderQuery = "SqlQuery"
	// HeaderParameters carries the positional parameters as []interface{}.
	HeaderParameters   = "SqlParameters"
	HeaderRowCount     = "SqlRowCount"
	HeaderUpdateCount  = "SqlUpdateCount"
	HeaderLastInsertId = "SqlLastInsertId"
)

// ParamCursor is the named parameter bound to the committed cursor position.
const ParamCursor = "cursor"

// Config is bound from the address.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.PollConfig     `mapstructure:",squash"`
	Query               string `mapstructure:"query" required:"true"`
	// DriverName is mysql, postgres or any registered database/sql driver.
	DriverName string `mapstructure:"driverName" required:"true"`
	Dsn        string `mapstructure:"dsn" required:"true"`
	// PoolSize bounds the open connections. The first endpoint on a dsn decides it.
	PoolSize int `mapstructure:"poolSize"`
	// GetOne replies with the first row instead of the row list.
	GetOne bool `mapstructure:"getOne"`
	// Cursor is id, timestamp or seen.
	Cursor       string `mapstructure:"cursor"`
	SeenCapacity int    `mapstructure:"seenCapacity"`
	// IdColumn keys polled rows. The id cursor requires it to be numeric.
	IdColumn string `mapstructure:"idColumn"`
	// TimeColumn orders polled rows for the timestamp cursor.
	TimeColumn string `mapstructure:"timeColumn"`
	// OnConsume runs once a polled row was processed, with the row columns as named parameters.
	OnConsume    string        `mapstructure:"onConsume"`
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`
}

// Component shares one *sql.DB per driver and dsn.
type Component struct {
	clients impl.ClientPool[*sql.DB]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig: impl.DefaultConsumerConfig(),
		PollConfig:     impl.DefaultPollConfig(),
		PoolSize:       5,
		Cursor:         impl.CursorId,
		IdColumn:       "id",
		QueryTimeout:   30 * time.Second,
	}
	if err := impl.Bind(c, address, config, "query", &conf); err != nil {
		return nil, err
	}
	if !driverRegistered(conf.DriverName) {
		return nil, types.NewConfigurationError(address.String(), "driverName", "unknown driver %q, registered drivers are %v", conf.DriverName, sql.Drivers())
	}
	stmt, err := compile(conf.Query, conf.DriverName)
	if err != nil {
		return nil, types.NewConfigurationError(address.String(), "query", "%v", err)
	}
	ep := &Endpoint{conf: conf, stmt: stmt, hasVar: str.CheckHasVar(conf.Query)}
	if conf.OnConsume != "" {
		if ep.onConsume, err = compile(conf.OnConsume, conf.DriverName); err != nil {
			return nil, types.NewConfigurationError(address.String(), "onConsume", "%v", err)
		}
	}
	if err := conf.PollConfig.Validate(address.String()); err != nil {
		return nil, err
	}
	if _, err := impl.NewCursor(conf.Cursor, conf.SeenCapacity); err != nil {
		return nil, types.NewConfigurationError(address.String(), "cursor", "%v", err)
	}
	if conf.Cursor == impl.CursorTimestamp && conf.TimeColumn == "" {
		return nil, types.NewMissingParameterError(address.String(), "timeColumn")
	}
	ep.Init(address, config, conf)
	ep.db = c.clients.Get(conf.DriverName+"|"+conf.Dsn, func() (*sql.DB, error) {
		db, err := sql.Open(conf.DriverName, conf.Dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(conf.PoolSize)
		db.SetMaxIdleConns(conf.PoolSize / 2)
		return db, nil
	}, func(db *sql.DB) error {
		return db.Close()
	})
	return ep, nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// Endpoint is an sql endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf      Config
	stmt      *statement
	onConsume *statement
	// hasVar is set when the statement carries ${} placeholders expanded per exchange.
	hasVar bool
	db     *impl.SharedClient[*sql.DB]
}

// DB returns the shared handle.
func (e *Endpoint) DB() *impl.SharedClient[*sql.DB] {
	return e.db
}

func (e *Endpoint) acquire() (*sql.DB, error) {
	db, err := e.db.Acquire()
	if err != nil {
		return nil, types.NewConfigurationError(e.Address(), "dsn", "%v", err)
	}
	return db, nil
}

func (e *Endpoint) release() error {
	return e.db.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, e.process)
	p.Validate = func(exchange *types.Exchange) error {
		_, _, err := e.prepare(exchange)
		return err
	}
	p.DoStart = func() error {
		db, err := e.acquire()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.conf.QueryTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			e.Config().Printf("sql endpoint %s ping failed: %v", e.Address(), err)
		}
		return nil
	}
	p.DoStop = e.release
	return p, nil
}

// prepare selects the statement and resolves its parameters from the In message.
func (e *Endpoint) prepare(exchange *types.Exchange) (*statement, []interface{}, error) {
	in := exchange.In()
	st := e.stmt
	query := in.Headers().GetString(HeaderQuery)
	if query == "" && e.hasVar {
		query = e.conf.Query
	}
	if query != "" {
		if str.CheckHasVar(query) {
			env := in.Headers().Values()
			env[types.Body] = in.Body()
			query = str.ExecuteTemplate(query, env)
		}
		compiled, err := compile(query, e.conf.DriverName)
		if err != nil {
			return nil, nil, types.NewProgrammerError("sql", HeaderQuery, "%v", err)
		}
		st = compiled
	}
	args, err := st.args(func(name string) (interface{}, bool) {
		if body, ok := in.Body().(map[string]interface{}); ok {
			if v := maps.Get(body, name); v != nil {
				return v, true
			}
		}
		return in.Header(name)
	}, positional(in))
	return st, args, err
}

func positional(in *types.Message) []interface{} {
	if v, ok := in.Header(HeaderParameters); ok {
		if params, ok := v.([]interface{}); ok {
			return params
		}
	}
	if params, ok := in.Body().([]interface{}); ok {
		return params
	}
	return nil
}

func (e *Endpoint) process(exchange *types.Exchange) error {
	st, args, err := e.prepare(exchange)
	if err != nil {
		return err
	}
	db, err := e.db.Get()
	if err != nil {
		return types.NewConnectivityError(st.op, err)
	}
	e.db.BeginOp()
	defer e.db.EndOp()
	ctx, cancel := context.WithTimeout(exchange.Context(), e.conf.QueryTimeout)
	defer cancel()

	if st.op == SELECT {
		rows, err := query(ctx, db, st.text, args)
		if err != nil {
			return classify(st.op, err)
		}
		var body interface{} = rows
		if e.conf.GetOne {
			body = nil
			if len(rows) > 0 {
				body = rows[0]
			}
		}
		impl.Reply(exchange, body).SetHeader(HeaderRowCount, len(rows))
		return nil
	}
	result, err := db.ExecContext(ctx, st.text, args...)
	if err != nil {
		return classify(st.op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(st.op, err)
	}
	out := impl.Reply(exchange, exchange.In().Body())
	out.SetHeader(HeaderUpdateCount, rowsAffected)
	if st.op == INSERT {
		// not every driver reports it, postgres needs RETURNING
		if lastInsertId, err := result.LastInsertId(); err == nil {
			out.SetHeader(HeaderLastInsertId, lastInsertId)
		}
	}
	return nil
}

// query returns the rows as column maps. []byte values are converted to strings.
func query(ctx context.Context, db *sql.DB, sqlStr string, params []interface{}) ([]map[string]interface{}, error) {
	rows, err := db.QueryContext(ctx, sqlStr, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(columns))
	for i := range columns {
		var v interface{}
		values[i] = &v
	}
	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		if err = rows.Scan(values...); err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			v := *(values[i].(*interface{}))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[col] = v
		}
		result = append(result, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// classify maps driver errors: lost or refused connections are connectivity errors,
// anything the server answered is a protocol error carrying the server code.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return types.NewConnectivityError(op, err)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return types.NewProtocolError(op, strconv.Itoa(int(mysqlErr.Number)), err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return types.NewProtocolError(op, string(pqErr.Code), err)
	}
	return types.NewProtocolError(op, "", err)
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	if e.stmt.op != SELECT {
		return nil, types.NewConfigurationError(e.Address(), "query", "consumers need a select statement")
	}
	cursor, err := impl.NewCursor(e.conf.Cursor, e.conf.SeenCapacity)
	if err != nil {
		return nil, err
	}
	consumer := impl.NewScheduledPollConsumer(e, processor, e.conf.ConsumerConfig, e.conf.PollConfig, &source{endpoint: e}, cursor)
	consumer.ItemHeaderPrefix = "Sql"
	return consumer, nil
}

// source polls the select statement.
type source struct {
	endpoint *Endpoint
	db       *sql.DB
}

func (s *source) Open(ctx context.Context) error {
	db, err := s.endpoint.acquire()
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *source) Close() error {
	s.db = nil
	return s.endpoint.release()
}

func (s *source) Fetch(ctx context.Context, cursor impl.Cursor, max int) ([]impl.PollItem, error) {
	if s.db == nil {
		return nil, types.NewConnectivityError(SELECT, impl.ErrClientNotInit)
	}
	e := s.endpoint
	args, err := e.stmt.args(func(name string) (interface{}, bool) {
		switch name {
		case ParamCursor:
			pos := cursor.Position()
			if pos == nil {
				pos = int64(0)
			}
			return pos, true
		case "max":
			return max, true
		}
		return nil, false
	}, nil)
	if err != nil {
		return nil, err
	}
	e.db.BeginOp()
	defer e.db.EndOp()
	ctx, cancel := context.WithTimeout(ctx, e.conf.QueryTimeout)
	defer cancel()
	rows, err := query(ctx, s.db, e.stmt.text, args)
	if err != nil {
		return nil, classify(SELECT, err)
	}
	items := make([]impl.PollItem, 0, len(rows))
	for _, row := range rows {
		id, ok := row[e.conf.IdColumn]
		if !ok {
			return nil, types.NewConfigurationError(e.Address(), "idColumn", "column %s not in result", e.conf.IdColumn)
		}
		item := impl.PollItem{Key: cast.ToString(id), Seq: cast.ToInt64(id), Body: row}
		if e.conf.TimeColumn != "" {
			if item.Time, err = cast.ToTime(row[e.conf.TimeColumn]); err != nil {
				return nil, fmt.Errorf("row %s: %w", item.Key, err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Commit runs onConsume for the row.
func (s *source) Commit(ctx context.Context, item impl.PollItem) error {
	e := s.endpoint
	if e.onConsume == nil || s.db == nil {
		return nil
	}
	row, _ := item.Body.(map[string]interface{})
	args, err := e.onConsume.args(func(name string) (interface{}, bool) {
		v, ok := row[name]
		return v, ok
	}, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.conf.QueryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, e.onConsume.text, args...); err != nil {
		return classify(e.onConsume.op, err)
	}
	return nil
}
