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

package rest

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rulego/relay/endpoint/impl"
)

var servers impl.ClientPool[*Server]

// SharedServer returns the listener handle for host. The first Acquire listens,
// the last Release shuts the server down within closeTimeout.
func SharedServer(host, certFile, keyFile string, closeTimeout time.Duration) *impl.SharedClient[*Server] {
	return servers.Get(host, func() (*Server, error) {
		return newServer(host, certFile, keyFile)
	}, func(s *Server) error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return s.close(ctx)
	})
}

// Server is one listener shared by every http and websocket consumer on the same host:port.
// httprouter cannot remove routes, so a route stays registered and answers
// 404 while no consumer is attached to it.
type Server struct {
	router   *httprouter.Router
	srv      *http.Server
	listener net.Listener

	mu       sync.RWMutex
	routes   map[string]bool
	handlers map[string]httprouter.Handle
}

func newServer(addr, certFile, keyFile string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		router:   httprouter.New(),
		listener: l,
		routes:   make(map[string]bool),
		handlers: make(map[string]httprouter.Handle),
	}
	s.srv = &http.Server{Handler: s.router}
	go func() {
		if certFile != "" && keyFile != "" {
			_ = s.srv.ServeTLS(l, certFile, keyFile)
		} else {
			_ = s.srv.Serve(l)
		}
	}()
	return s, nil
}

// Addr returns the bound address, resolving port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Attach routes method and path to h. It fails if another consumer holds the route.
func (s *Server) Attach(method, path string, h httprouter.Handle) bool {
	key := method + " " + path
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[key]; ok {
		return false
	}
	if !s.routes[key] {
		s.routes[key] = true
		s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			s.mu.RLock()
			h := s.handlers[key]
			s.mu.RUnlock()
			if h == nil {
				http.NotFound(w, r)
				return
			}
			h(w, r, params)
		})
	}
	s.handlers[key] = h
	return true
}

func (s *Server) Detach(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, method+" "+path)
}

func (s *Server) close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
