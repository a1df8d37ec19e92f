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

// Command relay runs the routes of a route file or folder until interrupted.
//
//	relay -c ./routes -log-level debug -metrics :9100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rulego/relay"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/utils/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var (
		routes      string
		logConfig   logger.Config
		metricsAddr string
		workers     bool
		shutdown    time.Duration
		ver         bool
	)
	flag.StringVar(&routes, "c", "", "route file or folder")
	flag.StringVar(&logConfig.Level, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&logConfig.Format, "log-format", "console", "console or json")
	flag.BoolVar(&logConfig.Development, "log-dev", false, "zap development mode")
	flag.StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flag.BoolVar(&workers, "pool", true, "dispatch asynchronous exchanges on a worker pool")
	flag.DurationVar(&shutdown, "shutdown-timeout", types.DefaultShutdownTimeout, "time to wait for in-flight exchanges")
	flag.BoolVar(&ver, "v", false, "print the version")
	flag.Parse()

	if ver {
		fmt.Println(version)
		return
	}
	if routes == "" {
		fmt.Fprintln(os.Stderr, "missing -c route file or folder")
		flag.Usage()
		os.Exit(2)
	}

	zl, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)

	if err := run(zl, routes, metricsAddr, workers, shutdown); err != nil {
		zl.Error("relay stopped", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(zl *zap.Logger, routes, metricsAddr string, workers bool, shutdown time.Duration) error {
	opts := []types.Option{
		types.WithLogger(logger.NewZapLogger(zl)),
		types.WithOnEvent(logger.EventLogger(zl)),
		types.WithShutdownTimeout(shutdown),
	}
	if workers {
		opts = append(opts, types.WithDefaultPool())
	}
	r := relay.New(opts...)
	if err := r.Load(routes); err != nil {
		r.Stop()
		return err
	}
	zl.Info("relay started", zap.String("routes", routes), zap.Strings("components", r.Registry().Components()))

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics server", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	zl.Info("shutting down")

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		_ = server.Shutdown(sctx)
	}
	r.Stop()
	if pool := r.Registry().Config().Pool; pool != nil {
		pool.Release()
	}
	return nil
}
