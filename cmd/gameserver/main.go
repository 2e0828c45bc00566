// Package main provides the script-driven game server binary: a TCP listener
// whose message handling is defined entirely by Lua scripts.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ludistry/internal/config"
	"github.com/cory-johannsen/ludistry/internal/dispatch"
	"github.com/cory-johannsen/ludistry/internal/network"
	"github.com/cory-johannsen/ludistry/internal/observability"
	"github.com/cory-johannsen/ludistry/internal/registry"
	"github.com/cory-johannsen/ludistry/internal/scripting"
	"github.com/cory-johannsen/ludistry/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("listen_addr", cfg.Listener.Addr()),
		zap.String("script_root", cfg.Scripting.Root),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)

	callbacks := registry.New()
	scripts, err := scripting.NewRuntime(cfg.Scripting.Root, cfg.Scripting.InstructionLimit, callbacks, logger)
	if err != nil {
		logger.Fatal("creating script runtime", zap.Error(err))
	}
	scripts.Metrics = metrics

	dispatcher := dispatch.New(callbacks, scripts, cfg.Dispatch.QueueSize, logger, metrics)
	dispatcher.Start()

	listener := network.NewListener(cfg.Listener, dispatcher, callbacks, scripts.Release, logger)
	listener.Metrics = metrics
	listener.ShutdownTimeout = cfg.Dispatch.ShutdownTimeout
	scripts.Broadcast = listener.Broadcast
	scripts.SessionCount = listener.Count

	if err := listener.Start(); err != nil {
		logger.Fatal("starting listener", zap.Error(err))
	}

	scriptStart := time.Now()
	if err := scripts.LoadFile(cfg.Scripting.InitScript); err != nil {
		logger.Error("loading init script",
			zap.String("script", cfg.Scripting.InitScript),
			zap.Error(err),
		)
	}
	if _, err := scripts.CallHook("Initialize"); err != nil {
		logger.Error("calling Initialize", zap.Error(err))
	}
	logger.Info("scripts loaded",
		zap.Strings("actions", callbacks.Actions()),
		zap.Duration("elapsed", time.Since(scriptStart)),
	)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("listener", &server.FuncService{
		StartFn: func() error {
			<-listener.Done()
			return nil
		},
		StopFn: listener.Stop,
	})
	if cfg.Metrics.Addr != "" {
		health := func() error {
			if !listener.IsRunning() {
				return errors.New("listener not running")
			}
			return nil
		}
		lifecycle.Add("metrics", &server.HTTPService{
			Server: &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           observability.NewHTTPHandler(promReg, health),
				ReadHeaderTimeout: 5 * time.Second,
			},
			ShutdownTimeout: cfg.Dispatch.ShutdownTimeout,
		})
	}
	lifecycle.OnShutdown(scripts.Close)

	logger.Info("game server ready",
		zap.String("listen_addr", listener.Addr()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
