// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/kbroker/kbroker/kernel"
	"github.com/kbroker/kbroker/lib/config"
	"github.com/kbroker/kbroker/lib/kernelinfo"
	"github.com/kbroker/kbroker/lib/service"
)

// shutdownTimeout bounds the graceful part of terminating every kernel
// on exit. Survivors are killed when it expires.
const shutdownTimeout = 30 * time.Second

// loadConfig reads path, or KBROKER_CONFIG when path is empty, or
// falls back to the defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("KBROKER_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.Expand()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCommand() *command {
	var configPath, logLevel string
	var kernels []string
	return &command{
		name:    "serve",
		summary: "Run the broker daemon",
		usage:   "kbroker serve [--config FILE] [--kernel FILE]...",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "configuration file (default $KBROKER_CONFIG)")
			flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
			flagSet.StringArrayVar(&kernels, "kernel", nil, "kernel definition to create at startup (repeatable)")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return serve(configPath, logLevel, kernels)
		},
	}
}

func serve(configPath, logLevel string, kernelFiles []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := kernel.NewPrometheusMetrics(registry)
	if err != nil {
		return err
	}
	manager, err := kernel.NewManager(cfg, logger, kernel.WithMetrics(metrics))
	if err != nil {
		return err
	}

	for _, path := range kernelFiles {
		info, err := kernelinfo.ReadFile(path)
		if err != nil {
			manager.TerminateAll(context.Background())
			return err
		}
		if _, _, err := manager.CreateKernel(info, ""); err != nil {
			manager.TerminateAll(context.Background())
			return fmt.Errorf("creating kernel from %s: %w", path, err)
		}
	}

	socket := service.NewSocketServer(cfg.Service.SocketPath, logger)
	manager.RegisterActions(socket)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	failures := make(chan error, 2)

	wg.Go(func() { manager.Run(serveCtx) })
	wg.Go(func() {
		if err := socket.Serve(serveCtx); err != nil {
			failures <- err
		}
	})
	if cfg.Service.MetricsAddress != "" {
		metricsServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.Service.MetricsAddress,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Logger:  logger,
		})
		wg.Go(func() {
			if err := metricsServer.Serve(serveCtx); err != nil {
				failures <- err
			}
		})
	}

	logger.Info("kbroker serving", "socket", cfg.Service.SocketPath, "metrics", cfg.Service.MetricsAddress)
	var failure error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case failure = <-failures:
		logger.Error("server failed", "error", failure)
	}
	cancel()
	wg.Wait()

	terminateCtx, cancelTerminate := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelTerminate()
	manager.TerminateAll(terminateCtx)
	logger.Info("all kernels terminated")

	if failure != nil && !errors.Is(failure, context.Canceled) {
		return failure
	}
	return nil
}
