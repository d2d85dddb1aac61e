// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	tunnelstream "github.com/kestrun/tunnelstream"
	"github.com/kestrun/tunnelstream/internal/config"
	"github.com/kestrun/tunnelstream/internal/logging"
	"github.com/kestrun/tunnelstream/internal/observability"
	"github.com/kestrun/tunnelstream/internal/persist"
	"github.com/kestrun/tunnelstream/internal/reactor"
	"github.com/kestrun/tunnelstream/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "/etc/tunnelstream/tunnelstreamd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r := reactor.New(reactor.SystemClock{}, logger)

	engine := tunnelstream.NewEngine(tunnelstream.Config{
		MaxFragmentSize: int(cfg.Engine.MaxFragmentSizeRaw),
		AppBufferLimit:  cfg.Engine.AppBufferLimit,
		Tunnel: tunnel.Config{
			MaxRequestRetries: cfg.Engine.MaxRequestRetries,
			ResponseTimeoutMs: cfg.Engine.ResponseTimeoutMs,
			AckDeadlineMs:     cfg.Engine.AckDeadlineMs,
			MaxBytesPerSecond: cfg.Engine.MaxBytesPerSecond,
		},
		Logger:  logger,
		Reactor: r,
	})

	var store *persist.Store
	if cfg.Persistence.Path != "" {
		var err error
		store, err = persist.Open(cfg.Persistence.Path, uint32(cfg.Persistence.MaxMsgLengthRaw), cfg.Persistence.MaxMsgCount, cfg.Persistence.Compress)
		if err != nil {
			return fmt.Errorf("opening persistence store: %w", err)
		}
		defer store.Close()
		logger.Info("persistence store open",
			"path", cfg.Persistence.Path,
			"slots_in_use", store.SlotsInUse(),
			"slots_total", store.SlotsTotal())
	}

	if cfg.Observability.Listen != "" {
		reg := prometheus.NewRegistry()
		metrics := observability.NewMetrics(reg)
		engine.SetMetricsSink(metrics)
		if store != nil {
			if _, err := r.AddPeriodic("@every 15s", func() { metrics.SamplePersistStore(store) }); err != nil {
				return fmt.Errorf("scheduling persist store sampling: %w", err)
			}
		}

		eventStore, err := observability.NewEventStore(filepath.Join(os.TempDir(), "tunnelstreamd-events.jsonl"), cfg.Observability.EventCap, cfg.Observability.EventCap*4)
		if err != nil {
			return fmt.Errorf("opening event store: %w", err)
		}
		defer eventStore.Close()

		var cidrs []*net.IPNet
		for _, c := range cfg.Observability.AllowCIDRs {
			_, ipnet, err := net.ParseCIDR(c)
			if err != nil {
				return fmt.Errorf("parsing observability.allow_cidrs entry %q: %w", c, err)
			}
			cidrs = append(cidrs, ipnet)
		}

		persistDir := "/"
		if cfg.Persistence.Path != "" {
			persistDir = filepath.Dir(cfg.Persistence.Path)
		}
		checker := observability.NewHealthChecker(persistDir, 90.0)
		router := observability.NewRouter(reg, checker, eventStore, engine, observability.NewACL(cidrs))

		srv := &http.Server{Addr: cfg.Observability.Listen, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("observability endpoint listening", "addr", cfg.Observability.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("observability server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("tunnelstreamd running", "role", cfg.Daemon.Role)
	return r.Run(ctx)
}
