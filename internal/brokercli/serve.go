package brokercli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/contenox/dsmq/brokerservice"
	"github.com/contenox/dsmq/libbus"
	libdb "github.com/contenox/dsmq/libdbexec"
	libkv "github.com/contenox/dsmq/libkvstore"
	"github.com/contenox/dsmq/libroutine"
	"github.com/contenox/dsmq/libtracker"
	"github.com/contenox/dsmq/messagestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	valkeyTimeout   = 5 * time.Second
	connectAttempts = 5
	connectInterval = time.Second
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve opens the configured store and optional mirror, then runs the broker
// until ctx is cancelled.
func serve(ctx context.Context, cfg Config) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := brokerservice.NewMetrics(reg)

	var tracker libtracker.ActivityTracker
	if cfg.Trace {
		tracker = libtracker.NewLogActivityTracker(slog.Default().With("component", "messagestore"))
	} else {
		tracker = libtracker.NoopTracker{}
	}
	store = messagestore.WithActivityTracker(store, libtracker.ChainedTracker{
		metrics.StoreTracker(),
		tracker,
	})

	opts := []brokerservice.Option{
		brokerservice.WithLogger(slog.Default().With("component", "broker")),
		brokerservice.WithMetrics(metrics),
	}

	if cfg.NATSURL != "" {
		bus, err := openMirror(ctx, cfg)
		if err != nil {
			return err
		}
		defer bus.Close()
		opts = append(opts, brokerservice.WithMirror(bus))
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	srv := brokerservice.New(store, brokerservice.Config{
		TTL:            cfg.TTL,
		ReadBufferSize: cfg.ReadBufferSize,
		MaxFrameSize:   cfg.MaxFrameSize,
		SweepInterval:  cfg.SweepInterval,
	}, opts...)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	slog.Info("dsmq broker starting", "addr", addr, "backend", cfg.Backend, "ttl", cfg.TTL)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		slog.Error("broker failed", "error", err)
		return err
	}
	return nil
}

// openStore builds the message store for cfg.Backend and returns a func that
// releases it.
func openStore(ctx context.Context, cfg Config) (messagestore.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case backendMemory:
		return messagestore.NewInMem(), func() {}, nil

	case backendValkey:
		manager, err := libkv.NewManager(libkv.Config{
			KVAddr:     cfg.ValkeyAddr,
			KVPassword: cfg.ValkeyPassword,
		}, valkeyTimeout)
		if err != nil {
			return nil, nil, err
		}
		var kv libkv.KVExecutor
		err = libroutine.NewRoutine(connectAttempts, time.Minute).ExecuteWithRetry(ctx, connectInterval, connectAttempts, func(ctx context.Context) error {
			var err error
			kv, err = manager.Executor(ctx)
			return err
		})
		if err != nil {
			manager.Close()
			return nil, nil, fmt.Errorf("failed to reach valkey at %s: %w", cfg.ValkeyAddr, err)
		}
		return messagestore.NewValkey(kv), func() { manager.Close() }, nil

	default:
		db, err := libdb.NewSQLiteMemoryDBManager(ctx, cfg.DBName, messagestore.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open message table: %w", err)
		}
		retry := messagestore.DefaultRetry
		if cfg.Retries > 0 {
			retry.Attempts = cfg.Retries
		}
		if cfg.FirstRetry > 0 {
			retry.First = cfg.FirstRetry
		}
		store := messagestore.New(db.WithoutTransaction(), messagestore.WithRetry(retry))
		return store, func() {
			if err := db.Close(); err != nil {
				slog.Warn("failed to close message table", "error", err)
			}
		}, nil
	}
}

// openMirror connects to NATS, retrying while the server comes up.
func openMirror(ctx context.Context, cfg Config) (libbus.Messenger, error) {
	var bus libbus.Messenger
	err := libroutine.NewRoutine(connectAttempts, time.Minute).ExecuteWithRetry(ctx, connectInterval, connectAttempts, func(ctx context.Context) error {
		var err error
		bus, err = libbus.NewPubSub(ctx, &libbus.Config{
			NATSURL:      cfg.NATSURL,
			NATSUser:     cfg.NATSUser,
			NATSPassword: cfg.NATSPassword,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect mirror: %w", err)
	}
	return bus, nil
}

// serveMetrics exposes reg on addr under /metrics.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
