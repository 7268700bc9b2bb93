// Package brokerservice implements the dsmq broker: a TCP server that stores
// published messages per topic and serves them to polling consumers.
package brokerservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/contenox/dsmq/libbus"
	"github.com/contenox/dsmq/libroutine"
	"github.com/contenox/dsmq/messagestore"
	"github.com/google/uuid"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 30008
	DefaultTTL            = 5 * time.Second
	DefaultReadBufferSize = 1024
	DefaultMaxFrameSize   = 1 << 20
)

type Config struct {
	// TTL is the minimum age at which a row becomes eligible for eviction.
	TTL time.Duration
	// ReadBufferSize is the size of a single socket read.
	ReadBufferSize int
	// MaxFrameSize bounds the bytes buffered for one incomplete request.
	MaxFrameSize int
	// SweepInterval enables a background purge of rows older than TTL.
	// Zero leaves eviction to request traffic only.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// Server accepts broker connections and runs one handler goroutine per
// connection. All handlers share the store; nothing else is shared.
type Server struct {
	store   messagestore.Store
	cfg     Config
	clock   *messagestore.Clock
	logger  *slog.Logger
	metrics *Metrics
	mirror  *mirror
	sweeper *libroutine.Routine

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMirror publishes every stored put to messenger on MirrorSubject.
func WithMirror(messenger libbus.Messenger) Option {
	return func(s *Server) { s.mirror = &mirror{bus: messenger} }
}

func New(store messagestore.Store, cfg Config, opts ...Option) *Server {
	s := &Server{
		store: store,
		cfg:   cfg.withDefaults(),
		clock: messagestore.NewClock(),
		conns: make(map[net.Conn]struct{}),
		// Repeated background purge failures open the breaker for a minute.
		sweeper: libroutine.NewRoutine(3, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "broker")
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.mirror == nil {
		s.mirror = &mirror{}
	}
	s.mirror.logger = s.logger
	return s
}

// ListenAndServe binds addr and serves until ctx is cancelled. A bind failure
// is returned immediately. On Unix, Go listeners set SO_REUSEADDR, so a
// restarted broker can rebind a port still in TIME_WAIT.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("broker listening", "addr", ln.Addr().String(), "ttl", s.cfg.TTL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	if s.cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweep(ctx)
		}()
	}

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				cancel()
				s.shutdown()
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Error("error accepting TCP connection", "error", err, "retry_in", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			newConnHandler(s, conn, uuid.NewString()[0:8]).run(ctx)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		s.metrics.Connections.Inc()
		return
	}
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.metrics.Connections.Dec()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("broker stopped")
}
