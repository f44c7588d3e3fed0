package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/i474232898/lamport-weather-aggregation/internal/clock"
	"github.com/i474232898/lamport-weather-aggregation/internal/protocol"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// Config controls the listener and per-connection limits.
type Config struct {
	Addr string

	// MaxConns caps the number of connections handled at once. The accept
	// loop waits for a free slot when the cap is reached.
	MaxConns int

	// ReadTimeout bounds reading the whole request, WriteTimeout writing the
	// response. Zero disables the deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Limits protocol.Limits
}

// Stats is a point-in-time view of connection counters.
type Stats struct {
	Active int64 `json:"active"`
	Served int64 `json:"served"`
}

// Server accepts protocol connections and answers one request per
// connection against the shared service and clock.
type Server struct {
	cfg    Config
	svc    *weather.Service
	clock  *clock.Lamport
	logger *zap.SugaredLogger

	slots chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once

	active atomic.Int64
	served atomic.Int64
}

// New creates a Server. The service and clock are shared with the rest of
// the process and must outlive it.
func New(cfg Config, svc *weather.Service, clk *clock.Lamport, logger *zap.SugaredLogger) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 256
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:    cfg,
		svc:    svc,
		clock:  clk,
		logger: logger,
		slots:  make(chan struct{}, cfg.MaxConns),
		done:   make(chan struct{}),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled or
// Shutdown is called. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.logger.Infow("aggregation server listening", "addr", ln.Addr().String(), "max_conns", s.cfg.MaxConns)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after a shutdown and the
// accept error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.stopping() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	var backoff time.Duration
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warnw("accept failed, retrying", "error", err, "delay", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		// Add under mu so a concurrent Shutdown cannot start waiting first.
		s.mu.Lock()
		if s.stopping() {
			s.mu.Unlock()
			conn.Close()
			<-s.slots
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current connection counters.
func (s *Server) Stats() Stats {
	return Stats{Active: s.active.Load(), Served: s.served.Load()}
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ln != nil {
			if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("closing listener", "error", err)
			}
		}
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
