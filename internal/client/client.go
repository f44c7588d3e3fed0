// Package client speaks the aggregation wire protocol. Every request carries
// the client's own Lamport clock and every response advances it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/lamport-weather-aggregation/internal/clock"
	"github.com/i474232898/lamport-weather-aggregation/internal/protocol"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds the target server and resilience settings.
type Config struct {
	// Addr is host:port of the aggregation server.
	Addr    string
	Timeout time.Duration
	Backoff BackoffConfig
	Limits  protocol.Limits
}

// DefaultConfig returns the settings used by the command line clients.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:    addr,
		Timeout: 10 * time.Second,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// ErrCircuitOpen is returned without contacting the server while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

var errServerError = errors.New("server error")

// StatusError is a 4xx reply. It is never retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server replied %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server replied %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Client sends PUT and GET requests and keeps its own Lamport clock.
type Client struct {
	cfg     Config
	clock   *clock.Lamport
	circuit *gobreaker.CircuitBreaker
	dialer  net.Dialer
	logger  *zap.SugaredLogger
}

// New creates a Client with a fresh clock and a closed circuit breaker.
func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Backoff.MaxRetries < 0 {
		cfg.Backoff.MaxRetries = 0
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = 100 * time.Millisecond
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aggregation-server",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("client: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		clock:   clock.New(),
		circuit: cb,
		dialer:  net.Dialer{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Clock returns the client's current Lamport time.
func (c *Client) Clock() int64 {
	return c.clock.Current()
}

// Put uploads one observation and returns the server's status code.
func (c *Client) Put(ctx context.Context, obs weather.Observation) (int, error) {
	body, err := json.Marshal(obs)
	if err != nil {
		return 0, fmt.Errorf("encode observation: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, body)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// Get fetches the aggregated view keyed by station id.
func (c *Client) Get(ctx context.Context) (map[string]weather.Observation, error) {
	resp, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]weather.Observation)
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// do executes the request with retries, exponential backoff and a circuit
// breaker. Only transport errors and 5xx replies are retried.
func (c *Client) do(ctx context.Context, method string, body []byte) (*protocol.Response, error) {
	var resp *protocol.Response

	err := retry.Do(
		func() error {
			result, err := c.circuit.Execute(func() (interface{}, error) {
				r, err := c.roundTrip(ctx, method, body)
				if err != nil {
					return nil, err
				}
				if r.StatusCode >= 500 {
					return nil, fmt.Errorf("%w: %d", errServerError, r.StatusCode)
				}
				return r, nil
			})
			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
				}
				return err
			}
			resp = result.(*protocol.Response)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.Backoff.MaxRetries)+1),
		retry.Delay(c.cfg.Backoff.InitialInterval),
		retry.MaxDelay(c.cfg.Backoff.MaxInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warnw("client: request failed, retrying", "method", method, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp, nil
}

// roundTrip sends one request on a fresh connection. Each attempt is a send
// event and ticks the clock.
func (c *Client) roundTrip(ctx context.Context, method string, body []byte) (*protocol.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if c.cfg.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
			return nil, err
		}
	}

	req := protocol.NewRequest(method, c.clock.Increment(), body)
	if _, err := req.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := protocol.ReadResponse(bufio.NewReader(conn), c.cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.HasClock {
		c.clock.Observe(resp.Clock)
	}
	return resp, nil
}
