package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle phase, exposed for status reporting.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultMaxAttempts = 10
	defaultBackoff     = 3 * time.Second
)

// ErrAttemptsExhausted means the connection gave up after the configured
// number of consecutive failures.
var ErrAttemptsExhausted = errors.New("realtime reconnect attempts exhausted")

// Socket is the minimal websocket surface the connection needs. Satisfied by
// *websocket.Conn; tests substitute fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a socket to the given URL.
type Dialer func(ctx context.Context, url string) (Socket, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscription identifies the inbox scope announced after each connect.
type Subscription struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id"`
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
}

type envelope struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

func (e envelope) name() string {
	if e.Event != "" {
		return e.Event
	}
	return e.Type
}

func (e envelope) body() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Payload
}

// Conn owns one push connection to the backend: it dials, announces the
// subscription, pumps events into the router, and reconnects with a fixed
// backoff. The attempt counter resets after every successful connect, so
// only consecutive failures exhaust it.
type Conn struct {
	logger      *slog.Logger
	url         string
	dialer      Dialer
	router      *Router
	sub         Subscription
	maxAttempts int
	backoff     time.Duration

	mu      sync.Mutex
	state   State
	lastErr string
}

// Options tune the reconnect behavior. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Dialer      Dialer
}

// NewConn creates a connection for the given URL and subscription scope.
func NewConn(log *slog.Logger, url string, router *Router, sub Subscription, opts Options) *Conn {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer
	}
	if sub.Action == "" {
		sub.Action = "subscribe"
	}
	return &Conn{
		logger:      log.With(slog.String("component", "realtime_conn")),
		url:         url,
		dialer:      opts.Dialer,
		router:      router,
		sub:         sub,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		state:       StateDisconnected,
	}
}

// State returns the current lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent connection failure, empty while healthy.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateConnected {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func (c *Conn) noteError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// Run dials and pumps events until the context is canceled or the reconnect
// budget is spent. It blocks; callers run it in a goroutine owned by the
// application lifecycle.
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateConnecting)
		socket, err := c.dialer(ctx, c.url)
		if err != nil {
			attempts++
			c.noteError(err)
			c.logger.Warn("realtime dial failed",
				slog.Int("attempt", attempts),
				slog.Int("max_attempts", c.maxAttempts),
				slog.Any("error", err),
			)
			if attempts >= c.maxAttempts {
				return fmt.Errorf("%w: %v", ErrAttemptsExhausted, err)
			}
			c.setState(StateDisconnected)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := socket.WriteJSON(c.sub); err != nil {
			_ = socket.Close()
			attempts++
			c.noteError(err)
			c.logger.Warn("realtime subscribe failed", slog.Any("error", err))
			if attempts >= c.maxAttempts {
				return fmt.Errorf("%w: %v", ErrAttemptsExhausted, err)
			}
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		c.setState(StateConnected)
		c.logger.Info("realtime connected", slog.String("url", c.url))

		err = c.pump(ctx, socket)
		_ = socket.Close()
		c.noteError(err)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("realtime connection lost", slog.Any("error", err))
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Conn) pump(ctx context.Context, socket Socket) error {
	// Unblock the read when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = socket.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("realtime frame discarded", slog.Any("error", err))
			continue
		}
		name := env.name()
		if name == "" {
			continue
		}
		if c.router != nil {
			c.router.Dispatch(name, env.body())
		}
	}
}

func (c *Conn) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
