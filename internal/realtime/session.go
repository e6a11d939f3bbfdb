package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/roach88/cartsync/internal/token"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

var (
	// ErrTokenUnavailable is logged when the token provider yields nothing.
	ErrTokenUnavailable = errors.New("realtime: token unavailable")

	// ErrNotOpen is returned by Send while no connection is open.
	ErrNotOpen = errors.New("realtime: session not open")

	ErrNoDialer = errors.New("realtime: dialer is required")
	ErrNoTokens = errors.New("realtime: token provider is required")
)

// State is the session's position in the connection state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes a session. URL, Tokens and Dialer are required.
type Config struct {
	URL        string
	TokenParam string
	Tokens     token.Provider
	Dialer     Dialer
	Clock      Clock
	Logger     *slog.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration

	OnOpen    func()
	OnMessage func(Envelope)
	OnClose   func(error)
}

func (c *Config) applyDefaults() {
	if c.TokenParam == "" {
		c.TokenParam = DefaultTokenParam
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.OnOpen == nil {
		c.OnOpen = func() {}
	}
	if c.OnMessage == nil {
		c.OnMessage = func(Envelope) {}
	}
	if c.OnClose == nil {
		c.OnClose = func(error) {}
	}
}

// Session is one self-healing connection. It is created by Connect and
// lives until Dispose.
//
// Thread-safety: All methods are safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context // canceled by Dispose
	cancel context.CancelFunc

	mu        sync.Mutex // protects the fields below
	state     State
	conn      Conn
	stopTimer func() bool
	retries   int
	backoff   *backoff.ExponentialBackOff
	disposed  bool

	// cbMu is held while a callback runs, so Dispose can wait it out.
	// inCallback marks that one is running, which lets a callback call
	// Dispose without waiting on itself.
	cbMu       sync.Mutex
	inCallback atomic.Bool

	writeMu sync.Mutex
}

// Connect validates cfg and starts the first connection attempt in the
// background.
func Connect(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, ErrNoDialer
	}
	if cfg.Tokens == nil {
		return nil, ErrNoTokens
	}
	cfg.applyDefaults()

	if _, err := ResolveEndpoint(cfg.URL, "", cfg.TokenParam); err != nil {
		return nil, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
		MaxElapsedTime:      0, // retry forever
		Clock:               cfg.Clock,
	}
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("endpoint", cfg.URL),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		backoff: b,
	}

	go s.connect()
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryCount returns the number of reconnects scheduled since the last
// successful open.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Send writes v as a JSON text frame to the open connection.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen && !s.disposed
	s.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Dispose tears the session down for good: the reconnect timer is stopped,
// any token fetch or dial in progress is canceled, and the open connection
// is closed. No callback starts after Dispose returns, and one that was
// about to start is waited for. Safe to call more than once, from any
// state, and from inside a callback.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.state = StateDisposed
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close on dispose", "error", err)
		}
	}

	// Wait out a running callback. When one is running the caller may be
	// that callback, so it is not waited for.
	if !s.inCallback.Load() {
		s.cbMu.Lock()
		s.cbMu.Unlock()
	}
	s.logger.Info("realtime session disposed")
}

// connect runs one connection attempt.
func (s *Session) connect() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	tok, err := s.cfg.Tokens(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil || tok == "" {
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		} else {
			err = ErrTokenUnavailable
		}
		s.logger.Info("no token, skipping connection attempt", "error", err)
		s.scheduleReconnect()
		return
	}

	endpoint, err := ResolveEndpoint(s.cfg.URL, tok, s.cfg.TokenParam)
	if err != nil {
		// Unreachable in practice: the base URL was validated by Connect.
		s.closed(err)
		return
	}

	conn, err := s.cfg.Dialer.Dial(s.ctx, endpoint)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("dial failed", "error", err)
		s.closed(err)
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.retries = 0
	s.backoff.Reset()
	s.mu.Unlock()

	s.logger.Info("realtime session open")
	s.dispatch(s.cfg.OnOpen)

	go s.readLoop(conn)
}

// readLoop delivers frames from conn until it fails.
func (s *Session) readLoop(conn Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			disposed := s.disposed
			s.mu.Unlock()

			conn.Close()
			if disposed {
				return
			}
			s.logger.Info("realtime connection closed", "error", err)
			s.closed(err)
			return
		}

		env, err := ParseEnvelope(frame)
		if err != nil {
			s.logger.Debug("dropping frame", "error", err, "bytes", len(frame))
			continue
		}

		s.dispatch(func() { s.cfg.OnMessage(env) })
	}
}

// closed reports err to OnClose and schedules the next attempt.
func (s *Session) closed(err error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.dispatch(func() { s.cfg.OnClose(err) })
	s.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer for the next backoff delay,
// clearing any timer still pending.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.MaxDelay
	}
	s.retries++
	s.state = StateReconnecting
	s.stopTimer = s.cfg.Clock.AfterFunc(delay, s.reconnect)

	s.logger.Info("reconnect scheduled", "delay", delay, "retry", s.retries)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.stopTimer = nil
	s.mu.Unlock()

	s.connect()
}

// dispatch runs fn unless the session has been disposed. Callbacks never
// overlap each other or a waiting Dispose. Callback panics are logged and
// swallowed so they cannot take the connection down.
func (s *Session) dispatch(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return
	}

	defer s.inCallback.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("realtime callback panicked", "panic", r)
		}
	}()
	s.inCallback.Store(true)
	fn()
}
