// Package session keeps a feed connected over websocket and falls back to
// server-sent events when the websocket endpoint does not exist.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tether/internal/keyring"
	"tether/internal/transport"
	"tether/pkg/core"
	"tether/pkg/stream"
)

// errCredentialRejected is charged to the active key pair when the engine asks
// for fresh credentials.
var errCredentialRejected = errors.New("client credential rejected")

// Transport identifies the kind of stream a session is using.
type Transport int

const (
	TransportWebSocket Transport = iota
	TransportSSE
)

// String returns the string representation of the Transport.
func (t Transport) String() string {
	names := [...]string{"websocket", "sse"}
	if t < 0 || int(t) >= len(names) {
		return "unknown"
	}
	return names[t]
}

// Config holds the endpoints and policy of a session.
type Config struct {
	// WebSocketURL is dialed first.
	WebSocketURL string `json:"websocket_url" koanf:"websocket_url" validate:"required,url"`
	// EventsURL is the server-sent event endpoint used when the websocket
	// handshake answers 404. Empty disables the fallback.
	EventsURL string `json:"events_url" koanf:"events_url" validate:"omitempty,url"`
	// Header is sent with every handshake.
	Header map[string]string `json:"header" koanf:"header" validate:"omitempty"`
	// Engine is the reconnect policy. Nil uses core.DefaultConfig.
	Engine *core.Config `json:"engine" koanf:"engine" validate:"omitempty"`
	// TLS is the base TLS configuration for wss and https endpoints.
	TLS *tls.Config `json:"-" koanf:"-" validate:"-"`
}

var validate = validator.New()

// Validate checks the endpoints and the engine policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Engine != nil {
		return c.Engine.Validate()
	}
	return nil
}

// Option configures a Session.
type Option func(*options)

type options struct {
	logger    zerolog.Logger
	keys      *keyring.KeyRing
	clock     clockwork.Clock
	listeners []func(*Session)
}

// WithLogger sets the logger used by the session, its engines and transports.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithKeyRing presents the ring's client certificates on every handshake and
// installs its Refresh as the credential-refresh hook.
func WithKeyRing(keys *keyring.KeyRing) Option {
	return func(o *options) {
		o.keys = keys
	}
}

// WithClock replaces the clock used for backoff timers.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithListener registers l for kind before the first connection attempt.
func WithListener(kind stream.EventKind, l *stream.Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, func(s *Session) {
			s.listeners.Add(kind, l)
		})
	}
}

// Session owns the listeners of a feed and the engine currently serving it.
// Listeners survive a transport switch. Sessions are safe for concurrent use.
type Session struct {
	config    *Config
	opts      *options
	tls       *tls.Config
	listeners *stream.Registry
	logger    zerolog.Logger

	mu        sync.RWMutex
	engine    *stream.Engine
	transport Transport
}

// Open connects to config.WebSocketURL. If the handshake is rejected with 404
// and an EventsURL is set, the websocket engine is disposed and the session
// continues over server-sent events. Like stream.New it returns once the
// engine settles or ctx is done, and only fails on invalid input.
func Open(ctx context.Context, config *Config, opts ...Option) (*Session, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		config:    config,
		opts:      o,
		tls:       config.TLS,
		listeners: stream.NewRegistry(),
		logger:    o.logger,
	}
	s.listeners.SetLogger(o.logger)
	for _, add := range o.listeners {
		add(s)
	}
	if o.keys != nil {
		s.tls = o.keys.TLSConfig(config.TLS)
	}

	engine, err := s.openWebSocket(ctx)
	if err != nil {
		return nil, err
	}

	if config.EventsURL != "" &&
		engine.State() == stream.StateDisconnected &&
		core.IsHandshakeStatus(engine.LastError(), core.StatusNotFound) {
		s.logger.Info().
			Str("url", config.WebSocketURL).
			Str("fallback", config.EventsURL).
			Msg("websocket endpoint not found, falling back to server-sent events")

		_ = engine.Close()
		engine, err = s.openSSE(ctx)
		if err != nil {
			return nil, err
		}
		s.transport = TransportSSE
	}

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
	return s, nil
}

func (s *Session) openWebSocket(ctx context.Context) (*stream.Engine, error) {
	header := make(http.Header, len(s.config.Header))
	for k, v := range s.config.Header {
		header.Set(k, v)
	}

	factory := transport.NewWebSocketFactory(transport.WSConfig{
		URL:       s.config.WebSocketURL,
		Header:    header,
		TLSConfig: s.tls,
	}, s.logger)
	return stream.New(ctx, factory, s.engineOptions()...)
}

func (s *Session) openSSE(ctx context.Context) (*stream.Engine, error) {
	factory, err := transport.NewSSEFactory(transport.SSEConfig{
		URL:       s.config.EventsURL,
		Header:    s.config.Header,
		TLSConfig: s.tls,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("sse factory: %w", err)
	}
	return stream.New(ctx, factory, s.engineOptions()...)
}

// engineOptions forwards every event kind to the session registry.
func (s *Session) engineOptions() []stream.Option {
	opts := []stream.Option{stream.WithLogger(s.logger)}
	if s.config.Engine != nil {
		opts = append(opts, stream.WithConfig(s.config.Engine))
	}
	if s.opts.keys != nil {
		opts = append(opts, stream.WithRefresh(s.refreshCredentials))
	}
	if s.opts.clock != nil {
		opts = append(opts, stream.WithClock(s.opts.clock))
	}
	forward := stream.Listen(s.listeners.Dispatch)
	for _, kind := range stream.EventKinds {
		opts = append(opts, stream.WithListener(kind, forward))
	}
	return opts
}

// refreshCredentials runs when the server rejected the active key pair. The pair
// is charged with the failure and the ring moves past it; Refresh comes back to
// it last, so a single pair renewed on disk is still picked up.
func (s *Session) refreshCredentials(ctx context.Context) (bool, error) {
	keys := s.opts.keys
	keys.OnError(errCredentialRejected)

	ok, err := keys.Refresh(ctx)
	if err != nil {
		return false, fmt.Errorf("refresh key ring: %w", err)
	}
	if current := keys.Current(); ok && current != nil {
		s.logger.Info().
			Str("key_id", current.ID).
			Time("not_after", current.NotAfter()).
			Msg("presenting client key pair")
	}
	return ok, nil
}

func (s *Session) current() *stream.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// AddEventListener registers l for kind on the session.
func (s *Session) AddEventListener(kind stream.EventKind, l *stream.Listener) {
	s.listeners.Add(kind, l)
}

// RemoveEventListener unregisters l for kind.
func (s *Session) RemoveEventListener(kind stream.EventKind, l *stream.Listener) {
	s.listeners.Remove(kind, l)
}

func (s *Session) Reconnect() {
	s.current().Reconnect()
}

func (s *Session) Disconnect() {
	s.current().Disconnect()
}

// Close disposes the engine and clears the session listeners.
func (s *Session) Close() error {
	err := s.current().Close()
	s.listeners.Clear()
	return err
}

func (s *Session) Send(ctx context.Context, data []byte) error {
	return s.current().Send(ctx, data)
}

func (s *Session) State() stream.ConnState {
	return s.current().State()
}

func (s *Session) LastError() error {
	return s.current().LastError()
}

func (s *Session) Transport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Engine returns the engine currently serving the session.
func (s *Session) Engine() *stream.Engine {
	return s.current()
}

// WaitState blocks until the engine reaches one of states or ctx is done.
func (s *Session) WaitState(ctx context.Context, states ...stream.ConnState) (stream.ConnState, error) {
	return s.current().WaitState(ctx, states...)
}
