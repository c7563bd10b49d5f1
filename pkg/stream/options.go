package stream

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tether/pkg/core"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	config    *core.Config
	logger    zerolog.Logger
	refresh   RefreshFunc
	onDispose func()
	clock     clockwork.Clock
	listeners []registration
}

type registration struct {
	kind     EventKind
	listener *Listener
}

// WithConfig sets the backoff, credential and send-limit policy.
func WithConfig(config *core.Config) Option {
	return func(o *options) {
		o.config = config
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRefresh installs the credential-refresh hook.
func WithRefresh(refresh RefreshFunc) Option {
	return func(o *options) {
		o.refresh = refresh
	}
}

// WithOnDispose installs a callback run once, the first time the engine is disposed.
func WithOnDispose(fn func()) Option {
	return func(o *options) {
		o.onDispose = fn
	}
}

// WithClock replaces the clock used for backoff timers.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithListener registers l for kind before the first connection attempt, so it
// also sees the events of the first stream.
func WithListener(kind EventKind, l *Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, registration{kind: kind, listener: l})
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = core.DefaultConfig()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return o
}
