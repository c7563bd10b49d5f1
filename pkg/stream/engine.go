package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tether/internal/backoff"
	"tether/internal/ratelimit"
	"tether/internal/ws"
	"tether/pkg/core"
)

var errNoStream = errors.New("factory returned no stream")

// Engine maintains one logical connection across any number of physical streams.
// All methods are safe for concurrent use.
type Engine struct {
	factory    Factory
	refresh    RefreshFunc
	onDispose  func()
	clock      clockwork.Clock
	policy     backoff.Policy
	classifier *core.Classifier
	limiter    *ratelimit.RateLimiter
	logger     zerolog.Logger
	listeners  *Registry
	metrics    *Metrics

	// ctx lives until the engine is disposed and is handed to the factory and the hook.
	ctx    context.Context
	cancel context.CancelFunc

	state ws.State

	mu                sync.Mutex
	generation        uint64
	active            Stream
	detach            func()
	url               string
	timer             clockwork.Timer
	failures          int
	credentialRetried bool
	lastErr           error
	changed           chan struct{}
}

// New creates an engine and performs the first connection attempt. It returns
// once the engine is connected or suspended, or when ctx is done; in the latter
// case the engine keeps retrying in the background. An unrecoverable first
// failure leaves the engine disconnected rather than returning an error.
func New(ctx context.Context, factory Factory, opts ...Option) (*Engine, error) {
	if factory == nil {
		return nil, core.ErrNilFactory
	}
	o := applyOptions(opts...)
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		factory:    factory,
		refresh:    o.refresh,
		onDispose:  o.onDispose,
		clock:      o.clock,
		policy:     backoff.New(o.config.BaseDelay, o.config.MaxDelay),
		classifier: core.NewClassifier(o.config.Credentials()),
		limiter:    ratelimit.New(o.config.SendRate, o.config.SendPeriod),
		logger:     o.logger,
		listeners:  NewRegistry(),
		metrics:    &Metrics{},
		ctx:        engineCtx,
		cancel:     cancel,
		changed:    make(chan struct{}),
	}
	e.listeners.SetLogger(o.logger)
	for _, r := range o.listeners {
		e.listeners.Add(r.kind, r.listener)
	}

	e.mu.Lock()
	e.beginAttemptLocked()
	e.mu.Unlock()

	_, _ = e.WaitState(ctx)
	return e, nil
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	return e.state.Load()
}

// URL returns the URL of the most recently active stream.
func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// Generation returns the current generation counter.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// LastError returns the classified failure that drove the latest transition away
// from CONNECTED, or nil if the engine is connected or never failed.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Metrics returns a snapshot of the engine statistics.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot(e.State(), e.limiter.Metrics())
}

// WaitState blocks until the engine is in one of states or ctx is done. With no
// states it waits for CONNECTED, DISCONNECTED or DISPOSED.
func (e *Engine) WaitState(ctx context.Context, states ...ConnState) (ConnState, error) {
	for {
		e.mu.Lock()
		current := e.state.Load()
		changed := e.changed
		e.mu.Unlock()

		if (len(states) == 0 && current.Settled()) || slices.Contains(states, current) {
			return current, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

// AddEventListener registers l for kind on the current and every future stream.
func (e *Engine) AddEventListener(kind EventKind, l *Listener) {
	if e.State() == StateDisposed {
		return
	}
	e.listeners.Add(kind, l)
}

// RemoveEventListener unregisters l for kind. Unknown listeners are ignored.
func (e *Engine) RemoveEventListener(kind EventKind, l *Listener) {
	e.listeners.Remove(kind, l)
}

// Reconnect abandons any in-flight attempt or pending timer and connects again
// immediately. It starts a fresh credential-refresh cycle. No-op once disposed.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	if e.state.Load() == StateDisposed {
		e.mu.Unlock()
		return
	}
	old, detach := e.takeActiveLocked()
	e.credentialRetried = false
	e.beginAttemptLocked()
	e.mu.Unlock()

	e.release(old, detach, core.CloseNormal, "reconnecting")
}

// Disconnect suspends the engine with a normal closure.
func (e *Engine) Disconnect() {
	e.DisconnectWithReason(core.CloseNormal, "")
}

// DisconnectWithReason closes the active stream with code and reason and
// suspends the engine until Reconnect is called. Late results of in-flight
// attempts are closed as cancelled.
func (e *Engine) DisconnectWithReason(code core.CloseCode, reason string) {
	e.mu.Lock()
	if e.state.Load() == StateDisposed {
		e.mu.Unlock()
		return
	}
	e.generation++
	e.stopTimerLocked()
	old, detach := e.takeActiveLocked()
	e.setStateLocked(StateDisconnected)
	e.mu.Unlock()

	e.logger.Info().Str("url", e.URL()).Msg("stream disconnected by caller")
	e.release(old, detach, code, reason)
}

// Close disposes the engine with a normal closure.
func (e *Engine) Close() error {
	return e.CloseWithReason(core.CloseNormal, "")
}

// CloseWithReason disposes the engine: the active stream is closed with code and
// reason, listeners are cleared and the dispose callback runs. Only the first
// call has an effect.
func (e *Engine) CloseWithReason(code core.CloseCode, reason string) error {
	e.mu.Lock()
	if e.state.Load() == StateDisposed {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	e.stopTimerLocked()
	old, detach := e.takeActiveLocked()
	e.setStateLocked(StateDisposed)
	e.cancel()
	e.mu.Unlock()

	e.listeners.Clear()

	var err error
	if old != nil {
		detach()
		err = old.Close(code, reason)
	}
	e.logger.Info().Msg("engine disposed")

	if e.onDispose != nil {
		e.onDispose()
	}
	return err
}

// Send writes data to the active stream.
func (e *Engine) Send(ctx context.Context, data []byte) error {
	e.mu.Lock()
	s := e.active
	state := e.state.Load()
	e.mu.Unlock()

	if state == StateDisposed {
		return core.ErrEngineClosed
	}
	if s == nil {
		return core.ErrNotConnected
	}
	sender, ok := s.(Sender)
	if !ok {
		return core.ErrSendUnsupported
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return sender.Send(ctx, data)
}

// SendJSON marshals v and writes it to the active stream.
func (e *Engine) SendJSON(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return e.Send(ctx, data)
}

func (e *Engine) setStateLocked(state ConnState) {
	e.state.Store(state)
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) takeActiveLocked() (Stream, func()) {
	s, detach := e.active, e.detach
	e.active, e.detach = nil, nil
	return s, detach
}

// beginAttemptLocked invalidates every outstanding continuation and starts a
// new factory call on its own goroutine.
func (e *Engine) beginAttemptLocked() {
	e.generation++
	gen := e.generation
	e.stopTimerLocked()
	e.setStateLocked(StateConnecting)
	e.metrics.attempts.Add(1)

	e.logger.Debug().Uint64("generation", gen).Msg("starting connection attempt")
	go e.attempt(gen)
}

func (e *Engine) attempt(gen uint64) {
	s, err := e.factory(e.ctx)
	if err == nil && s == nil {
		err = errNoStream
	}

	e.mu.Lock()
	if gen != e.generation || e.state.Load() == StateDisposed {
		e.mu.Unlock()
		e.metrics.staleDiscards.Add(1)
		if s != nil {
			e.logger.Debug().
				Str("url", s.URL()).
				Uint64("generation", gen).
				Msg("closing stream from superseded attempt")
			_ = s.Close(core.CloseNormal, "cancelled")
		}
		return
	}

	if err != nil {
		e.failLocked(e.classifier.ClassifyError(err))
		e.mu.Unlock()
		if s != nil {
			_ = s.Close(core.CloseNormal, "cancelled")
		}
		return
	}

	e.activateLocked(gen, s)
	e.mu.Unlock()

	e.logger.Info().
		Str("url", s.URL()).
		Uint64("generation", gen).
		Msg("stream connected")

	if starter, ok := s.(Starter); ok {
		starter.Start()
	}
}

func (e *Engine) activateLocked(gen uint64, s Stream) {
	e.active = s
	e.url = s.URL()
	e.detach = e.attachLocked(gen, s)
	e.failures = 0
	e.credentialRetried = false
	e.lastErr = nil
	e.metrics.connects.Add(1)
	e.setStateLocked(StateConnected)
}

// attachLocked binds one forwarder per event kind to s. Forwarders dispatch to the
// registry contents at delivery time, so listeners added or removed later apply.
func (e *Engine) attachLocked(gen uint64, s Stream) func() {
	forwarders := make(map[EventKind]*Listener, len(EventKinds))
	for _, kind := range EventKinds {
		l := Listen(func(ev Event) {
			e.onStreamEvent(gen, ev)
		})
		forwarders[kind] = l
		s.AddEventListener(kind, l)
	}
	return func() {
		for kind, l := range forwarders {
			s.RemoveEventListener(kind, l)
		}
	}
}

func (e *Engine) onStreamEvent(gen uint64, ev Event) {
	e.mu.Lock()
	if gen != e.generation || e.state.Load() == StateDisposed {
		e.mu.Unlock()
		return
	}

	var failed Stream
	if e.state.Load() == StateConnected {
		switch ev.Kind {
		case EventClose:
			// The stream is already closed; only the reference is dropped.
			e.failLocked(e.classifier.ClassifyClose(ev.Code, ev.Reason))
		case EventError:
			failed = e.failLocked(e.classifier.ClassifyError(ev.Err))
		}
	}
	e.mu.Unlock()

	e.listeners.Dispatch(ev)
	e.release(failed, nil, core.CloseNormal, "stream error")
}

// failLocked records failure, drops the active stream and performs the
// transition its class calls for. It returns the dropped stream.
func (e *Engine) failLocked(failure *core.ConnectionError) Stream {
	e.lastErr = failure
	e.metrics.failures.Add(1)
	old, _ := e.takeActiveLocked()

	e.logger.Warn().
		Err(failure).
		Str("class", failure.Class.String()).
		Str("url", e.url).
		Uint64("generation", e.generation).
		Msg("stream failure")

	switch failure.Class {
	case core.ClassTransient:
		e.scheduleRetryLocked()
	case core.ClassCredential:
		if e.refresh == nil || e.credentialRetried {
			e.logger.Warn().Msg("credential refresh exhausted for this cycle, suspending")
			e.setStateLocked(StateDisconnected)
			break
		}
		e.credentialRetried = true
		e.metrics.refreshes.Add(1)
		e.setStateLocked(StateConnecting)
		go e.refreshCredentials(e.generation)
	default:
		e.setStateLocked(StateDisconnected)
	}
	return old
}

func (e *Engine) scheduleRetryLocked() {
	if e.timer != nil {
		return
	}
	gen := e.generation
	wait := e.policy.Delay(e.failures)
	e.failures++
	e.timer = e.clock.AfterFunc(wait, func() {
		e.retry(gen)
	})
	e.setStateLocked(StateAwaitingRetry)
	e.metrics.retries.Add(1)

	e.logger.Info().
		Dur("wait", wait).
		Int("attempt", e.failures).
		Msg("reconnect scheduled")
}

func (e *Engine) retry(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation || e.state.Load() != StateAwaitingRetry {
		e.metrics.staleDiscards.Add(1)
		return
	}
	e.timer = nil
	e.beginAttemptLocked()
}

func (e *Engine) refreshCredentials(gen uint64) {
	ok, err := e.refresh(e.ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation || e.state.Load() == StateDisposed {
		e.metrics.staleDiscards.Add(1)
		return
	}
	if err != nil || !ok {
		e.logger.Warn().Err(err).Bool("refreshed", ok).Msg("credential refresh declined, suspending")
		e.setStateLocked(StateDisconnected)
		return
	}

	e.logger.Info().Msg("credentials refreshed, reconnecting")
	e.beginAttemptLocked()
}

func (e *Engine) release(s Stream, detach func(), code core.CloseCode, reason string) {
	if detach != nil {
		detach()
	}
	if s == nil {
		return
	}
	if err := s.Close(code, reason); err != nil {
		e.logger.Debug().Err(err).Str("url", s.URL()).Msg("close stream")
	}
}
