package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"tether/pkg/core"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeStream is an in-memory duplex stream. Closing it emits a close event to
// whatever listeners are still attached.
type fakeStream struct {
	url      string
	registry *Registry

	mu          sync.Mutex
	started     bool
	closed      bool
	closeCode   core.CloseCode
	closeReason string
	sent        [][]byte
}

func newFakeStream(url string) *fakeStream {
	return &fakeStream{url: url, registry: NewRegistry()}
}

func (s *fakeStream) URL() string { return s.url }

func (s *fakeStream) AddEventListener(kind EventKind, l *Listener) {
	s.registry.Add(kind, l)
}

func (s *fakeStream) RemoveEventListener(kind EventKind, l *Listener) {
	s.registry.Remove(kind, l)
}

func (s *fakeStream) Close(code core.CloseCode, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	s.mu.Unlock()

	s.emit(Event{Kind: EventClose, Code: code, Reason: reason})
	return nil
}

func (s *fakeStream) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.emit(Event{Kind: EventOpen})
}

func (s *fakeStream) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStreamClosed
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeStream) emit(ev Event) {
	ev.URL = s.url
	s.registry.Dispatch(ev)
}

// drop simulates the remote side closing the connection.
func (s *fakeStream) drop(code core.CloseCode, reason string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.emit(Event{Kind: EventClose, Code: code, Reason: reason})
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) closedWith() (core.CloseCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *fakeStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *fakeStream) sentMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// plainStream is a receive-only stream that does not implement Sender.
type plainStream struct {
	*Registry
	url string
}

func (s *plainStream) URL() string { return s.url }

func (s *plainStream) AddEventListener(kind EventKind, l *Listener) { s.Add(kind, l) }

func (s *plainStream) RemoveEventListener(kind EventKind, l *Listener) { s.Remove(kind, l) }

func (s *plainStream) Close(core.CloseCode, string) error { return nil }

// step scripts a single factory call. The zero value succeeds immediately.
type step struct {
	err   error
	block chan struct{}
}

type fakeFactory struct {
	mu      sync.Mutex
	calls   int
	steps   []step
	streams map[int]*fakeStream
}

func newFakeFactory(steps ...step) *fakeFactory {
	return &fakeFactory{steps: steps, streams: make(map[int]*fakeStream)}
}

func (f *fakeFactory) Factory() Factory {
	return func(ctx context.Context) (Stream, error) {
		f.mu.Lock()
		f.calls++
		n := f.calls
		var st step
		if len(f.steps) > 0 {
			st = f.steps[0]
			f.steps = f.steps[1:]
		}
		f.mu.Unlock()

		if st.block != nil {
			select {
			case <-st.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if st.err != nil {
			return nil, st.err
		}

		s := newFakeStream(fmt.Sprintf("wss://feed.test/%d", n))
		f.mu.Lock()
		f.streams[n] = s
		f.mu.Unlock()
		return s, nil
	}
}

func (f *fakeFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Stream returns the stream produced by the n-th call, counting from 1.
func (f *fakeFactory) Stream(n int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[n]
}

func testConfig() *core.Config {
	return core.DefaultConfig().WithBackoff(300*time.Millisecond, 0)
}

func newTestEngine(t *testing.T, f *fakeFactory, clock clockwork.Clock, opts ...Option) *Engine {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	opts = append([]Option{WithConfig(testConfig()), WithClock(clock)}, opts...)
	e, err := New(ctx, f.Factory(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitState(t *testing.T, e *Engine, states ...ConnState) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := e.WaitState(ctx, states...)
	require.NoError(t, err, "engine stuck in %s", e.State())
}

func waitRetries(t *testing.T, e *Engine, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Metrics().Retries == n
	}, waitFor, tick)
}
