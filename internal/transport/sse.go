// Package transport provides websocket and server-sent event stream implementations
// for the reconnect engine.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	httpClient "tether/internal/http"
	"tether/pkg/core"
	"tether/pkg/stream"
)

const defaultMaxLineSize = 1 << 20

// SSEConfig holds configuration options for a server-sent event stream.
type SSEConfig struct {
	// URL is the event stream endpoint.
	URL string `validate:"required,url"`
	// Header is sent with every request.
	Header map[string]string `validate:"omitempty"`
	// LastEventID is sent as Last-Event-ID on the first request.
	LastEventID string
	// TLSConfig is used for https endpoints.
	TLSConfig *tls.Config `validate:"-"`
	// MaxLineSize bounds a single line of the event stream.
	MaxLineSize int `validate:"min=0"`
}

func (c *SSEConfig) setDefaults() {
	if c.MaxLineSize == 0 {
		c.MaxLineSize = defaultMaxLineSize
	}
}

// SSEStream is a receive-only stream over a text/event-stream response.
type SSEStream struct {
	config SSEConfig
	body   io.ReadCloser
	cancel context.CancelFunc
	events *stream.Registry
	logger zerolog.Logger

	lastID  atomic.Value
	trackID func(string)

	mu          sync.Mutex
	started     bool
	closing     bool
	localCode   core.CloseCode
	localReason string

	closeOnce sync.Once
}

// DialSSE issues the event stream request using client. ctx bounds only the
// request; once the response headers arrive the stream lives until Close.
// A status other than 200 is reported as *core.HandshakeError.
func DialSSE(ctx context.Context, client *httpClient.Client, config SSEConfig, logger zerolog.Logger) (*SSEStream, error) {
	config.setDefaults()
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("sse config: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	opts := []httpClient.RequestOption{
		httpClient.WithHeader("Accept", "text/event-stream"),
		httpClient.WithHeader("Cache-Control", "no-cache"),
		httpClient.WithHeaders(config.Header),
	}
	if config.LastEventID != "" {
		opts = append(opts, httpClient.WithHeader("Last-Event-ID", config.LastEventID))
	}

	resp, err := client.Stream(streamCtx, config.URL, opts...)
	if !stop() {
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		cancel()
		_ = resp.Body.Close()
		return nil, &core.HandshakeError{StatusCode: resp.StatusCode(), URL: config.URL}
	}

	s := &SSEStream{
		config: config,
		body:   resp.Body,
		cancel: cancel,
		events: stream.NewRegistry(),
		logger: logger,
	}
	s.events.SetLogger(logger)
	s.lastID.Store(config.LastEventID)
	return s, nil
}

// NewSSEFactory returns a factory that opens config.URL on every call. The
// last event ID seen by any stream is sent with the next request, so the
// server can resume where the previous stream ended.
func NewSSEFactory(config SSEConfig, logger zerolog.Logger) (stream.Factory, error) {
	client, err := httpClient.NewClient(&httpClient.Config{TLSConfig: config.TLSConfig}, logger)
	if err != nil {
		return nil, err
	}

	var lastID atomic.Value
	lastID.Store(config.LastEventID)

	return func(ctx context.Context) (stream.Stream, error) {
		cfg := config
		cfg.LastEventID = lastID.Load().(string)

		s, err := DialSSE(ctx, client, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.trackID = func(id string) { lastID.Store(id) }
		return s, nil
	}, nil
}

// URL returns the endpoint this stream is reading.
func (s *SSEStream) URL() string {
	return s.config.URL
}

// LastEventID returns the most recent event ID received.
func (s *SSEStream) LastEventID() string {
	return s.lastID.Load().(string)
}

func (s *SSEStream) AddEventListener(kind stream.EventKind, l *stream.Listener) {
	s.events.Add(kind, l)
}

func (s *SSEStream) RemoveEventListener(kind stream.EventKind, l *stream.Listener) {
	s.events.Remove(kind, l)
}

// Start emits the open event and begins reading. It has no effect after the
// first call or after Close.
func (s *SSEStream) Start() {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.readLoop()
}

// Close aborts the response body. The close event carries code and reason.
func (s *SSEStream) Close(code core.CloseCode, reason string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.localCode, s.localReason = code, reason
	started := s.started
	s.mu.Unlock()

	s.cancel()
	err := s.body.Close()

	if !started {
		s.finish(code, reason)
	}
	return err
}

func (s *SSEStream) emit(ev stream.Event) {
	ev.URL = s.config.URL
	s.events.Dispatch(ev)
}

func (s *SSEStream) finish(code core.CloseCode, reason string) {
	s.closeOnce.Do(func() {
		s.emit(stream.Event{Kind: stream.EventClose, Code: code, Reason: reason})
	})
}

func (s *SSEStream) setID(id string) {
	s.lastID.Store(id)
	if s.trackID != nil {
		s.trackID(id)
	}
}

func (s *SSEStream) readLoop() {
	s.emit(stream.Event{Kind: stream.EventOpen})

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineSize)

	var (
		name string
		data strings.Builder
		has  bool
	)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if has {
				s.emit(stream.Event{
					Kind: stream.EventMessage,
					Name: name,
					ID:   s.LastEventID(),
					Data: []byte(data.String()),
				})
			}
			name, has = "", false
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.setID(value)
			}
		}
	}

	s.mu.Lock()
	local := s.closing
	code, reason := s.localCode, s.localReason
	s.closing = true
	s.mu.Unlock()

	if !local {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		code, reason = core.CloseAbnormal, "event stream ended"
		s.logger.Debug().Err(err).Str("url", s.config.URL).Msg("event stream ended")
		s.emit(stream.Event{Kind: stream.EventError, Err: fmt.Errorf("read event stream: %w", err)})
		s.cancel()
		_ = s.body.Close()
	}
	s.finish(code, reason)
}
