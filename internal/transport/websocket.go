package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"tether/pkg/core"
	"tether/pkg/stream"
)

var validate = validator.New()

// WSConfig holds configuration options for a websocket stream.
type WSConfig struct {
	// URL is the websocket server endpoint to connect to.
	URL string `validate:"required,url"`
	// Header is sent with the opening handshake.
	Header http.Header `validate:"-"`
	// TLSConfig is used for wss endpoints. Its GetClientCertificate callback is
	// consulted on every dial, so rotated client keys apply to the next stream.
	TLSConfig *tls.Config `validate:"-"`
	// HandshakeTimeout bounds the dial and upgrade exchange.
	HandshakeTimeout time.Duration `validate:"min=0"`
	// PingInterval is the duration between ping messages sent to keep the connection alive.
	PingInterval time.Duration `validate:"min=0"`
	// PongWait is the maximum time to wait for a pong response before considering the connection dead.
	PongWait time.Duration `validate:"min=0"`
}

func (c *WSConfig) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 20 * time.Second
	}
}

// WSStream is a single websocket connection exposed as a stream.Stream.
// Events are held back until Start is called.
type WSStream struct {
	config WSConfig
	conn   *gws.Conn
	events *stream.Registry
	logger zerolog.Logger

	mu          sync.Mutex
	started     bool
	closing     bool
	localCode   core.CloseCode
	localReason string

	closeOnce sync.Once
	done      chan struct{}
}

type wsEventHandler struct {
	stream *WSStream
}

// DialWebSocket performs the websocket handshake. A response other than
// 101 Switching Protocols is reported as *core.HandshakeError.
func DialWebSocket(ctx context.Context, config WSConfig, logger zerolog.Logger) (*WSStream, error) {
	config.setDefaults()
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}

	s := &WSStream{
		config: config,
		events: stream.NewRegistry(),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.events.SetLogger(logger)

	type dialResult struct {
		conn *gws.Conn
		resp *http.Response
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, resp, err := gws.NewClient(&wsEventHandler{stream: s}, &gws.ClientOption{
			Addr:             config.URL,
			RequestHeader:    config.Header,
			TlsConfig:        config.TLSConfig,
			HandshakeTimeout: config.HandshakeTimeout,
		})
		results <- dialResult{conn: conn, resp: resp, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, dialError(config.URL, r.resp, r.err)
		}
		s.conn = r.conn
		return s, nil
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.NetConn().Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func dialError(url string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		return &core.HandshakeError{StatusCode: resp.StatusCode, URL: url, Err: err}
	}
	return fmt.Errorf("dial %s: %w", url, err)
}

// NewWebSocketFactory returns a factory that dials config.URL on every call.
func NewWebSocketFactory(config WSConfig, logger zerolog.Logger) stream.Factory {
	return func(ctx context.Context) (stream.Stream, error) {
		s, err := DialWebSocket(ctx, config, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// URL returns the endpoint this stream is connected to.
func (s *WSStream) URL() string {
	return s.config.URL
}

func (s *WSStream) AddEventListener(kind stream.EventKind, l *stream.Listener) {
	s.events.Add(kind, l)
}

func (s *WSStream) RemoveEventListener(kind stream.EventKind, l *stream.Listener) {
	s.events.Remove(kind, l)
}

// Start begins reading. It has no effect after the first call or after Close.
func (s *WSStream) Start() {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.conn.ReadLoop()
	go s.keepalive()
}

// Close sends a close frame and tears the connection down without waiting
// for the peer. The close event carries code and reason.
func (s *WSStream) Close(code core.CloseCode, reason string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.localCode, s.localReason = code, reason
	started := s.started
	s.mu.Unlock()

	s.conn.WriteClose(uint16(code), []byte(reason))
	err := s.conn.NetConn().Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	// Without a read loop gws never reports the close.
	if !started {
		s.finish(code, reason)
	}
	return err
}

// Send writes data as a text frame.
func (s *WSStream) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return core.ErrStreamClosed
	}
	return s.conn.WriteMessage(gws.OpcodeText, data)
}

// SendJSON marshals v and writes it as a text frame.
func (s *WSStream) SendJSON(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return s.Send(ctx, data)
}

func (s *WSStream) keepalive() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WritePing(nil); err != nil {
				s.logger.Debug().Err(err).Str("url", s.config.URL).Msg("write ping")
				return
			}
		}
	}
}

func (s *WSStream) emit(ev stream.Event) {
	ev.URL = s.config.URL
	s.events.Dispatch(ev)
}

func (s *WSStream) finish(code core.CloseCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.emit(stream.Event{Kind: stream.EventClose, Code: code, Reason: reason})
	})
}

func (s *WSStream) extendDeadline(socket *gws.Conn) {
	_ = socket.SetDeadline(time.Now().Add(s.config.PingInterval + s.config.PongWait))
}

func (h *wsEventHandler) OnOpen(socket *gws.Conn) {
	h.stream.logger.Debug().
		Str("url", h.stream.config.URL).
		Msg("websocket open")

	h.stream.extendDeadline(socket)
	h.stream.emit(stream.Event{Kind: stream.EventOpen})
}

func (h *wsEventHandler) OnClose(socket *gws.Conn, err error) {
	s := h.stream

	s.mu.Lock()
	local := s.closing
	code, reason := s.localCode, s.localReason
	s.closing = true
	s.mu.Unlock()

	if !local {
		var closeErr *gws.CloseError
		if errors.As(err, &closeErr) {
			code, reason = core.CloseCode(closeErr.Code), string(closeErr.Reason)
		} else {
			code = core.CloseAbnormal
			if err != nil {
				reason = err.Error()
				s.emit(stream.Event{Kind: stream.EventError, Err: err})
			}
		}
	}

	s.logger.Debug().
		Err(err).
		Str("url", s.config.URL).
		Uint16("code", uint16(code)).
		Msg("websocket closed")

	s.finish(code, reason)
}

func (h *wsEventHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.stream.extendDeadline(socket)
	_ = socket.WritePong(payload)
}

func (h *wsEventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.stream.extendDeadline(socket)
}

func (h *wsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	// The message buffer returns to a pool on Close.
	data := bytes.Clone(message.Bytes())
	h.stream.emit(stream.Event{Kind: stream.EventMessage, Data: data})
}
