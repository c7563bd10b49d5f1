package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/keyring"
	"tether/pkg/core"
	"tether/pkg/stream"
)

type echoHandler struct {
	gws.BuiltinEventHandler
}

func (echoHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	_ = socket.WriteMessage(message.Opcode, message.Bytes())
}

// newFeedServer serves a websocket echo on /ws, an event stream on /events
// and rejects /forbidden with 403. Any other path is 404.
func newFeedServer(t *testing.T) (wsBase, httpBase string) {
	t.Helper()

	upgrader := gws.NewUpgrader(&echoHandler{}, &gws.ServerOption{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			conn, err := upgrader.Upgrade(w, r)
			if err != nil {
				return
			}
			go conn.ReadLoop()
		case "/events":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "event: greeting\ndata: hello\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case "/forbidden":
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.URL
}

func openSession(t *testing.T, config *Config, opts ...Option) *Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts = append([]Option{WithClock(clockwork.NewFakeClock())}, opts...)
	s, err := Open(ctx, config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTransport_String(t *testing.T) {
	assert.Equal(t, "websocket", TransportWebSocket.String())
	assert.Equal(t, "sse", TransportSSE.String())
	assert.Equal(t, "unknown", Transport(7).String())
	assert.Equal(t, "unknown", Transport(-1).String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{WebSocketURL: "wss://feed.test/ws"}, false},
		{"with fallback", Config{WebSocketURL: "wss://feed.test/ws", EventsURL: "https://feed.test/events"}, false},
		{"missing url", Config{}, true},
		{"bad fallback", Config{WebSocketURL: "wss://feed.test/ws", EventsURL: "::"}, true},
		{"bad engine", Config{WebSocketURL: "wss://feed.test/ws", Engine: core.DefaultConfig().WithBackoff(time.Second, time.Millisecond)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpen_InvalidInput(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestOpen_WebSocket(t *testing.T) {
	wsBase, httpBase := newFeedServer(t)

	messages := make(chan string, 4)
	s := openSession(t, &Config{
		WebSocketURL: wsBase + "/ws",
		EventsURL:    httpBase + "/events",
	}, WithListener(stream.EventMessage, stream.Listen(func(ev stream.Event) {
		messages <- string(ev.Data)
	})))

	assert.Equal(t, TransportWebSocket, s.Transport())
	assert.Equal(t, stream.StateConnected, s.State())
	assert.NoError(t, s.LastError())

	require.NoError(t, s.Send(context.Background(), []byte("ping")))
	select {
	case msg := <-messages:
		assert.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestOpen_FallsBackToEvents(t *testing.T) {
	wsBase, httpBase := newFeedServer(t)

	events := make(chan stream.Event, 4)
	s := openSession(t, &Config{
		WebSocketURL: wsBase + "/missing",
		EventsURL:    httpBase + "/events",
	}, WithListener(stream.EventMessage, stream.Listen(func(ev stream.Event) {
		events <- ev
	})))

	assert.Equal(t, TransportSSE, s.Transport())
	assert.Equal(t, stream.StateConnected, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), []byte("x")), core.ErrSendUnsupported)

	select {
	case ev := <-events:
		assert.Equal(t, "greeting", ev.Name)
		assert.Equal(t, "hello", string(ev.Data))
		assert.Equal(t, httpBase+"/events", ev.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestOpen_NotFoundWithoutFallback(t *testing.T) {
	wsBase, _ := newFeedServer(t)

	s := openSession(t, &Config{WebSocketURL: wsBase + "/missing"})

	assert.Equal(t, TransportWebSocket, s.Transport())
	assert.Equal(t, stream.StateDisconnected, s.State())
	assert.True(t, core.IsHandshakeStatus(s.LastError(), core.StatusNotFound))
}

func TestOpen_ForbiddenDoesNotFallBack(t *testing.T) {
	wsBase, httpBase := newFeedServer(t)

	s := openSession(t, &Config{
		WebSocketURL: wsBase + "/forbidden",
		EventsURL:    httpBase + "/events",
	})

	assert.Equal(t, TransportWebSocket, s.Transport())
	assert.Equal(t, stream.StateDisconnected, s.State())
	assert.True(t, core.IsHandshakeStatus(s.LastError(), core.StatusForbidden))
	assert.Equal(t, int64(1), s.Engine().Metrics().Attempts)
}

func TestSession_ListenersSurviveReconnect(t *testing.T) {
	wsBase, _ := newFeedServer(t)

	var opens int
	opened := make(chan struct{}, 4)
	s := openSession(t, &Config{WebSocketURL: wsBase + "/ws"},
		WithListener(stream.EventOpen, stream.Listen(func(stream.Event) {
			opens++
			opened <- struct{}{}
		})))

	<-opened
	s.Reconnect()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no open after reconnect")
	}
	assert.Equal(t, 2, opens)
}

func TestSession_DisconnectAndClose(t *testing.T) {
	wsBase, _ := newFeedServer(t)
	s := openSession(t, &Config{WebSocketURL: wsBase + "/ws"})

	s.Disconnect()
	assert.Equal(t, stream.StateDisconnected, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconnect()
	state, err := s.WaitState(ctx, stream.StateConnected)
	require.NoError(t, err)
	assert.Equal(t, stream.StateConnected, state)

	require.NoError(t, s.Close())
	assert.Equal(t, stream.StateDisposed, s.State())
	assert.NoError(t, s.Close())
}

func TestOpen_WithKeyRing(t *testing.T) {
	wsBase, _ := newFeedServer(t)

	// Plain ws never asks for a client certificate, so an empty ring is enough
	// to check the wiring does not get in the way.
	s := openSession(t, &Config{WebSocketURL: wsBase + "/ws"}, WithKeyRing(keyring.NewKeyRing(nil)))
	assert.Equal(t, stream.StateConnected, s.State())
	assert.NotNil(t, s.tls)
	assert.NotNil(t, s.tls.GetClientCertificate)
}

// writeKeyPair writes a self-signed client certificate valid for an hour.
func writeKeyPair(t *testing.T, dir, id string) *keyring.KeyPair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: id},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	pair := &keyring.KeyPair{
		ID:       id,
		CertFile: filepath.Join(dir, id+".crt"),
		KeyFile:  filepath.Join(dir, id+".key"),
	}
	require.NoError(t, os.WriteFile(pair.CertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(pair.KeyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return pair
}

func TestSession_RefreshCredentialsMovesPastRejectedPair(t *testing.T) {
	dir := t.TempDir()
	ring := keyring.NewKeyRing([]*keyring.KeyPair{
		writeKeyPair(t, dir, "primary"),
		writeKeyPair(t, dir, "backup"),
	})
	require.NoError(t, ring.Load())
	require.Equal(t, "primary", ring.Current().ID)

	s := &Session{opts: &options{keys: ring}, logger: zerolog.Nop()}

	ok, err := s.refreshCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "backup", ring.Current().ID)

	ok, err = s.refreshCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "primary", ring.Current().ID)
}

func TestSession_RefreshCredentialsSinglePair(t *testing.T) {
	ring := keyring.NewKeyRing([]*keyring.KeyPair{writeKeyPair(t, t.TempDir(), "only")})
	require.NoError(t, ring.Load())

	s := &Session{opts: &options{keys: ring}, logger: zerolog.Nop()}

	ok, err := s.refreshCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "only", ring.Current().ID)
}

func TestSession_RefreshCredentialsEmptyRing(t *testing.T) {
	s := &Session{opts: &options{keys: keyring.NewKeyRing(nil)}, logger: zerolog.Nop()}

	ok, err := s.refreshCredentials(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, keyring.ErrNoKeyPairs)
}
