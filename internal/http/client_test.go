package http

import (
	"bufio"
	"context"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"zero config", Config{}, false},
		{"base url", Config{BaseURL: "https://feed.test"}, false},
		{"bad base url", Config{BaseURL: "not a url"}, true},
		{"negative timeout", Config{Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(&tt.config, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, c.Close())
		})
	}
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "tether", r.Header.Get("User-Agent"))
		assert.Equal(t, "7", r.URL.Query().Get("since"))

		flusher := w.(nethttp.Flusher)
		w.WriteHeader(nethttp.StatusOK)
		for i := range 3 {
			_, _ = fmt.Fprintf(w, "line %d\n", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c, err := NewClient(&Config{Headers: map[string]string{"User-Agent": "tether"}}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Stream(context.Background(), srv.URL+"/events",
		WithHeader("Accept", "text/event-stream"),
		WithQueryParam("since", "7"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode())

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, lines)
}

func TestClient_StreamAfterClose(t *testing.T) {
	c, err := NewClient(&Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Stream(context.Background(), "http://127.0.0.1:1/events")
	assert.ErrorIs(t, err, ErrClientClosed)
}
