package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand_FlagOverrides(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "--url", "wss://feed.example.com/ws", "--log-level", "debug"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"wss://feed.example.com/ws"`)
	assert.Contains(t, out.String(), `"debug"`)
}

func TestConfigCommand_Invalid(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "--url", "not a url"})

	assert.Error(t, cmd.Execute())
}

func TestNewLogger_Level(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug", io.Discard).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("", io.Discard).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("loud", io.Discard).GetLevel())
}

func TestNewKeyRing_NothingUsable(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "client.crt")
	key := filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(cert, []byte("not a certificate"), 0o600))
	require.NoError(t, os.WriteFile(key, []byte("not a key"), 0o600))

	var logs bytes.Buffer
	ring := newKeyRing(&Config{KeyPairs: []KeyPairConfig{
		{ID: "primary", CertFile: cert, KeyFile: key},
		{ID: "retired", CertFile: cert, KeyFile: key, Disabled: true},
	}}, zerolog.New(&logs))

	assert.Equal(t, 2, ring.Len())
	assert.Nil(t, ring.Current())
	assert.Contains(t, logs.String(), "some client key pairs failed to load")
	assert.Contains(t, logs.String(), "no usable client key pair")
	assert.Contains(t, logs.String(), `"pairs":2`)
}
