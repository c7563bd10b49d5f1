// Command tether keeps a websocket or server-sent event feed connected and
// prints its events as JSON lines.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tether/internal/keyring"
	"tether/pkg/session"
	"tether/pkg/stream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	url         string
	eventsURL   string
	metricsAddr string
	logLevel    string
}

// overrides maps the flags set on cmd to koanf keys.
func (f *rootFlags) overrides(cmd *cobra.Command) map[string]any {
	values := map[string]struct {
		key   string
		value string
	}{
		"url":          {"url", f.url},
		"events-url":   {"events_url", f.eventsURL},
		"metrics-addr": {"metrics_addr", f.metricsAddr},
		"log-level":    {"engine.log_level", f.logLevel},
	}

	out := make(map[string]any)
	for flag, v := range values {
		if cmd.Flags().Changed(flag) {
			out[v.key] = v.value
		}
	}
	return out
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "tether",
		Short:        "Keep a websocket or event-stream feed connected",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "websocket endpoint")
	root.PersistentFlags().StringVar(&flags.eventsURL, "events-url", "", "server-sent event endpoint used when the websocket endpoint answers 404")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newWatchCmd(flags), newConfigCmd(flags))
	return root
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect and print events until interrupted",
		Example: `# Watch a feed, falling back to SSE
tether watch --url wss://feed.example.com/ws --events-url https://feed.example.com/events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(flags.configPath, flags.overrides(cmd))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, cfg, cmd.OutOrStdout(), newLogger(cfg.Engine.LogLevel, cmd.ErrOrStderr()))
		},
	}
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(flags.configPath, flags.overrides(cmd))
			if err != nil {
				return err
			}
			data, err := sonic.ConfigStd.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newLogger(level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// newKeyRing loads the configured client key pairs. Pairs that fail to load are
// logged and retried when the server rejects the active one.
func newKeyRing(cfg *Config, logger zerolog.Logger) *keyring.KeyRing {
	ring := keyring.NewKeyRing(cfg.keyPairs())
	ring.SetLogger(logger)
	if err := ring.Load(); err != nil {
		logger.Warn().Err(err).Msg("some client key pairs failed to load")
	}

	current := ring.Current()
	if current == nil {
		logger.Warn().Int("pairs", ring.Len()).Msg("no usable client key pair")
		return ring
	}
	logger.Info().
		Str("key_id", current.ID).
		Time("not_after", current.NotAfter()).
		Int("pairs", ring.Len()).
		Msg("client key pair selected")
	return ring
}

// runWatch prints events until ctx is done. A suspended feed ends the command
// with the failure that suspended it.
func runWatch(ctx context.Context, cfg *Config, out io.Writer, logger zerolog.Logger) error {
	writer := newEventWriter(out, logger)
	opts := []session.Option{session.WithLogger(logger)}
	for _, kind := range stream.EventKinds {
		opts = append(opts, session.WithListener(kind, writer.listener()))
	}

	if len(cfg.KeyPairs) > 0 {
		opts = append(opts, session.WithKeyRing(newKeyRing(cfg, logger)))
	}

	s, err := session.Open(ctx, cfg.sessionConfig(), opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.MetricsAddr != "" {
		registry := newMetricsRegistry(
			func() stream.MetricsSnapshot { return s.Engine().Metrics() },
			s.State,
		)
		srv := newMetricsServer(cfg.MetricsAddr, registry)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Str("transport", s.Transport().String()).
		Str("state", s.State().String()).
		Msg("watching feed")

	if _, err := s.WaitState(ctx, stream.StateDisconnected); err != nil {
		return nil
	}
	return fmt.Errorf("feed suspended: %w", s.LastError())
}
