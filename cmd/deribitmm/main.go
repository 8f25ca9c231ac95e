// Command deribitmm is a synchronous, single-instrument market-making
// client for a Deribit-style JSON-RPC-over-WebSocket venue.
//
//	config/config.go    — flags, .env, and venue selection
//	session/session.go  — JSON-RPC framing, auth bootstrap, token refresh
//	strategy/maker.go   — order state machine, sizing, re-quote policy
//	book/book.go         — order-book replica with sequence verification
//	transport/channel.go — TLS WebSocket byte-framed transport
//	metrics/metrics.go   — Prometheus counters and gauges
//
// Two subcommands: `mm` runs the market-making strategy; `writer` dumps a
// channel subscription to a newline-delimited JSON file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deribit-mm/internal/config"
	"deribit-mm/internal/metrics"
	"deribit-mm/internal/session"
	"deribit-mm/internal/strategy"
	"deribit-mm/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	var m *metrics.Metrics
	if cfg.MetricsPort != 0 {
		m = metrics.New()
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		go func() {
			if err := m.Serve(addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server started", "addr", addr)
	}

	uri, err := transport.ParseURI(cfg.VenueURI())
	if err != nil {
		return fmt.Errorf("deribitmm: parse venue uri: %w", err)
	}

	switch cfg.Command {
	case "mm":
		return runMaker(cfg, uri, log, m)
	case "writer":
		return runWriter(cfg, uri, log)
	default:
		return fmt.Errorf("deribitmm: unknown command %q", cfg.Command)
	}
}

func runMaker(cfg *config.Config, uri transport.URI, log *slog.Logger, m *metrics.Metrics) error {
	sess, err := session.New(session.Settings{
		URI:          uri,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Metrics:      m,
	}, nil, log)
	if err != nil {
		return fmt.Errorf("deribitmm: session: %w", err)
	}

	maker, err := strategy.NewMaker(sess, strategy.Params{
		Instrument:     cfg.Instrument,
		Frequency:      cfg.Frequency,
		MinDepth:       cfg.MinDepth,
		MidDepth:       cfg.MidDepth,
		MaxDepth:       cfg.MaxDepth,
		OrderAmount:    cfg.OrderAmount,
		MaxPositionUSD: cfg.MaxPositionUSD,
		Metrics:        m,
	}, log)
	if err != nil {
		return fmt.Errorf("deribitmm: strategy: %w", err)
	}
	sess.SetHandler(maker)

	return runUntilSignal(sess, log, m)
}

func runWriter(cfg *config.Config, uri transport.URI, log *slog.Logger) error {
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("deribitmm: open output: %w", err)
	}
	defer f.Close()

	sess, err := session.New(session.Settings{URI: uri}, nil, log)
	if err != nil {
		return fmt.Errorf("deribitmm: session: %w", err)
	}

	writer, err := strategy.NewSubscriptionWriter(sess, cfg.Channels, f)
	if err != nil {
		return fmt.Errorf("deribitmm: writer: %w", err)
	}
	sess.SetHandler(writer)

	return runUntilSignal(sess, log, nil)
}

// runUntilSignal runs the session's blocking receive loop on a background
// goroutine and returns when it exits, or immediately closes the session
// and returns nil on SIGINT/SIGTERM.
func runUntilSignal(sess *session.Session, log *slog.Logger, m *metrics.Metrics) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
		if err := sess.Close(); err != nil {
			log.Error("error closing session", "error", err)
		}
		if m != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Shutdown(ctx); err != nil {
				log.Error("error stopping metrics server", "error", err)
			}
		}
		<-done
		return nil

	case err := <-done:
		return err
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
