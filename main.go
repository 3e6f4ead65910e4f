package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/die-net/loopproxy/internal/config"
	"github.com/die-net/loopproxy/internal/conn"
	"github.com/die-net/loopproxy/internal/dialer"
	"github.com/die-net/loopproxy/internal/eventloop"
	"github.com/die-net/loopproxy/internal/metrics"
	"github.com/die-net/loopproxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewFlagSet(os.Args[0]), os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	log.Logger = logger
	cfg.WarnPermissions(logger)

	d, err := dialer.New(dialer.Config{
		DialTimeout:        time.Duration(cfg.DialTimeout),
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		KeepAlive:          cfg.KeepAlive(),
		SSHKeyPath:         cfg.SSH.Key,
		SSHKnownHostsPath:  cfg.SSH.KnownHosts,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	m := metrics.New()
	loop := eventloop.New(d)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go(func() error {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive()}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", cfg.DebugListen).Msg("debug listening")
	}

	ln, err := conn.ListenTCP("tcp", cfg.HTTPListen, cfg.KeepAlive())
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := proxy.NewServer(proxy.Config{
		ReadSize:           cfg.ReadSize,
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		ProxyAgent:         cfg.Agent(),
		AcceptRate:         rate.Limit(cfg.Accept.Rate),
		AcceptBurst:        cfg.Accept.Burst,
	}, loop, logger, m)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})
	logger.Info().Str("addr", cfg.HTTPListen).Str("upstream", redact(cfg.Upstream)).Msg("http proxy listening")

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if strings.EqualFold(cfg.Log.Format, "json") {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(cfg.LogLevel()).With().Timestamp().Logger()
}

// redact hides upstream credentials in log output.
func redact(upstream string) string {
	u, err := url.Parse(upstream)
	if err != nil {
		return upstream
	}
	return u.Redacted()
}
