// Package main is the entry point for the streamrelay proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/streamrelay/internal/config"
	"github.com/howard-nolan/streamrelay/internal/logging"
	"github.com/howard-nolan/streamrelay/internal/metrics"
	"github.com/howard-nolan/streamrelay/internal/provider"
	"github.com/howard-nolan/streamrelay/internal/relay"
	"github.com/howard-nolan/streamrelay/internal/server"
)

// shutdownGrace bounds how long in-flight relays get to finish after a
// termination signal.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log)
	if cfg.Upstream.APIKey == "" {
		log.Warn("no upstream API key configured; upstream calls will be rejected")
	}

	m := metrics.NewCollector()
	factory := provider.NewFactory(cfg.Upstream)
	collector := provider.NewOpenAI()

	rl := relay.New(factory, collector, cfg.Relay, log, m)
	srv := server.New(cfg, rl, provider.NewPassThrough(factory), m, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":        httpServer.Addr,
			"upstream":    cfg.Upstream.BaseURL,
			"retries":     cfg.Relay.Retries,
			"retry_delay": cfg.Relay.RetryDelay.String(),
		}).Info("streamrelay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}
}
