package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"agentmsg/config"
	"agentmsg/contacts"
	"agentmsg/daemon"
	"agentmsg/discovery"
	"agentmsg/identity"
	"agentmsg/store"
)

func main() {
	relayURL := flag.String("relay", "", "relay websocket URL (overrides config)")
	profile := flag.String("profile", "", "profile name (separate identity and data)")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides the default location)")
	apiPort := flag.Int("api-port", 0, "control API port (overrides config)")
	flag.Parse()

	if *dataDirFlag != "" {
		os.Setenv("AGENT_MESSENGER_DATA_DIR", *dataDirFlag)
	}

	cfg, cfgPath, err := config.LoadOrCreate(*profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}
	dataDir := filepath.Dir(cfgPath)
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *apiPort != 0 {
		cfg.APIPort = *apiPort
	}

	logger := newLogger(cfg.LogLevel)

	id, err := identity.GetOrCreate(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("prepare identity")
	}
	logger.Info().Str("did", id.DID).Str("data_dir", dataDir).Msg("identity ready")

	book, err := contacts.Load(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("load contact book")
	}

	archive, err := store.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open message archive")
	}
	defer func() {
		if err := archive.Close(); err != nil {
			logger.Warn().Err(err).Msg("close message archive")
		}
	}()

	lock, err := daemon.AcquireLock(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("acquire daemon lock")
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := daemon.New(cfg, id, book, archive, logger)
	if err := agent.Connect(ctx); err != nil {
		lock.Release()
		logger.Fatal().Err(err).Str("relay", cfg.RelayURL).Msg("connect to relay")
	}
	defer agent.Disconnect()

	var scanner *discovery.Scanner
	if cfg.DiscoveryEnabled {
		service, derr := discovery.Start(discovery.Config{
			SelfDID: id.DID,
			APIPort: cfg.APIPort,
		})
		if derr != nil {
			logger.Warn().Err(derr).Msg("LAN discovery unavailable")
		} else {
			defer service.Stop()
			scanner = service.Scanner
			logger.Info().Msg("LAN discovery running")
		}
	}

	api := daemon.NewAPI(agent, scanner, logger)
	srv := &http.Server{
		Addr:         cfg.APIAddr(),
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control API failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("control API forced shutdown")
	}

	logger.Info().Msg("stopped")
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}
