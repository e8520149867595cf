package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/broker"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/config"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/notify"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/server"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Open database
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = st.Close() }()

	// Upstream notifier: NATS when configured, log-only otherwise
	var notifier notify.Notifier
	if cfg.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nn.Close()
		notifier = nn
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	registry := broker.NewRegistry(broker.Config{
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		AckTimeout:        cfg.AckTimeout,
	}, st, notifier, log)

	srv := server.New(cfg, st, registry, log)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		os.Exit(0)
	}()

	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
