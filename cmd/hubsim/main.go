// hubsim connects to a printfarm server as a simulated hub controller. It is
// a development tool for exercising the command path without real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/hubsim"
)

func main() {
	var (
		serverURL = flag.String("url", envOr("HUBSIM_URL", "ws://localhost:8080"), "server base URL (ws://host:port)")
		hubID     = flag.String("hub", envOr("HUBSIM_HUB_ID", ""), "hub id to connect as (required)")
		secret    = flag.String("secret", envOr("HUBSIM_SECRET", ""), "hub secret for signing the hello")
		firmware  = flag.String("firmware", envOr("HUBSIM_FIRMWARE", "sim-1.0"), "reported firmware version")
		printers  = flag.String("printers", envOr("HUBSIM_PRINTERS", ""), "comma-separated printer ids")
		interval  = flag.Duration("interval", 10*time.Second, "status report interval")
		logLevel  = flag.String("log-level", envOr("HUBSIM_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	if *hubID == "" {
		fmt.Fprintln(os.Stderr, "hubsim: -hub is required")
		flag.Usage()
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
	if level, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(level)
	}

	cfg := hubsim.Config{
		ServerURL:       strings.TrimSuffix(*serverURL, "/"),
		HubID:           *hubID,
		Secret:          *secret,
		FirmwareVersion: *firmware,
		StatusInterval:  *interval,
	}
	if *printers != "" {
		for _, p := range strings.Split(*printers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.PrinterIDs = append(cfg.PrinterIDs, p)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	log.Info().Str("url", cfg.ServerURL).Str("hub", cfg.HubID).Msg("hub simulator starting")
	if err := hubsim.New(cfg, log).Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
