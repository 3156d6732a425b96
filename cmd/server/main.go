package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.chatrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnv(os.Getenv)

	// Command-line flags override config file
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *debug {
		config.Logging.Level = "debug"
	}

	logger := server.NewLogger(config.Logging, os.Stderr)

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}

	serverConfig := config.ToServerConfig()
	srv, err := server.NewServer(finalDBPath, serverConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	logger.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("database", finalDBPath).
		Int("http_port", serverConfig.HTTPPort).
		Int("metrics_port", serverConfig.MetricsPort).
		Str("message_backend", serverConfig.MessageBackend).
		Bool("reject_invalid_tokens", serverConfig.Relay.RejectInvalidTokens).
		Msgf("chatrelay started (ws://server:%d/ws)", serverConfig.HTTPPort)

	if *pprofAddr != "" {
		go servePprof(*pprofAddr, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("server stopped")
}

func servePprof(addr string, logger zerolog.Logger) {
	logger.Info().Str("addr", addr).Msg("starting pprof server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error().Err(err).Msg("pprof server error")
	}
}
