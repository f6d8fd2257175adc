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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/config"
	"github.com/lovediary/agentd/internal/diary"
	"github.com/lovediary/agentd/internal/gifts"
	"github.com/lovediary/agentd/internal/pool"
	"github.com/lovediary/agentd/internal/provider"
	"github.com/lovediary/agentd/internal/server"
	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "config.toml", "Path to config file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentd %s\n", Version)
		os.Exit(0)
	}

	initLogging(*debug)

	log.Info().Str("version", Version).Msg("Starting agent service")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer db.Close()

	registry := provider.FromConfig(cfg)
	llm, err := provider.Active(cfg, registry)
	if err != nil {
		log.Fatal().Err(err).Strs("available", registry.List()).Msg("Failed to select LLM provider")
	}
	defer llm.Close()
	log.Info().Str("provider", llm.Name()).Msg("LLM provider selected")

	source := traits.NewNFTClient(cfg.Chain.RPCURL, cfg.Chain.NFTAddress)

	var verifier *gifts.Verifier
	if cfg.Chain.LoveTokenAddress != "" {
		verifier = gifts.NewVerifier(cfg.Chain.RPCURL, cfg.Chain.LoveTokenAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentPool := pool.New(db, llm, source, cfg.Agents)
	agentPool.Start(ctx)

	scheduler := diary.NewScheduler(agentPool, db)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start diary scheduler")
	}

	srv := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           server.New(agentPool, db, verifier, cfg.Service.ServiceToken).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Service.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	scheduler.Stop()
	agentPool.Shutdown()

	log.Info().Msg("Agent service stopped")
}

func initLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
