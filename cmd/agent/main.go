package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"hanukia-controller/internal/agent"
	"hanukia-controller/internal/config"
	"hanukia-controller/internal/logging"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON or YAML configuration file")
	flag.Parse()

	logging.Setup(os.Stdout, "info")
	log := logging.For("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}
	logging.Setup(os.Stdout, cfg.LogLevel)
	log = logging.For("main")
	log.Info().Str("version", version).Str("commit", commit).Str("built", date).Msg("starting hanukia controller")

	a, err := agent.NewAgent(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent")
	}

	go a.Run()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	a.Shutdown()
	log.Info().Msg("shut down gracefully")
}
