package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/internal/db"
	"github.com/recordroom/ttcontrol/internal/logging"
	"github.com/recordroom/ttcontrol/services/api/config"
	httpserver "github.com/recordroom/ttcontrol/services/api/http"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBFolder)
	if err != nil {
		logger.Fatal("db connection error", zap.Error(err))
	}
	defer store.Close()

	srv := httpserver.New(cfg, store, logger)
	logger.Info("history API listening", zap.String("addr", cfg.ListenAddr()))

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}
