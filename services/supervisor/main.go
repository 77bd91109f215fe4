package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/internal/db"
	"github.com/recordroom/ttcontrol/internal/logging"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/config"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/denon"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/shelly"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/status"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/supervisor"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/utils"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("supervisor failed: %v", err)
	}
}

func run() error {
	var (
		configPath string
		envFile    string
		totals     bool
	)
	flag.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flag.BoolVar(&totals, "totals", false, "print total recorded playtime and exit")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBFolder)
	if err != nil {
		return fmt.Errorf("open play database: %w", err)
	}
	defer store.Close()

	if totals {
		total, err := store.TotalRuntime(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "total playtime: %s\n", utils.FormatPlaytime(total))
		return nil
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}
	turntable := shelly.New("turntable", cfg.TurntableURL, cfg.TurntableSwitchID, client, logger)
	preAmp := shelly.New("pre-amp", cfg.PreAmpURL, cfg.PreAmpSwitchID, client, logger)
	receiver := denon.New(cfg.ReceiverURL(), denon.Options{
		BootDelay:    cfg.ReceiverBootDelay,
		CommandDelay: cfg.ReceiverCommandDelay,
	}, client, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sup := supervisor.New(turntable, preAmp, receiver, store, supervisor.Options{
		Input:     cfg.TTInput,
		SoundMode: cfg.SoundMode,
		Volume:    cfg.VolumeDB(),
		Thresholds: supervisor.Thresholds{
			MinPlay:       cfg.MinPlay,
			WarnAfter:     cfg.WarnAfter,
			ShutdownDelay: cfg.ShutdownDelay,
		},
		PollInterval: cfg.PollInterval,
		Retry: supervisor.RetryPolicy{
			Attempts:    cfg.CommandRetries,
			MaxInterval: cfg.CommandRetryMax,
		},
		Metrics: supervisor.NewMetrics(reg),
	}, logger)

	if cfg.StatusAddr != "" {
		srv := status.New(cfg.StatusAddr, sup, reg, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("supervisor configured",
		zap.String("turntable", cfg.TurntableURL),
		zap.String("pre_amp", cfg.PreAmpURL),
		zap.String("receiver", cfg.ReceiverURL()),
		zap.String("input", cfg.TTInput),
		zap.Duration("shutdown_delay", cfg.ShutdownDelay))

	return sup.Run(ctx)
}
