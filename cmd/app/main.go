package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"meeting-taskflow/internal/bootstrap"
	"meeting-taskflow/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML settings file")
	initConfig := flag.Bool("init-config", false, "write the effective settings to -config and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store := config.NewYAMLStore(*configPath)
	if *initConfig {
		settings, err := store.Load()
		if err != nil {
			logger.Error("load settings", "path", store.Path(), "err", err)
			os.Exit(1)
		}
		if err := store.Save(settings); err != nil {
			logger.Error("save settings", "path", store.Path(), "err", err)
			os.Exit(1)
		}
		logger.Info("settings written", "path", store.Path())
		return
	}

	app, err := bootstrap.New(store, logger)
	if err != nil {
		logger.Error("bootstrap app", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("run app", "err", err)
		os.Exit(1)
	}
}
