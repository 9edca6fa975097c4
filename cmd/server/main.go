// Package main is the entry point for the daily-survey server: it reads
// configuration, sets up logging, and hands control to the server package.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/daily-survey/internal/config"
	"github.com/sakif/daily-survey/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
