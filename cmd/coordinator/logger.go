package main

import (
	"log/slog"
	"os"

	"github.com/KorszunKarol/go-distort/internal/config"
	"github.com/KorszunKarol/go-distort/internal/logging"
)

func setupLogger(app string, cfg config.LoggingInfo) *slog.Logger {
	l := logging.New(cfg.Format, logging.ParseLevel(cfg.Level), os.Stderr).With("app", app)
	logging.Set(l)
	return l
}
