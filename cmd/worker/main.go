package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/KorszunKarol/go-distort/internal/config"
	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/KorszunKarol/go-distort/internal/worker"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: worker <config_file>")
		os.Exit(1)
	}
	cfg, err := config.LoadWorker(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	l := logging.New(cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level), os.Stderr).
		With("app", "worker", "class", cfg.Class)
	logging.Set(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	w := worker.New(
		worker.WithCoordinatorAddr(cfg.Coordinator.Addr()),
		worker.WithListenEndpoint(cfg.Listen.IP, strconv.Itoa(cfg.Listen.Port)),
		worker.WithSaveFolder(cfg.SaveFolder),
		worker.WithClass(cfg.Class),
		worker.WithHeartbeat(cfg.Heartbeat),
		worker.WithStreamRate(cfg.StreamRate),
		worker.WithLogger(l),
	)
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrListen) || errors.Is(err, worker.ErrRegister) {
			l.Error("startup_failed", "error", err)
			os.Exit(1)
		}
		l.Error("worker_error", "error", err)
		os.Exit(1)
	}
}
