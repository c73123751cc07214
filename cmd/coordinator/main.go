package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/KorszunKarol/go-distort/internal/config"
	"github.com/KorszunKarol/go-distort/internal/coordinator"
	"github.com/KorszunKarol/go-distort/internal/metrics"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: coordinator <config_file>")
		os.Exit(1)
	}
	cfg, err := config.LoadCoordinator(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	l := setupLogger("coordinator", cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	coord := coordinator.NewCoordinator(
		coordinator.WithClientAddr(cfg.ClientEndpoint.Addr()),
		coordinator.WithWorkerAddr(cfg.WorkerEndpoint.Addr()),
		coordinator.WithHeartbeat(cfg.Heartbeat),
		coordinator.WithLogger(l),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- coord.Serve(ctx) }()

	// Start mDNS advertisement once the listeners are ready.
	go func() {
		if !cfg.MDNSEnable {
			return
		}
		select {
		case <-coord.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(coord.ClientAddr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-coord.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-serveErr
		wg.Wait()
	case err := <-serveErr:
		if err != nil {
			l.Error("serve_error", "error", err)
			os.Exit(1)
		}
	}
}
