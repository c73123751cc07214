package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/KorszunKarol/go-distort/internal/config"
	"github.com/grandcat/zeroconf"
)

// startMDNS registers the client-facing endpoint via mDNS and returns a
// cleanup function. It is safe to call even if disabled (no-op).
const mdnsServiceType = "_distort._tcp"

func startMDNS(ctx context.Context, cfg *config.Coordinator, port int) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("distort-coordinator-%s", host)
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
