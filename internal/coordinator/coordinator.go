package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"github.com/KorszunKarol/go-distort/internal/registry"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// Coordinator accepts workers and clients on two listeners, classifies each
// connection by its first frame and runs one reader/writer task pair per peer.
type Coordinator struct {
	mu         sync.RWMutex
	clientAddr string
	workerAddr string

	Registry *registry.Registry

	heartbeat time.Duration
	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listeners []net.Listener
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID     uint64
	totalAccepted  atomic.Uint64
	totalRejected  atomic.Uint64
	totalWorkers   atomic.Uint64
	totalClients   atomic.Uint64
	totalEvictions atomic.Uint64
}

type Option func(*Coordinator)

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		Registry:  registry.New(),
		heartbeat: transport.DefaultHeartbeatInterval,
		readyCh:   make(chan struct{}),
		errCh:     make(chan error, 1),
		logger:    logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.clientAddr == "" {
		c.clientAddr = ":0"
	}
	if c.workerAddr == "" {
		c.workerAddr = ":0"
	}
	return c
}

func WithClientAddr(a string) Option { return func(c *Coordinator) { c.clientAddr = a } }
func WithWorkerAddr(a string) Option { return func(c *Coordinator) { c.workerAddr = a } }

func WithRegistry(r *registry.Registry) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.Registry = r
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// ClientAddr returns the bound client-facing address.
func (c *Coordinator) ClientAddr() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.clientAddr }

// WorkerAddr returns the bound worker-facing address.
func (c *Coordinator) WorkerAddr() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.workerAddr }

// Ready is closed once both listeners are bound.
func (c *Coordinator) Ready() <-chan struct{} { return c.readyCh }

// Errors surfaces fatal-ish errors without blocking senders. While one error
// is unread, later ones are dropped from the channel; LastError keeps the latest.
func (c *Coordinator) Errors() <-chan error { return c.errCh }

func (c *Coordinator) setError(err error) {
	if err == nil {
		return
	}
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *Coordinator) LastError() error {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

// Serve binds both endpoints, starts the sweeper and accepts peers until the
// context is cancelled, then runs the shutdown broadcast.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.mu.Lock()
	clientAddr, workerAddr := c.clientAddr, c.workerAddr
	c.mu.Unlock()

	clientLn, err := net.Listen("tcp", clientAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: client endpoint: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		c.setError(wrap)
		return wrap
	}
	workerLn, err := net.Listen("tcp", workerAddr)
	if err != nil {
		_ = clientLn.Close()
		wrap := fmt.Errorf("%w: worker endpoint: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		c.setError(wrap)
		return wrap
	}
	c.mu.Lock()
	c.clientAddr = clientLn.Addr().String()
	c.workerAddr = workerLn.Addr().String()
	c.listeners = []net.Listener{clientLn, workerLn}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.readyCh) })
	c.logger.Info("tcp_listen", "client_addr", c.ClientAddr(), "worker_addr", c.WorkerAddr())
	c.logger.Info("ready")

	go func() {
		<-ctx.Done()
		_ = clientLn.Close()
		_ = workerLn.Close()
	}()
	c.startSweeper(ctx)

	var g sync.WaitGroup
	errs := make(chan error, 2)
	for _, ln := range []net.Listener{clientLn, workerLn} {
		g.Add(1)
		go func(ln net.Listener) {
			defer g.Done()
			for {
				if err := c.acceptOnce(ctx, ln); err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						errs <- nil
					} else {
						errs <- err
					}
					return
				}
			}
		}(ln)
	}
	g.Wait()
	var firstErr error
	for i := 0; i < 2; i++ {
		if e := <-errs; e != nil && firstErr == nil {
			firstErr = e
		}
	}
	c.shutdownPeers()
	return firstErr
}

// acceptOnce accepts a single connection and hands it to the classifier task.
// Returns nil on success; a wrapped error on fatal listener errors.
func (c *Coordinator) acceptOnce(ctx context.Context, ln net.Listener) error {
	nc, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		c.setError(wrap)
		return wrap
	}
	c.totalAccepted.Add(1)
	connID := atomic.AddUint64(&c.nextConnID, 1)
	connLogger := c.logger.With("conn_id", connID, "remote", nc.RemoteAddr().String())
	conn := transport.Wrap(nc, transport.WithTimeout(c.heartbeat))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.classify(ctx, conn, connLogger)
	}()
	return nil
}

// shutdownPeers notifies every registered peer with DISCONNECT, waits up to
// one timeout for drains, then forces the tables empty.
func (c *Coordinator) shutdownPeers() {
	bye := frame.NewText(frame.TypeDisconnect, "coordinator")
	workers := c.Registry.Workers()
	clients := c.Registry.Clients()
	for _, w := range workers {
		w.Enqueue(bye)
	}
	for _, cl := range clients {
		cl.Enqueue(bye)
	}
	timer := time.AfterFunc(c.heartbeat, func() {
		for _, w := range workers {
			w.Close()
		}
		for _, cl := range clients {
			cl.Close()
		}
	})
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		timer.Stop()
	case <-time.After(2 * c.heartbeat):
	}
	c.logger.Info("shutdown_summary",
		"accepted", c.totalAccepted.Load(),
		"rejected", c.totalRejected.Load(),
		"workers_seen", c.totalWorkers.Load(),
		"clients_seen", c.totalClients.Load(),
		"evictions", c.totalEvictions.Load())
}
