// Package worker implements the media worker: it registers with the
// coordinator, keeps that link alive, and serves one client distortion
// session at a time on its own listening socket.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KorszunKarol/go-distort/internal/distort"
	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen   = errors.New("listen")
	ErrRegister = errors.New("register")
	ErrSession  = errors.New("session")
)

const (
	registerAttempts   = 3
	registerBackoffMin = 500 * time.Millisecond
)

// Worker is one media worker process.
type Worker struct {
	coordAddr  string
	listenIP   string
	listenPort string
	saveFolder string
	class      string
	heartbeat  time.Duration
	streamRate int
	distortFn  distort.Func
	logger     *slog.Logger

	coord     *transport.Conn
	primary   atomic.Bool
	draining  atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Worker)

func New(opts ...Option) *Worker {
	w := &Worker{
		class:     frame.ClassText,
		heartbeat: transport.DefaultHeartbeatInterval,
		distortFn: distort.Scramble,
		logger:    logging.L(),
		readyCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func WithCoordinatorAddr(a string) Option { return func(w *Worker) { w.coordAddr = a } }
func WithListenEndpoint(ip, port string) Option {
	return func(w *Worker) { w.listenIP, w.listenPort = ip, port }
}
func WithSaveFolder(p string) Option { return func(w *Worker) { w.saveFolder = p } }
func WithClass(c string) Option      { return func(w *Worker) { w.class = c } }
func WithHeartbeat(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeat = d
		}
	}
}
func WithStreamRate(bytesPerSec int) Option { return func(w *Worker) { w.streamRate = bytesPerSec } }
func WithDistortFunc(fn distort.Func) Option {
	return func(w *Worker) {
		if fn != nil {
			w.distortFn = fn
		}
	}
}
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// Ready is closed once the worker is registered and accepting clients.
func (w *Worker) Ready() <-chan struct{} { return w.readyCh }

// IsPrimary reports the role last assigned by the coordinator.
func (w *Worker) IsPrimary() bool { return w.primary.Load() }

// Run moves through the worker lifecycle: boot the listener, register with
// the coordinator, then serve until the context ends or the coordinator
// tells this worker to drain.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(w.listenIP, w.listenPort))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	defer func() { _ = ln.Close() }()
	if w.listenPort == "0" || w.listenPort == "" {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		w.listenPort = port
	}
	w.logger.Info("worker_listen", "addr", ln.Addr().String(),
		"class", w.class, "nickname", frame.Nickname(w.class))

	if err := w.register(ctx); err != nil {
		return err
	}
	defer func() { _ = w.coord.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	transport.StartHeartbeat(runCtx, w.coord, w.heartbeat)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.coordinatorLoop(runCtx)
		cancel() // coordinator gone or told us to drain
	}()
	w.readyOnce.Do(func() { close(w.readyCh) })
	w.logger.Info("ready", "primary", w.IsPrimary())

	err = w.acceptLoop(runCtx, ln)
	cancel()
	w.sendGoodbye()
	w.wg.Wait()
	w.logger.Info("worker_terminated")
	return err
}

// register dials the coordinator and performs the WORKER_REG exchange, with
// bounded retries and doubling backoff between attempts.
func (w *Worker) register(ctx context.Context) error {
	backoff := registerBackoffMin
	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrRegister, ctx.Err())
		}
		conn, err := transport.Dial(ctx, w.coordAddr, transport.WithTimeout(w.heartbeat))
		if err == nil {
			err = conn.Send(frame.New(frame.TypeWorkerReg, frame.Join(w.class, w.listenIP, w.listenPort)))
			if err == nil {
				var ack frame.Frame
				ack, err = conn.Recv()
				if err == nil {
					switch ack.Type {
					case frame.TypeNewMain:
						w.primary.Store(true)
						w.coord = conn
						w.logger.Info("registered", "role", "primary")
						return nil
					case frame.TypeWorkerReg:
						w.coord = conn
						w.logger.Info("registered", "role", "secondary")
						return nil
					case frame.TypeError:
						_ = conn.Close()
						return fmt.Errorf("%w: coordinator refused: %s", ErrRegister, ack.Text())
					default:
						err = fmt.Errorf("unexpected ack type 0x%02X", ack.Type)
					}
				}
			}
			_ = conn.Close()
		}
		lastErr = err
		if attempt == registerAttempts {
			break
		}
		w.logger.Warn("register_retry", "attempt", attempt, "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrRegister, ctx.Err())
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrRegister, lastErr)
}

// coordinatorLoop consumes the coordinator link: promotions, heartbeat
// echoes, and the drain order. Returns when the coordinator is gone.
func (w *Worker) coordinatorLoop(ctx context.Context) {
	deadAfter := transport.DeadAfter(w.heartbeat)
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := w.coord.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if w.coord.SilentFor() > deadAfter {
					w.logger.Error("coordinator_lost", "silent_for", w.coord.SilentFor().Round(time.Millisecond))
					return
				}
				continue
			}
			if !errors.Is(err, transport.ErrClosed) {
				w.logger.Error("coordinator_read_error", "error", err)
				metrics.IncError(metrics.ErrTCPRead)
			}
			return
		}
		switch f.Type {
		case frame.TypeNewMain:
			w.primary.Store(true)
			w.logger.Info("promoted_to_primary", "class", w.class)
		case frame.TypeHeartbeat:
			// echo of our PING; Recv already refreshed liveness
		case frame.TypeDisconnect:
			w.logger.Info("coordinator_drain_order")
			w.draining.Store(true)
			return
		case frame.TypeError:
			w.logger.Warn("coordinator_error_frame", "reason", f.Text())
		default:
			w.logger.Warn("coordinator_unexpected_frame", "type", f.Type)
		}
	}
}

// acceptLoop serves one client at a time until the context ends.
func (w *Worker) acceptLoop(ctx context.Context, ln net.Listener) error {
	tcpLn, _ := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil || w.draining.Load() {
			return nil
		}
		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(w.heartbeat))
		}
		nc, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept: %v", ErrListen, err)
		}
		conn := transport.Wrap(nc, transport.WithTimeout(w.heartbeat))
		w.logger.Info("client_accepted", "remote", conn.RemoteAddr())
		outcome := w.serve(ctx, conn)
		_ = conn.Close()
		w.report(outcome)
	}
}

// report forwards the session outcome to the coordinator so it can mark this
// worker dispatchable again.
func (w *Worker) report(ok bool) {
	token := frame.TokenCheckOK
	result := metrics.SessionOK
	if !ok {
		token = frame.TokenCheckKO
		result = metrics.SessionFailed
	}
	metrics.IncSession(result)
	if err := w.coord.Send(frame.NewText(frame.TypeMD5Check, token)); err != nil {
		w.logger.Warn("completion_report_failed", "error", err)
	}
}

// sendGoodbye tells the coordinator this worker is leaving, best effort.
func (w *Worker) sendGoodbye() {
	if w.coord == nil || w.draining.Load() {
		return
	}
	w.coord.StartDrain()
	_ = w.coord.Send(frame.NewText(frame.TypeDisconnect, w.class))
}
