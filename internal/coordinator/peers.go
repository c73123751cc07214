package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"github.com/KorszunKarol/go-distort/internal/registry"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// classify reads the first frame on a fresh connection and routes it: a
// worker registration, a client connect, or an error frame and a closed door.
func (c *Coordinator) classify(ctx context.Context, conn *transport.Conn, logger *slog.Logger) {
	first, err := conn.Recv()
	if err != nil {
		logger.Warn("classify_failed", "error", err)
		metrics.IncError(metrics.ErrClassify)
		if errors.Is(err, transport.ErrRead) {
			// Malformed wire bytes: answer with an error frame before closing.
			_ = conn.Send(frame.NewText(frame.TypeError, "bad frame"))
		}
		_ = conn.Close()
		return
	}
	switch first.Type {
	case frame.TypeWorkerReg:
		c.handleWorker(ctx, conn, first, logger)
	case frame.TypeConnectReq:
		c.handleClient(ctx, conn, first, logger)
	default:
		logger.Warn("classify_unexpected_type", "type", first.Type)
		metrics.IncError(metrics.ErrClassify)
		c.totalRejected.Add(1)
		_ = conn.Send(frame.NewText(frame.TypeError, "unexpected first frame"))
		_ = conn.Close()
	}
}

// startWriter owns all writes for one peer connection: it drains the peer's
// outbound queue until the peer is closed, then flushes and closes the socket.
func (c *Coordinator) startWriter(conn *transport.Conn, out <-chan frame.Frame, closed <-chan struct{}) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = conn.Close() }()
		flush := func() {
			for {
				select {
				case f := <-out:
					if err := conn.Send(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
		for {
			select {
			case f := <-out:
				if err := conn.Send(f); err != nil {
					if !errors.Is(err, transport.ErrClosed) {
						metrics.IncError(metrics.ErrTCPWrite)
					}
					return
				}
			case <-closed:
				flush()
				return
			}
		}
	}()
}

// handleWorker runs the registration flow and then the worker's reader loop.
func (c *Coordinator) handleWorker(ctx context.Context, conn *transport.Conn, first frame.Frame, logger *slog.Logger) {
	fields, err := frame.Fields(first)
	if err != nil {
		logger.Warn("worker_reg_malformed", "error", err)
		metrics.IncError(metrics.ErrRegistry)
		_ = conn.Send(frame.NewText(frame.TypeError, "malformed registration"))
		_ = conn.Close()
		return
	}
	class, ip, port := fields[0], fields[1], fields[2]
	if !frame.ValidClass(class) {
		logger.Warn("worker_reg_unknown_class", "class", class)
		metrics.IncError(metrics.ErrRegistry)
		_ = conn.Send(frame.NewText(frame.TypeError, "unknown class"))
		_ = conn.Close()
		return
	}
	w, primary := c.Registry.AddWorker(class, ip, port)
	c.totalWorkers.Add(1)
	if primary {
		err = conn.Send(frame.New(frame.TypeNewMain, nil))
	} else {
		err = conn.Send(frame.New(frame.TypeWorkerReg, nil))
	}
	if err != nil {
		c.dropWorker(w, "reg_ack_failed")
		_ = conn.Close()
		return
	}
	logger.Info("worker_ready_to_distort", "nickname", frame.Nickname(class), "class", class)
	c.startWriter(conn, w.Out, w.Closed)
	c.workerLoop(ctx, conn, w, logger)
}

// workerLoop consumes frames from a registered worker until it leaves.
func (c *Coordinator) workerLoop(ctx context.Context, conn *transport.Conn, w *registry.Worker, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue // liveness is the sweeper's call
			}
			if !errors.Is(err, transport.ErrClosed) {
				metrics.IncError(metrics.ErrTCPRead)
				w.Enqueue(frame.NewText(frame.TypeError, "bad frame"))
			}
			c.dropWorker(w, "link_lost")
			return
		}
		w.Touch()
		switch f.Type {
		case frame.TypeHeartbeat:
			metrics.IncHeartbeat()
			w.Enqueue(frame.NewText(frame.TypeHeartbeat, frame.TokenPong))
		case frame.TypeMD5Check:
			// Session completion report: the worker is dispatchable again.
			c.Registry.Free(w)
			result := metrics.SessionOK
			if f.Text() != frame.TokenCheckOK {
				result = metrics.SessionFailed
			}
			metrics.IncSession(result)
			logger.Info("worker_session_done", "class", w.Class, "result", f.Text())
		case frame.TypeDisconnect:
			logger.Info("worker_disconnected", "class", w.Class, "identity", f.Text())
			c.dropWorker(w, "graceful")
			return
		default:
			logger.Warn("worker_unexpected_frame", "type", f.Type)
			metrics.IncError(metrics.ErrSession)
			w.Enqueue(frame.NewText(frame.TypeError, "unexpected frame"))
			c.dropWorker(w, "protocol_error")
			return
		}
	}
}

// dropWorker runs the worker disconnect path: table removal, synchronous
// re-election and NEW_MAIN delivery to any promoted secondary.
func (c *Coordinator) dropWorker(w *registry.Worker, reason string) {
	promoted := c.Registry.RemoveWorker(w)
	if promoted != nil {
		promoted.Enqueue(frame.New(frame.TypeNewMain, nil))
	}
	c.logger.Info("worker_dropped", "class", w.Class, "reason", reason, "promoted", promoted != nil)
}

// handleClient runs the client registration flow and then its reader loop.
func (c *Coordinator) handleClient(ctx context.Context, conn *transport.Conn, first frame.Frame, logger *slog.Logger) {
	fields, err := frame.Fields(first)
	if err != nil {
		logger.Warn("client_connect_malformed", "error", err)
		metrics.IncError(metrics.ErrRegistry)
		_ = conn.Send(frame.NewText(frame.TypeError, "malformed connect"))
		_ = conn.Close()
		return
	}
	username := frame.SanitizeName(fields[0])
	cl := c.Registry.AddClient(username)
	c.totalClients.Add(1)
	if err := conn.Send(frame.New(frame.TypeConnectReq, nil)); err != nil {
		c.Registry.RemoveClient(cl)
		_ = conn.Close()
		return
	}
	logger.Info("new_user_connected", "username", username)
	c.startWriter(conn, cl.Out, cl.Closed)
	c.clientLoop(ctx, conn, cl, logger)
}

// clientLoop consumes frames from a registered client until it leaves.
func (c *Coordinator) clientLoop(ctx context.Context, conn *transport.Conn, cl *registry.Client, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if !errors.Is(err, transport.ErrClosed) {
				metrics.IncError(metrics.ErrTCPRead)
				cl.Enqueue(frame.NewText(frame.TypeError, "bad frame"))
			}
			c.Registry.RemoveClient(cl)
			return
		}
		cl.Touch()
		switch f.Type {
		case frame.TypeHeartbeat:
			metrics.IncHeartbeat()
			cl.Enqueue(frame.NewText(frame.TypeHeartbeat, frame.TokenPong))
		case frame.TypeDistortReq:
			c.dispatch(cl, f, frame.TypeDistortReq, logger)
		case frame.TypeResumeReq:
			c.resume(cl, f, logger)
		case frame.TypeDisconnect:
			logger.Info("client_disconnected", "username", cl.Username)
			c.Registry.RemoveClient(cl)
			return
		default:
			logger.Warn("client_unexpected_frame", "type", f.Type)
			metrics.IncError(metrics.ErrSession)
			cl.Enqueue(frame.NewText(frame.TypeError, "unexpected frame"))
			c.Registry.RemoveClient(cl)
			return
		}
	}
}

// dispatch answers a DISTORT_REQ: validate the class, pick the free primary,
// mark it busy and hand its endpoint back.
func (c *Coordinator) dispatch(cl *registry.Client, f frame.Frame, replyType uint8, logger *slog.Logger) {
	fields, err := frame.Fields(f)
	if err != nil {
		metrics.IncError(metrics.ErrDispatch)
		cl.Enqueue(frame.NewText(replyType, frame.TokenMediaKO))
		return
	}
	class := fields[0]
	if !frame.ValidClass(class) {
		metrics.IncDispatch(metrics.DispatchNoMedia)
		cl.Enqueue(frame.NewText(replyType, frame.TokenMediaKO))
		return
	}
	w := c.Registry.Pick(cl, class)
	if w == nil {
		metrics.IncDispatch(metrics.DispatchNoFree)
		cl.Enqueue(frame.NewText(replyType, frame.TokenDistortKO))
		return
	}
	metrics.IncDispatch(metrics.DispatchOK)
	kind := "text"
	if class == frame.ClassMedia {
		kind = "media"
	}
	logger.Info("distortion_petition",
		"username", cl.Username, "kind", kind,
		"redirect", frame.Nickname(class), "file", fields[1])
	ip, port := w.Addr()
	cl.Enqueue(frame.New(replyType, frame.Join(ip, port)))
}

// resume answers a RESUME_REQ: the client's current worker is presumed dead,
// so it is evicted (with synchronous re-election) before re-dispatching.
func (c *Coordinator) resume(cl *registry.Client, f frame.Frame, logger *slog.Logger) {
	fields, err := frame.Fields(f)
	if err != nil || !frame.ValidClass(fields[0]) {
		metrics.IncError(metrics.ErrDispatch)
		cl.Enqueue(frame.NewText(frame.TypeResumeReq, frame.TokenMediaKO))
		return
	}
	class := fields[0]
	picked, dead, promoted := c.Registry.ResumePick(cl, class)
	if promoted != nil {
		promoted.Enqueue(frame.New(frame.TypeNewMain, nil))
	}
	if dead != nil {
		c.totalEvictions.Add(1)
		logger.Info("worker_presumed_dead", "class", dead.Class, "addr", dead.IP+":"+dead.Port)
	}
	if picked == nil {
		metrics.IncDispatch(metrics.DispatchNoFree)
		cl.Enqueue(frame.NewText(frame.TypeResumeReq, frame.TokenDistortKO))
		return
	}
	metrics.IncDispatch(metrics.DispatchOK)
	logger.Info("resume_redirect", "username", cl.Username,
		"file", fields[1], "redirect", strings.Join([]string{picked.IP, picked.Port}, ":"))
	ip, port := picked.Addr()
	cl.Enqueue(frame.New(frame.TypeResumeReq, frame.Join(ip, port)))
}
