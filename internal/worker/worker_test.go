package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// fakeCoordinator accepts one worker registration and hands control of the
// link to the test.
type fakeCoordinator struct {
	ln    net.Listener
	conns chan *transport.Conn
	regs  chan frame.Frame
}

func newFakeCoordinator(t *testing.T, ack uint8) *fakeCoordinator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeCoordinator{ln: ln, conns: make(chan *transport.Conn, 1), regs: make(chan frame.Frame, 1)}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.Wrap(nc, transport.WithTimeout(2*time.Second))
		reg, err := conn.Recv()
		if err != nil {
			_ = conn.Close()
			return
		}
		fc.regs <- reg
		_ = conn.Send(frame.New(ack, nil))
		fc.conns <- conn
	}()
	return fc
}

func startTestWorker(t *testing.T, coordAddr string, heartbeat time.Duration) (*Worker, chan error, context.CancelFunc) {
	t.Helper()
	w := New(
		WithCoordinatorAddr(coordAddr),
		WithListenEndpoint("127.0.0.1", "0"),
		WithSaveFolder(t.TempDir()),
		WithClass(frame.ClassText),
		WithHeartbeat(heartbeat),
	)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Log("worker did not stop in time")
		}
	})
	return w, errCh, cancel
}

func TestWorker_RegistersAsPrimary(t *testing.T) {
	fc := newFakeCoordinator(t, frame.TypeNewMain)
	w, _, _ := startTestWorker(t, fc.ln.Addr().String(), 100*time.Millisecond)

	reg := <-fc.regs
	if reg.Type != frame.TypeWorkerReg {
		t.Fatalf("registration type 0x%02X", reg.Type)
	}
	fields, err := frame.Fields(reg)
	if err != nil {
		t.Fatal(err)
	}
	if fields[0] != frame.ClassText || fields[1] != "127.0.0.1" || fields[2] == "0" {
		t.Fatalf("registration payload %q", reg.Text())
	}
	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ready")
	}
	if !w.IsPrimary() {
		t.Fatal("NEW_MAIN ack should make the worker primary")
	}
}

func TestWorker_RegistersAsSecondaryThenPromoted(t *testing.T) {
	fc := newFakeCoordinator(t, frame.TypeWorkerReg)
	w, _, _ := startTestWorker(t, fc.ln.Addr().String(), 100*time.Millisecond)
	<-fc.regs
	conn := <-fc.conns
	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ready")
	}
	if w.IsPrimary() {
		t.Fatal("plain ack should leave the worker secondary")
	}
	if err := conn.Send(frame.New(frame.TypeNewMain, nil)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !w.IsPrimary() {
		if time.Now().After(deadline) {
			t.Fatal("worker never promoted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker_SendsHeartbeats(t *testing.T) {
	fc := newFakeCoordinator(t, frame.TypeNewMain)
	startTestWorker(t, fc.ln.Addr().String(), 50*time.Millisecond)
	<-fc.regs
	conn := <-fc.conns
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			t.Fatal(err)
		}
		if f.Type == frame.TypeHeartbeat && f.Text() == frame.TokenPing {
			return
		}
	}
	t.Fatal("no heartbeat PING observed")
}

func TestWorker_DrainsOnCoordinatorDisconnect(t *testing.T) {
	fc := newFakeCoordinator(t, frame.TypeNewMain)
	_, errCh, _ := startTestWorker(t, fc.ln.Addr().String(), 50*time.Millisecond)
	<-fc.regs
	conn := <-fc.conns
	if err := conn.Send(frame.NewText(frame.TypeDisconnect, "coordinator")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("drain should end the worker cleanly, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker never terminated after drain order")
	}
}

func TestWorker_RegisterFailsAfterRetries(t *testing.T) {
	// Nothing listens here; the bounded retry loop must give up.
	w := New(
		WithCoordinatorAddr("127.0.0.1:1"),
		WithListenEndpoint("127.0.0.1", "0"),
		WithSaveFolder(t.TempDir()),
		WithClass(frame.ClassText),
		WithHeartbeat(50*time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.Run(ctx)
	if !errors.Is(err, ErrRegister) {
		t.Fatalf("expected ErrRegister, got %v", err)
	}
}
