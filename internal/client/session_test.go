package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

const testTimeout = 2 * time.Second

// fakeWorker accepts one session. If dieAfter >= 0 the connection is cut
// after that many upload frames; otherwise the session runs to completion
// with an identity distortion.
func fakeWorker(t *testing.T, dieAfter int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.Wrap(nc, transport.WithTimeout(testTimeout))
		defer func() { _ = conn.Close() }()
		open, err := conn.Recv()
		if err != nil || open.Type != frame.TypeWorkerConnect {
			return
		}
		fields, err := frame.Fields(open)
		if err != nil {
			return
		}
		size, _ := strconv.Atoi(fields[2])
		if err := conn.Send(frame.New(frame.TypeWorkerConnect, nil)); err != nil {
			return
		}
		var buf []byte
		frames := 0
		for len(buf) < size {
			f, err := conn.Recv()
			if err != nil || f.Type != frame.TypeFileData {
				return
			}
			buf = append(buf, f.Payload()...)
			frames++
			if dieAfter >= 0 && frames >= dieAfter {
				return // socket closed by the deferred Close: worker crash
			}
		}
		info := frame.Join(strconv.Itoa(len(buf)), fields[3])
		if err := conn.Send(frame.New(frame.TypeFileInfo, info)); err != nil {
			return
		}
		for off := 0; off < len(buf); off += frame.MaxPayload {
			end := off + frame.MaxPayload
			if end > len(buf) {
				end = len(buf)
			}
			if err := conn.Send(frame.New(frame.TypeFileData, buf[off:end])); err != nil {
				return
			}
		}
		_, _ = conn.Recv() // MD5_CHECK
		_, _ = conn.Recv() // DISCONNECT
	}()
	return ln
}

// fakeCoordinator acks the client registration, then answers DISTORT_REQ
// with firstAddr and RESUME_REQ with resumeAddr.
func fakeCoordinator(t *testing.T, firstAddr, resumeAddr string, resumes *int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.Wrap(nc, transport.WithTimeout(testTimeout))
		defer func() { _ = conn.Close() }()
		if f, err := conn.Recv(); err != nil || f.Type != frame.TypeConnectReq {
			return
		}
		if err := conn.Send(frame.New(frame.TypeConnectReq, nil)); err != nil {
			return
		}
		for {
			f, err := conn.Recv()
			if err != nil {
				return
			}
			switch f.Type {
			case frame.TypeHeartbeat:
				_ = conn.Send(frame.NewText(frame.TypeHeartbeat, frame.TokenPong))
			case frame.TypeDistortReq:
				ip, port, _ := net.SplitHostPort(firstAddr)
				_ = conn.Send(frame.New(frame.TypeDistortReq, frame.Join(ip, port)))
			case frame.TypeResumeReq:
				*resumes++
				ip, port, _ := net.SplitHostPort(resumeAddr)
				_ = conn.Send(frame.New(frame.TypeResumeReq, frame.Join(ip, port)))
			case frame.TypeDisconnect:
				return
			}
		}
	}()
	return ln
}

func TestDistort_ResumeOnWorkerDeathMidStream(t *testing.T) {
	folder := t.TempDir()
	data := bytes.Repeat([]byte("stream me through frames "), 2000) // ~50 KiB
	if err := os.WriteFile(filepath.Join(folder, "big.txt"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	bad := fakeWorker(t, 5) // dies five frames into the upload
	good := fakeWorker(t, -1)
	resumes := 0
	coord := fakeCoordinator(t, bad.Addr().String(), good.Addr().String(), &resumes)

	cl := New(
		WithUsername("karol"),
		WithLocalFolder(folder),
		WithCoordinatorAddr(coord.Addr().String()),
		WithHeartbeat(testTimeout),
	)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cl.Logout() }()

	if err := cl.Distort(context.Background(), "big.txt", "2"); err != nil {
		t.Fatalf("distort with resume: %v", err)
	}
	if resumes != 1 {
		t.Fatalf("resume requests: %d, want 1", resumes)
	}
	got, err := os.ReadFile(filepath.Join(folder, "big.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("identity worker should hand the same bytes back")
	}
}

func TestDistort_SecondWorkerDeathIsFatal(t *testing.T) {
	folder := t.TempDir()
	data := bytes.Repeat([]byte("stream me "), 1000)
	if err := os.WriteFile(filepath.Join(folder, "big.txt"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	bad1 := fakeWorker(t, 3)
	bad2 := fakeWorker(t, 3)
	resumes := 0
	coord := fakeCoordinator(t, bad1.Addr().String(), bad2.Addr().String(), &resumes)

	cl := New(
		WithUsername("karol"),
		WithLocalFolder(folder),
		WithCoordinatorAddr(coord.Addr().String()),
		WithHeartbeat(testTimeout),
	)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cl.Logout() }()

	err := cl.Distort(context.Background(), "big.txt", "2")
	if err == nil {
		t.Fatal("two dead workers must fail the session")
	}
	if resumes != 1 {
		t.Fatalf("resume attempts: %d, want exactly 1", resumes)
	}
}

func TestDistort_RequiresConnection(t *testing.T) {
	cl := New(WithUsername("karol"), WithLocalFolder(t.TempDir()))
	if err := cl.Distort(context.Background(), "hello.txt", "2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDistort_ValidatesInputBeforeDispatch(t *testing.T) {
	folder := t.TempDir()
	if err := os.WriteFile(filepath.Join(folder, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	resumes := 0
	coord := fakeCoordinator(t, "127.0.0.1:1", "127.0.0.1:1", &resumes)
	cl := New(
		WithUsername("karol"),
		WithLocalFolder(folder),
		WithCoordinatorAddr(coord.Addr().String()),
		WithHeartbeat(testTimeout),
	)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cl.Logout() }()

	if err := cl.Distort(context.Background(), "hello.txt", "0"); !errors.Is(err, ErrUserInput) {
		t.Fatalf("factor 0: %v", err)
	}
	if err := cl.Distort(context.Background(), "hello.txt", "11"); !errors.Is(err, ErrUserInput) {
		t.Fatalf("factor 11: %v", err)
	}
	if err := cl.Distort(context.Background(), "hello.zip", "2"); !errors.Is(err, ErrUserInput) {
		t.Fatalf("bad extension: %v", err)
	}
	if err := cl.Distort(context.Background(), "missing.txt", "2"); !errors.Is(err, ErrUserInput) {
		t.Fatalf("missing file: %v", err)
	}
}
