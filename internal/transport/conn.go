package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"golang.org/x/time/rate"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDial    = errors.New("dial")
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("conn_closed")
	ErrRead    = errors.New("conn_read")
	ErrWrite   = errors.New("conn_write")
)

// State is the lifecycle of a framed connection.
type State int32

const (
	StateDialing State = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// DefaultTimeout bounds each single frame read or write.
const DefaultTimeout = 10 * time.Second

// Conn exchanges one 256-byte frame per call over a stream socket.
// Sends are serialized so a frame is never interleaved with another; a
// deadline expiry surfaces as ErrTimeout and is not automatically fatal.
type Conn struct {
	c        net.Conn
	codec    frame.Codec
	timeout  time.Duration
	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of last successful receive
	wmu      sync.Mutex
}

type Option func(*Conn)

// WithTimeout overrides the per-frame send/receive deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Wrap adopts an accepted net.Conn into an established framed connection.
func Wrap(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{c: nc, timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	c.state.Store(int32(StateEstablished))
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// Dial opens a framed connection to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	return Wrap(nc, opts...), nil
}

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

// StartDrain marks the connection draining: in-flight frames may still be
// consumed but no new request may be initiated on it.
func (c *Conn) StartDrain() {
	c.state.CompareAndSwap(int32(StateEstablished), int32(StateDraining))
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

// LocalAddr reports the local address.
func (c *Conn) LocalAddr() string { return c.c.LocalAddr().String() }

// SilentFor returns the time elapsed since the last successful receive.
func (c *Conn) SilentFor() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// Send writes one frame, length-exact and atomic with respect to other sends.
func (c *Conn) Send(f frame.Frame) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.c.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.codec.EncodeTo(c.c, f); err != nil {
		if ne, ok := asNetError(err); ok && ne.Timeout() {
			return fmt.Errorf("%w: send frame 0x%02X", ErrTimeout, f.Type)
		}
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	metrics.IncFrameTx()
	return nil
}

// SendLimited paces the payload through a token bucket before sending. A nil
// limiter sends immediately.
func (c *Conn) SendLimited(ctx context.Context, f frame.Frame, lim *rate.Limiter) error {
	if lim != nil && f.Length > 0 {
		if err := lim.WaitN(ctx, int(f.Length)); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return c.Send(f)
}

// Recv reads exactly one frame, accumulating until the full 256 bytes arrive
// or the connection closes. Checksum failures are surfaced, never delivered.
func (c *Conn) Recv() (frame.Frame, error) {
	if c.State() == StateClosed {
		return frame.Frame{}, ErrClosed
	}
	_ = c.c.SetReadDeadline(time.Now().Add(c.timeout))
	f, err := c.codec.Decode(c.c)
	if err != nil {
		if ne, ok := asNetError(err); ok && ne.Timeout() {
			return f, fmt.Errorf("%w: recv", ErrTimeout)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return f, ErrClosed
		}
		return f, fmt.Errorf("%w: %v", ErrRead, err)
	}
	c.lastSeen.Store(time.Now().UnixNano())
	metrics.IncFrameRx()
	return f, nil
}

// Close shuts the socket down; safe to call more than once.
func (c *Conn) Close() error {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	return c.c.Close()
}

// NewStreamLimiter builds the token bucket used to pace FILE_DATA streams.
// Zero or negative bytesPerSec disables pacing.
func NewStreamLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst > 64*1024 {
		burst = 64 * 1024
	}
	if burst < frame.MaxPayload {
		burst = frame.MaxPayload
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func asNetError(err error) (net.Error, bool) {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}
