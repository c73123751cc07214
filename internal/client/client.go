// Package client implements the interactive user session: the coordinator
// link, the distortion request/stream/verify cycle, and the terminal command
// surface that drives it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/KorszunKarol/go-distort/internal/status"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNotConnected = errors.New("not_connected")
	ErrConnect      = errors.New("connect")
	ErrRequest      = errors.New("request")
	ErrUserInput    = errors.New("user_input")
)

// Client is one interactive user.
type Client struct {
	username    string
	localFolder string
	coordAddr   string
	heartbeat   time.Duration
	streamRate  int
	logger      *slog.Logger

	coord    *transport.Conn
	stopPump context.CancelFunc
}

type Option func(*Client)

func New(opts ...Option) *Client {
	c := &Client{
		heartbeat: transport.DefaultHeartbeatInterval,
		logger:    logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	c.username = frame.SanitizeName(c.username)
	return c
}

func WithUsername(u string) Option        { return func(c *Client) { c.username = u } }
func WithLocalFolder(p string) Option     { return func(c *Client) { c.localFolder = p } }
func WithCoordinatorAddr(a string) Option { return func(c *Client) { c.coordAddr = a } }
func WithStreamRate(bps int) Option       { return func(c *Client) { c.streamRate = bps } }
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Username returns the sanitized username.
func (c *Client) Username() string { return c.username }

// Connected reports whether a coordinator link is up.
func (c *Client) Connected() bool {
	return c.coord != nil && c.coord.State() == transport.StateEstablished
}

// Connect dials the coordinator, registers, and starts the heartbeat pump.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return fmt.Errorf("%w: already connected", ErrConnect)
	}
	conn, err := transport.Dial(ctx, c.coordAddr, transport.WithTimeout(c.heartbeat))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	ip, port, _ := net.SplitHostPort(conn.LocalAddr())
	if err := conn.Send(frame.New(frame.TypeConnectReq, frame.Join(c.username, ip, port))); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	ack, err := conn.Recv()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if ack.Type != frame.TypeConnectReq {
		_ = conn.Close()
		return fmt.Errorf("%w: coordinator refused: %s", ErrConnect, ack.Text())
	}
	c.coord = conn
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.stopPump = cancel
	transport.StartHeartbeat(pumpCtx, conn, c.heartbeat)
	c.logger.Info("connected", "username", c.username, "coordinator", c.coordAddr)
	return nil
}

// Logout sends DISCONNECT and returns the client to Offline.
func (c *Client) Logout() error {
	if !c.Connected() {
		return ErrNotConnected
	}
	c.coord.StartDrain()
	err := c.coord.Send(frame.NewText(frame.TypeDisconnect, c.username))
	c.teardown()
	c.logger.Info("logged_out", "username", c.username)
	return err
}

func (c *Client) teardown() {
	if c.stopPump != nil {
		c.stopPump()
		c.stopPump = nil
	}
	if c.coord != nil {
		_ = c.coord.Close()
		c.coord = nil
	}
}

// Status samples the local host and the link state for CHECK STATUS.
func (c *Client) Status() string {
	state := "offline"
	if c.Connected() {
		state = "connected to " + c.coordAddr
	}
	return fmt.Sprintf("%s | %s", state, status.Sample(c.localFolder))
}

// await reads coordinator frames until one of wantType arrives, discarding
// heartbeat echoes. The second read timeout within one wait (heartbeat echoes
// in between do not reset the count) fails the request.
func (c *Client) await(wantType uint8) (frame.Frame, error) {
	timeouts := 0
	for {
		f, err := c.coord.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				timeouts++
				if timeouts < 2 {
					continue
				}
			}
			return frame.Frame{}, fmt.Errorf("%w: %v", ErrRequest, err)
		}
		switch f.Type {
		case wantType:
			return f, nil
		case frame.TypeHeartbeat:
			continue // echo of the pump's PING
		case frame.TypeDisconnect:
			c.logger.Warn("coordinator_shutting_down")
			c.teardown()
			return frame.Frame{}, fmt.Errorf("%w: coordinator disconnected", ErrRequest)
		case frame.TypeError:
			return frame.Frame{}, fmt.Errorf("%w: %s", ErrRequest, f.Text())
		default:
			return frame.Frame{}, fmt.Errorf("%w: unexpected frame 0x%02X", ErrRequest, f.Type)
		}
	}
}
