package transport

import (
	"context"
	"errors"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/logging"
)

// DefaultHeartbeatInterval is one timeout period; a peer is declared dead
// after 2x this much silence.
const DefaultHeartbeatInterval = DefaultTimeout

// DeadAfter returns the silence threshold for a given heartbeat interval.
func DeadAfter(interval time.Duration) time.Duration { return 2 * interval }

// StartHeartbeat runs the keeper-side pump: one PING per interval until the
// context ends or the connection dies. The echo is consumed by whichever task
// owns the reads on this connection.
func StartHeartbeat(ctx context.Context, c *Conn, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if c.State() != StateEstablished {
					return
				}
				if err := c.Send(frame.NewText(frame.TypeHeartbeat, frame.TokenPing)); err != nil {
					if !errors.Is(err, ErrTimeout) {
						logging.L().Debug("heartbeat_send_failed", "remote", c.RemoteAddr(), "error", err)
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Alive reports whether the peer produced any traffic within the dead window.
func Alive(c *Conn, interval time.Duration) bool {
	return c.SilentFor() < DeadAfter(interval)
}
