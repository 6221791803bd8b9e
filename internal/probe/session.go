package probe

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nao1215/conntest/internal/session"
)

// sessionGrace is added to the governor budget of session probes so the
// session timers, not the governor, decide the outcome.
const sessionGrace = 2 * time.Second

// sessionBudget is the longest a session can last: the outer phase plus
// two idle phases.
func sessionBudget(timeout time.Duration) time.Duration {
	return 3*timeout + sessionGrace
}

// runSession drives t through a login session on the configured loop.
func (b *base) runSession(ctx context.Context, t session.Transport, timeout time.Duration) error {
	opts := []session.Option{session.WithLogger(b.opts.logger.With(slog.String("protocol", b.name)))}
	if b.opts.loop != nil {
		opts = append(opts, session.WithLoop(b.opts.loop))
	}
	return session.New(t, timeout, opts...).Run(ctx)
}

// connHolder owns the connection of a session transport. Close may be
// called before the dial finished; the connection is then closed as soon
// as it arrives.
type connHolder struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// set stores conn and reports whether the transport is still open.
func (h *connHolder) set(conn net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = conn.Close() //nolint:errcheck // nobody will use it
		return false
	}
	h.conn = conn
	return true
}

func (h *connHolder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.conn == nil {
		return nil
	}
	return h.conn.Close()
}

// eventConn reports server traffic to the session: every read that
// returns data is a frame and a failed read closes the session.
type eventConn struct {
	net.Conn
	events session.Events
}

func (c *eventConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.events.Frame()
	}
	if err != nil {
		c.events.Closed(err)
	}
	return n, err
}
