package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	vnc "github.com/mitchellh/go-vnc"

	"github.com/nao1215/conntest/internal/session"
)

// vncProbe performs the RFB handshake with VNC authentication. The server
// accepting the password and sending its ServerInit is the ready signal.
type vncProbe struct {
	base
}

func newVNCProbe(o *options) *vncProbe {
	return &vncProbe{base: base{
		name:        "vnc",
		display:     "VNC",
		description: "VNC (RFB 3.8) password login",
		port:        5900,
		opts:        o,
	}}
}

// Run implements Probe.
func (p *vncProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, sessionBudget(timeout), func(ctx context.Context) (string, error) {
		t := &vncTransport{dialer: p.opts.dialer, target: target, password: creds.Password}
		return "", p.runSession(ctx, t, timeout)
	})
}

// vncTransport adapts go-vnc to session events.
type vncTransport struct {
	dialer   Dialer
	target   Target
	password string
	conn     connHolder
}

// Connect runs the whole handshake. Server traffic shows up as frames
// through eventConn; a completed handshake is reported as ready.
func (t *vncTransport) Connect(ctx context.Context, ev session.Events) error {
	conn, err := dialTarget(ctx, t.dialer, t.target)
	if err != nil {
		return err
	}
	if !t.conn.set(conn) {
		return nil
	}
	ev.Connected()

	msgs := make(chan vnc.ServerMessage)
	go func() {
		// go-vnc blocks on this channel once the session is up.
		for {
			select {
			case <-msgs:
			case <-ctx.Done():
				return
			}
		}
	}()

	auth := []vnc.ClientAuth{new(vnc.ClientAuthNone)}
	if t.password != "" {
		auth = []vnc.ClientAuth{&vnc.PasswordAuth{Password: t.password}, new(vnc.ClientAuthNone)}
	}

	_, err = vnc.Client(&eventConn{Conn: conn, events: ev}, &vnc.ClientConfig{
		Auth:            auth,
		ServerMessageCh: msgs,
	})
	if err != nil {
		return vncError(err)
	}
	ev.Ready()
	return nil
}

func (t *vncTransport) Close() error {
	return t.conn.Close()
}

// vncError classifies handshake errors returned by go-vnc.
func vncError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "security handshake failed"),
		strings.Contains(msg, "no suitable auth"):
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	default:
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
}
