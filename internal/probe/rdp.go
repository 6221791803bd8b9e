package probe

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/nao1215/conntest/internal/session"
)

// X.224 and RDP negotiation constants.
const (
	tpktVersion = 3

	x224ConnectionRequest = 0xE0
	x224ConnectionConfirm = 0xD0

	rdpNegReq     = 0x01
	rdpNegRsp     = 0x02
	rdpNegFailure = 0x03

	protocolRDP    = 0x00000000
	protocolSSL    = 0x00000001
	protocolHybrid = 0x00000002
)

// rdpNegFailureReasons are the failureCode values of RDP_NEG_FAILURE.
var rdpNegFailureReasons = map[uint32]string{
	1: "TLS required by server",
	2: "TLS not allowed by server",
	3: "no certificate on server",
	4: "inconsistent negotiation flags",
	5: "NLA required by server",
	6: "TLS with user authentication required",
}

// rdpProbe logs into a remote desktop service with network level
// authentication. Only the HYBRID protocol is requested: the client
// negotiates X.224, upgrades to TLS and runs CredSSP with NTLMv2. The
// login is confirmed when the server answers the NTLM authenticate
// message with its public key binding.
type rdpProbe struct {
	base
}

func newRDPProbe(o *options) *rdpProbe {
	return &rdpProbe{base: base{
		name:        "rdp",
		display:     "RDP",
		description: "Remote Desktop login with network level authentication",
		port:        3389,
		defaults:    Credentials{Username: "Administrator"},
		fields:      Fields{Username: true, Domain: true},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *rdpProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, sessionBudget(timeout), func(ctx context.Context) (string, error) {
		t := &rdpTransport{dialer: p.opts.dialer, target: target, creds: creds}
		return "", p.runSession(ctx, t, timeout)
	})
}

// rdpTransport runs the NLA handshake and reports its progress as
// session events.
type rdpTransport struct {
	dialer Dialer
	target Target
	creds  Credentials
	conn   connHolder
}

// Connect blocks until the server confirmed or rejected the credentials.
func (t *rdpTransport) Connect(ctx context.Context, ev session.Events) error {
	conn, err := dialTarget(ctx, t.dialer, t.target)
	if err != nil {
		return err
	}
	if !t.conn.set(conn) {
		return nil
	}
	stop := closeOnDone(ctx, conn)
	defer stop()
	ev.Connected()

	fc := &frameConn{Conn: conn, events: ev}
	domain, user := splitDomainUser(t.creds)

	if err := writeConnectionRequest(fc, user); err != nil {
		return fmt.Errorf("%w: connection request: %v", ErrNegotiation, err)
	}
	if err := readConnectionConfirm(fc); err != nil {
		return err
	}

	tlsConn := tls.Client(fc, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // CredSSP binds the server key instead
		ServerName:         t.target.Host,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: TLS handshake: %v", ErrNegotiation, err)
	}

	if err := credSSPLogin(tlsConn, domain, user, t.creds.Password); err != nil {
		return err
	}
	ev.Ready()
	return nil
}

func (t *rdpTransport) Close() error {
	return t.conn.Close()
}

// splitDomainUser returns the NTLM domain and user name. A user given as
// DOMAIN\user is split when no domain was set.
func splitDomainUser(c Credentials) (string, string) {
	if c.Domain == "" {
		if domain, user, ok := strings.Cut(c.Username, `\`); ok {
			return domain, user
		}
	}
	return c.Domain, c.Username
}

// frameConn reports every read that returns data as a frame. Read errors
// are returned to the handshake, which classifies them.
type frameConn struct {
	net.Conn
	events session.Events
}

func (c *frameConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.events.Frame()
	}
	return n, err
}

// writeConnectionRequest sends an X.224 connection request carrying the
// routing cookie and an RDP_NEG_REQ for PROTOCOL_HYBRID.
func writeConnectionRequest(w io.Writer, user string) error {
	var cookie []byte
	if user != "" {
		cookie = []byte("Cookie: mstshash=" + user + "\r\n")
	}
	li := 6 + len(cookie) + 8
	if li > 0xFE {
		cookie = nil
		li = 6 + 8
	}

	b := make([]byte, 0, 5+li)
	b = append(b, tpktVersion, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(5+li)) //nolint:gosec // bounded above
	b = append(b, byte(li), x224ConnectionRequest, 0, 0, 0, 0, 0)
	b = append(b, cookie...)
	b = append(b, rdpNegReq, 0)
	b = binary.LittleEndian.AppendUint16(b, 8)
	b = binary.LittleEndian.AppendUint32(b, protocolHybrid)

	_, err := w.Write(b)
	return err
}

// readConnectionConfirm reads the X.224 connection confirm and fails
// unless the server selected PROTOCOL_HYBRID.
func readConnectionConfirm(r io.Reader) error {
	pkt, err := readTPKT(r)
	if err != nil {
		return fmt.Errorf("%w: reading connection confirm: %v", ErrNegotiation, err)
	}
	if len(pkt) < 7 || pkt[1]&0xF0 != x224ConnectionConfirm {
		return fmt.Errorf("%w: server did not confirm the X.224 connection", ErrNegotiation)
	}

	neg := pkt[7:]
	if len(neg) < 8 {
		return fmt.Errorf("%w: server does not offer NLA (legacy RDP security only)", ErrNegotiation)
	}
	value := binary.LittleEndian.Uint32(neg[4:8])

	switch neg[0] {
	case rdpNegRsp:
		switch value {
		case protocolHybrid:
			return nil
		case protocolRDP:
			return fmt.Errorf("%w: server does not offer NLA (legacy RDP security only)", ErrNegotiation)
		case protocolSSL:
			return fmt.Errorf("%w: server does not offer NLA (TLS security only)", ErrNegotiation)
		default:
			return fmt.Errorf("%w: server selected protocol %#x instead of NLA", ErrNegotiation, value)
		}
	case rdpNegFailure:
		reason, ok := rdpNegFailureReasons[value]
		if !ok {
			reason = fmt.Sprintf("failure code %d", value)
		}
		return fmt.Errorf("%w: server refused NLA: %s", ErrNegotiation, reason)
	default:
		return fmt.Errorf("%w: unexpected negotiation reply type %#x", ErrNegotiation, neg[0])
	}
}

// readTPKT reads one TPKT packet and returns its payload.
func readTPKT(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != tpktVersion {
		return nil, fmt.Errorf("not a TPKT packet (version %d)", hdr[0])
	}
	size := int(binary.BigEndian.Uint16(hdr[2:4]))
	if size < 4 {
		return nil, fmt.Errorf("invalid TPKT length %d", size)
	}
	payload := make([]byte, size-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
