package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"
)

// Dialer opens the transport connections of TCP based probes.
// *net.Dialer satisfies it, as do the SOCKS5 dialers built by NewDialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a direct dialer when proxyAddress is empty, and a
// SOCKS5 dialer through proxyAddress ("host:port") otherwise.
func NewDialer(proxyAddress string) (Dialer, error) {
	if proxyAddress == "" {
		return &net.Dialer{}, nil
	}
	if !isValidProxyAddress(proxyAddress) {
		return nil, fmt.Errorf("%w: invalid proxy address %q: expected host:port", ErrInvalidRequest, proxyAddress)
	}

	d, err := proxy.SOCKS5("tcp", proxyAddress, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return &contextDialer{dialer: d}, nil
}

// contextDialer adapts a proxy.Dialer without DialContext support.
type contextDialer struct {
	dialer proxy.Dialer
}

// DialContext dials in a goroutine and gives up when ctx ends. A
// connection that completes after ctx ended is closed.
func (d *contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}

	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := d.dialer.Dial(network, address)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-resultCh; r.conn != nil {
				_ = r.conn.Close() //nolint:errcheck // late connection nobody wants
			}
		}()
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.conn, r.err
	}
}

// dialTarget dials target with d and wraps failures with ErrTransport,
// keeping host:port in the message. Deadline expiry is left unwrapped so
// the governor reports it as a timeout.
func dialTarget(ctx context.Context, d Dialer, target Target) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		if ctx.Err() != nil || Classify(err) == KindTimeout {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot connect to %s: %v", ErrTransport, target.Address(), err)
	}
	return conn, nil
}

// isValidProxyAddress checks for "host:port" with a numeric port in range.
func isValidProxyAddress(address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil || strings.TrimSpace(host) == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}
