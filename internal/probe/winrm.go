package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/masterzen/winrm"
)

// winrmHTTPSPort is the WinRM port that is spoken over TLS.
const winrmHTTPSPort = 5986

// winrmProbe opens and closes a remote shell. NTLM is used when a domain
// is given, Basic authentication otherwise.
type winrmProbe struct {
	base
}

func newWinRMProbe(o *options) *winrmProbe {
	return &winrmProbe{base: base{
		name:        "winrm",
		display:     "WinRM",
		description: "Windows Remote Management shell login (HTTPS on 5986)",
		port:        5985,
		defaults:    Credentials{Username: "Administrator"},
		fields:      Fields{Username: true, Domain: true, TLS: true},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *winrmProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, timeout, func(ctx context.Context) (string, error) {
		return p.attempt(ctx, target, creds, timeout)
	})
}

func (p *winrmProbe) attempt(ctx context.Context, target Target, creds Credentials, timeout time.Duration) (string, error) {
	https := target.Port == winrmHTTPSPort
	endpoint := winrm.NewEndpoint(target.Host, target.Port, https, p.opts.skipVerify, nil, nil, nil, timeout)

	params := winrm.NewParameters("PT60S", "en-US", 153600)
	params.Dial = func(network, addr string) (net.Conn, error) {
		return p.opts.dialer.DialContext(ctx, network, addr)
	}

	user := creds.Username
	if creds.Domain != "" {
		user = fmt.Sprintf("%s\\%s", creds.Domain, creds.Username)
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
	}

	client, err := winrm.NewClientWithParameters(endpoint, user, creds.Password, params)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create WinRM client: %v", ErrInvalidRequest, err)
	}

	shell, err := client.CreateShell()
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		switch Classify(err) {
		case KindTransport:
			return "", fmt.Errorf("%w: cannot connect to %s: %v", ErrTransport, target.Address(), err)
		case KindAuthentication:
			return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return "", fmt.Errorf("%w: shell creation failed: %v", ErrNegotiation, err)
	}
	_ = shell.Close() //nolint:errcheck // the shell proved the login

	if https {
		return "https", nil
	}
	return "http", nil
}
