package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshProbe checks SSH credentials with a full user-auth exchange.
//
// Unknown host keys are accepted (trust on first use). conntest proves
// access; it is not a secure client, so a changed or unknown key must not
// turn a valid login into a failure. The key fingerprint is reported in
// the success message so operators can still audit it.
type sshProbe struct {
	base
}

func newSSHProbe(o *options) *sshProbe {
	return &sshProbe{base: base{
		name:        "ssh",
		display:     "SSH",
		description: "SSH password or public-key login",
		port:        22,
		defaults:    Credentials{Username: "root"},
		fields:      Fields{Username: true, PrivateKey: true},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *sshProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, timeout, func(ctx context.Context) (string, error) {
		return p.attempt(ctx, target, creds)
	})
}

func (p *sshProbe) attempt(ctx context.Context, target Target, creds Credentials) (string, error) {
	auth, err := sshAuthMethods(creds)
	if err != nil {
		return "", err
	}

	var fingerprint string
	config := &ssh.ClientConfig{
		User: creds.Username,
		Auth: auth,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			return nil
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	conn, err := dialTarget(ctx, p.opts.dialer, target)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, target.Address(), config)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if looksLikeAuthFailure(err.Error()) {
			return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	return fmt.Sprintf("server %s, host key %s", client.ServerVersion(), fingerprint), nil
}

// sshAuthMethods builds the auth methods for creds. A private key is tried
// before the password. The password is also offered through
// keyboard-interactive, which many PAM based servers require.
func sshAuthMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrInvalidRequest, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if creds.Password != "" || creds.PrivateKey == "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					if strings.Contains(strings.ToLower(q), "password") {
						answers[i] = password
					}
				}
				return answers, nil
			}),
		)
	}

	return methods, nil
}
