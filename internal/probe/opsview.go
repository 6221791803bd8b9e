package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxOpsviewBody limits how much of an Opsview response is read.
const maxOpsviewBody = 1 << 20

// opsviewProbe checks credentials against the Opsview REST API: a login
// call must issue a token and a following "who am I" call must report the
// same user.
type opsviewProbe struct {
	base
}

func newOpsviewProbe(o *options) *opsviewProbe {
	return &opsviewProbe{base: base{
		name:        "opsview",
		display:     "Opsview",
		description: "Opsview monitoring REST API login",
		port:        443,
		fields:      Fields{Username: true, RequireUsername: true, TLS: true},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *opsviewProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, timeout, func(ctx context.Context) (string, error) {
		return p.attempt(ctx, target, creds)
	})
}

type opsviewLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type opsviewLoginResponse struct {
	Token string `json:"token"`
}

type opsviewUserResponse struct {
	Name string `json:"name"`
}

func (p *opsviewProbe) attempt(ctx context.Context, target Target, creds Credentials) (string, error) {
	client := p.httpClient()
	defer client.CloseIdleConnections()

	baseURL := url.URL{Scheme: "https", Host: target.Address(), Path: "/rest/"}

	body, err := json.Marshal(opsviewLoginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var login opsviewLoginResponse
	if err := p.do(ctx, client, http.MethodPost, baseURL.JoinPath("login").String(), bytes.NewReader(body), nil, &login); err != nil {
		return "", err
	}
	if login.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", ErrAuthentication)
	}

	headers := http.Header{}
	headers.Set("X-Opsview-Username", creds.Username)
	headers.Set("X-Opsview-Token", login.Token)

	var user opsviewUserResponse
	if err := p.do(ctx, client, http.MethodGet, baseURL.JoinPath("user").String(), nil, headers, &user); err != nil {
		return "", err
	}
	if !strings.EqualFold(user.Name, creds.Username) {
		return "", fmt.Errorf("%w: server identified the session as %q, expected %q", ErrAuthentication, user.Name, creds.Username)
	}

	return "", nil
}

// do performs one JSON request and decodes the response into out.
func (p *opsviewProbe) do(ctx context.Context, client *http.Client, method, rawURL string, body io.Reader, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if Classify(err) == KindTransport {
			return fmt.Errorf("%w: cannot connect to %s: %v", ErrTransport, req.URL.Host, err)
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOpsviewBody))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned %s", ErrAuthentication, method, req.URL.Path, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s %s returned %s", ErrNegotiation, method, req.URL.Path, resp.Status)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: malformed response from %s: %v", ErrNegotiation, req.URL.Path, err)
	}
	return nil
}

func (p *opsviewProbe) httpClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: p.opts.dialer.DialContext,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: p.opts.skipVerify, //nolint:gosec // explicit -k flag
				MinVersion:         tls.VersionTLS12,
			},
			ForceAttemptHTTP2: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
