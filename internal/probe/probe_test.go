package probe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	clog "github.com/nao1215/conntest/internal/log"
	"github.com/nao1215/conntest/internal/probe/probetest"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestRegistry returns a registry logging at debug level into the
// returned buffer.
func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *syncBuffer) {
	t.Helper()

	buf := &syncBuffer{}
	logger := clog.NewLevelLogger(buf, slog.LevelDebug)
	return NewRegistry(append([]Option{WithLogger(logger)}, opts...)...), buf
}

func resolve(t *testing.T, r *Registry, name string) Probe {
	t.Helper()

	p, err := r.Resolve(name)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", name, err)
	}
	return p
}

func targetOf(t *testing.T, addr string) Target {
	t.Helper()

	host, port := probetest.SplitAddr(t, addr)
	return Target{Host: host, Port: port}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	tests := []struct {
		name     string
		protocol string
		target   Target
		creds    Credentials
		timeout  time.Duration
		wantMsg  string
	}{
		{
			name:     "empty host",
			protocol: "ssh",
			target:   Target{Port: 22},
			timeout:  time.Second,
			wantMsg:  "host is required",
		},
		{
			name:     "port out of range",
			protocol: "ssh",
			target:   Target{Host: "localhost", Port: 70000},
			timeout:  time.Second,
			wantMsg:  "port must be between 1 and 65535",
		},
		{
			name:     "malformed host",
			protocol: "vnc",
			target:   Target{Host: "bad host!", Port: 5900},
			timeout:  time.Second,
			wantMsg:  "is not valid",
		},
		{
			name:     "opsview needs a username",
			protocol: "opsview",
			target:   Target{Host: "localhost", Port: 443},
			timeout:  time.Second,
			wantMsg:  "username is required",
		},
		{
			name:     "zero timeout",
			protocol: "rdp",
			target:   Target{Host: "localhost", Port: 3389},
			timeout:  0,
			wantMsg:  "timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := resolve(t, r, tt.protocol).Run(context.Background(), tt.target, tt.creds, tt.timeout)

			if res.Succeeded {
				t.Fatal("expected failure")
			}
			if res.Kind != KindInvalid {
				t.Errorf("Kind = %v, want %v", res.Kind, KindInvalid)
			}
			if !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestRunRedactsPassword(t *testing.T) {
	t.Parallel()

	r, logs := newTestRegistry(t)
	addr := probetest.NewSSHServer(t, "root", "right-password")

	res := resolve(t, r, "ssh").Run(context.Background(), targetOf(t, addr),
		Credentials{Username: "root", Password: "wrong-password"}, 5*time.Second)

	if res.Succeeded {
		t.Fatal("expected failure")
	}
	out := logs.String()
	if !strings.Contains(out, "login failed") {
		t.Errorf("expected a failure log line, got: %s", out)
	}
	if strings.Contains(out, "wrong-password") {
		t.Errorf("password written to the log: %s", out)
	}
	if !strings.Contains(out, clog.MaskValue) {
		t.Errorf("expected redaction marker in log: %s", out)
	}
	if strings.Contains(res.Message, "wrong-password") {
		t.Errorf("password in result message: %s", res.Message)
	}
}

// Not parallel: it swaps the process-wide default logger.
func TestRunMasksPasswordWithPlainLogger(t *testing.T) {
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	addr := probetest.NewSSHServer(t, "root", "right-password")

	for _, r := range []*Registry{
		NewRegistry(),
		NewRegistry(WithLogger(slog.New(slog.NewJSONHandler(buf, nil)))),
	} {
		res := resolve(t, r, "ssh").Run(context.Background(), targetOf(t, addr),
			Credentials{Username: "root", Password: "wrong-password"}, 5*time.Second)
		if res.Succeeded {
			t.Fatal("expected failure")
		}
	}

	out := buf.String()
	if strings.Count(out, "login failed") != 2 {
		t.Errorf("expected two failure log lines, got: %s", out)
	}
	if strings.Contains(out, "wrong-password") {
		t.Errorf("password written to the log: %s", out)
	}
	if !strings.Contains(out, clog.MaskValue) {
		t.Errorf("expected redaction marker in log: %s", out)
	}
}

func TestValidateRequestHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		ok   bool
	}{
		{host: "vc_01.lab", ok: true},
		{host: "esx-01.corp.example.com", ok: true},
		{host: "localhost", ok: true},
		{host: "fileserver.", ok: true},
		{host: "192.0.2.10", ok: true},
		{host: "2001:db8::1", ok: true},
		{host: "bad host!", ok: false},
		{host: "-leading.example", ok: false},
		{host: "a..b", ok: false},
		{host: strings.Repeat("a", 64) + ".example", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()

			err := validateRequest(Target{Host: tt.host, Port: 443}, Credentials{}, Fields{}, time.Second)
			if tt.ok && err != nil {
				t.Errorf("validateRequest(%q) error = %v, want nil", tt.host, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("validateRequest(%q) error = %v, want ErrInvalidRequest", tt.host, err)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	t.Parallel()

	if err := (Result{Succeeded: true}).Err(); err != nil {
		t.Errorf("Err() on success = %v, want nil", err)
	}
	if err := (Result{Kind: KindAuthentication}).Err(); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Err() = %v, want ErrAuthentication", err)
	}
}

func TestCredentialsWithDefaults(t *testing.T) {
	t.Parallel()

	defaults := Credentials{Username: "administrator", Domain: "vsphere.local"}

	got := Credentials{Password: "pw"}.withDefaults(defaults)
	if got.Username != "administrator" || got.Domain != "vsphere.local" || got.Password != "pw" {
		t.Errorf("withDefaults() = %+v", got)
	}

	got = Credentials{Username: "ops", Domain: "corp"}.withDefaults(defaults)
	if got.Username != "ops" || got.Domain != "corp" {
		t.Errorf("withDefaults() overrode explicit values: %+v", got)
	}
}

func TestRunUnreachable(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	tests := []struct {
		name     string
		protocol string
		wantKind ErrorKind
	}{
		{name: "vcenter", protocol: "vcenter", wantKind: KindTransport},
		{name: "winrm", protocol: "winrm"},
		{name: "snmp", protocol: "snmp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr := probetest.ClosedAddr(t)
			start := time.Now()
			res := resolve(t, r, tt.protocol).Run(context.Background(), targetOf(t, addr),
				Credentials{Username: "ops", Password: "pw"}, 2*time.Second)

			if res.Succeeded {
				t.Fatal("expected failure")
			}
			if res.Kind == KindNone || res.Kind == KindInvalid {
				t.Errorf("Kind = %v, want a network failure", res.Kind)
			}
			if tt.wantKind != KindNone && res.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", res.Kind, tt.wantKind)
			}
			if res.Message == "" {
				t.Error("expected a failure message")
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("probe took %v, want it bounded by the timeout", elapsed)
			}
		})
	}
}

func TestVCenterPrincipal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{name: "no domain", creds: Credentials{Username: "root"}, want: "root"},
		{name: "domain appended", creds: Credentials{Username: "administrator", Domain: "vsphere.local"}, want: "administrator@vsphere.local"},
		{name: "realm already set", creds: Credentials{Username: "ops@corp.local", Domain: "vsphere.local"}, want: "ops@corp.local"},
		{name: "windows style", creds: Credentials{Username: `CORP\ops`, Domain: "vsphere.local"}, want: `CORP\ops`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := vcenterPrincipal(tt.creds); got != tt.want {
				t.Errorf("vcenterPrincipal() = %q, want %q", got, tt.want)
			}
		})
	}
}
