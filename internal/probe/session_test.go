package probe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/conntest/internal/probe/probetest"
	"github.com/nao1215/conntest/internal/session"
)

func TestVNCProbe(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	p := resolve(t, r, "vnc")
	addr := probetest.NewRFBServer(t, "secret")

	t.Run("server init after authentication", func(t *testing.T) {
		t.Parallel()

		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: "secret"}, 5*time.Second)
		if !res.Succeeded {
			t.Fatalf("expected success, got %q", res.Message)
		}
		if !strings.HasPrefix(res.Message, "VNC ") {
			t.Errorf("Message = %q", res.Message)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: "nope"}, 5*time.Second)
		if res.Succeeded {
			t.Fatal("expected failure")
		}
		if res.Kind != KindAuthentication {
			t.Errorf("Kind = %v, want authentication (%s)", res.Kind, res.Message)
		}
	})

	t.Run("silent server fails on the outer timeout", func(t *testing.T) {
		t.Parallel()

		silent := probetest.NewSilentServer(t)
		start := time.Now()
		res := p.Run(context.Background(), targetOf(t, silent), Credentials{Password: "secret"}, time.Second)
		elapsed := time.Since(start)

		if res.Succeeded {
			t.Fatal("expected failure")
		}
		if res.Kind != KindTimeout {
			t.Errorf("Kind = %v, want timeout (%s)", res.Kind, res.Message)
		}
		if elapsed < time.Second || elapsed > 2*time.Second {
			t.Errorf("Run() took %v, want about 1s", elapsed)
		}
	})
}

func TestRDPProbe(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	p := resolve(t, r, "rdp")

	t.Run("accepted credentials", func(t *testing.T) {
		t.Parallel()

		addr := probetest.NewRDPServer(t, "Administrator", "secret")
		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: "secret"}, 5*time.Second)
		if !res.Succeeded {
			t.Fatalf("expected success, got %q", res.Message)
		}
		if !strings.HasPrefix(res.Message, "RDP Administrator@") {
			t.Errorf("Message = %q", res.Message)
		}
	})

	t.Run("domain in user name", func(t *testing.T) {
		t.Parallel()

		addr := probetest.NewRDPServer(t, "alice", "secret")
		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Username: `TESTLAB\alice`, Password: "secret"}, 5*time.Second)
		if !res.Succeeded {
			t.Fatalf("expected success, got %q", res.Message)
		}
	})

	tests := []struct {
		name     string
		server   probetest.RDPServer
		password string
		want     ErrorKind
		wantMsg  string
	}{
		{
			name:     "wrong password answered with logon failure",
			server:   probetest.RDPServer{User: "Administrator", Password: "secret"},
			password: "nope",
			want:     KindAuthentication,
			wantMsg:  "logon failure",
		},
		{
			name:     "wrong password answered by hanging up",
			server:   probetest.RDPServer{User: "Administrator", Password: "secret", HangUp: true},
			password: "nope",
			want:     KindAuthentication,
			wantMsg:  "closed the connection",
		},
		{
			name:     "unknown user",
			server:   probetest.RDPServer{User: "someone", Password: "secret"},
			password: "secret",
			want:     KindAuthentication,
		},
		{
			name:     "server selects TLS security",
			server:   probetest.RDPServer{Mode: probetest.RDPTLSOnly},
			password: "secret",
			want:     KindNegotiation,
			wantMsg:  "does not offer NLA",
		},
		{
			name:     "server refuses NLA",
			server:   probetest.RDPServer{Mode: probetest.RDPRefuseNLA},
			password: "secret",
			want:     KindNegotiation,
			wantMsg:  "refused NLA",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr := tt.server.Start(t)
			res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: tt.password}, 5*time.Second)
			if res.Succeeded {
				t.Fatal("expected failure")
			}
			if res.Kind != tt.want {
				t.Errorf("Kind = %v, want %v (%s)", res.Kind, tt.want, res.Message)
			}
			if !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.wantMsg)
			}
		})
	}

	t.Run("stalled handshake fails on the idle timeout", func(t *testing.T) {
		t.Parallel()

		addr := probetest.RDPServer{Mode: probetest.RDPStall}.Start(t)
		start := time.Now()
		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: "secret"}, time.Second)
		elapsed := time.Since(start)

		if res.Kind != KindTimeout {
			t.Errorf("Kind = %v, want timeout (%s)", res.Kind, res.Message)
		}
		if elapsed > 3*time.Second {
			t.Errorf("Run() took %v, want about 1s", elapsed)
		}
	})

	t.Run("silent server fails on the outer timeout", func(t *testing.T) {
		t.Parallel()

		silent := probetest.NewSilentServer(t)
		start := time.Now()
		res := p.Run(context.Background(), targetOf(t, silent), Credentials{Password: "secret"}, time.Second)
		elapsed := time.Since(start)

		if res.Succeeded {
			t.Fatal("expected failure")
		}
		if res.Kind != KindTimeout {
			t.Errorf("Kind = %v, want timeout (%s)", res.Kind, res.Message)
		}
		if elapsed > 2*time.Second {
			t.Errorf("Run() took %v, want about 1s", elapsed)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()

		res := p.Run(context.Background(), targetOf(t, probetest.ClosedAddr(t)), Credentials{}, 2*time.Second)
		if res.Kind != KindTransport {
			t.Errorf("Kind = %v, want transport (%s)", res.Kind, res.Message)
		}
	})
}

func TestSessionProbesShareInjectedLoop(t *testing.T) {
	t.Parallel()

	loop := session.NewLoop()
	loop.Start()
	defer loop.Stop()

	r, _ := newTestRegistry(t, WithSessionLoop(loop))
	p := resolve(t, r, "vnc")
	addr := probetest.NewRFBServer(t, "secret")

	for i := range 3 {
		res := p.Run(context.Background(), targetOf(t, addr), Credentials{Password: "secret"}, 5*time.Second)
		if !res.Succeeded {
			t.Fatalf("run %d: %s", i, res.Message)
		}
	}
	if loop.Stopped() {
		t.Error("probe stopped the injected loop")
	}
}

func TestSessionBudget(t *testing.T) {
	t.Parallel()

	if got := sessionBudget(2 * time.Second); got != 8*time.Second {
		t.Errorf("sessionBudget(2s) = %v, want 8s", got)
	}
}
