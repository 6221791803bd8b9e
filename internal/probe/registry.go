package probe

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/nao1215/conntest/internal/session"
)

// options holds settings shared by every probe of a registry.
type options struct {
	dialer     Dialer
	logger     *slog.Logger
	skipVerify bool
	loop       *session.Loop
}

// Option configures a Registry and the probes it builds.
type Option func(*options)

// WithDialer sets the dialer used by TCP based probes.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithLogger sets the logger probes report their outcome to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSkipCertVerification disables TLS certificate verification for
// probes that speak TLS. Verification is enabled by default.
func WithSkipCertVerification(skip bool) Option {
	return func(o *options) {
		o.skipVerify = skip
	}
}

// WithSessionLoop makes session probes run on a shared event loop instead
// of creating one per invocation. The caller owns the loop.
func WithSessionLoop(loop *session.Loop) Option {
	return func(o *options) {
		o.loop = loop
	}
}

// Registry maps protocol names to probes.
type Registry struct {
	probes map[string]Probe
	mu     sync.RWMutex
}

// NewRegistry returns a registry holding every supported probe, configured
// with opts.
func NewRegistry(opts ...Option) *Registry {
	o := &options{
		dialer: &net.Dialer{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{probes: make(map[string]Probe)}
	r.Register(newSSHProbe(o))
	r.Register(newRDPProbe(o))
	r.Register(newVNCProbe(o))
	r.Register(newVCenterProbe(o))
	r.Register(newOpsviewProbe(o))
	r.Register(newWinRMProbe(o))
	r.Register(newSNMPProbe(o))
	return r
}

// Register adds p, replacing any probe with the same name.
func (r *Registry) Register(p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[p.Name()] = p
}

// Resolve returns the probe registered under name. Names are matched
// case-insensitively. It fails with ErrUnknownProtocol otherwise.
func (r *Registry) Resolve(name string) (Probe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.probes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProtocol, name, strings.Join(r.namesLocked(), ", "))
	}
	return p, nil
}

// List returns every registered probe sorted by name.
func (r *Registry) List() []Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()

	probes := make([]Probe, 0, len(r.probes))
	for _, name := range r.namesLocked() {
		probes = append(probes, r.probes[name])
	}
	return probes
}

// Names returns the registered protocol names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
