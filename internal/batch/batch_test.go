package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/conntest/internal/probe"
)

// stubProbe succeeds for every host except "bad" after delay.
type stubProbe struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	runs    atomic.Int32
}

func (s *stubProbe) Name() string                { return "stub" }
func (s *stubProbe) Description() string         { return "stub probe" }
func (s *stubProbe) DefaultPort() int            { return 2222 }
func (s *stubProbe) Defaults() probe.Credentials { return probe.Credentials{} }
func (s *stubProbe) Fields() probe.Fields        { return probe.Fields{Username: true} }

func (s *stubProbe) Run(ctx context.Context, target probe.Target, creds probe.Credentials, _ time.Duration) probe.Result {
	s.runs.Add(1)
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}

	r := probe.Result{Protocol: "stub", Target: target, Username: creds.Username, Succeeded: target.Host != "bad"}
	if !r.Succeeded {
		r.Kind = probe.KindAuthentication
	}
	return r
}

func resolveStub(p probe.Probe) ResolveFunc {
	return func(req Request) (probe.Probe, error) {
		if req.Protocol != "stub" {
			return nil, probe.ErrUnknownProtocol
		}
		return p, nil
	}
}

func requests(hosts ...string) []Request {
	reqs := make([]Request, len(hosts))
	for i, h := range hosts {
		reqs[i] = Request{Protocol: "stub", Target: probe.Target{Host: h}, Timeout: time.Second}
	}
	return reqs
}

// TestNewProcessor tests the Processor constructor.
func TestNewProcessor(t *testing.T) {
	t.Parallel()

	t.Run("creates processor with defaults", func(t *testing.T) {
		t.Parallel()

		p := NewProcessor(resolveStub(&stubProbe{}))
		if p.concurrency != DefaultConcurrency {
			t.Errorf("expected default concurrency %d, got %d", DefaultConcurrency, p.concurrency)
		}
		if p.logger == nil {
			t.Error("expected non-nil logger")
		}
	})

	t.Run("applies WithConcurrency option", func(t *testing.T) {
		t.Parallel()

		p := NewProcessor(resolveStub(&stubProbe{}), WithConcurrency(7))
		if p.concurrency != 7 {
			t.Errorf("expected concurrency 7, got %d", p.concurrency)
		}
	})

	t.Run("ignores non-positive concurrency", func(t *testing.T) {
		t.Parallel()

		p := NewProcessor(resolveStub(&stubProbe{}), WithConcurrency(0))
		if p.concurrency != DefaultConcurrency {
			t.Errorf("expected concurrency %d, got %d", DefaultConcurrency, p.concurrency)
		}
	})

	t.Run("nil logger falls back to default", func(t *testing.T) {
		t.Parallel()

		p := NewProcessor(resolveStub(&stubProbe{}), WithLogger(nil))
		if p.logger == nil {
			t.Error("expected non-nil logger")
		}
	})
}

// TestProcess tests batch execution.
func TestProcess(t *testing.T) {
	t.Parallel()

	t.Run("results keep input order", func(t *testing.T) {
		t.Parallel()

		stub := &stubProbe{delay: 10 * time.Millisecond}
		p := NewProcessor(resolveStub(stub), WithConcurrency(3))

		hosts := []string{"a", "bad", "c", "d", "e"}
		results, err := p.Process(context.Background(), requests(hosts...))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != len(hosts) {
			t.Fatalf("expected %d results, got %d", len(hosts), len(results))
		}
		for i, h := range hosts {
			if results[i].Target.Host != h {
				t.Errorf("result %d: expected host %s, got %s", i, h, results[i].Target.Host)
			}
		}
		if results[1].Succeeded || results[1].Kind != probe.KindAuthentication {
			t.Errorf("expected the bad host to fail, got %+v", results[1])
		}
		if stub.runs.Load() != int32(len(hosts)) {
			t.Errorf("expected %d runs, got %d", len(hosts), stub.runs.Load())
		}
	})

	t.Run("respects concurrency limit", func(t *testing.T) {
		t.Parallel()

		stub := &stubProbe{delay: 30 * time.Millisecond}
		p := NewProcessor(resolveStub(stub), WithConcurrency(2))

		if _, err := p.Process(context.Background(), requests("a", "b", "c", "d", "e", "f")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if peak := stub.peak.Load(); peak > 2 {
			t.Errorf("expected at most 2 concurrent probes, saw %d", peak)
		}
	})

	t.Run("default port is filled in", func(t *testing.T) {
		t.Parallel()

		p := NewProcessor(resolveStub(&stubProbe{}))
		results, err := p.Process(context.Background(), requests("a"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if results[0].Target.Port != 2222 {
			t.Errorf("expected port 2222, got %d", results[0].Target.Port)
		}
	})

	t.Run("unknown protocol fails the request only", func(t *testing.T) {
		t.Parallel()

		reqs := requests("a", "b")
		reqs[1].Protocol = "gopher"

		p := NewProcessor(resolveStub(&stubProbe{}))
		results, err := p.Process(context.Background(), reqs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !results[0].Succeeded {
			t.Error("expected the first request to succeed")
		}
		if results[1].Succeeded || results[1].Kind != probe.KindInvalid {
			t.Errorf("expected an invalid result, got %+v", results[1])
		}
		if !errors.Is(results[1].Err(), probe.ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", results[1].Err())
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()

		results, err := NewProcessor(resolveStub(&stubProbe{})).Process(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("expected no results, got %d", len(results))
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		stub := &stubProbe{}
		results, err := NewProcessor(resolveStub(stub)).Process(ctx, requests("a", "b", "c"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		for i, r := range results {
			if r.Succeeded || r.Kind != probe.KindTimeout {
				t.Errorf("result %d: expected a timeout, got %+v", i, r)
			}
		}
		if stub.runs.Load() != 0 {
			t.Errorf("expected no probe runs, got %d", stub.runs.Load())
		}
	})
}

// TestProcessCallback tests result streaming.
func TestProcessCallback(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen = make(map[int]string)
	)
	p := NewProcessor(resolveStub(&stubProbe{delay: 5 * time.Millisecond}),
		WithConcurrency(2),
		WithCallback(func(index int, r probe.Result) {
			mu.Lock()
			defer mu.Unlock()
			seen[index] = r.Target.Host
		}),
	)

	hosts := []string{"a", "b", "c", "d"}
	if _, err := p.Process(context.Background(), requests(hosts...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(hosts) {
		t.Fatalf("expected %d callbacks, got %d", len(hosts), len(seen))
	}
	for i, h := range hosts {
		if seen[i] != h {
			t.Errorf("callback %d: expected host %s, got %s", i, h, seen[i])
		}
	}
}
