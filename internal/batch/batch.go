package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/conntest/internal/probe"
)

// DefaultConcurrency is used when no WithConcurrency option is given.
const DefaultConcurrency = 4

// Request is one probe to run.
type Request struct {
	Protocol             string
	Target               probe.Target
	Credentials          probe.Credentials
	Timeout              time.Duration
	SkipCertVerification bool
}

// ResolveFunc returns the probe that serves req.
type ResolveFunc func(req Request) (probe.Probe, error)

// Processor runs requests concurrently.
type Processor struct {
	resolve     ResolveFunc
	concurrency int
	logger      *slog.Logger
	callback    func(index int, result probe.Result)
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency sets the maximum number of concurrent probes.
// Non-positive values keep the default.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger for batch-level messages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithCallback registers fn to be called with every result as soon as it
// completes. fn is called from worker goroutines and must be safe for
// concurrent use.
func WithCallback(fn func(index int, result probe.Result)) Option {
	return func(p *Processor) {
		p.callback = fn
	}
}

// NewProcessor creates a Processor.
func NewProcessor(resolve ResolveFunc, opts ...Option) *Processor {
	p := &Processor{
		resolve:     resolve,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Process runs every request and returns one result per request, in input
// order. Requests that cannot be resolved fail with KindInvalid. If ctx is
// cancelled, requests that had not started yet fail with KindTimeout and
// the context error is returned alongside the results.
func (p *Processor) Process(ctx context.Context, reqs []Request) ([]probe.Result, error) {
	p.logger.Info("starting batch",
		slog.Int("targets", len(reqs)),
		slog.Int("concurrency", p.concurrency),
	)
	start := time.Now()

	// Each goroutine writes only its own slot.
	results := make([]probe.Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			var r probe.Result
			if err := ctx.Err(); err != nil {
				r = failed(req, probe.KindTimeout, fmt.Errorf("not started: %w", err))
			} else {
				r = p.run(ctx, req)
			}
			results[i] = r

			if p.callback != nil {
				p.callback(i, r)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	p.logger.Info("batch complete",
		slog.Int("targets", len(reqs)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return results, ctx.Err()
}

func (p *Processor) run(ctx context.Context, req Request) probe.Result {
	pr, err := p.resolve(req)
	if err != nil {
		p.logger.Warn("cannot resolve target",
			slog.String("protocol", req.Protocol),
			slog.String("target", req.Target.Address()),
			slog.Any("error", err),
		)
		return failed(req, probe.KindInvalid, err)
	}
	if req.Target.Port == 0 {
		req.Target.Port = pr.DefaultPort()
	}
	return pr.Run(ctx, req.Target, req.Credentials, req.Timeout)
}

// failed builds the result of a request that never reached its probe.
func failed(req Request, kind probe.ErrorKind, err error) probe.Result {
	return probe.Result{
		ID:        uuid.New(),
		Protocol:  req.Protocol,
		Target:    req.Target,
		Username:  req.Credentials.Username,
		Kind:      kind,
		Message:   fmt.Sprintf("%s %s: Login failed (%s): %v", req.Protocol, req.Target.Address(), kind, err),
		StartedAt: time.Now(),
	}
}
