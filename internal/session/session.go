package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when the server does not confirm the login in
	// time, or when the context passed to Run ends first.
	ErrTimeout = errors.New("session timed out")

	// ErrClosed is returned when the connection ends before the server
	// confirmed the login.
	ErrClosed = errors.New("connection closed before login was confirmed")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("session already run")
)

// Events is how a transport reports protocol progress to its session.
// Every method may be called from any goroutine, any number of times.
// Calls that arrive after the session reached a terminal state are
// ignored.
type Events interface {
	// Connected reports that the transport-level connection is up.
	Connected()
	// Frame reports a post-connect data frame from the server.
	Frame()
	// Ready reports that the server confirmed the login.
	Ready()
	// Closed reports that the server or the transport closed the
	// connection. err may be nil.
	Closed(err error)
	// Failed reports an error that ends the session.
	Failed(err error)
}

// Transport adapts a remote desktop protocol library to a Session.
type Transport interface {
	// Connect starts the connection and submits the credentials. It may
	// block until the handshake is over or return once it is underway;
	// either way progress is reported through events. A returned error
	// fails the session. Connect must give up when ctx ends.
	Connect(ctx context.Context, events Events) error

	// Close tears the connection down. It is called exactly once, on the
	// terminal transition, and may run concurrently with Connect.
	Close() error
}

// Option configures a Session.
type Option func(*Session)

// WithLoop runs the session on a loop owned by the caller. The session
// starts it if needed but never stops it.
func WithLoop(loop *Loop) Option {
	return func(s *Session) {
		if loop != nil {
			s.loop = loop
			s.ownsLoop = false
		}
	}
}

// WithLogger sets the logger for state transitions, logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session drives one login attempt over a Transport and reduces the
// asynchronous protocol events to a single outcome.
//
// Two timers bound the attempt. The outer timer starts with Run and
// covers the phase where the server has not sent anything. The first
// post-connect frame hands over to the idle timer, which runs for the
// same duration and is restarted once, on the second frame. A server that
// keeps talking without confirming the login therefore fails as well.
//
// All state is confined to the loop goroutine.
type Session struct {
	transport Transport
	timeout   time.Duration
	loop      *Loop
	ownsLoop  bool
	logger    *slog.Logger

	ran     atomic.Bool
	outcome chan error

	// Loop confined.
	state       State
	frames      int
	outer       *time.Timer
	outerActive bool
	idle        *time.Timer
	idleGen     int
	idleStarts  int

	traceMu sync.Mutex
	trace   []State
}

// maxIdleStarts is how many times the idle timer may be started: once on
// the first frame and once more on the second.
const maxIdleStarts = 2

// New returns a session that authenticates over t. timeout bounds each
// phase of the attempt (see Session).
func New(t Transport, timeout time.Duration, opts ...Option) *Session {
	s := &Session{
		transport: t,
		timeout:   timeout,
		loop:      NewLoop(),
		ownsLoop:  true,
		logger:    slog.Default(),
		outcome:   make(chan error, 1),
		state:     Connecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs the attempt and returns nil once the server confirmed the
// login. It returns exactly once, with the outcome of the first terminal
// transition. The error wraps ErrTimeout, ErrClosed or the error the
// transport reported.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.loop.Start()
	s.post(func() {
		s.enter(Connecting)
		s.outerActive = true
		s.outer = time.AfterFunc(s.timeout, func() {
			s.post(s.outerExpired)
		})
	})

	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		s.post(func() {
			s.finish(Failed, fmt.Errorf("%w: %v", ErrTimeout, cause))
		})
	})
	defer stop()

	ev := &events{s: s}
	go func() {
		if err := s.transport.Connect(ctx, ev); err != nil {
			ev.Failed(err)
		}
	}()

	select {
	case err := <-s.outcome:
		return err
	case <-s.loop.Done():
		select {
		case err := <-s.outcome:
			return err
		default:
		}
		_ = s.transport.Close() //nolint:errcheck // loop is gone, nothing else will close it
		return fmt.Errorf("%w: event loop stopped", ErrClosed)
	}
}

// Trace returns the states the session went through, in order.
func (s *Session) Trace() []State {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return append([]State(nil), s.trace...)
}

// State returns the current state.
func (s *Session) State() State {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return s.state
}

func (s *Session) post(fn func()) {
	s.loop.Post(fn)
}

func (s *Session) enter(state State) {
	s.traceMu.Lock()
	s.state = state
	s.trace = append(s.trace, state)
	s.traceMu.Unlock()
	s.logger.Debug("session state", slog.String("state", state.String()))
}

func (s *Session) onConnected() {
	if s.state != Connecting {
		return
	}
	s.enter(Negotiating)
}

func (s *Session) onFrame() {
	if s.state != Negotiating {
		return
	}
	s.frames++
	if s.frames == 1 {
		s.stopOuter()
	}
	if s.idleStarts < maxIdleStarts {
		s.startIdle()
	}
}

func (s *Session) onReady() {
	if s.state == Connecting {
		s.enter(Negotiating)
	}
	if s.state != Negotiating {
		return
	}
	s.enter(Authenticated)
	s.finish(Closed, nil)
}

func (s *Session) onClosed(err error) {
	if s.state.Terminal() {
		return
	}
	if err == nil {
		s.finish(Failed, ErrClosed)
		return
	}
	s.finish(Failed, fmt.Errorf("%w: %w", ErrClosed, err))
}

func (s *Session) outerExpired() {
	if !s.outerActive {
		return
	}
	s.finish(Failed, fmt.Errorf("%w: no response from server within %s", ErrTimeout, s.timeout))
}

func (s *Session) startIdle() {
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idleStarts++
	s.idleGen++
	gen := s.idleGen
	s.idle = time.AfterFunc(s.timeout, func() {
		s.post(func() { s.idleExpired(gen) })
	})
}

func (s *Session) idleExpired(gen int) {
	if gen != s.idleGen {
		return
	}
	s.finish(Failed, fmt.Errorf("%w: server sent %d frame(s) but never confirmed login within %s", ErrTimeout, s.frames, s.timeout))
}

func (s *Session) stopOuter() {
	s.outerActive = false
	if s.outer != nil {
		s.outer.Stop()
	}
}

func (s *Session) stopTimers() {
	s.stopOuter()
	s.idleGen++
	if s.idle != nil {
		s.idle.Stop()
	}
}

// finish performs the terminal transition. Only the first call has an
// effect.
func (s *Session) finish(state State, err error) {
	if s.state.Terminal() {
		return
	}
	s.enter(state)
	s.stopTimers()
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("closing transport", slog.Any("error", cerr))
	}
	s.outcome <- err
	if s.ownsLoop {
		s.loop.Stop()
	}
}

// events forwards transport callbacks onto the session loop.
type events struct {
	s *Session
}

func (e *events) Connected() { e.s.post(e.s.onConnected) }
func (e *events) Frame()     { e.s.post(e.s.onFrame) }
func (e *events) Ready()     { e.s.post(e.s.onReady) }

func (e *events) Closed(err error) {
	e.s.post(func() { e.s.onClosed(err) })
}

func (e *events) Failed(err error) {
	e.s.post(func() {
		if err == nil {
			err = ErrClosed
		}
		e.s.finish(Failed, err)
	})
}
