package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport is a scripted Transport.
type fakeTransport struct {
	connect func(ctx context.Context, ev Events) error
	closed  atomic.Int32
	events  chan Events
}

func newFakeTransport(connect func(ctx context.Context, ev Events) error) *fakeTransport {
	return &fakeTransport{connect: connect, events: make(chan Events, 1)}
}

func (f *fakeTransport) Connect(ctx context.Context, ev Events) error {
	f.events <- ev
	if f.connect == nil {
		return nil
	}
	return f.connect(ctx, ev)
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func TestSessionRun(t *testing.T) {
	t.Parallel()

	t.Run("ready signal authenticates", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(func(_ context.Context, ev Events) error {
			ev.Connected()
			ev.Frame()
			ev.Ready()
			return nil
		})
		s := New(tr, time.Second)

		if err := s.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		want := []State{Connecting, Negotiating, Authenticated, Closed}
		if got := s.Trace(); !slices.Equal(got, want) {
			t.Errorf("Trace() = %v, want %v", got, want)
		}
		if got := tr.closed.Load(); got != 1 {
			t.Errorf("transport closed %d times, want 1", got)
		}
	})

	t.Run("ready while connecting implies connected", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(func(_ context.Context, ev Events) error {
			ev.Ready()
			return nil
		})
		s := New(tr, time.Second)

		if err := s.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		want := []State{Connecting, Negotiating, Authenticated, Closed}
		if got := s.Trace(); !slices.Equal(got, want) {
			t.Errorf("Trace() = %v, want %v", got, want)
		}
	})

	t.Run("connect error fails immediately", func(t *testing.T) {
		t.Parallel()

		errRefused := errors.New("connection refused")
		tr := newFakeTransport(func(context.Context, Events) error {
			return errRefused
		})
		s := New(tr, 5*time.Second)

		start := time.Now()
		err := s.Run(context.Background())
		if !errors.Is(err, errRefused) {
			t.Fatalf("Run() error = %v, want %v", err, errRefused)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Run() took %v, want an immediate failure", elapsed)
		}
		want := []State{Connecting, Failed}
		if got := s.Trace(); !slices.Equal(got, want) {
			t.Errorf("Trace() = %v, want %v", got, want)
		}
	})

	t.Run("close during negotiation fails", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(func(_ context.Context, ev Events) error {
			ev.Connected()
			ev.Frame()
			ev.Closed(nil)
			return nil
		})
		s := New(tr, time.Second)

		err := s.Run(context.Background())
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Run() error = %v, want ErrClosed", err)
		}
		if s.State() != Failed {
			t.Errorf("State() = %v, want %v", s.State(), Failed)
		}
	})

	t.Run("transport error is kept", func(t *testing.T) {
		t.Parallel()

		errDenied := errors.New("access denied")
		tr := newFakeTransport(func(_ context.Context, ev Events) error {
			ev.Connected()
			ev.Failed(errDenied)
			return nil
		})
		s := New(tr, time.Second)

		if err := s.Run(context.Background()); !errors.Is(err, errDenied) {
			t.Fatalf("Run() error = %v, want %v", err, errDenied)
		}
	})
}

func TestSessionTimers(t *testing.T) {
	t.Parallel()

	const timeout = 300 * time.Millisecond
	const epsilon = 400 * time.Millisecond

	t.Run("no frame fails on the outer timeout", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(func(_ context.Context, ev Events) error {
			ev.Connected()
			return nil
		})
		s := New(tr, timeout)

		start := time.Now()
		err := s.Run(context.Background())
		elapsed := time.Since(start)

		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Run() error = %v, want ErrTimeout", err)
		}
		if elapsed < timeout {
			t.Errorf("Run() failed after %v, before the %v timeout", elapsed, timeout)
		}
		if elapsed > timeout+epsilon {
			t.Errorf("Run() failed after %v, want at most %v", elapsed, timeout+epsilon)
		}
		if got := tr.closed.Load(); got != 1 {
			t.Errorf("transport closed %d times, want 1", got)
		}
	})

	t.Run("frames without ready fail on the idle timer", func(t *testing.T) {
		t.Parallel()

		const firstFrame = 150 * time.Millisecond
		tr := newFakeTransport(func(ctx context.Context, ev Events) error {
			ev.Connected()
			select {
			case <-time.After(firstFrame):
				ev.Frame()
			case <-ctx.Done():
			}
			return nil
		})
		s := New(tr, timeout)

		start := time.Now()
		err := s.Run(context.Background())
		elapsed := time.Since(start)

		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Run() error = %v, want ErrTimeout", err)
		}
		if !strings.Contains(err.Error(), "never confirmed login") {
			t.Errorf("Run() error = %q, want the idle timer message", err)
		}
		// The outer timer would have fired at timeout; the idle timer
		// started by the frame fires at firstFrame+timeout.
		if elapsed < firstFrame+timeout-50*time.Millisecond {
			t.Errorf("Run() failed after %v, idle timer fired too early", elapsed)
		}
	})

	t.Run("idle timer restarts at most once", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(func(ctx context.Context, ev Events) error {
			ev.Connected()
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				ev.Frame()
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil
				}
			}
		})
		s := New(tr, timeout)

		start := time.Now()
		err := s.Run(context.Background())
		elapsed := time.Since(start)

		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Run() error = %v, want ErrTimeout", err)
		}
		if elapsed > 2*timeout+epsilon {
			t.Errorf("Run() took %v with a chatty server, idle timer kept restarting", elapsed)
		}
	})

	t.Run("context cancel fails as timeout", func(t *testing.T) {
		t.Parallel()

		tr := newFakeTransport(nil)
		s := New(tr, time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		if err := s.Run(ctx); !errors.Is(err, ErrTimeout) {
			t.Fatalf("Run() error = %v, want ErrTimeout", err)
		}
	})
}

func TestSessionIgnoresLateCallbacks(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport(func(_ context.Context, ev Events) error {
		ev.Connected()
		ev.Ready()
		return nil
	})
	s := New(tr, time.Second)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	before := s.Trace()

	ev := <-tr.events
	ev.Frame()
	ev.Ready()
	ev.Closed(errors.New("late close"))
	ev.Failed(errors.New("late failure"))
	time.Sleep(50 * time.Millisecond)

	if got := s.Trace(); !slices.Equal(got, before) {
		t.Errorf("Trace() changed after terminal state: %v, want %v", got, before)
	}
	if got := tr.closed.Load(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRun", err)
	}
}

func TestSessionLoopOwnership(t *testing.T) {
	t.Parallel()

	ready := func(_ context.Context, ev Events) error {
		ev.Connected()
		ev.Ready()
		return nil
	}

	t.Run("owned loops are independent", func(t *testing.T) {
		t.Parallel()

		for i := range 3 {
			s := New(newFakeTransport(ready), time.Second)
			if err := s.Run(context.Background()); err != nil {
				t.Fatalf("run %d: Run() error = %v", i, err)
			}
			select {
			case <-s.loop.Done():
			case <-time.After(time.Second):
				t.Fatalf("run %d: owned loop was not stopped", i)
			}
		}
	})

	t.Run("injected loop is never stopped", func(t *testing.T) {
		t.Parallel()

		loop := NewLoop()
		loop.Start()
		defer loop.Stop()

		for i := range 3 {
			s := New(newFakeTransport(ready), time.Second, WithLoop(loop))
			if err := s.Run(context.Background()); err != nil {
				t.Fatalf("run %d: Run() error = %v", i, err)
			}
		}
		if loop.Stopped() {
			t.Error("session stopped an injected loop")
		}
	})

	t.Run("stopped injected loop fails the run", func(t *testing.T) {
		t.Parallel()

		loop := NewLoop()
		loop.Stop()

		s := New(newFakeTransport(nil), time.Second, WithLoop(loop))
		if err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
			t.Fatalf("Run() error = %v, want ErrClosed", err)
		}
	})
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    State
		terminal bool
	}{
		{Connecting, false},
		{Negotiating, false},
		{Authenticated, false},
		{Closed, true},
		{Failed, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			t.Parallel()
			if got := tt.state.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
