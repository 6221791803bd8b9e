package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Govern runs attempt with a deadline of timeout and returns its error.
//
// The attempt runs in its own goroutine and receives a context that is
// cancelled when the deadline passes, when the parent context is cancelled,
// or when Govern returns. Attempts must tie every connection they open to
// that context (see closeOnDone) so an abandoned attempt releases its
// resources promptly.
//
// If the deadline passes first, Govern returns an error wrapping
// ErrTimeout without waiting for the attempt. A panic inside the attempt
// is recovered and reported as ErrNegotiation.
func Govern(ctx context.Context, timeout time.Duration, attempt func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic during handshake: %v", ErrNegotiation, r)
			}
		}()
		done <- attempt(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
			// The attempt noticed the deadline (usually as a closed
			// connection) before we did.
			return timeoutError(ctx, timeout, err)
		}
		return err
	case <-ctx.Done():
		return timeoutError(ctx, timeout, nil)
	}
}

// timeoutError builds the error reported when the governed context ends.
func timeoutError(ctx context.Context, timeout time.Duration, cause error) error {
	reason := fmt.Sprintf("no outcome within %s", timeout)
	if errors.Is(ctx.Err(), context.Canceled) {
		reason = "probe cancelled"
	}
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, reason, cause)
	}
	return fmt.Errorf("%w: %s", ErrTimeout, reason)
}

// closeOnDone closes c when ctx ends and returns a function that detaches
// the hook. It also applies the context deadline, if any, to c.
func closeOnDone(ctx context.Context, c interface {
	Close() error
	SetDeadline(t time.Time) error
}) (stop func() bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(deadline) //nolint:errcheck // best effort; AfterFunc still closes
	}
	return context.AfterFunc(ctx, func() {
		_ = c.Close() //nolint:errcheck // unblocks pending I/O
	})
}
