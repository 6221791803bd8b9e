package session

import (
	"slices"
	"sync"
	"testing"
	"time"
)

func TestLoop(t *testing.T) {
	t.Parallel()

	t.Run("runs posted functions in order", func(t *testing.T) {
		t.Parallel()

		l := NewLoop()
		l.Start()
		defer l.Stop()

		var (
			mu  sync.Mutex
			got []int
			wg  sync.WaitGroup
		)
		wg.Add(100)
		for i := range 100 {
			l.Post(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				wg.Done()
			})
		}
		wg.Wait()

		for i, v := range got {
			if v != i {
				t.Fatalf("function %d ran at position %d", v, i)
			}
		}
	})

	t.Run("functions posted before start run after start", func(t *testing.T) {
		t.Parallel()

		l := NewLoop()
		done := make(chan struct{})
		l.Post(func() { close(done) })
		l.Start()
		defer l.Stop()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("queued function did not run")
		}
	})

	t.Run("post after stop is rejected", func(t *testing.T) {
		t.Parallel()

		l := NewLoop()
		l.Start()
		l.Stop()

		if l.Post(func() {}) {
			t.Error("Post() = true after Stop")
		}
		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("Done() not closed after Stop")
		}
	})

	t.Run("stop from inside the loop drops the rest", func(t *testing.T) {
		t.Parallel()

		l := NewLoop()
		var ran []string
		l.Post(func() { ran = append(ran, "first") })
		l.Post(l.Stop)
		l.Post(func() { ran = append(ran, "never") })
		l.Start()

		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("loop did not stop")
		}
		if want := []string{"first"}; !slices.Equal(ran, want) {
			t.Errorf("ran = %v, want %v", ran, want)
		}
	})

	t.Run("stop without start closes done", func(t *testing.T) {
		t.Parallel()

		l := NewLoop()
		l.Stop()
		l.Start()

		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("Done() not closed")
		}
		if !l.Stopped() {
			t.Error("Stopped() = false")
		}
	})
}
