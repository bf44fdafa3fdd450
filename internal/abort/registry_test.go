package abort

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAbortLifecycle(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("a", cancel)
	if r.IsAborted("a") {
		t.Fatalf("fresh id aborted")
	}
	if _, ok := r.StartedAt("a"); ok {
		t.Fatalf("fresh id has start time")
	}
	r.MarkStart("a")
	start, ok := r.StartedAt("a")
	if !ok || r.IsAborted("a") {
		t.Fatalf("mark start must record time only")
	}
	if !r.Abort("a") || !r.IsAborted("a") {
		t.Fatalf("abort not applied")
	}
	if got, _ := r.StartedAt("a"); !got.Equal(start) {
		t.Fatalf("abort overwrote earlier start time")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("abort did not cancel context")
	}
	r.Clear("a")
	if r.Known("a") || r.IsAborted("a") {
		t.Fatalf("clear did not forget id")
	}
}

func TestAbortUnknown(t *testing.T) {
	r := New()
	if r.Abort("nope") {
		t.Fatalf("unknown id reported known")
	}
	r.MarkStart("nope")
	if _, ok := r.StartedAt("nope"); ok {
		t.Fatalf("unknown id got a start time")
	}
}

func TestAbortSetsStartWhenUnmarked(t *testing.T) {
	r := New()
	r.Register("b", nil)
	r.Abort("b")
	if _, ok := r.StartedAt("b"); !ok {
		t.Fatalf("abort must set start time")
	}
}

func TestClearAfter(t *testing.T) {
	r := New()
	r.Register("c", nil)
	done := make(chan struct{})
	r.ClearAfter("c", 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("deferred clear never ran")
	}
	deadline := time.Now().Add(time.Second)
	for r.Known("c") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Known("c") {
		t.Fatalf("id not cleared")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("x", nil)
			r.MarkStart("x")
			r.Abort("x")
			_ = r.IsAborted("x")
		}()
	}
	wg.Wait()
}
