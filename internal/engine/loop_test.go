package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopRunsPostedWorkInOrder(t *testing.T) {
	loop := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		if !loop.Post(func() { got = append(got, i) }) {
			t.Fatalf("post %d rejected", i)
		}
	}
	if err := loop.Call(ctx, func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want ascending order", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("got %d tasks, want 5", len(got))
	}
}

func TestLoopAfterPostsToLoop(t *testing.T) {
	loop := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{})
	loop.After(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}

	stop := loop.After(time.Hour, func() { t.Errorf("stopped timer fired") })
	stop()
}

func TestLoopStopDiscardsQueuedTimer(t *testing.T) {
	loop := NewLoop(4)
	ran := false
	stop := loop.After(time.Millisecond, func() { ran = true })

	// Nothing runs the loop yet, so the fired timer sits in the queue.
	deadline := time.Now().Add(2 * time.Second)
	for len(loop.tasks) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
	stop()
	loop.Drain()
	if ran {
		t.Fatalf("stopped timer ran after being queued")
	}
}

func TestLoopRejectsWorkAfterStop(t *testing.T) {
	loop := NewLoop(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if loop.Post(func() {}) {
		t.Fatalf("post after stop should be rejected")
	}
	if err := loop.Call(context.Background(), func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("expected ErrLoopStopped, got %v", err)
	}
}

func TestLoopCallHonoursContext(t *testing.T) {
	loop := NewLoop(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nobody runs the loop, so only the context can end the wait.
	if err := loop.Call(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
