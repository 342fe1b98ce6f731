package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestSubmitRunsInOrder(t *testing.T) {
	loop := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		if !loop.Submit(func() { results <- i }) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for task %d", want)
		}
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	loop := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()

	// Wait for the loop goroutine to close its quit channel.
	deadline := time.After(time.Second)
	for loop.Submit(func() {}) {
		select {
		case <-deadline:
			t.Fatalf("submit kept succeeding after shutdown")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestAfterFiresOnLoop(t *testing.T) {
	loop := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{})
	loop.After(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("scheduled task never fired")
	}
}

func TestAfterCancelPreventsFire(t *testing.T) {
	loop := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{}, 1)
	task := loop.After(20*time.Millisecond, func() { fired <- struct{}{} })
	task.Cancel()

	select {
	case <-fired:
		t.Fatalf("cancelled task fired anyway")
	case <-time.After(60 * time.Millisecond):
	}
	if !task.Cancelled() {
		t.Fatalf("task should report cancelled")
	}
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	loop := New(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	ticks := make(chan struct{}, 16)
	task := loop.Every(5*time.Millisecond, func() { ticks <- struct{}{} })

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}

	task.Cancel()
	// Drain anything already queued, then confirm silence.
	time.Sleep(20 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Fatalf("ticker kept firing after cancel")
	case <-time.After(30 * time.Millisecond):
	}
}
