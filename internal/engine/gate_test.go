package engine

import (
	"context"
	"testing"
	"time"
)

func TestGateStartsOpen(t *testing.T) {
	t.Parallel()

	g := NewGate()
	if !g.IsSet() {
		t.Fatalf("expected new gate open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("wait on open gate: %v", err)
	}
}

func TestResetBlocksUntilSet(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Reset()

	released := make(chan struct{})
	go func() {
		_ = g.Wait(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatalf("waiter passed a closed gate")
	case <-time.After(50 * time.Millisecond):
	}

	g.Set()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("waiter not released by Set")
	}
}

func TestSetWithoutWaitersIsSafe(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Set()
	g.Set()
	g.Reset()
	g.Reset()
	g.Set()

	if !g.IsSet() {
		t.Fatalf("expected gate open after final Set")
	}
}

func TestWaitObservesCancellation(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := g.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
