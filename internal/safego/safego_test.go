package safego

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	prevSleep, prevOut := sleep, panicOutput
	sleep = func(d time.Duration) { slept = append(slept, d) }
	panicOutput = &bytes.Buffer{}
	t.Cleanup(func() {
		sleep = prevSleep
		panicOutput = prevOut
	})
	return &slept
}

func TestGoRestartsAfterPanic(t *testing.T) {
	slept := stubSleep(t)
	var g errgroup.Group
	runs := 0
	Go(context.Background(), &g, "loop", func(context.Context) error {
		runs++
		if runs < 3 {
			panic("boom")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 3 {
		t.Fatalf("expected 3 runs, got %d", runs)
	}
	if len(*slept) != 2 || (*slept)[1] < 2*initialBackoff {
		t.Fatalf("expected doubling backoff, got %v", *slept)
	}
	if !strings.Contains(panicOutput.(*bytes.Buffer).String(), "loop panicked: boom") {
		t.Fatalf("panic not reported: %q", panicOutput.(*bytes.Buffer).String())
	}
}

func TestGoReturnsError(t *testing.T) {
	stubSleep(t)
	g, ctx := errgroup.WithContext(context.Background())
	want := errors.New("stop")
	Go(ctx, g, "loop", func(context.Context) error { return want })
	if err := g.Wait(); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestGoStopsWhenCancelled(t *testing.T) {
	stubSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	runs := 0
	Go(ctx, &g, "loop", func(context.Context) error {
		runs++
		cancel()
		panic("again")
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected a single run after cancel, got %d", runs)
	}
}
