// Package safego runs long-lived loops inside an errgroup and keeps them
// alive across panics.
package safego

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// panicOutput and sleep are replaced in tests.
var (
	panicOutput io.Writer = os.Stderr
	sleep                 = time.Sleep
)

// Go runs fn in the group. A panic is reported to stderr and fn is started
// again after an exponential backoff; it never cancels sibling goroutines.
// A returned error keeps errgroup semantics. Cancelling ctx stops restarts.
//
// Panics bypass the structured logger since the logger itself may be the
// source.
func Go(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := initialBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			err, recovered, panicked := call(ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(panicOutput, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			sleep(backoff + jitter(backoff))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func call(ctx context.Context, fn func(context.Context) error) (err error, recovered any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			panicked = true
		}
	}()
	return fn(ctx), nil, false
}

// jitter adds up to half of backoff without seeding a random source.
func jitter(backoff time.Duration) time.Duration {
	half := backoff / 2
	if half <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(half))
}
