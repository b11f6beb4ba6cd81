package browser

import (
	"context"
	"time"
)

// CombineContext derives from primary, which carries the CDP target, and is
// also canceled when secondary is done.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps the values of its parent but none of its cancellation.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// Detach returns a context that inherits values from ctx but outlives it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
