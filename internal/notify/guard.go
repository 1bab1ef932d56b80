package notify

import (
	"context"
	"time"

	"github.com/MrWong99/voxcap/internal/resilience"
)

const defaultPublishTimeout = 5 * time.Second

// Guarded wraps a [Notifier] with a per-event timeout and a circuit breaker.
// Once the breaker opens, events are rejected with [resilience.ErrOpen]
// without touching the broker, so listeners on the capture path never wait
// on a dead connection.
type Guarded struct {
	next    Notifier
	breaker *resilience.Breaker
	timeout time.Duration
}

// Guard returns n wrapped by breaker. A non-positive timeout selects 5s.
func Guard(n Notifier, breaker *resilience.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Guarded{next: n, breaker: breaker, timeout: timeout}
}

// Notify implements [Notifier].
func (g *Guarded) Notify(ctx context.Context, ev Event) error {
	return g.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.next.Notify(ctx, ev)
	})
}

// Close implements [Notifier] by closing the wrapped notifier.
func (g *Guarded) Close() { g.next.Close() }

// State reports the breaker state.
func (g *Guarded) State() resilience.State { return g.breaker.State() }
