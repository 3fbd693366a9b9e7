package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// LocalDispatcher is an in-process Dispatcher keyed by NetworkEndpoint. It
// never touches a socket: Send looks the destination's Handler up in a
// shared registry and calls it directly, optionally after an injected delay
// or a simulated drop. Tests use this exclusively so that timing and loss
// are deterministic.
type LocalDispatcher struct {
	mu       sync.RWMutex
	handlers map[NetworkEndpoint]Handler

	// DropRate is the probability (0..1) that Send fails with a simulated
	// "unreachable" error instead of reaching the handler.
	DropRate float64
	// Latency, if non-zero, is applied before every delivered Send.
	Latency time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewLocalDispatcher returns an empty registry. Register endpoints with
// Bind before routing Sends to them.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{
		handlers: make(map[NetworkEndpoint]Handler),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Bind registers h as the Handler for endpoint ep, replacing any prior one.
func (d *LocalDispatcher) Bind(ep NetworkEndpoint, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[ep] = h
}

// Unbind removes ep's handler, simulating a host leaving the fabric.
func (d *LocalDispatcher) Unbind(ep NetworkEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, ep)
}

func (d *LocalDispatcher) shouldDrop() bool {
	if d.DropRate <= 0 {
		return false
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Float64() < d.DropRate
}

// Send implements Dispatcher.
func (d *LocalDispatcher) Send(ctx context.Context, to NetworkEndpoint, req Envelope) (Envelope, error) {
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
	if d.shouldDrop() {
		return Envelope{}, fmt.Errorf("transport: %s unreachable (simulated drop)", to)
	}

	d.mu.RLock()
	h, ok := d.handlers[to]
	d.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("transport: no handler bound for %s", to)
	}
	return h.Handle(ctx, req)
}
