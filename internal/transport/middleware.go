package transport

import "context"

// GossipMiddleware wraps a Dispatcher, piggybacking the local
// GossipExchanger's current payload onto every outgoing Envelope and
// merging whatever payload comes back on the reply. When no
// other traffic is flowing between two hosts, the scheduler's gossip tick
// (internal/balancer/scheduler.go) sends a bare KindGossipTick Envelope
// through the same middleware so the estimator still advances.
type GossipMiddleware struct {
	next     Dispatcher
	exchange GossipExchanger
}

// NewGossipMiddleware wraps next so every Send rides on exchange's gossip
// payload in both directions.
func NewGossipMiddleware(next Dispatcher, exchange GossipExchanger) *GossipMiddleware {
	return &GossipMiddleware{next: next, exchange: exchange}
}

// Send implements Dispatcher.
func (m *GossipMiddleware) Send(ctx context.Context, to NetworkEndpoint, req Envelope) (Envelope, error) {
	payload := m.exchange.PreparePayload()
	req.Gossip = &payload

	reply, err := m.next.Send(ctx, to, req)
	if err != nil {
		return reply, err
	}
	if reply.Gossip != nil {
		m.exchange.Merge(*reply.Gossip)
	}
	return reply, nil
}

// WrapHandler returns a Handler that merges inbound gossip piggybacked on
// req and attaches the local payload to the reply, for use on the receiving
// side of a Dispatcher (e.g. around Host.Handle, as Host.Receiver does,
// before the per-node-kind logic runs).
func WrapHandler(next Handler, exchange GossipExchanger) Handler {
	return HandlerFunc(func(ctx context.Context, req Envelope) (Envelope, error) {
		if req.Gossip != nil {
			exchange.Merge(*req.Gossip)
		}
		reply, err := next.Handle(ctx, req)
		if err != nil {
			return reply, err
		}
		payload := exchange.PreparePayload()
		reply.Gossip = &payload
		return reply, nil
	})
}
