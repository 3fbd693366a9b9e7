/*
Package transport provides the message dispatcher abstraction the balancing
fabric is built on.

The fabric never opens a socket on its own behalf beyond what this package
offers: a Dispatcher sends a typed Envelope to a NetworkEndpoint and waits
for a reply, the same shape whether delivery is in-process (LocalDispatcher
calls the Handler bound for the endpoint directly, no network) or over a
socket (UDPDispatcher, JSON-framed). GossipMiddleware
wraps any Dispatcher to piggyback the push-sum gossip payload described in
internal/balancer onto every outgoing request/reply, so that explicit gossip
ticks are only needed when no other traffic is flowing.

None of the balancing logic in internal/balancer depends on which Dispatcher
is in use; tests exclusively use LocalDispatcher so that drop rates and
latencies are deterministic.
*/
package transport
