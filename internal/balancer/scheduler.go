package balancer

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/indexfabric/balancer/internal/transport"
)

// Scheduler runs the host's two periodic jobs — the balancing tick and the
// gossip tick — each timer thread handing its work to a small worker pool
// so the timer goroutine returns immediately.
type Scheduler struct {
	host *Host

	workers chan struct{}
	stopCh  chan struct{}

	lastGossipAt time.Time
	lastGossipMu sync.Mutex
}

// NewScheduler builds a scheduler for host with poolSize worker slots.
func NewScheduler(host *Host, poolSize int) *Scheduler {
	if poolSize < 1 {
		poolSize = 4
	}
	return &Scheduler{
		host:    host,
		workers: make(chan struct{}, poolSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the balancing and gossip timer goroutines. Both return as
// soon as ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.balancingLoop(ctx)
	go s.gossipLoop(ctx)
}

// Stop signals both timer goroutines to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// MarkTraffic records that a request/reply just rode gossip piggyback,
// suppressing the next explicit gossip tick.
func (s *Scheduler) MarkTraffic() {
	s.lastGossipMu.Lock()
	s.lastGossipAt = time.Now()
	s.lastGossipMu.Unlock()
}

func (s *Scheduler) recentTraffic(within time.Duration) bool {
	s.lastGossipMu.Lock()
	last := s.lastGossipAt
	s.lastGossipMu.Unlock()
	return !last.IsZero() && time.Since(last) < within
}

func (s *Scheduler) balancingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.host.Config.BalancingDeltaT)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.host.BalancingEnabled() {
				continue
			}
			s.dispatch(ctx, func(ctx context.Context) {
				kind := s.host.Decision.Tick(ctx)
				if kind != Balanced {
					log.Printf("balancer: host %s tick verdict %s", s.host.Self, kind)
				}
				single, busy, data := s.host.readLocalLoad()
				s.host.Metrics.RecordLoad(busy, single, data)
			})
		}
	}
}

func (s *Scheduler) gossipLoop(ctx context.Context) {
	ticker := time.NewTicker(s.host.Config.GossipT)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.host.BalancingEnabled() {
				continue
			}
			if s.recentTraffic(s.host.Config.GossipT) {
				continue
			}
			s.dispatch(ctx, s.runGossipTick)
		}
	}
}

// runGossipTick runs one explicit gossip round: pick a random
// non-self peer known in either directory and exchange gossip directly
// (KindGossipTick), since there is no other traffic to piggyback on.
func (s *Scheduler) runGossipTick(ctx context.Context) {
	h := s.host
	peer, ok := h.randomGossipPeer()
	if !ok {
		return
	}
	env, err := transport.NewEnvelope(transport.KindGossipTick, h.Self, nextMessageID(), struct{}{})
	if err != nil {
		return
	}
	if _, err := h.call(ctx, peer, env); err != nil {
		log.Printf("balancer: gossip tick to %s failed: %v", peer, err)
		h.Metrics.RecordError("gossip-tick", err)
		return
	}
	h.Metrics.RecordGossipRound(h.Gossip.Weight())
	s.MarkTraffic()
}

// randomGossipPeer picks a random non-self endpoint from both peer
// directories; an endpoint listed in both is twice as likely to be picked.
func (h *Host) randomGossipPeer() (transport.NetworkEndpoint, bool) {
	unloaded := h.Unloaded.Snapshot()
	loaded := h.Loaded.Snapshot()
	all := make([]transport.NetworkEndpoint, 0, len(unloaded)+len(loaded))
	for _, e := range unloaded {
		if e.Endpoint != h.Self {
			all = append(all, e.Endpoint)
		}
	}
	for _, e := range loaded {
		if e.Endpoint != h.Self {
			all = append(all, e.Endpoint)
		}
	}
	if len(all) == 0 {
		return transport.NetworkEndpoint{}, false
	}
	return all[rand.Intn(len(all))], true
}

// dispatch hands fn to the bounded worker pool without blocking the caller:
// if every slot is busy the tick is dropped (the next one picks up the
// work), so the timer thread always returns immediately.
func (s *Scheduler) dispatch(ctx context.Context, fn func(context.Context)) {
	select {
	case s.workers <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-s.workers }()
		fn(ctx)
	}()
}
