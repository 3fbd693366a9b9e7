package balancer

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/indexfabric/balancer/internal/transport"
)

// OverloadKind is the decision ladder's verdict for one tick.
type OverloadKind int

const (
	Balanced OverloadKind = iota
	DataOverload
	BusyOverload
	BusyUnderload
	SingleOverload
)

func (k OverloadKind) String() string {
	switch k {
	case DataOverload:
		return "DataOverload"
	case BusyOverload:
		return "BusyOverload"
	case BusyUnderload:
		return "BusyUnderload"
	case SingleOverload:
		return "SingleOverload"
	default:
		return "Balanced"
	}
}

// BalancingModule runs one balancing attempt per tick under a non-reentrant
// try-lock: if a tick arrives while another is executing, the new tick
// returns Balanced without running, so at most one decision is ever
// active on a host.
type BalancingModule struct {
	host *Host

	tryMu sync.Mutex

	counterMu sync.Mutex
	lastKind  OverloadKind
	rechecks  int
}

// NewBalancingModule builds a decision engine bound to host.
func NewBalancingModule(host *Host) *BalancingModule {
	return &BalancingModule{host: host}
}

// ResetCounters clears the hysteresis state, used on restore and on
// Start/Stop with clearStats.
func (m *BalancingModule) ResetCounters() {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	m.lastKind = Balanced
	m.rechecks = 0
}

// observe records kind as this tick's verdict and reports whether the
// hysteresis threshold (OVERLOAD_RECHECKS consecutive ticks of the same
// kind) has now been met. A different kind, or Balanced, resets the counter.
func (m *BalancingModule) observe(kind OverloadKind) bool {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	if kind == Balanced {
		m.lastKind = Balanced
		m.rechecks = 0
		return false
	}
	if kind == m.lastKind {
		m.rechecks++
	} else {
		m.lastKind = kind
		m.rechecks = 1
	}
	return m.rechecks >= m.host.Config.OverloadRechecks
}

// Tick runs one balancing attempt. It returns the verdict reached; actions
// are only executed once hysteresis clears, so a returned non-Balanced kind
// does not necessarily mean an action fired yet.
func (m *BalancingModule) Tick(ctx context.Context) OverloadKind {
	if !m.tryMu.TryLock() {
		return Balanced
	}
	defer m.tryMu.Unlock()

	h := m.host
	nodes := h.Primaries()

	// Step 1.
	if len(nodes) == 0 || !h.Gossip.Ready() {
		m.observe(Balanced)
		return Balanced
	}
	data := h.DataLoad()
	busy := h.Busy.Value()
	single := h.Single.Value()
	avgData := h.Gossip.AvgData()
	avgBusy := h.Gossip.AvgBusy()
	avgSingle := h.Gossip.AvgSingle()

	// Step 2: idle-host data-overload check.
	if !busy.Unknown() && int64(busy) == 0 && avgBusy < float64(h.Config.MinBusyLoad) {
		if avgData > float64(h.Config.MinSingleLoad) && float64(data) >= 1.5*avgData {
			if m.observe(DataOverload) {
				m.fireDataOverload(ctx, nodes, avgBusy)
			}
			return DataOverload
		}
	}

	// Step 3.
	if busy.Unknown() || avgBusy < float64(h.Config.MinBusyLoad) {
		m.observe(Balanced)
		return Balanced
	}

	// Step 4.
	if float64(busy) > 2*avgBusy {
		if len(nodes) > 1 {
			if m.observe(BusyOverload) {
				m.deleteOrMigrate(ctx, true, int64(busy), nodes, avgBusy, avgSingle)
			}
		} else {
			if m.observe(BusyOverload) {
				n := nodes[0]
				if float64(n.Single.Value()) > 2*avgSingle && !n.Single.Value().Unknown() {
					m.splitOntoUnderAvg(ctx, n, avgBusy)
				} else {
					m.replicateOntoUnderAvg(ctx, n, avgBusy)
				}
			}
		}
		return BusyOverload
	}

	// Step 5.
	if float64(busy) < 0.5*avgBusy {
		if m.observe(BusyUnderload) {
			m.runBusyUnderload(ctx, nodes, avgBusy)
		}
		return BusyUnderload
	}

	// Step 6.
	if !single.Unknown() && float64(single) > 2*avgSingle {
		if len(nodes) > 1 {
			if m.observe(SingleOverload) {
				m.deleteOrMigrate(ctx, false, int64(busy), nodes, avgBusy, avgSingle)
			}
		} else {
			if m.observe(SingleOverload) {
				m.splitOntoProjectedSafe(ctx, nodes[0], avgBusy)
			}
		}
		return SingleOverload
	}

	// Step 7.
	m.observe(Balanced)
	return Balanced
}

func (m *BalancingModule) fireDataOverload(ctx context.Context, nodes []*LogicalNode, avgBusy float64) {
	h := m.host
	peer, ok := m.findEmptyPeer(ctx)
	if !ok {
		return
	}
	if len(nodes) > 1 {
		n := leastLoaded(nodes)
		if err := h.Migrate(ctx, n, peer.Endpoint); err != nil {
			log.Printf("balancer: data-overload migrate failed: %v", err)
		}
		return
	}
	if err := h.Split(ctx, nodes[0], peer.Endpoint); err != nil {
		log.Printf("balancer: data-overload split failed: %v", err)
	}
}

// findEmptyPeer scans unloadedPeers for one passing isEmpty.
func (m *BalancingModule) findEmptyPeer(ctx context.Context) (PeerEntry, bool) {
	for _, peer := range m.host.Unloaded.Snapshot() {
		if m.host.isEmpty(ctx, peer) {
			return peer, true
		}
	}
	return PeerEntry{}, false
}

// findUnderAvgPeer scans unloadedPeers for one passing isUnderAvg.
func (m *BalancingModule) findUnderAvgPeer(ctx context.Context, avgBusy float64) (PeerEntry, bool) {
	for _, peer := range m.host.Unloaded.Snapshot() {
		if m.host.isUnderAvg(ctx, peer, avgBusy) {
			return peer, true
		}
	}
	return PeerEntry{}, false
}

func (m *BalancingModule) splitOntoUnderAvg(ctx context.Context, n *LogicalNode, avgBusy float64) {
	peer, ok := m.findUnderAvgPeer(ctx, avgBusy)
	if !ok {
		return
	}
	if err := m.host.Split(ctx, n, peer.Endpoint); err != nil {
		log.Printf("balancer: busy-overload split failed: %v", err)
	}
}

func (m *BalancingModule) replicateOntoUnderAvg(ctx context.Context, n *LogicalNode, avgBusy float64) {
	peer, ok := m.findUnderAvgPeer(ctx, avgBusy)
	if !ok {
		return
	}
	if err := m.host.Replicate(ctx, n, peer.Endpoint, false); err != nil {
		log.Printf("balancer: busy-overload replicate failed: %v", err)
	}
}

func (m *BalancingModule) splitOntoProjectedSafe(ctx context.Context, n *LogicalNode, avgBusy float64) {
	h := m.host
	avgSingle := h.Gossip.AvgSingle()
	for _, peer := range h.Unloaded.Snapshot() {
		if h.isSafe(ctx, int64(h.Busy.Value()), peer, avgBusy, avgSingle, int64(n.Single.Value()), 0) {
			if err := h.Split(ctx, n, peer.Endpoint); err != nil {
				log.Printf("balancer: single-overload split failed: %v", err)
			}
			return
		}
	}
}

// deleteOrMigrate: sort nodes
// ascending by busy-load; for the least-loaded non-replicated primary,
// Leave it if its merge neighbour is safe; otherwise try migrating each
// node to an under-average (checkUnderAvg) or projected-safe peer. Returns
// on the first action that succeeds.
func (m *BalancingModule) deleteOrMigrate(ctx context.Context, checkUnderAvg bool, myBusy int64, nodes []*LogicalNode, avgBusy, avgSingle float64) {
	h := m.host
	sorted := append([]*LogicalNode(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Busy.Value() < sorted[j].Busy.Value() })

	least := sorted[0]
	if least.ReplicaCount() == 0 {
		if neighbour, ok := least.Engine.MergeableNeighbour(); ok {
			if h.isSafe(ctx, myBusy, h.peerEntryFor(neighbour.Endpoint), avgBusy, avgSingle, 0, 0) {
				if err := h.Leave(ctx, least, neighbour.Endpoint); err == nil {
					return
				}
			}
		}
	}

	for _, n := range sorted {
		var target PeerEntry
		var ok bool
		if checkUnderAvg {
			target, ok = m.findUnderAvgPeer(ctx, avgBusy)
		} else {
			target, ok = m.findProjectedSafePeer(ctx, myBusy, avgBusy, avgSingle, n)
		}
		if !ok {
			continue
		}
		if err := h.Migrate(ctx, n, target.Endpoint); err == nil {
			return
		}
	}
}

func (m *BalancingModule) findProjectedSafePeer(ctx context.Context, myBusy int64, avgBusy, avgSingle float64, n *LogicalNode) (PeerEntry, bool) {
	h := m.host
	for _, peer := range h.Unloaded.Snapshot() {
		if h.isSafe(ctx, myBusy, peer, avgBusy, avgSingle, int64(n.Busy.Value()), int64(n.Single.Value())) {
			return peer, true
		}
	}
	return PeerEntry{}, false
}

// runBusyUnderload sheds the host's underload three ways, cheapest
// first: Unify a removable replica, offer a merge to a neighbour, then
// offer generally to the most-loaded peers.
func (m *BalancingModule) runBusyUnderload(ctx context.Context, nodes []*LogicalNode, avgBusy float64) {
	h := m.host

	for _, n := range nodes {
		for _, ep := range n.Replicas() {
			if h.suitableHost(ctx, ep, SuitableHostRequest{ReplicaID: &n.ID}) {
				if err := h.Unify(ctx, n, ep, false); err == nil {
					return
				}
			}
		}
	}

	for _, n := range nodes {
		if neighbour, ok := n.Engine.MergeableNeighbour(); ok {
			// The offer names the neighbour's own node so the receiving
			// host can find it in its node map and merge it into us.
			reply, err := h.send(ctx, neighbour.Endpoint, transport.KindBalancingOffer, BalancingOfferRequest{NodeToDelete: &neighbour})
			if err != nil {
				continue
			}
			var br BalancingOfferReply
			if err := reply.Decode(&br); err == nil && br.Accepted {
				return
			}
		}
	}

	for _, peer := range h.Loaded.Snapshot() {
		reply, err := h.send(ctx, peer.Endpoint, transport.KindBalancingOffer, BalancingOfferRequest{SenderLoad: valueOrZero(h.Busy.Value())})
		if err != nil {
			continue
		}
		var br BalancingOfferReply
		if err := reply.Decode(&br); err == nil && br.Accepted {
			return
		}
	}
}

// processBalancingOffer is the inverse side of the underload cases,
// invoked when a BalancingOffer request arrives.
func (m *BalancingModule) processBalancingOffer(ctx context.Context, sender transport.NetworkEndpoint, senderLoad int64, nodeToDelete *NodeID) bool {
	h := m.host

	if nodeToDelete != nil {
		n, ok := h.Node(*nodeToDelete)
		if !ok {
			return false
		}
		avgBusy := h.Gossip.AvgBusy()
		if h.isSafe(ctx, int64(h.Busy.Value()), h.peerEntryFor(sender), avgBusy, h.Gossip.AvgSingle(), 0, 0) {
			return h.Leave(ctx, n, sender) == nil
		}
		return false
	}

	avgBusy := h.Gossip.AvgBusy()
	myBusy := h.Busy.Value()
	if myBusy.Unknown() || float64(myBusy) <= avgBusy {
		return false
	}

	nodes := h.Primaries()
	busyOnes := nodes[:0]
	for _, n := range nodes {
		if !n.Busy.Value().Unknown() {
			busyOnes = append(busyOnes, n)
		}
	}
	if len(busyOnes) == 0 {
		return false
	}
	n := leastLoaded(busyOnes)

	avgSingle := h.Gossip.AvgSingle()
	underAvg := float64(senderLoad) <= avgBusy
	if float64(n.Single.Value()) > 2*avgSingle {
		if underAvg {
			return h.Split(ctx, n, sender) == nil
		}
		return false
	}
	if underAvg {
		return h.Replicate(ctx, n, sender, false) == nil
	}
	return h.Migrate(ctx, n, sender) == nil
}

func leastLoaded(nodes []*LogicalNode) *LogicalNode {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Busy.Value() < best.Busy.Value() {
			best = n
		}
	}
	return best
}
