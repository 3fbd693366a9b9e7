package balancer

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/indexfabric/balancer/internal/circuit"
	"github.com/indexfabric/balancer/internal/metrics"
	"github.com/indexfabric/balancer/internal/transport"
	"github.com/indexfabric/balancer/pkg/ferrors"
)

// requestKinds lists the message kinds the host's own receiver accepts
// directly; every other Envelope must carry a NodeID destination routed
// through the node map.
var requestKinds = map[transport.MessageKind]bool{
	transport.KindCreateNode:          true,
	transport.KindMigrate:             true,
	transport.KindNotify:              true,
	transport.KindSuitableHost:        true,
	transport.KindBalancingOffer:      true,
	transport.KindReplicate:           true,
	transport.KindUnify:               true,
	transport.KindMigrateNotify:       true,
	transport.KindStartStopBalancing:  true,
	transport.KindGossipTick:          true,
}

// forwardEntry is a migration-table row: oldID routes to NewID once known,
// or is still Pending while the Migrate is in flight.
type forwardEntry struct {
	NewID   NodeID
	Pending bool
}

// deletedDispatcher marks a node id that has been removed on purpose
// (Leave, Unify). routeToNode answers any message addressed to such an id
// with a NodeDoesntExist reply instead of relaying it to existingHost;
// replies are not told apart from requests, so a late reply gets that
// notice too.
type deletedDispatcher struct {
	removedAt time.Time
}

// Host is the runtime holding a set of logical nodes, the peer
// directories, gossip state, and the reservation slot.
type Host struct {
	Self   transport.NetworkEndpoint
	Config Config
	Stats  *Stats

	Dispatcher transport.Dispatcher
	breakers   *circuit.Set
	Metrics    *metrics.Collector

	idCounter NodeIDCounter

	mu    sync.RWMutex
	nodes map[NodeID]*LogicalNode

	Unloaded *PeerList
	Loaded   *PeerList
	Gossip   *GossipEstimator

	Busy   *BusyLoadMeter
	Single *SingleLoadMeter

	reservationMu  sync.Mutex
	waitingForHost *transport.NetworkEndpoint
	watchdog       *time.Timer

	migratedMu   sync.Mutex
	migratedNodes map[NodeID]*forwardEntry
	deferredMu    sync.Mutex
	deferred      map[NodeID][]transport.Envelope
	deletedMu     sync.Mutex
	deleted       map[NodeID]*deletedDispatcher

	// existingHost is a known non-empty peer this host forwards arbitrary
	// operations to while it owns no primary nodes.
	existingMu   sync.RWMutex
	existingHost *transport.NetworkEndpoint

	balancingMu sync.Mutex
	balancingOn bool

	Decision  *BalancingModule
	Scheduler *Scheduler
}

// NewHost builds a Host at self with the given config and dispatcher. The
// dispatcher is wrapped in a GossipMiddleware bound to the host's own
// estimator, so every outgoing request rides a gossip payload and every
// reply merges one back; bind Receiver() at self's endpoint so the inbound
// side does the same.
func NewHost(self transport.NetworkEndpoint, cfg Config, dispatcher transport.Dispatcher, breakers *circuit.Set) *Host {
	cfg = ApplyDefaults(cfg)
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      "/metrics",
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		log.Printf("balancer: metrics collector disabled: %v", err)
		collector, _ = metrics.NewCollector(&metrics.Config{Enabled: false})
	}
	h := &Host{
		Self:          self,
		Config:        cfg,
		Stats:         NewStats(),
		breakers:      breakers,
		Metrics:       collector,
		nodes:         make(map[NodeID]*LogicalNode),
		Unloaded:      NewPeerList(cfg.PeerListSize, true),
		Loaded:        NewPeerList(cfg.PeerListSize, false),
		Busy:          NewBusyLoadMeter(cfg.BusyLoadWindow),
		Single:        NewSingleLoadMeter(cfg.SingleLoadAverage),
		migratedNodes: make(map[NodeID]*forwardEntry),
		deferred:      make(map[NodeID][]transport.Envelope),
		deleted:       make(map[NodeID]*deletedDispatcher),
		balancingOn:   true,
	}
	h.Unloaded.Pin(self)
	h.Loaded.Pin(self)
	h.Gossip = NewGossipEstimator(self, h.readLocalLoad, h.Unloaded, h.Loaded)
	h.Dispatcher = transport.NewGossipMiddleware(dispatcher, h.Gossip)
	h.Decision = NewBalancingModule(h)
	h.Scheduler = NewScheduler(h, 4)
	return h
}

// Receiver returns the Handler to bind at this host's endpoint: Handle
// wrapped so inbound gossip piggyback is merged into the estimator and
// every reply carries the local payload back to the caller.
func (h *Host) Receiver() transport.Handler {
	return transport.WrapHandler(h, h.Gossip)
}

// readLocalLoad is the GossipEstimator's LocalReader: host-level single,
// busy and data load at this instant.
func (h *Host) readLocalLoad() (single, busy, data int64) {
	s := h.Single.Value()
	b := h.Busy.Value()
	return valueOrZero(s), valueOrZero(b), int64(h.DataLoad())
}

func valueOrZero(l Load) int64 {
	if l.Unknown() {
		return 0
	}
	return int64(l)
}

// bindNodeMeters multi-binds a node's meters to the host's own.
func (h *Host) bindNodeMeters(n *LogicalNode) {
	n.Busy.Bind(h.Busy)
	n.Single.Bind(h.Single)
}

func (h *Host) unbindNodeMeters(n *LogicalNode) {
	n.Busy.Unbind(h.Busy)
	n.Single.Unbind(h.Single)
}

// NextNodeID hands out the next unique id for this host.
func (h *Host) NextNodeID() NodeID {
	return h.idCounter.Next(h.Self)
}

// newBareNode builds a LogicalNode with live, host-bound meters but no
// Engine/Storage yet — used when a node's identity/topology lands ahead of
// its external engine attachment (a Migrate target, a fresh Replicate
// wrapper) so routing and load accounting work immediately; the caller
// attaches Engine/Storage once the external collaborator is ready.
func (h *Host) newBareNode(id NodeID, role Role) *LogicalNode {
	n := &LogicalNode{
		ID:       id,
		Role:     role,
		Busy:     NewBusyLoadMeter(h.Config.BusyLoadWindow),
		Single:   NewSingleLoadMeter(h.Config.SingleLoadAverage),
		replicas: make(map[transport.NetworkEndpoint]struct{}),
	}
	h.bindNodeMeters(n)
	return n
}

// AddNode installs n under its id. The add/remove sequence and any
// routing iteration are wrapped by h.mu.
func (h *Host) AddNode(n *LogicalNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[n.ID] = n
	if n.Role == RolePrimary {
		h.maybeAnnounceNonEmptyLocked()
	}
}

// RemoveNode removes id, unbinding its meters from the host. It returns the
// removed node, or nil if none was present.
func (h *Host) RemoveNode(id NodeID) *LogicalNode {
	h.mu.Lock()
	n, ok := h.nodes[id]
	if ok {
		delete(h.nodes, id)
	}
	h.mu.Unlock()
	if ok {
		h.unbindNodeMeters(n)
	}
	return n
}

// Node looks up id without removing it.
func (h *Host) Node(id NodeID) (*LogicalNode, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

// Nodes returns a snapshot of all nodes currently owned by this host.
func (h *Host) Nodes() []*LogicalNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LogicalNode, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	return out
}

// Primaries returns only the primary nodes.
func (h *Host) Primaries() []*LogicalNode {
	all := h.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.Role == RolePrimary {
			out = append(out, n)
		}
	}
	return out
}

// DataLoad sums the exact object count across all nodes at this host.
func (h *Host) DataLoad() int64 {
	var total int64
	for _, n := range h.Nodes() {
		total += n.DataLoad()
	}
	return total
}

// peerEntryFor looks up ep's current load snapshot in either peer
// directory, used when a balancing decision needs the known load for an
// endpoint that isn't necessarily the iteration source (e.g. a node
// engine's chosen merge neighbour). Returns an UNKNOWN entry if ep is in
// neither directory.
func (h *Host) peerEntryFor(ep transport.NetworkEndpoint) PeerEntry {
	for _, e := range h.Unloaded.Snapshot() {
		if e.Endpoint == ep {
			return e
		}
	}
	for _, e := range h.Loaded.Snapshot() {
		if e.Endpoint == ep {
			return e
		}
	}
	return PeerEntry{Endpoint: ep, BusyLoad: LoadDontKnow, SingleLoad: LoadDontKnow, DataLoad: LoadDontKnow}
}

func (h *Host) maybeAnnounceNonEmptyLocked() {
	// Placeholder hook for the empty-host fallback: once this host holds
	// a primary, peers relaying through it via existingHost should be
	// told so on their next Notify round. No state to update here beyond
	// the node map itself; existingHost is peer-local, not ours.
}

// --- Reservation slot (waitingForHost) ---

// TryReserve sets waitingForHost to source if it is currently empty,
// returning true on success. A successful reservation installs a wall-clock
// watchdog of Config.ReservationWatchdog() that clears the slot if no
// completion/cancel arrives in time.
func (h *Host) TryReserve(source transport.NetworkEndpoint) bool {
	h.reservationMu.Lock()
	defer h.reservationMu.Unlock()
	if h.waitingForHost != nil {
		h.Metrics.RecordReservation(false)
		return false
	}
	ep := source
	h.waitingForHost = &ep
	h.watchdog = time.AfterFunc(h.Config.ReservationWatchdog(), func() {
		h.ClearReservation(source)
	})
	h.Metrics.RecordReservation(true)
	return true
}

// ReservedBy reports the current reservation holder, if any.
func (h *Host) ReservedBy() (transport.NetworkEndpoint, bool) {
	h.reservationMu.Lock()
	defer h.reservationMu.Unlock()
	if h.waitingForHost == nil {
		return transport.NetworkEndpoint{}, false
	}
	return *h.waitingForHost, true
}

// ClearReservation clears the slot iff it is currently held by source.
func (h *Host) ClearReservation(source transport.NetworkEndpoint) bool {
	h.reservationMu.Lock()
	defer h.reservationMu.Unlock()
	if h.waitingForHost == nil || *h.waitingForHost != source {
		return false
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
	h.waitingForHost = nil
	return true
}

// --- Migration forwarding table ---

// MarkMigrationPending pre-removes a node by recording it as pending in the
// forwarding table.
func (h *Host) MarkMigrationPending(old NodeID) {
	h.migratedMu.Lock()
	defer h.migratedMu.Unlock()
	h.migratedNodes[old] = &forwardEntry{Pending: true}
}

// ResolveMigration updates old's forwarding entry to point at newID once
// known, and returns any deferred messages to drain to the new id.
func (h *Host) ResolveMigration(old, newID NodeID) []transport.Envelope {
	h.migratedMu.Lock()
	h.migratedNodes[old] = &forwardEntry{NewID: newID}
	h.migratedMu.Unlock()

	h.deferredMu.Lock()
	defer h.deferredMu.Unlock()
	msgs := h.deferred[old]
	delete(h.deferred, old)
	return msgs
}

// RevertMigration removes the pending entry for old, returning any
// deferred messages so the caller can drain them back to the live node
// directly.
func (h *Host) RevertMigration(old NodeID) []transport.Envelope {
	h.migratedMu.Lock()
	delete(h.migratedNodes, old)
	h.migratedMu.Unlock()

	h.deferredMu.Lock()
	defer h.deferredMu.Unlock()
	msgs := h.deferred[old]
	delete(h.deferred, old)
	return msgs
}

// ForwardEntry reports the current forwarding-table row for old, if any.
func (h *Host) ForwardEntry(old NodeID) (NodeID, bool, bool) {
	h.migratedMu.Lock()
	defer h.migratedMu.Unlock()
	e, ok := h.migratedNodes[old]
	if !ok {
		return NodeID{}, false, false
	}
	return e.NewID, e.Pending, true
}

// DeferMessage queues env under old while its Migrate is still pending.
func (h *Host) DeferMessage(old NodeID, env transport.Envelope) {
	h.deferredMu.Lock()
	defer h.deferredMu.Unlock()
	h.deferred[old] = append(h.deferred[old], env)
}

// MarkDeleted records id as deliberately removed, so messages still
// addressed to it get a NodeDoesntExist reply from this host rather than
// being relayed to existingHost.
func (h *Host) MarkDeleted(id NodeID) {
	h.deletedMu.Lock()
	defer h.deletedMu.Unlock()
	h.deleted[id] = &deletedDispatcher{removedAt: time.Now()}
}

func (h *Host) isDeleted(id NodeID) bool {
	h.deletedMu.Lock()
	defer h.deletedMu.Unlock()
	_, ok := h.deleted[id]
	return ok
}

// --- Empty-host fallback ---

// SetExistingHost records a known non-empty peer to forward arbitrary
// operations to while this host owns no primaries.
func (h *Host) SetExistingHost(ep transport.NetworkEndpoint) {
	h.existingMu.Lock()
	defer h.existingMu.Unlock()
	h.existingHost = &ep
}

func (h *Host) existingHostLocked() (transport.NetworkEndpoint, bool) {
	h.existingMu.RLock()
	defer h.existingMu.RUnlock()
	if h.existingHost == nil {
		return transport.NetworkEndpoint{}, false
	}
	return *h.existingHost, true
}

// --- Start/Stop balancing ---

// SetBalancing toggles periodic balancing/gossiping, optionally clearing
// all statistics.
func (h *Host) SetBalancing(on, clearStats bool) {
	h.balancingMu.Lock()
	h.balancingOn = on
	h.balancingMu.Unlock()

	if clearStats {
		h.Busy.Reset()
		h.Single.Reset()
		h.Gossip.Clear()
		h.Decision.ResetCounters()
		for _, n := range h.Nodes() {
			n.Busy.Reset()
			n.Single.Reset()
		}
	}
}

// BalancingEnabled reports whether periodic balancing/gossiping is on.
func (h *Host) BalancingEnabled() bool {
	h.balancingMu.Lock()
	defer h.balancingMu.Unlock()
	return h.balancingOn
}

// --- Snapshot / restore ---

// Snapshot is the persisted-state shape: logical nodes' identity and
// topology, the NodeID counter, both peer directories, and the gossip
// accumulators.
type Snapshot struct {
	Self          transport.NetworkEndpoint `json:"self"`
	NextNodeID    uint32                    `json:"next_node_id"`
	Nodes         []NodeSnapshot            `json:"nodes"`
	Unloaded      []transport.PeerSnapshot  `json:"unloaded"`
	Loaded        []transport.PeerSnapshot  `json:"loaded"`
	GossipSum     [4]float64                `json:"gossip_sum"` // single,busy,data,weight
}

// NodeSnapshot is one logical node's persisted shape: identity, role, the
// primary it mirrors (for a replica) and its replica endpoints. Meter
// settings and live samples are not stored.
type NodeSnapshot struct {
	ID        NodeID                      `json:"id"`
	Role      Role                        `json:"role"`
	PrimaryOf NodeID                      `json:"primary_of,omitempty"`
	Replicas  []transport.NetworkEndpoint `json:"replicas,omitempty"`
}

// Snapshot serialises the host's persisted state.
func (h *Host) Snapshot() ([]byte, error) {
	h.mu.RLock()
	nodeSnaps := make([]NodeSnapshot, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodeSnaps = append(nodeSnaps, NodeSnapshot{
			ID:        n.ID,
			Role:      n.Role,
			PrimaryOf: n.PrimaryOf,
			Replicas:  n.Replicas(),
		})
	}
	h.mu.RUnlock()

	h.Gossip.mu.Lock()
	sums := [4]float64{h.Gossip.sumSingle, h.Gossip.sumBusy, h.Gossip.sumData, h.Gossip.weight}
	h.Gossip.mu.Unlock()

	snap := Snapshot{
		Self:       h.Self,
		NextNodeID: h.idCounter.next,
		Nodes:      nodeSnaps,
		Unloaded:   h.Unloaded.ToWire(),
		Loaded:     h.Loaded.ToWire(),
		GossipSum:  sums,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ErrInternal, err, "marshal host snapshot")
	}
	return data, nil
}

// RestoreSnapshot reloads persisted identity/topology state and reseeds
// the transient state: P0,B0,D0 re-read from current meters,
// overload-hysteresis counters zeroed, waitingForHost cleared, deleted-node
// dispatcher map recreated empty. Node engines/storage must be re-attached
// by the caller via AddNode before the host resumes balancing, since those
// are external collaborators this package never constructs on its own.
func (h *Host) RestoreSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, ferrors.Wrap(ferrors.ErrInternal, err, "unmarshal host snapshot")
	}

	h.idCounter.next = snap.NextNodeID
	h.Unloaded = NewPeerList(h.Config.PeerListSize, true)
	h.Unloaded.Pin(h.Self)
	h.Unloaded.MergeFrom(PeerEntriesFromWire(snap.Unloaded))
	h.Loaded = NewPeerList(h.Config.PeerListSize, false)
	h.Loaded.Pin(h.Self)
	h.Loaded.MergeFrom(PeerEntriesFromWire(snap.Loaded))

	// The estimator is mutated in place rather than replaced: the
	// GossipMiddleware wrapping h.Dispatcher and any bound Receiver hold a
	// reference to it. The fold snapshot is reseeded from the current
	// meters and the rounds-seen counter restarts.
	single, busy, dataLoad := h.readLocalLoad()
	h.Gossip.mu.Lock()
	h.Gossip.unloaded = h.Unloaded
	h.Gossip.loaded = h.Loaded
	h.Gossip.sumSingle, h.Gossip.sumBusy, h.Gossip.sumData, h.Gossip.weight = snap.GossipSum[0], snap.GossipSum[1], snap.GossipSum[2], snap.GossipSum[3]
	h.Gossip.single0, h.Gossip.busy0, h.Gossip.data0 = float64(single), float64(busy), float64(dataLoad)
	h.Gossip.roundsSeen = 0
	h.Gossip.mu.Unlock()

	h.reservationMu.Lock()
	h.waitingForHost = nil
	h.reservationMu.Unlock()

	h.deletedMu.Lock()
	h.deleted = make(map[NodeID]*deletedDispatcher)
	h.deletedMu.Unlock()

	h.Decision.ResetCounters()

	return snap, nil
}

// Handle implements transport.Handler: the host's receiver contract.
// Only the whitelisted request kinds are dispatched here directly;
// everything else must route by NodeID.
func (h *Host) Handle(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	if h.Scheduler != nil {
		h.Scheduler.MarkTraffic()
	}
	if !requestKinds[req.Kind] {
		return h.routeToNode(ctx, req)
	}
	switch req.Kind {
	case transport.KindNotify:
		return h.handleNotify(req)
	case transport.KindSuitableHost:
		return h.handleSuitableHost(req)
	case transport.KindBalancingOffer:
		return h.handleBalancingOffer(ctx, req)
	case transport.KindCreateNode:
		return h.handleCreateNode(req)
	case transport.KindMigrate:
		return h.handleMigrate(req)
	case transport.KindReplicate:
		return h.handleReplicate(req)
	case transport.KindUnify:
		return h.handleUnify(req)
	case transport.KindMigrateNotify:
		return h.handleMigrateNotify(req)
	case transport.KindStartStopBalancing:
		return h.handleStartStopBalancing(req)
	case transport.KindGossipTick:
		return transport.Envelope{Kind: req.Kind, MessageID: req.MessageID, From: h.Self}, nil
	default:
		log.Printf("balancer: unhandled request kind %s from %s", req.Kind, req.From)
		return transport.Envelope{}, ferrors.New(ferrors.ErrInternal, "unhandled request kind")
	}
}

// routeToNode implements the NodeDoesNotExist path: if the
// destination is a known forwarding-table entry it forwards or queues; if
// it was deliberately removed it returns a NodeDoesntExist reply; if it is
// otherwise unknown it relays to existingHost when one is set and returns
// a NodeDoesntExist reply when not. Late replies get no special handling.
func (h *Host) routeToNode(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	var op OperationRequest
	if err := req.Decode(&op); err != nil {
		if ep, ok := h.existingHostLocked(); ok {
			return h.Dispatcher.Send(ctx, ep, req)
		}
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode routed request")
	}

	if _, ok := h.Node(op.Target); ok {
		return h.deliverToNode(ctx, op.Target, req)
	}

	if newID, pending, ok := h.ForwardEntry(op.Target); ok {
		if pending {
			h.DeferMessage(op.Target, req)
			return transport.Envelope{}, ferrors.New(ferrors.ErrTransportTimeout, "migration still pending")
		}
		op.Target = newID
		body, _ := json.Marshal(op)
		req.Payload = body
		if newID.Endpoint != h.Self {
			return h.Dispatcher.Send(ctx, newID.Endpoint, req)
		}
		return h.deliverToNode(ctx, newID, req)
	}

	if h.isDeleted(op.Target) {
		notice := NodeDoesntExistNotice{NonExistingID: op.Target}
		body, _ := json.Marshal(notice)
		return transport.Envelope{Kind: transport.KindNodeDoesntExist, MessageID: req.MessageID, From: h.Self, Payload: body}, nil
	}

	if ep, ok := h.existingHostLocked(); ok {
		return h.Dispatcher.Send(ctx, ep, req)
	}

	notice := NodeDoesntExistNotice{NonExistingID: op.Target}
	body, _ := json.Marshal(notice)
	return transport.Envelope{Kind: transport.KindNodeDoesntExist, MessageID: req.MessageID, From: h.Self, Payload: body}, nil
}

// deliverToNode is the last-mile hop once a live node is identified; the
// node engine itself answers business OperationRequests (external).
func (h *Host) deliverToNode(ctx context.Context, id NodeID, req transport.Envelope) (transport.Envelope, error) {
	n, ok := h.Node(id)
	if !ok {
		return transport.Envelope{}, ferrors.New(ferrors.ErrNodeNotFound, id.String())
	}
	n.Busy.Add(1)
	n.Single.Add(1)
	return transport.Envelope{Kind: req.Kind, MessageID: req.MessageID, From: h.Self}, nil
}

func (h *Host) handleNotify(req transport.Envelope) (transport.Envelope, error) {
	var nr NotifyRequest
	_ = req.Decode(&nr)
	reply := NotifyReply{LoadBalancingOn: h.BalancingEnabled()}
	return encodeReply(req, transport.KindNotify, h.Self, reply)
}

func (h *Host) handleStartStopBalancing(req transport.Envelope) (transport.Envelope, error) {
	var sr StartStopBalancingRequest
	if err := req.Decode(&sr); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode StartStopBalancing")
	}
	h.SetBalancing(sr.Start, sr.ClearStats)
	return transport.Envelope{Kind: req.Kind, MessageID: req.MessageID, From: h.Self}, nil
}

func (h *Host) handleMigrateNotify(req transport.Envelope) (transport.Envelope, error) {
	var mn MigrateNotifyRequest
	if err := req.Decode(&mn); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode MigrateNotify")
	}
	for _, n := range h.Nodes() {
		if n.Role == RoleReplica && n.PrimaryOf == mn.OrigID {
			n.PrimaryOf = mn.NewID
		}
	}
	return transport.Envelope{Kind: req.Kind, MessageID: req.MessageID, From: h.Self}, nil
}

func encodeReply(req transport.Envelope, kind transport.MessageKind, self transport.NetworkEndpoint, body interface{}) (transport.Envelope, error) {
	env, err := transport.NewEnvelope(kind, self, req.MessageID, body)
	if err != nil {
		return transport.Envelope{}, err
	}
	return env, nil
}
