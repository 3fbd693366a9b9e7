package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/indexfabric/balancer/internal/circuit"
	"github.com/indexfabric/balancer/internal/transport"
)

func testBreakers() *circuit.Set {
	return NewBreakerSet(ApplyDefaults(Config{}))
}

func newTestHost(t *testing.T, port int, cfg Config, dispatcher transport.Dispatcher) *Host {
	t.Helper()
	return NewHost(ep(port), ApplyDefaults(cfg), dispatcher, testBreakers())
}

func TestNewHostStartsEmptyAndBalancingOn(t *testing.T) {
	h := newTestHost(t, 1, Config{}, transport.NewLocalDispatcher())
	if len(h.Nodes()) != 0 {
		t.Fatalf("Nodes() = %v, want empty", h.Nodes())
	}
	if !h.BalancingEnabled() {
		t.Fatal("BalancingEnabled() = false, want true at birth")
	}
	if _, ok := h.ReservedBy(); ok {
		t.Fatal("ReservedBy() reports a holder before any reservation")
	}
}

func TestHostTryReserveIsExclusive(t *testing.T) {
	h := newTestHost(t, 1, Config{BalancingDeltaT: time.Second}, transport.NewLocalDispatcher())
	a, b := ep(10), ep(11)

	if !h.TryReserve(a) {
		t.Fatal("first TryReserve should succeed on an empty slot")
	}
	if h.TryReserve(b) {
		t.Fatal("second TryReserve should fail while the slot is held")
	}
	holder, ok := h.ReservedBy()
	if !ok || holder != a {
		t.Fatalf("ReservedBy() = %v,%v, want %v,true", holder, ok, a)
	}
	if h.ClearReservation(b) {
		t.Fatal("ClearReservation by the wrong endpoint should fail")
	}
	if !h.ClearReservation(a) {
		t.Fatal("ClearReservation by the holder should succeed")
	}
	if !h.TryReserve(b) {
		t.Fatal("slot should be free again after ClearReservation")
	}
}

func TestHostReservationWatchdogExpires(t *testing.T) {
	h := newTestHost(t, 1, Config{BalancingDeltaT: 5 * time.Millisecond}, transport.NewLocalDispatcher())
	a := ep(10)
	if !h.TryReserve(a) {
		t.Fatal("TryReserve should succeed")
	}
	time.Sleep(h.Config.ReservationWatchdog() + 20*time.Millisecond)
	if _, ok := h.ReservedBy(); ok {
		t.Fatal("watchdog should have cleared the stale reservation")
	}
}

func TestHostAddRemoveNodeAndQueries(t *testing.T) {
	h := newTestHost(t, 1, Config{}, transport.NewLocalDispatcher())
	primary := h.newBareNode(h.NextNodeID(), RolePrimary)
	replica := h.newBareNode(h.NextNodeID(), RoleReplica)
	h.AddNode(primary)
	h.AddNode(replica)

	if len(h.Nodes()) != 2 {
		t.Fatalf("Nodes() = %d, want 2", len(h.Nodes()))
	}
	if len(h.Primaries()) != 1 || h.Primaries()[0].ID != primary.ID {
		t.Fatalf("Primaries() = %+v, want only %v", h.Primaries(), primary.ID)
	}
	if _, ok := h.Node(primary.ID); !ok {
		t.Fatal("Node() should find the installed primary")
	}

	removed := h.RemoveNode(primary.ID)
	if removed == nil || removed.ID != primary.ID {
		t.Fatalf("RemoveNode() = %v, want %v", removed, primary.ID)
	}
	if _, ok := h.Node(primary.ID); ok {
		t.Fatal("Node() should no longer find the removed primary")
	}
	if got := h.RemoveNode(primary.ID); got != nil {
		t.Fatalf("RemoveNode() on an already-removed id = %v, want nil", got)
	}
}

func TestHostDataLoadWithoutStorageIsZero(t *testing.T) {
	h := newTestHost(t, 1, Config{}, transport.NewLocalDispatcher())
	h.AddNode(h.newBareNode(h.NextNodeID(), RolePrimary))
	if got := h.DataLoad(); got != 0 {
		t.Fatalf("DataLoad() = %d, want 0 with no storage dispatchers attached", got)
	}
}

func TestHostSnapshotRestoreRoundTrip(t *testing.T) {
	h := newTestHost(t, 1, Config{}, transport.NewLocalDispatcher())
	n := h.newBareNode(h.NextNodeID(), RolePrimary)
	n.AddReplica(ep(99))
	h.AddNode(n)
	h.Unloaded.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 3, Timestamp: time.Now()})

	data, err := h.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	h2 := newTestHost(t, 1, Config{}, transport.NewLocalDispatcher())
	snap, err := h2.RestoreSnapshot(data)
	if err != nil {
		t.Fatalf("RestoreSnapshot() error: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].ID != n.ID {
		t.Fatalf("restored nodes = %+v, want one entry for %v", snap.Nodes, n.ID)
	}
	if len(snap.Nodes[0].Replicas) != 1 || snap.Nodes[0].Replicas[0] != ep(99) {
		t.Fatalf("restored replicas = %+v, want [%v]", snap.Nodes[0].Replicas, ep(99))
	}
	if h2.Unloaded.Len() != 1 {
		t.Fatalf("restored Unloaded.Len() = %d, want 1", h2.Unloaded.Len())
	}
	if _, ok := h2.ReservedBy(); ok {
		t.Fatal("restored host should start with a cleared reservation slot")
	}
}

func TestHostHandleNotifyOverLocalDispatcher(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{}, dispatcher)
	b := newTestHost(t, 2, Config{}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())
	dispatcher.Bind(b.Self, b.Receiver())

	req, err := transport.NewEnvelope(transport.KindNotify, a.Self, 1, NotifyRequest{})
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	reply, err := dispatcher.Send(context.Background(), b.Self, req)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	var nr NotifyReply
	if err := reply.Decode(&nr); err != nil {
		t.Fatalf("decode NotifyReply: %v", err)
	}
	if !nr.LoadBalancingOn {
		t.Fatal("NotifyReply.LoadBalancingOn = false, want true (b starts with balancing on)")
	}
}

func TestHostHandleStartStopBalancingOverLocalDispatcher(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{}, dispatcher)
	b := newTestHost(t, 2, Config{}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())
	dispatcher.Bind(b.Self, b.Receiver())

	req, err := transport.NewEnvelope(transport.KindStartStopBalancing, a.Self, 2, StartStopBalancingRequest{Start: false})
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	if _, err := dispatcher.Send(context.Background(), b.Self, req); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if b.BalancingEnabled() {
		t.Fatal("b.BalancingEnabled() = true after a Start:false StartStopBalancing message")
	}
}

func TestHostRouteToUnknownNodeReturnsNodeDoesntExist(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())

	missing := NodeID{Endpoint: ep(1), Local: 999}
	op := OperationRequest{Target: missing}
	req, err := transport.NewEnvelope(transport.KindOperationRequest, a.Self, 3, op)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	reply, err := dispatcher.Send(context.Background(), a.Self, req)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply.Kind != transport.KindNodeDoesntExist {
		t.Fatalf("reply.Kind = %v, want KindNodeDoesntExist", reply.Kind)
	}
	var notice NodeDoesntExistNotice
	if err := reply.Decode(&notice); err != nil {
		t.Fatalf("decode NodeDoesntExistNotice: %v", err)
	}
	if notice.NonExistingID != missing {
		t.Fatalf("notice.NonExistingID = %v, want %v", notice.NonExistingID, missing)
	}
}

func TestHostRouteToKnownNodeDelivers(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{SingleLoadAverage: 1}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())
	n := a.newBareNode(a.NextNodeID(), RolePrimary)
	a.AddNode(n)

	op := OperationRequest{Target: n.ID}
	req, err := transport.NewEnvelope(transport.KindOperationRequest, a.Self, 4, op)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	reply, err := dispatcher.Send(context.Background(), a.Self, req)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply.Kind != transport.KindOperationRequest {
		t.Fatalf("reply.Kind = %v, want the echoed request kind", reply.Kind)
	}
	if got := n.Single.Value(); got != 1 {
		t.Fatalf("node single-load = %v, want 1 after one delivered operation", got)
	}
	if got := a.Single.Value(); got != 1 {
		t.Fatalf("host single-load = %v, want 1 via meter multi-binding", got)
	}
}

func TestHostForwardsToNewHostAfterMigrationResolves(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{}, dispatcher)
	b := newTestHost(t, 2, Config{}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())
	dispatcher.Bind(b.Self, b.Receiver())

	n := a.newBareNode(a.NextNodeID(), RolePrimary)
	a.AddNode(n)
	oldID := n.ID
	if err := a.Migrate(context.Background(), n, b.Self); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	// A message still addressed to the old id arrives at the old host; the
	// forwarding table must route it onward to the node's new home.
	op := OperationRequest{Target: oldID}
	req, err := transport.NewEnvelope(transport.KindOperationRequest, ep(3), 9, op)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	reply, err := dispatcher.Send(context.Background(), a.Self, req)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply.Kind != transport.KindOperationRequest {
		t.Fatalf("reply.Kind = %v, want the echoed request kind from the new host", reply.Kind)
	}
	if reply.From != b.Self {
		t.Fatalf("reply.From = %v, want the new host %v", reply.From, b.Self)
	}
}

func TestPlainRPCAdvancesGossipWithoutExplicitTick(t *testing.T) {
	dispatcher := transport.NewLocalDispatcher()
	a := newTestHost(t, 1, Config{}, dispatcher)
	b := newTestHost(t, 2, Config{}, dispatcher)
	dispatcher.Bind(a.Self, a.Receiver())
	dispatcher.Bind(b.Self, b.Receiver())

	if a.Gossip.Ready() || b.Gossip.Ready() {
		t.Fatal("estimators should not be ready before any traffic")
	}

	// An ordinary dialog, no KindGossipTick anywhere: the payload rides the
	// request out and the reply back.
	if _, err := a.send(context.Background(), b.Self, transport.KindNotify, NotifyRequest{}); err != nil {
		t.Fatalf("send() error: %v", err)
	}

	if !b.Gossip.Ready() {
		t.Fatal("receiver never merged the piggybacked gossip payload")
	}
	if !a.Gossip.Ready() {
		t.Fatal("sender never merged the reply's gossip payload")
	}
	if w := a.Gossip.Weight() + b.Gossip.Weight(); w != 2 {
		t.Fatalf("total gossip weight = %v, want the conserved 2", w)
	}
}
