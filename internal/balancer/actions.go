package balancer

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/indexfabric/balancer/internal/transport"
	"github.com/indexfabric/balancer/pkg/ferrors"
	"github.com/indexfabric/balancer/pkg/retry"
)

// call sends req to target through the host's dispatcher, behind the
// per-endpoint circuit breaker and the fabric's retryer.
func (h *Host) call(ctx context.Context, target transport.NetworkEndpoint, req transport.Envelope) (transport.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, h.Config.Network.RPCTimeout)
	defer cancel()

	breaker := h.breakers.For(target.String())
	retryer := retry.New(retry.Config{
		MaxAttempts: h.Config.Network.RetryMaxRetries,
		BaseDelay:   h.Config.Network.RetryBaseDelay,
	})

	var reply transport.Envelope
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return breaker.Do(ctx, func(ctx context.Context) error {
			r, sendErr := h.Dispatcher.Send(ctx, target, req)
			if sendErr != nil {
				return ferrors.Wrap(ferrors.ErrTransportUnreachable, sendErr, "send to "+target.String())
			}
			reply = r
			return nil
		})
	})
	if err == nil && h.Scheduler != nil {
		h.Scheduler.MarkTraffic()
	}
	return reply, err
}

func (h *Host) send(ctx context.Context, target transport.NetworkEndpoint, kind transport.MessageKind, body interface{}) (transport.Envelope, error) {
	env, err := transport.NewEnvelope(kind, h.Self, nextMessageID(), body)
	if err != nil {
		return transport.Envelope{}, err
	}
	return h.call(ctx, target, env)
}

// recordAction reports an action primitive's outcome to the host's metrics
// collector: duration and success/failure always, plus an error
// classification when it failed.
func (h *Host) recordAction(kind string, start time.Time, err error) {
	h.Metrics.RecordAction(kind, time.Since(start), err == nil)
	if err != nil {
		h.Metrics.RecordError(kind, err)
	}
}

var msgIDCounter uint64

func nextMessageID() uint64 {
	return atomic.AddUint64(&msgIDCounter, 1)
}

// --- Suitability predicates ---

// suitableHost runs the reservation/suitability dialog that opens every
// balancing action: the target reserves itself for h iff its
// waitingForHost slot is free and its projected load after addedBusy does
// not exceed 2·avgBusy.
func (h *Host) suitableHost(ctx context.Context, target transport.NetworkEndpoint, req SuitableHostRequest) bool {
	reply, err := h.send(ctx, target, transport.KindSuitableHost, req)
	if err != nil {
		return false
	}
	var sr SuitableHostReply
	if err := reply.Decode(&sr); err != nil {
		return false
	}
	return sr.OK
}

// cancelReservation sends the cancel-variant SuitableHostOperation so the
// target clears its waitingForHost slot.
func (h *Host) cancelReservation(ctx context.Context, target transport.NetworkEndpoint) {
	_, _ = h.send(ctx, target, transport.KindSuitableHost, SuitableHostRequest{Cancel: true})
}

// isEmpty: peer.dataLoad must be 0 and a freshly requested reservation
// dialog must succeed.
func (h *Host) isEmpty(ctx context.Context, peer PeerEntry) bool {
	if peer.DataLoad != 0 {
		return false
	}
	return h.suitableHost(ctx, peer.Endpoint, SuitableHostRequest{FreshRequested: true})
}

// isSafe rejects locally on an unknown or over-budget peer load, then
// confirms with the peer itself.
func (h *Host) isSafe(ctx context.Context, myBusy int64, peer PeerEntry, avgBusy, avgSingle float64, addedBusy, addedSingle int64) bool {
	if peer.BusyLoad.Unknown() {
		return false
	}
	if float64(int64(peer.BusyLoad)+addedBusy) > 2*avgBusy {
		return false
	}
	if float64(myBusy-addedBusy) < 0.5*avgBusy {
		return false
	}
	return h.suitableHost(ctx, peer.Endpoint, SuitableHostRequest{CheckUnderAvg: false, AddedBusy: addedBusy, AddedSingle: addedSingle})
}

// isUnderAvg rejects locally unless the peer's known busy-load is at or
// under the average, then confirms with the peer itself.
func (h *Host) isUnderAvg(ctx context.Context, peer PeerEntry, avgBusy float64) bool {
	if peer.BusyLoad.Unknown() || float64(peer.BusyLoad) > avgBusy {
		return false
	}
	return h.suitableHost(ctx, peer.Endpoint, SuitableHostRequest{CheckUnderAvg: true})
}

// --- Action primitives, source side ---

// Split carves n in two onto newHost. Before sending, replicas of n are
// silently unified; on success the target replicates the new primary onto
// the same endpoints to preserve replication factor.
func (h *Host) Split(ctx context.Context, n *LogicalNode, newHost transport.NetworkEndpoint) (err error) {
	start := time.Now()
	defer func() { h.recordAction("split", start, err) }()

	if !h.suitableHost(ctx, newHost, SuitableHostRequest{}) {
		return ferrors.New(ferrors.ErrNotSuitable, "target refused reservation for split")
	}

	spec, ok := n.Engine.SplitNode()
	if !ok {
		h.cancelReservation(ctx, newHost)
		return ferrors.New(ferrors.ErrSplitFailed, "engine declined to split "+n.ID.String())
	}

	replicas := n.Replicas()
	for _, ep := range replicas {
		h.silentUnify(ctx, n, ep)
	}

	reply, sendErr := h.send(ctx, newHost, transport.KindCreateNode, CreateNodeRequest{
		NodeTypeTag:      spec.NodeTypeTag,
		Params:           spec.Params,
		ReplicationPeers: replicas,
	})
	if sendErr != nil {
		h.cancelReservation(ctx, newHost)
		for _, ep := range replicas {
			n.AddReplica(ep)
		}
		return ferrors.Wrap(ferrors.ErrSplitFailed, sendErr, "CreateNode dialog failed")
	}
	var cr CreateNodeReply
	if err := reply.Decode(&cr); err != nil || !cr.OK {
		h.cancelReservation(ctx, newHost)
		return ferrors.New(ferrors.ErrSplitFailed, "target rejected CreateNode")
	}

	h.Busy.Reset()
	h.Single.Reset()
	n.Busy.Reset()
	n.Single.Reset()
	h.Stats.IncAction("split.ok")
	return nil
}

// Leave silently unifies n's replicas, pre-removes it, asks the engine to
// redistribute its data to mergeNeighbour, then physically removes it. On
// failure the pre-remove is reverted.
func (h *Host) Leave(ctx context.Context, n *LogicalNode, mergeNeighbour transport.NetworkEndpoint) (err error) {
	start := time.Now()
	defer func() { h.recordAction("leave", start, err) }()

	replicas := n.Replicas()
	for _, ep := range replicas {
		h.silentUnify(ctx, n, ep)
	}

	h.MarkDeleted(n.ID)
	if err := n.Engine.Leave(mergeNeighbour); err != nil {
		h.deletedMu.Lock()
		delete(h.deleted, n.ID)
		h.deletedMu.Unlock()
		for _, ep := range replicas {
			n.AddReplica(ep)
		}
		h.Stats.IncAction("leave.failed")
		return ferrors.Wrap(ferrors.ErrLeaveFailed, err, "engine leave failed for "+n.ID.String())
	}

	h.RemoveNode(n.ID)
	h.Busy.Reset()
	h.Single.Reset()
	h.Stats.IncAction("leave.ok")
	return nil
}

// Migrate pre-removes n, enters it as pending in the forwarding table,
// serialises it to newHost, and on success resolves the forwarding entry
// to the newly allocated id and drains any deferred messages.
func (h *Host) Migrate(ctx context.Context, n *LogicalNode, newHost transport.NetworkEndpoint) (err error) {
	start := time.Now()
	defer func() { h.recordAction("migrate", start, err) }()

	if !h.suitableHost(ctx, newHost, SuitableHostRequest{}) {
		return ferrors.New(ferrors.ErrNotSuitable, "target refused reservation for migrate")
	}

	h.RemoveNode(n.ID)
	h.MarkMigrationPending(n.ID)

	serialised, err := json.Marshal(NodeSnapshot{ID: n.ID, Role: n.Role, Replicas: n.Replicas()})
	if err != nil {
		h.revertMigrate(n)
		h.cancelReservation(ctx, newHost)
		return ferrors.Wrap(ferrors.ErrMigrateFailed, err, "serialise node for migrate")
	}

	reply, err := h.send(ctx, newHost, transport.KindMigrate, MigrateRequest{SerialisedNode: serialised, OrigID: n.ID})
	if err != nil {
		h.revertMigrate(n)
		h.cancelReservation(ctx, newHost)
		return ferrors.Wrap(ferrors.ErrMigrateFailed, err, "Migrate dialog failed")
	}
	var mr MigrateReply
	if err := reply.Decode(&mr); err != nil || !mr.OK {
		h.revertMigrate(n)
		h.cancelReservation(ctx, newHost)
		return ferrors.New(ferrors.ErrMigrateFailed, "target rejected Migrate")
	}

	deferred := h.ResolveMigration(n.ID, mr.NewID)
	for _, ep := range n.Replicas() {
		_, _ = h.send(ctx, ep, transport.KindMigrateNotify, MigrateNotifyRequest{OrigID: n.ID, NewID: mr.NewID})
	}
	for _, env := range deferred {
		if _, err := h.Dispatcher.Send(ctx, h.Self, env); err != nil {
			log.Printf("balancer: failed draining deferred message to %s: %v", mr.NewID, err)
		}
	}

	h.Busy.Reset()
	h.Single.Reset()
	h.Stats.IncAction("migrate.ok")
	return nil
}

// revertMigrate restores n as live and drains any deferred messages back
// to it directly.
func (h *Host) revertMigrate(n *LogicalNode) {
	deferred := h.RevertMigration(n.ID)
	h.AddNode(n)
	for _, env := range deferred {
		go func(e transport.Envelope) {
			_, _ = h.Dispatcher.Send(context.Background(), h.Self, e)
		}(env)
	}
	h.Stats.IncAction("migrate.reverted")
}

// Replicate asks newHost to build a Replica wrapper for n. silent skips the
// reservation handshake (used while rebuilding replicas during Split).
func (h *Host) Replicate(ctx context.Context, n *LogicalNode, newHost transport.NetworkEndpoint, silent bool) (err error) {
	start := time.Now()
	defer func() { h.recordAction("replicate", start, err) }()

	if !silent {
		if !h.suitableHost(ctx, newHost, SuitableHostRequest{}) {
			return ferrors.New(ferrors.ErrNotSuitable, "target refused reservation for replicate")
		}
	}
	reply, err := h.send(ctx, newHost, transport.KindReplicate, ReplicateRequest{ReplicatedNodeID: n.ID, Silent: silent})
	if err != nil {
		if !silent {
			h.cancelReservation(ctx, newHost)
		}
		return ferrors.Wrap(ferrors.ErrReplicateFailed, err, "Replicate dialog failed")
	}
	var rr ReplicateReply
	if err := reply.Decode(&rr); err != nil || !rr.OK {
		if !silent {
			h.cancelReservation(ctx, newHost)
		}
		return ferrors.New(ferrors.ErrReplicateFailed, "target rejected Replicate")
	}
	n.AddReplica(newHost)
	h.Stats.IncAction("replicate.ok")
	return nil
}

// Unify removes replicaEndpoint from n's replica set and asks its host to
// dispose of the wrapper. silent skips nothing here (no handshake to begin
// with — Unify never reserves the target).
func (h *Host) Unify(ctx context.Context, n *LogicalNode, replicaEndpoint transport.NetworkEndpoint, silent bool) (err error) {
	start := time.Now()
	defer func() { h.recordAction("unify", start, err) }()

	n.RemoveReplica(replicaEndpoint)
	reply, err := h.send(ctx, replicaEndpoint, transport.KindUnify, UnifyRequest{ReplicaID: n.ID, Silent: silent})
	if err != nil {
		n.AddReplica(replicaEndpoint)
		return ferrors.Wrap(ferrors.ErrUnifyFailed, err, "Unify dialog failed")
	}
	var ur UnifyReply
	if err := reply.Decode(&ur); err != nil || !ur.OK {
		n.AddReplica(replicaEndpoint)
		return ferrors.New(ferrors.ErrUnifyFailed, "target rejected Unify")
	}
	h.Stats.IncAction("unify.ok")
	return nil
}

func (h *Host) silentUnify(ctx context.Context, n *LogicalNode, ep transport.NetworkEndpoint) {
	if err := h.Unify(ctx, n, ep, true); err != nil {
		log.Printf("balancer: silent unify of %s from %s failed: %v", ep, n.ID, err)
	}
}

// --- Action handlers, target side ---

func (h *Host) handleSuitableHost(req transport.Envelope) (transport.Envelope, error) {
	var sr SuitableHostRequest
	if err := req.Decode(&sr); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode SuitableHost")
	}
	if sr.Cancel {
		h.ClearReservation(req.From)
		return encodeReply(req, transport.KindSuitableHost, h.Self, SuitableHostReply{OK: true})
	}

	currentBusy := valueOrZero(h.Busy.Value())
	projectedBusy := currentBusy + sr.AddedBusy
	avgBusy := h.Gossip.AvgBusy()
	safe := float64(projectedBusy) <= 2*avgBusy
	if sr.CheckUnderAvg {
		safe = safe && float64(currentBusy) <= avgBusy
	}

	ok := safe && h.TryReserve(req.From)
	if ok && sr.FreshRequested {
		// freshly-requested reservations for isEmpty() checks don't
		// hold the slot beyond the predicate's own lifetime.
		h.ClearReservation(req.From)
	}
	return encodeReply(req, transport.KindSuitableHost, h.Self, SuitableHostReply{OK: ok})
}

func (h *Host) handleBalancingOffer(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	var br BalancingOfferRequest
	if err := req.Decode(&br); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode BalancingOffer")
	}
	accepted := h.Decision.processBalancingOffer(ctx, req.From, br.SenderLoad, br.NodeToDelete)
	return encodeReply(req, transport.KindBalancingOffer, h.Self, BalancingOfferReply{Accepted: accepted})
}

func (h *Host) handleCreateNode(req transport.Envelope) (transport.Envelope, error) {
	var cr CreateNodeRequest
	if err := req.Decode(&cr); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode CreateNode")
	}
	if ep, ok := h.ReservedBy(); !ok || ep != req.From {
		return encodeReply(req, transport.KindCreateNode, h.Self, CreateNodeReply{OK: false})
	}

	factory, ok := lookupNodeFactory(cr.NodeTypeTag)
	if !ok {
		h.ClearReservation(req.From)
		return encodeReply(req, transport.KindCreateNode, h.Self, CreateNodeReply{OK: false})
	}
	hostCtx := &HostContext{Self: h.Self, Config: h.Config, Stats: h.Stats}
	engine, storage, err := factory(hostCtx, cr.Params)
	if err != nil {
		h.ClearReservation(req.From)
		return encodeReply(req, transport.KindCreateNode, h.Self, CreateNodeReply{OK: false})
	}

	id := h.NextNodeID()
	n := NewLogicalNode(id, engine, storage, h, h.Config)
	h.AddNode(n)
	h.ClearReservation(req.From)

	for _, peer := range cr.ReplicationPeers {
		h.silentReplicate(context.Background(), n, peer)
	}
	return encodeReply(req, transport.KindCreateNode, h.Self, CreateNodeReply{OK: true})
}

func (h *Host) silentReplicate(ctx context.Context, n *LogicalNode, peer transport.NetworkEndpoint) {
	if err := h.Replicate(ctx, n, peer, true); err != nil {
		log.Printf("balancer: silent replicate of %s onto %s failed: %v", n.ID, peer, err)
	}
}

func (h *Host) handleMigrate(req transport.Envelope) (transport.Envelope, error) {
	var mr MigrateRequest
	if err := req.Decode(&mr); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode Migrate")
	}
	if ep, ok := h.ReservedBy(); !ok || ep != req.From {
		return encodeReply(req, transport.KindMigrate, h.Self, MigrateReply{OK: false})
	}

	var incoming NodeSnapshot
	if err := json.Unmarshal(mr.SerialisedNode, &incoming); err != nil {
		h.ClearReservation(req.From)
		return encodeReply(req, transport.KindMigrate, h.Self, MigrateReply{OK: false})
	}

	newID := h.NextNodeID()
	// The actual node engine/storage are reattached by the caller after
	// this reply (they are external collaborators this package never
	// constructs); we record identity/topology now so routing works.
	n := h.newBareNode(newID, incoming.Role)
	for _, ep := range incoming.Replicas {
		n.AddReplica(ep)
	}
	h.AddNode(n)
	h.ClearReservation(req.From)
	h.Stats.IncAction("migrate.landed")

	return encodeReply(req, transport.KindMigrate, h.Self, MigrateReply{NewID: newID, OK: true})
}

func (h *Host) handleReplicate(req transport.Envelope) (transport.Envelope, error) {
	var rr ReplicateRequest
	if err := req.Decode(&rr); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode Replicate")
	}
	if !rr.Silent {
		if ep, ok := h.ReservedBy(); !ok || ep != req.From {
			return encodeReply(req, transport.KindReplicate, h.Self, ReplicateReply{OK: false})
		}
	}

	replicaID := h.NextNodeID()
	replica := h.newBareNode(replicaID, RoleReplica)
	replica.PrimaryOf = rr.ReplicatedNodeID
	h.AddNode(replica)
	if !rr.Silent {
		h.ClearReservation(req.From)
	}
	return encodeReply(req, transport.KindReplicate, h.Self, ReplicateReply{ReplicaID: replicaID, OK: true})
}

func (h *Host) handleUnify(req transport.Envelope) (transport.Envelope, error) {
	var ur UnifyRequest
	if err := req.Decode(&ur); err != nil {
		return transport.Envelope{}, ferrors.Wrap(ferrors.ErrInternal, err, "decode Unify")
	}
	// ReplicaID names the primary; the wrapper to dispose of is the local
	// replica node mirroring it.
	for _, n := range h.Nodes() {
		if n.Role == RoleReplica && n.PrimaryOf == ur.ReplicaID {
			h.MarkDeleted(n.ID)
			h.RemoveNode(n.ID)
			return encodeReply(req, transport.KindUnify, h.Self, UnifyReply{OK: true})
		}
	}
	return encodeReply(req, transport.KindUnify, h.Self, UnifyReply{OK: false})
}
