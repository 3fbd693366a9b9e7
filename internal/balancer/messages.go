package balancer

import "github.com/indexfabric/balancer/internal/transport"

// Wire payload types for each transport.MessageKind.
// Envelope.Payload carries the JSON encoding of the relevant request/reply
// struct below; transport itself knows nothing about these shapes.

// NotifyRequest announces a new host to a known peer.
type NotifyRequest struct {
	HostLoad HostLoadSnapshot `json:"host_load"`
}

// NotifyReply tells the new host whether the peer currently balances.
type NotifyReply struct {
	LoadBalancingOn bool `json:"load_balancing_on"`
}

// HostLoadSnapshot is the host-level load triple carried on Notify and
// used elsewhere for logging/metrics.
type HostLoadSnapshot struct {
	Busy   Load `json:"busy"`
	Single Load `json:"single"`
	Data   Load `json:"data"`
}

// SuitableHostRequest is the reservation/suitability dialog request.
type SuitableHostRequest struct {
	FreshRequested bool    `json:"fresh_requested"`
	CheckUnderAvg  bool    `json:"check_under_avg"`
	AddedBusy      int64   `json:"added_busy"`
	AddedSingle    int64   `json:"added_single"`
	Cancel         bool    `json:"cancel"`
	ReplicaID      *NodeID `json:"replica_id,omitempty"`
}

// SuitableHostReply reports whether the target reserved itself for the
// asking source.
type SuitableHostReply struct {
	OK bool `json:"ok"`
}

// BalancingOfferRequest is the underloaded host's side of the offer
// dialog (processBalancingOffer on the receiver). NodeToDelete, when set,
// names a node the *receiver* owns — the sender learned it from its own
// node's engine, which knows the identity of the neighbouring partition.
type BalancingOfferRequest struct {
	NodeToDelete *NodeID `json:"node_to_delete,omitempty"`
	SenderLoad   int64   `json:"sender_load"`
}

// BalancingOfferReply reports whether the offer was accepted.
type BalancingOfferReply struct {
	Accepted bool `json:"accepted"`
}

// CreateNodeRequest carries a Split's construction recipe to the new host.
type CreateNodeRequest struct {
	NodeTypeTag      string                      `json:"node_type_tag"`
	Params           map[string]string           `json:"params"`
	ReplicationPeers []transport.NetworkEndpoint `json:"replication_peers"`
}

// CreateNodeReply reports construction success.
type CreateNodeReply struct {
	OK bool `json:"ok"`
}

// MigrateRequest carries a node's serialised state to its new host.
type MigrateRequest struct {
	SerialisedNode []byte `json:"serialised_node"`
	OrigID         NodeID `json:"orig_id"`
}

// MigrateReply returns the newly allocated id for the migrated node.
type MigrateReply struct {
	NewID NodeID `json:"new_id"`
	OK    bool   `json:"ok"`
}

// ReplicateRequest asks a target host to stand up a replica wrapper.
// Silent skips the reservation handshake, used while rebuilding replicas
// during a Split.
type ReplicateRequest struct {
	ReplicatedNodeID NodeID `json:"replicated_node_id"`
	Silent           bool   `json:"silent"`
}

// ReplicateReply returns the new replica's id.
type ReplicateReply struct {
	ReplicaID NodeID `json:"replica_id"`
	OK        bool   `json:"ok"`
}

// UnifyRequest asks a host holding a replica of the named primary to
// dispose of the wrapper.
type UnifyRequest struct {
	ReplicaID NodeID `json:"replica_id"`
	Silent    bool   `json:"silent"`
}

// UnifyReply reports disposal success.
type UnifyReply struct {
	OK bool `json:"ok"`
}

// MigrateNotifyRequest tells a primary's replicas that its id changed.
type MigrateNotifyRequest struct {
	OrigID NodeID `json:"orig_id"`
	NewID  NodeID `json:"new_id"`
}

// StartStopBalancingRequest toggles periodic balancing/gossiping.
type StartStopBalancingRequest struct {
	Start      bool `json:"start"`
	ClearStats bool `json:"clear_stats"`
}

// NodeDoesntExistNotice is returned for a message addressed to an unknown
// or irrecoverably removed node id.
type NodeDoesntExistNotice struct {
	NonExistingID NodeID `json:"non_existing_id"`
}

// OperationRequest is the generic addressed-node business message the
// empty-host fallback relays to a known peer.
type OperationRequest struct {
	Target  NodeID `json:"target"`
	Payload []byte `json:"payload"`
}

// OperationReply is the generic addressed-node business reply.
type OperationReply struct {
	Payload []byte `json:"payload"`
	Removed bool   `json:"removed"`
}
