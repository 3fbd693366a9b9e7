package balancer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/indexfabric/balancer/internal/transport"
)

// NodeID is a logical node's identity: the endpoint of the host that
// created it plus a 32-bit counter unique within that endpoint. The
// counter is host-local and monotonically increasing — never reused for
// the lifetime of the process.
type NodeID struct {
	Endpoint transport.NetworkEndpoint `json:"endpoint"`
	Local    uint32                    `json:"local"`
}

func (id NodeID) String() string {
	return fmt.Sprintf("%s#%d", id.Endpoint, id.Local)
}

// NodeIDCounter hands out unique, increasing 32-bit ids for one host. A
// global counter would tie every host's node identities to load order
// across the whole fabric; a per-host counter avoids that.
type NodeIDCounter struct {
	next uint32
}

// Next returns the next local id for the given host endpoint.
func (c *NodeIDCounter) Next(self transport.NetworkEndpoint) NodeID {
	local := atomic.AddUint32(&c.next, 1)
	return NodeID{Endpoint: self, Local: local}
}

// Role distinguishes a primary logical node (drives its own balancing
// decisions) from a replica (mirrors a primary, never balances on its own).
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// StorageDispatcher is the external collaborator that owns a node's actual
// index data. We only name the surface the balancing core calls into.
type StorageDispatcher interface {
	// DataLoad returns the exact object count held by this node.
	DataLoad() int64
	// DistanceComputations returns the running counter of distance
	// computations served, the single underlying counter the busy- and
	// single-load meters both sample.
	DistanceComputations() int64
	// AllReplicaNodes returns the endpoints currently mirroring this
	// node, as the storage layer itself records them.
	AllReplicaNodes() []transport.NetworkEndpoint
}

// NodeEngine is the external collaborator implementing the actual index
// operations a balancing action triggers.
type NodeEngine interface {
	// SplitNode attempts to carve this node in two, returning the
	// construction recipe for the new half, or ok=false if it declined.
	SplitNode() (CreateNodeSpec, bool)
	// Leave redistributes this node's data to its chosen merge neighbour.
	Leave(mergeNeighbour transport.NetworkEndpoint) error
	// Migrate notifies the engine that this node's identity changed from
	// oldID to newID after a Migrate action landed on the new host.
	Migrate(oldID, newID NodeID) error
	// MergeableNeighbour returns the identity of the node (usually on
	// another host) this node's partition could merge into, if one is
	// known. The id is the neighbour's own — the index structure links
	// partitions across hosts, so the engine knows its neighbour's
	// identity, not just its endpoint — which lets a BalancingOffer name
	// a node the receiving host actually owns.
	MergeableNeighbour() (NodeID, bool)
}

// CreateNodeSpec is the structured construction recipe a Split produces:
// a factory tag plus a parameter record, resolved through the node
// factory registry on the receiving host.
type CreateNodeSpec struct {
	NodeTypeTag      string            `json:"node_type_tag"`
	Params           map[string]string `json:"params"`
	ReplicationPeers []transport.NetworkEndpoint `json:"replication_peers"`
}

// NodeFactory constructs a LogicalNode from a CreateNodeSpec's parameters.
// hostCtx is the per-host statistics/context handed to the constructed
// component explicitly.
type NodeFactory func(hostCtx *HostContext, params map[string]string) (NodeEngine, StorageDispatcher, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]NodeFactory{}
)

// RegisterNodeFactory installs f under tag, replacing any existing
// registration. Called from package init in the code owning a given
// node-engine implementation, never from this package.
func RegisterNodeFactory(tag string, f NodeFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[tag] = f
}

func lookupNodeFactory(tag string) (NodeFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[tag]
	return f, ok
}

// HostContext is the per-host context (statistics, config) handed to
// factories and components instead of a global registry.
type HostContext struct {
	Self   transport.NetworkEndpoint
	Config Config
	Stats  *Stats
}

// Stats is a minimal per-host counters bag; internal/metrics adapts these
// into Prometheus series.
type Stats struct {
	mu      sync.Mutex
	Actions map[string]int64
}

// NewStats returns an empty, ready-to-use Stats.
func NewStats() *Stats {
	return &Stats{Actions: make(map[string]int64)}
}

// IncAction increments the counter for a named action outcome, e.g. "split.ok".
func (s *Stats) IncAction(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Actions[name]++
}

// LogicalNode owns a StorageDispatcher, a busy-load meter, a single-load
// meter, and (for primaries) the set of replica endpoints for its
// partition. Role is a tagged variant: replicas defer all balancing
// decisions to their primary.
type LogicalNode struct {
	ID   NodeID
	Role Role

	Engine  NodeEngine
	Storage StorageDispatcher

	Busy   *BusyLoadMeter
	Single *SingleLoadMeter

	mu       sync.RWMutex
	replicas map[transport.NetworkEndpoint]struct{}

	// PrimaryOf identifies the primary node for a replica; zero NodeID
	// for a primary.
	PrimaryOf NodeID
}

// NewLogicalNode builds a primary LogicalNode bound to host's meter so that
// additions to the node meter also add to the host meter.
func NewLogicalNode(id NodeID, engine NodeEngine, storage StorageDispatcher, host *Host, cfg Config) *LogicalNode {
	n := &LogicalNode{
		ID:       id,
		Role:     RolePrimary,
		Engine:   engine,
		Storage:  storage,
		Busy:     NewBusyLoadMeter(cfg.BusyLoadWindow),
		Single:   NewSingleLoadMeter(cfg.SingleLoadAverage),
		replicas: make(map[transport.NetworkEndpoint]struct{}),
	}
	host.bindNodeMeters(n)
	return n
}

// Replicas returns a snapshot of this node's replica endpoints.
func (n *LogicalNode) Replicas() []transport.NetworkEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]transport.NetworkEndpoint, 0, len(n.replicas))
	for ep := range n.replicas {
		out = append(out, ep)
	}
	return out
}

// AddReplica records a new replica endpoint for this node.
func (n *LogicalNode) AddReplica(ep transport.NetworkEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replicas[ep] = struct{}{}
}

// RemoveReplica forgets a replica endpoint for this node.
func (n *LogicalNode) RemoveReplica(ep transport.NetworkEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.replicas, ep)
}

// ReplicaCount reports how many replica endpoints this node currently has.
func (n *LogicalNode) ReplicaCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.replicas)
}

// DataLoad reads through to the storage dispatcher. A node awaiting its
// external storage/engine attachment (freshly landed from a Migrate)
// reports zero rather than panicking.
func (n *LogicalNode) DataLoad() int64 {
	if n.Storage == nil {
		return 0
	}
	return n.Storage.DataLoad()
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
