package balancer

import (
	"sync"
	"time"

	"github.com/indexfabric/balancer/internal/transport"
)

// LocalReader samples the host's current (single, busy, data) load. The
// estimator folds the delta against its last snapshot into its accumulators
// before every payload it hands out.
type LocalReader func() (single, busy, data int64)

// GossipEstimator is a push-sum estimator over three values sharing one
// weight — "processing average" (single-load), "busy average", and "data
// average" — whose quotients by the shared weight estimate the
// cluster-wide averages.
//
// Every host starts with w = 1 (self-weight) so averages are locally
// defined from birth; PreparePayload halves the current accumulators and
// keeps the other half locally, conserving total mass across the cluster.
type GossipEstimator struct {
	mu sync.Mutex

	self   transport.NetworkEndpoint
	reader LocalReader

	unloaded *PeerList
	loaded   *PeerList

	sumSingle, sumBusy, sumData, weight float64
	single0, busy0, data0               float64

	roundsSeen int
}

// NewGossipEstimator builds an estimator for self, sampling local load via
// reader and carrying directory snapshots from unloaded/loaded on every
// payload.
func NewGossipEstimator(self transport.NetworkEndpoint, reader LocalReader, unloaded, loaded *PeerList) *GossipEstimator {
	return &GossipEstimator{
		self:     self,
		reader:   reader,
		unloaded: unloaded,
		loaded:   loaded,
		weight:   1,
	}
}

// foldLocked folds the local reading's delta since the last snapshot into
// the accumulators. Caller holds g.mu.
func (g *GossipEstimator) foldLocked() {
	single, busy, data := g.reader()
	g.sumSingle += float64(single) - g.single0
	g.sumBusy += float64(busy) - g.busy0
	g.sumData += float64(data) - g.data0
	g.single0 = float64(single)
	g.busy0 = float64(busy)
	g.data0 = float64(data)
}

// PreparePayload implements transport.GossipExchanger: refreshes the
// host's own directory entry, folds in the local delta, halves the
// accumulators, keeps one half locally, and hands the other half to the
// caller to send.
func (g *GossipEstimator) PreparePayload() transport.GossipPayload {
	g.refreshSelfEntry()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.foldLocked()
	half := func(v float64) float64 { return v / 2 }
	g.sumSingle, g.sumBusy, g.sumData, g.weight = half(g.sumSingle), half(g.sumBusy), half(g.sumData), half(g.weight)

	return transport.GossipPayload{
		P:        g.sumSingle,
		B:        g.sumBusy,
		D:        g.sumData,
		W:        g.weight,
		Unloaded: g.unloaded.ToWire(),
		Loaded:   g.loaded.ToWire(),
		FromSelf: g.self,
	}
}

// refreshSelfEntry re-inserts the host's own load snapshot into both
// directories so every outgoing payload advertises a current reading.
func (g *GossipEstimator) refreshSelfEntry() {
	single, busy, data := g.reader()
	e := PeerEntry{
		Endpoint:   g.self,
		BusyLoad:   Load(busy),
		SingleLoad: Load(single),
		DataLoad:   Load(data),
		Timestamp:  time.Now(),
	}
	g.unloaded.Insert(e)
	g.loaded.Insert(e)
}

// Merge implements transport.GossipExchanger: credits an incoming payload
// into the accumulators and folds its peer-directory snapshots into the
// local directories.
func (g *GossipEstimator) Merge(p transport.GossipPayload) {
	g.mu.Lock()
	g.sumSingle += p.P
	g.sumBusy += p.B
	g.sumData += p.D
	g.weight += p.W
	g.roundsSeen++
	g.mu.Unlock()

	if len(p.Unloaded) > 0 {
		g.unloaded.MergeFrom(PeerEntriesFromWire(p.Unloaded))
	}
	if len(p.Loaded) > 0 {
		g.loaded.MergeFrom(PeerEntriesFromWire(p.Loaded))
	}
}

// Ready reports whether at least one gossip round has been merged. The
// decision engine uses it to suppress data-overload decisions during
// cluster warm-up, when the averages only reflect this host's own load.
func (g *GossipEstimator) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.roundsSeen > 0
}

// AvgBusy, AvgSingle and AvgData return the current cluster-wide estimates.
// The gossip weight is strictly positive at all times, so division is
// always safe.
func (g *GossipEstimator) AvgBusy() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sumBusy / g.weight
}

func (g *GossipEstimator) AvgSingle() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sumSingle / g.weight
}

func (g *GossipEstimator) AvgData() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sumData / g.weight
}

// Weight returns the current gossip mass held locally.
func (g *GossipEstimator) Weight() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weight
}

// Clear is the operator-driven reset: re-initialises (P,B,D,w) = (0,0,0,1)
// and empties both peer directories.
func (g *GossipEstimator) Clear() {
	g.mu.Lock()
	g.sumSingle, g.sumBusy, g.sumData, g.weight = 0, 0, 0, 1
	g.single0, g.busy0, g.data0 = 0, 0, 0
	g.roundsSeen = 0
	g.mu.Unlock()

	g.unloaded.Clear()
	g.loaded.Clear()
}
