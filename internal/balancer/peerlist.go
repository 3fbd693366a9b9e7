package balancer

import (
	"sort"
	"sync"
	"time"

	"github.com/indexfabric/balancer/internal/transport"
)

// PeerEntry is one row of a peer directory: a load snapshot at a point in
// time. Equality across entries is by Endpoint alone.
type PeerEntry struct {
	Endpoint   transport.NetworkEndpoint
	BusyLoad   Load
	SingleLoad Load
	DataLoad   Load
	Timestamp  time.Time
}

func (e PeerEntry) toSnapshot() transport.PeerSnapshot {
	return transport.PeerSnapshot{
		Endpoint:   e.Endpoint,
		BusyLoad:   int64(e.BusyLoad),
		SingleLoad: int64(e.SingleLoad),
		DataLoad:   int64(e.DataLoad),
		Timestamp:  e.Timestamp,
	}
}

func fromSnapshot(s transport.PeerSnapshot) PeerEntry {
	return PeerEntry{
		Endpoint:   s.Endpoint,
		BusyLoad:   Load(s.BusyLoad),
		SingleLoad: Load(s.SingleLoad),
		DataLoad:   Load(s.DataLoad),
		Timestamp:  s.Timestamp,
	}
}

// order is true for increasing (unloadedPeers), false for decreasing
// (loadedPeers). In both orderings an UNKNOWN busy-load entry sorts
// last: a peer whose load nobody has measured yet is never a good first
// pick from either list.
func less(a, b PeerEntry, increasing bool) bool {
	aUnknown, bUnknown := a.BusyLoad.Unknown(), b.BusyLoad.Unknown()
	if aUnknown != bUnknown {
		return !aUnknown // known entries always sort before UNKNOWN ones
	}
	if aUnknown && bUnknown {
		return tiebreak(a, b)
	}
	if a.BusyLoad != b.BusyLoad {
		if increasing {
			return a.BusyLoad < b.BusyLoad
		}
		return a.BusyLoad > b.BusyLoad
	}
	if a.SingleLoad != b.SingleLoad {
		if increasing {
			return a.SingleLoad < b.SingleLoad
		}
		return a.SingleLoad > b.SingleLoad
	}
	if a.DataLoad != b.DataLoad {
		if increasing {
			return a.DataLoad < b.DataLoad
		}
		return a.DataLoad > b.DataLoad
	}
	return tiebreak(a, b)
}

// tiebreak applies (−timestamp, endpoint) once load dimensions are equal:
// newer entries first, then endpoint string order for full determinism.
func tiebreak(a, b PeerEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Endpoint.String() < b.Endpoint.String()
}

// PeerList is one bounded ordered set of PeerEntry, capped at size L.
// Both unloadedPeers and loadedPeers are instances of this type, with
// increasing set true and false respectively. An endpoint pinned via Pin
// is refreshed by the owner before every outgoing gossip and is never
// evicted by the size cap.
type PeerList struct {
	mu         sync.Mutex
	cap        int
	increasing bool
	pinned     transport.NetworkEndpoint
	entries    []PeerEntry
}

// Pin marks ep as exempt from size-cap eviction. At most one endpoint (the
// owning host's own) is pinned per list.
func (pl *PeerList) Pin(ep transport.NetworkEndpoint) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.pinned = ep
}

// NewPeerList returns an empty list bounded to capacity cap, ordered
// increasing or decreasing per the increasing flag.
func NewPeerList(capacity int, increasing bool) *PeerList {
	return &PeerList{cap: capacity, increasing: increasing}
}

// Insert: an existing entry for
// the same endpoint with a timestamp ≥ e's is kept and e is dropped;
// otherwise e replaces it (or is added), and if the list now exceeds cap the
// worst entry (last in the ordering) is evicted. Returns true if e was kept.
func (pl *PeerList) Insert(e PeerEntry) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.insertLocked(e)
}

func (pl *PeerList) insertLocked(e PeerEntry) bool {
	for i, cur := range pl.entries {
		if cur.Endpoint == e.Endpoint {
			if !cur.Timestamp.Before(e.Timestamp) {
				return false
			}
			pl.entries[i] = e
			pl.sortLocked()
			pl.evictLocked()
			return true
		}
	}
	pl.entries = append(pl.entries, e)
	pl.sortLocked()
	pl.evictLocked()
	return true
}

func (pl *PeerList) sortLocked() {
	sort.Slice(pl.entries, func(i, j int) bool {
		return less(pl.entries[i], pl.entries[j], pl.increasing)
	})
}

func (pl *PeerList) evictLocked() {
	if pl.cap <= 0 || len(pl.entries) <= pl.cap {
		return
	}
	// Evict the worst entry, skipping over a pinned one at the tail.
	last := len(pl.entries) - 1
	if !pl.pinned.IsZero() && pl.entries[last].Endpoint == pl.pinned {
		last--
	}
	pl.entries = append(pl.entries[:last], pl.entries[last+1:]...)
}

// Remove drops the entry for ep, if any.
func (pl *PeerList) Remove(ep transport.NetworkEndpoint) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for i, e := range pl.entries {
		if e.Endpoint == ep {
			pl.entries = append(pl.entries[:i], pl.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current ordered entries (iteration
// always copies under the lock).
func (pl *PeerList) Snapshot() []PeerEntry {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]PeerEntry, len(pl.entries))
	copy(out, pl.entries)
	return out
}

// Len reports the current number of entries.
func (pl *PeerList) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.entries)
}

// MergeFrom folds in entries from a remote gossip payload: for any endpoint
// present on both sides, the newer timestamp wins; entries unknown locally
// are added outright.
func (pl *PeerList) MergeFrom(remote []PeerEntry) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, e := range remote {
		pl.insertLocked(e)
	}
}

// ToWire converts the current snapshot to the transport wire shape.
func (pl *PeerList) ToWire() []transport.PeerSnapshot {
	entries := pl.Snapshot()
	out := make([]transport.PeerSnapshot, len(entries))
	for i, e := range entries {
		out[i] = e.toSnapshot()
	}
	return out
}

// Clear empties the list, used by GossipEstimator.Clear's operator-driven
// reset.
func (pl *PeerList) Clear() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.entries = nil
}

// PeerEntriesFromWire converts a wire snapshot slice back to PeerEntry.
func PeerEntriesFromWire(snaps []transport.PeerSnapshot) []PeerEntry {
	out := make([]PeerEntry, len(snaps))
	for i, s := range snaps {
		out[i] = fromSnapshot(s)
	}
	return out
}
