package balancer

import (
	"testing"
	"time"

	"github.com/indexfabric/balancer/internal/transport"
)

func ep(port int) transport.NetworkEndpoint {
	return transport.NetworkEndpoint{Address: "10.0.0.1", Port: port}
}

func TestPeerListOrderingIncreasing(t *testing.T) {
	pl := NewPeerList(10, true)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(3), BusyLoad: 30, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 20, Timestamp: now})

	snap := pl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(snap) = %d, want 3", len(snap))
	}
	if snap[0].Endpoint != ep(1) || snap[1].Endpoint != ep(2) || snap[2].Endpoint != ep(3) {
		t.Fatalf("unexpected order: %+v", snap)
	}
}

func TestPeerListOrderingDecreasing(t *testing.T) {
	pl := NewPeerList(10, false)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 20, Timestamp: now})

	snap := pl.Snapshot()
	if snap[0].Endpoint != ep(2) || snap[1].Endpoint != ep(1) {
		t.Fatalf("unexpected order: %+v", snap)
	}
}

func TestPeerListUnknownSortsLast(t *testing.T) {
	pl := NewPeerList(10, true)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: LoadDontKnow, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 5, Timestamp: now})

	snap := pl.Snapshot()
	if snap[0].Endpoint != ep(2) {
		t.Fatalf("known entry should sort before UNKNOWN, got %+v", snap)
	}
	if !snap[1].BusyLoad.Unknown() {
		t.Fatalf("last entry should be the UNKNOWN one, got %+v", snap[1])
	}

	pl2 := NewPeerList(10, false)
	pl2.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: LoadDontKnow, Timestamp: now})
	pl2.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 5, Timestamp: now})
	snap2 := pl2.Snapshot()
	if !snap2[1].BusyLoad.Unknown() {
		t.Fatalf("UNKNOWN should sort last in decreasing order too, got %+v", snap2)
	}
}

func TestPeerListEvictsWorstOnOverflow(t *testing.T) {
	pl := NewPeerList(2, true)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 20, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(3), BusyLoad: 5, Timestamp: now})

	snap := pl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2 (capped)", len(snap))
	}
	if snap[0].Endpoint != ep(3) || snap[1].Endpoint != ep(1) {
		t.Fatalf("worst entry (ep(2), BusyLoad 20) should have been evicted, got %+v", snap)
	}
}

func TestPeerListInsertIgnoresStaleUpdate(t *testing.T) {
	pl := NewPeerList(10, true)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: now})
	kept := pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 999, Timestamp: now.Add(-time.Second)})
	if kept {
		t.Fatal("Insert() = true for a stale-timestamped update, want false")
	}
	snap := pl.Snapshot()
	if snap[0].BusyLoad != 10 {
		t.Fatalf("stale update should not have replaced the entry, got %+v", snap[0])
	}
}

func TestPeerListRemove(t *testing.T) {
	pl := NewPeerList(10, true)
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: time.Now()})
	pl.Remove(ep(1))
	if pl.Len() != 0 {
		t.Fatalf("Len() = %d after Remove, want 0", pl.Len())
	}
}

func TestPeerListMergeFrom(t *testing.T) {
	pl := NewPeerList(10, true)
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: now})

	pl.MergeFrom([]PeerEntry{
		{Endpoint: ep(1), BusyLoad: 50, Timestamp: now.Add(time.Second)},
		{Endpoint: ep(2), BusyLoad: 5, Timestamp: now},
	})

	snap := pl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}
	for _, e := range snap {
		if e.Endpoint == ep(1) && e.BusyLoad != 50 {
			t.Fatalf("ep(1) should have been updated to 50, got %v", e.BusyLoad)
		}
	}
}

func TestPeerListToWireRoundTrip(t *testing.T) {
	pl := NewPeerList(10, true)
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, SingleLoad: 2, DataLoad: 3, Timestamp: time.Now()})

	wire := pl.ToWire()
	back := PeerEntriesFromWire(wire)
	if len(back) != 1 || back[0].Endpoint != ep(1) || back[0].BusyLoad != 10 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestPeerListClear(t *testing.T) {
	pl := NewPeerList(10, true)
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 10, Timestamp: time.Now()})
	pl.Clear()
	if pl.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", pl.Len())
	}
}

func TestPeerListPinnedEntrySurvivesEviction(t *testing.T) {
	pl := NewPeerList(2, true)
	pl.Pin(ep(9))
	now := time.Now()
	pl.Insert(PeerEntry{Endpoint: ep(9), BusyLoad: 99, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(1), BusyLoad: 1, Timestamp: now})
	pl.Insert(PeerEntry{Endpoint: ep(2), BusyLoad: 2, Timestamp: now})

	snap := pl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want the cap of 2", len(snap))
	}
	found := false
	for _, e := range snap {
		if e.Endpoint == ep(9) {
			found = true
		}
	}
	if !found {
		t.Fatalf("pinned entry was evicted by the size cap: %+v", snap)
	}
}
