package balancer

import (
	"testing"
	"time"
)

func TestBusyLoadMeterUnknownBeforeWindow(t *testing.T) {
	m := NewBusyLoadMeter(50 * time.Millisecond)
	m.Add(5)
	if v := m.Value(); !v.Unknown() {
		t.Fatalf("Value() = %v, want LoadDontKnow before the window elapses", v)
	}
}

func TestBusyLoadMeterSumsWithinWindow(t *testing.T) {
	m := NewBusyLoadMeter(20 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	m.Add(3)
	m.Add(4)
	if v := m.Value(); v != 7 {
		t.Fatalf("Value() = %v, want 7", v)
	}
}

func TestBusyLoadMeterPrunesOldSamples(t *testing.T) {
	m := NewBusyLoadMeter(20 * time.Millisecond)
	m.Add(10)
	time.Sleep(25 * time.Millisecond)
	m.Add(1)
	if v := m.Value(); v != 1 {
		t.Fatalf("Value() = %v, want 1 (old sample pruned)", v)
	}
}

func TestBusyLoadMeterBindForwardsAdds(t *testing.T) {
	parent := NewBusyLoadMeter(10 * time.Millisecond)
	child := NewBusyLoadMeter(10 * time.Millisecond)
	parent.Bind(child)
	time.Sleep(15 * time.Millisecond)
	parent.Add(6)
	if v := child.Value(); v != 6 {
		t.Fatalf("child.Value() = %v, want 6", v)
	}
}

func TestBusyLoadMeterUnbindStopsForwarding(t *testing.T) {
	parent := NewBusyLoadMeter(10 * time.Millisecond)
	child := NewBusyLoadMeter(10 * time.Millisecond)
	parent.Bind(child)
	parent.Unbind(child)
	parent.Add(6)
	time.Sleep(15 * time.Millisecond)
	if v := child.Value(); v != 0 {
		t.Fatalf("child.Value() = %v, want 0 after unbind", v)
	}
}

func TestBusyLoadMeterReset(t *testing.T) {
	m := NewBusyLoadMeter(10 * time.Millisecond)
	m.Add(9)
	time.Sleep(15 * time.Millisecond)
	m.Reset()
	if v := m.Value(); !v.Unknown() {
		t.Fatalf("Value() after Reset = %v, want LoadDontKnow", v)
	}
}

func TestSingleLoadMeterUnknownUntilNSamples(t *testing.T) {
	m := NewSingleLoadMeter(3)
	m.Add(1)
	m.Add(2)
	if v := m.Value(); !v.Unknown() {
		t.Fatalf("Value() = %v, want LoadDontKnow with only 2/3 samples", v)
	}
	m.Add(3)
	if v := m.Value(); v != 2 {
		t.Fatalf("Value() = %v, want mean 2", v)
	}
}

func TestSingleLoadMeterKeepsLastN(t *testing.T) {
	m := NewSingleLoadMeter(2)
	m.Add(10)
	m.Add(20)
	m.Add(30)
	if v := m.Value(); v != 25 {
		t.Fatalf("Value() = %v, want mean of last 2 samples (25)", v)
	}
}

func TestSingleLoadMeterBindAndReset(t *testing.T) {
	parent := NewSingleLoadMeter(1)
	child := NewSingleLoadMeter(1)
	parent.Bind(child)
	parent.Add(7)
	if v := child.Value(); v != 7 {
		t.Fatalf("child.Value() = %v, want 7", v)
	}
	parent.Unbind(child)
	parent.Add(8)
	if v := child.Value(); v != 7 {
		t.Fatalf("child.Value() after unbind = %v, want still 7", v)
	}
	child.Reset()
	if v := child.Value(); !v.Unknown() {
		t.Fatalf("child.Value() after Reset = %v, want LoadDontKnow", v)
	}
}

func TestLoadUnknownSentinel(t *testing.T) {
	if !LoadDontKnow.Unknown() {
		t.Fatal("LoadDontKnow.Unknown() = false, want true")
	}
	if Load(0).Unknown() {
		t.Fatal("Load(0).Unknown() = true, want false")
	}
}
