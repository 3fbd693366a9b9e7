package balancer

import (
	"math"
	"sync"
	"time"
)

// Load is a load-meter reading. LoadDontKnow is the sentinel a meter
// reports while its window has not yet filled, matching the configuration
// file's LOAD_DONT_KNOW = INT_MAX constant.
type Load int64

const LoadDontKnow Load = math.MaxInt32

// Unknown reports whether l is the "not yet known" sentinel.
func (l Load) Unknown() bool {
	return l == LoadDontKnow
}

type sample struct {
	at    time.Time
	delta int64
}

// BusyLoadMeter is the sum of increments to the underlying distance-
// computation counter within a sliding time window W. It
// reports LoadDontKnow until W has elapsed since the meter was created.
type BusyLoadMeter struct {
	mu       sync.Mutex
	window   time.Duration
	created  time.Time
	samples  []sample
	children []*BusyLoadMeter
}

// NewBusyLoadMeter creates a meter with the given sliding window.
func NewBusyLoadMeter(window time.Duration) *BusyLoadMeter {
	return &BusyLoadMeter{window: window, created: time.Now()}
}

// Add records delta distance computations at the current time, then
// forwards the same delta to every bound parent meter, keeping the host
// total equal to the sum over its nodes without a second write path.
func (m *BusyLoadMeter) Add(delta int64) {
	m.mu.Lock()
	now := time.Now()
	m.samples = append(m.samples, sample{at: now, delta: delta})
	m.prune(now)
	children := append([]*BusyLoadMeter(nil), m.children...)
	m.mu.Unlock()

	for _, c := range children {
		c.Add(delta)
	}
}

// prune drops samples older than the window. Caller holds m.mu.
func (m *BusyLoadMeter) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append([]sample(nil), m.samples[i:]...)
	}
}

// Value returns the current busy-load, or LoadDontKnow if the window has
// not yet elapsed since creation.
func (m *BusyLoadMeter) Value() Load {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if now.Sub(m.created) < m.window {
		return LoadDontKnow
	}
	m.prune(now)
	var sum int64
	for _, s := range m.samples {
		sum += s.delta
	}
	return Load(sum)
}

// Bind couples child so every Add to m also adds to child (host multi-binding).
func (m *BusyLoadMeter) Bind(child *BusyLoadMeter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children = append(m.children, child)
}

// Unbind removes child from m's bound listeners.
func (m *BusyLoadMeter) Unbind(child *BusyLoadMeter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.children {
		if c == child {
			m.children = append(m.children[:i], m.children[i+1:]...)
			return
		}
	}
}

// Reset clears all samples and restarts the warm-up window, used after a
// successful balancing action invalidates the current sampling window.
func (m *BusyLoadMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.created = time.Now()
}

// SingleLoadMeter is the arithmetic mean of the last N increments to the
// same underlying counter. It reports LoadDontKnow until N
// samples have been seen.
type SingleLoadMeter struct {
	mu       sync.Mutex
	n        int
	samples  []int64
	children []*SingleLoadMeter
}

// NewSingleLoadMeter creates a meter averaging the last n samples.
func NewSingleLoadMeter(n int) *SingleLoadMeter {
	if n < 1 {
		n = 1
	}
	return &SingleLoadMeter{n: n}
}

// Add records one sample of delta, forwarding to bound parents.
func (m *SingleLoadMeter) Add(delta int64) {
	m.mu.Lock()
	m.samples = append(m.samples, delta)
	if len(m.samples) > m.n {
		m.samples = m.samples[len(m.samples)-m.n:]
	}
	children := append([]*SingleLoadMeter(nil), m.children...)
	m.mu.Unlock()

	for _, c := range children {
		c.Add(delta)
	}
}

// Value returns the mean of the last N samples, or LoadDontKnow if fewer
// than N have been seen.
func (m *SingleLoadMeter) Value() Load {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < m.n {
		return LoadDontKnow
	}
	var sum int64
	for _, s := range m.samples {
		sum += s
	}
	return Load(sum / int64(len(m.samples)))
}

// Bind couples child so every Add to m also adds to child.
func (m *SingleLoadMeter) Bind(child *SingleLoadMeter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children = append(m.children, child)
}

// Unbind removes child from m's bound listeners.
func (m *SingleLoadMeter) Unbind(child *SingleLoadMeter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.children {
		if c == child {
			m.children = append(m.children[:i], m.children[i+1:]...)
			return
		}
	}
}

// Reset clears all samples.
func (m *SingleLoadMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
}
