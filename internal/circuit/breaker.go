// Package circuit keeps one breaker per peer endpoint so that a
// partitioned or overloaded peer stops being offered balancing dialogs
// until it has had time to recover.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPeerOpen is returned when the breaker for a peer is open and the
// dialog is refused without touching the network.
var ErrPeerOpen = errors.New("peer circuit open")

// State of a per-peer breaker.
type State uint8

const (
	// Closed - dialogs flow normally.
	Closed State = iota
	// Open - dialogs are refused until the cooldown elapses.
	Open
	// HalfOpen - one probe dialog is allowed through to test the peer.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config bounds when a peer is cut off and when it is probed again.
type Config struct {
	// FailureThreshold is the number of consecutive failed dialogs that
	// opens the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Cooldown is how long an open breaker refuses dialogs before it
	// half-opens and lets a single probe through.
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange, if set, observes every transition.
	OnStateChange func(peer string, from, to State) `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

// Breaker guards the dialogs to a single peer endpoint.
type Breaker struct {
	peer string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures uint32
	probing  bool
	openedAt time.Time
}

func newBreaker(peer string, cfg Config) *Breaker {
	return &Breaker{peer: peer, cfg: cfg}
}

// Peer returns the endpoint this breaker guards.
func (b *Breaker) Peer() string {
	return b.peer
}

// Do runs one dialog against the peer if the breaker permits it. While
// open it fails fast with ErrPeerOpen; while half-open only a single
// in-flight probe is admitted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(time.Now()); err != nil {
		return err
	}
	err := fn(ctx)
	b.settle(err, time.Now())
	return err
}

func (b *Breaker) admit(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(HalfOpen)
	}

	switch b.state {
	case Open:
		return ErrPeerOpen
	case HalfOpen:
		if b.probing {
			return ErrPeerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) settle(err error, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != Closed {
			b.transition(Closed)
		}
		return
	}

	switch b.state {
	case HalfOpen:
		// The probe failed; the peer is still unreachable.
		b.probing = false
		b.openedAt = now
		b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(Open)
		}
	}
}

// transition is called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to == Closed || to == Open {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.peer, from, to)
	}
}

// State reports the breaker's state, promoting Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.transition(HalfOpen)
	}
	return b.state
}

// Reset closes the breaker and forgets its failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Set hands out one Breaker per peer endpoint, created on first use.
type Set struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]*Breaker
}

// NewSet creates an empty breaker set; every breaker it mints shares cfg.
func NewSet(cfg Config) *Set {
	cfg.applyDefaults()
	return &Set{cfg: cfg, peers: make(map[string]*Breaker)}
}

// For returns the breaker guarding peer, creating it if needed.
func (s *Set) For(peer string) *Breaker {
	s.mu.RLock()
	b, ok := s.peers[peer]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.peers[peer]; ok {
		return b
	}
	b = newBreaker(peer, s.cfg)
	s.peers[peer] = b
	return b
}

// Drop forgets the breaker for a peer that left the cluster.
func (s *Set) Drop(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

// OpenPeers lists the endpoints whose breakers currently refuse dialogs.
func (s *Set) OpenPeers() []string {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.peers))
	for _, b := range s.peers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	var open []string
	for _, b := range breakers {
		if b.State() == Open {
			open = append(open, b.peer)
		}
	}
	return open
}

// ResetAll closes every breaker in the set.
func (s *Set) ResetAll() {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.peers))
	for _, b := range s.peers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}
