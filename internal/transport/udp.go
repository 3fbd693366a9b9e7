package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPDispatcher is a real-network Dispatcher: it JSON-frames each Envelope
// with the two-phase wire codec (EncodeEnvelope/DecodeEnvelope) and sends it
// over a UDP socket. Replies are correlated by MessageID.
type UDPDispatcher struct {
	conn    *net.UDPConn
	timeout time.Duration

	mu      sync.Mutex
	waiters map[uint64]chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPDispatcher opens a UDP socket on listenAddr (e.g. ":7777") and
// starts its receive loop. timeout bounds how long Send waits for a reply.
func NewUDPDispatcher(listenAddr string, timeout time.Duration) (*UDPDispatcher, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	d := &UDPDispatcher{
		conn:    conn,
		timeout: timeout,
		waiters: make(map[uint64]chan Envelope),
		closed:  make(chan struct{}),
	}
	go d.receiveLoop()
	return d, nil
}

func (d *UDPDispatcher) receiveLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
				continue
			}
		}
		env, err := DecodeEnvelope(buf[:n])
		if err != nil {
			continue
		}
		d.mu.Lock()
		ch, ok := d.waiters[env.MessageID]
		if ok {
			delete(d.waiters, env.MessageID)
		}
		d.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Send implements Dispatcher: it resolves to's address, writes the framed
// Envelope, and blocks for a correlated reply or timeout/ctx cancellation.
func (d *UDPDispatcher) Send(ctx context.Context, to NetworkEndpoint, req Envelope) (Envelope, error) {
	addr, err := net.ResolveUDPAddr("udp", to.String())
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: resolve %s: %w", to, err)
	}
	frame, err := EncodeEnvelope(req)
	if err != nil {
		return Envelope{}, err
	}

	replyCh := make(chan Envelope, 1)
	d.mu.Lock()
	d.waiters[req.MessageID] = replyCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, req.MessageID)
		d.mu.Unlock()
	}()

	if _, err := d.conn.WriteToUDP(frame, addr); err != nil {
		return Envelope{}, fmt.Errorf("transport: write to %s: %w", to, err)
	}

	timeout := d.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return Envelope{}, fmt.Errorf("transport: timed out waiting for reply from %s", to)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// LocalAddr returns the dispatcher's bound UDP address.
func (d *UDPDispatcher) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Close stops the receive loop and releases the socket.
func (d *UDPDispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.conn.Close()
	})
	return err
}
