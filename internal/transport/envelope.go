package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// NetworkEndpoint is an (address, port) pair identifying a host on the fabric.
type NetworkEndpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (e NetworkEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// IsZero reports whether e is the zero endpoint (used as a "no endpoint" sentinel).
func (e NetworkEndpoint) IsZero() bool {
	return e.Address == "" && e.Port == 0
}

// MessageKind is the stable integer wire code for an Envelope's payload type.
type MessageKind int32

const (
	KindNotify MessageKind = iota + 1
	KindSuitableHost
	KindBalancingOffer
	KindCreateNode
	KindMigrate
	KindReplicate
	KindUnify
	KindMigrateNotify
	KindStartStopBalancing
	KindNodeDoesntExist
	KindGossipTick
	KindOperationRequest
)

func (k MessageKind) String() string {
	switch k {
	case KindNotify:
		return "Notify"
	case KindSuitableHost:
		return "SuitableHost"
	case KindBalancingOffer:
		return "BalancingOffer"
	case KindCreateNode:
		return "CreateNode"
	case KindMigrate:
		return "Migrate"
	case KindReplicate:
		return "Replicate"
	case KindUnify:
		return "Unify"
	case KindMigrateNotify:
		return "MigrateNotify"
	case KindStartStopBalancing:
		return "StartStopBalancing"
	case KindNodeDoesntExist:
		return "NodeDoesntExist"
	case KindGossipTick:
		return "GossipTick"
	case KindOperationRequest:
		return "OperationRequest"
	default:
		return "Unknown"
	}
}

// PeerSnapshot is one entry of a peer directory as carried over the wire.
type PeerSnapshot struct {
	Endpoint   NetworkEndpoint `json:"endpoint"`
	BusyLoad   int64           `json:"busy_load"`
	SingleLoad int64           `json:"single_load"`
	DataLoad   int64           `json:"data_load"`
	Timestamp  time.Time       `json:"timestamp"`
}

// GossipPayload is the push-sum gossip round payload, ridden along every
// Envelope by GossipMiddleware or sent standalone on a
// KindGossipTick Envelope when no other traffic is flowing.
type GossipPayload struct {
	P         float64        `json:"p"`
	B         float64        `json:"b"`
	D         float64        `json:"d"`
	W         float64        `json:"w"`
	Unloaded  []PeerSnapshot `json:"unloaded,omitempty"`
	Loaded    []PeerSnapshot `json:"loaded,omitempty"`
	FromSelf  NetworkEndpoint `json:"from_self"`
}

// Envelope is the transport-level unit of communication: a typed,
// length-prefixable payload plus a monotonically increasing message id and
// the sender's endpoint.
type Envelope struct {
	Kind      MessageKind      `json:"kind"`
	MessageID uint64           `json:"message_id"`
	From      NetworkEndpoint  `json:"from"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Gossip    *GossipPayload   `json:"gossip,omitempty"`
}

// NewEnvelope marshals body into an Envelope of the given kind.
func NewEnvelope(kind MessageKind, from NetworkEndpoint, id uint64, body interface{}) (Envelope, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: marshal %s payload: %w", kind, err)
		}
		raw = data
	}
	return Envelope{Kind: kind, MessageID: id, From: from, Payload: raw}, nil
}

// Decode unmarshals the Envelope's payload into out.
func (e Envelope) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("transport: empty payload for %s", e.Kind)
	}
	return json.Unmarshal(e.Payload, out)
}

// GossipExchanger is satisfied by a gossip accumulator that can be folded
// into outgoing traffic and merged from incoming traffic. Defined here
// rather than implemented here: internal/balancer.GossipEstimator satisfies
// it structurally, so this package never imports the balancer package.
type GossipExchanger interface {
	PreparePayload() GossipPayload
	Merge(GossipPayload)
}

// Handler processes an inbound Envelope addressed to this endpoint and
// produces a reply Envelope (or an error if the dialog should fail).
type Handler interface {
	Handle(ctx context.Context, req Envelope) (Envelope, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req Envelope) (Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, req Envelope) (Envelope, error) {
	return f(ctx, req)
}

// Dispatcher sends a request Envelope to a remote endpoint and returns its
// reply. Implementations: LocalDispatcher (in-process, for tests) and
// UDPDispatcher (real network), optionally wrapped by GossipMiddleware.
type Dispatcher interface {
	Send(ctx context.Context, to NetworkEndpoint, req Envelope) (Envelope, error)
}

// wireHeader is the two-phase codec header used by UDPDispatcher: a fixed
// integer type tag followed by a length-prefixed JSON payload, so a reader
// can pick the codec from the tag without reflection.
type wireHeader struct {
	Kind   MessageKind
	Length uint32
}

const wireHeaderSize = 8 // 4 bytes kind + 4 bytes length

// EncodeEnvelope frames an Envelope as [kind:4][length:4][json payload].
func EncodeEnvelope(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}
	buf := make([]byte, wireHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Kind))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[wireHeaderSize:], body)
	return buf, nil
}

// DecodeEnvelope reverses EncodeEnvelope, validating the length prefix
// against what was actually received before handing the payload to json.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) < wireHeaderSize {
		return Envelope{}, fmt.Errorf("transport: short frame (%d bytes)", len(buf))
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if int(length) != len(buf)-wireHeaderSize {
		return Envelope{}, fmt.Errorf("transport: length mismatch: header says %d, got %d", length, len(buf)-wireHeaderSize)
	}
	var e Envelope
	if err := json.Unmarshal(buf[wireHeaderSize:], &e); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return e, nil
}
