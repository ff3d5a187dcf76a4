// Package rpcmem is an in-process rpc.Transport implementation: every node
// joins a shared Network and requests are delivered as Inbound values on
// the target's channel, with replies resolved back to the caller as Events.
// It backs tests and single-machine fleets; a networked transport satisfies
// the same interfaces.
package rpcmem

import (
	"errors"
	"sync"

	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/rpc"
)

// chanDepth bounds each endpoint's event and inbound queues. A full inbound
// queue fails the call at once with an error Event; a full event queue
// drops the reply, which surfaces to the caller as a timed-out call.
const chanDepth = 256

var ErrUnknownPeer = errors.New("rpcmem: no such peer on this network")

// Network connects a set of in-process endpoints.
type Network struct {
	mu    sync.RWMutex
	nodes map[idtypes.PeerID]*Endpoint
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[idtypes.PeerID]*Endpoint)}
}

// Join registers peer and returns its endpoint. Joining the same peer twice
// replaces the previous endpoint.
func (n *Network) Join(peer idtypes.PeerID) *Endpoint {
	e := &Endpoint{
		net:     n,
		self:    peer,
		calls:   rpc.NewCounter(),
		events:  make(chan rpc.Event, chanDepth),
		inbound: make(chan rpc.Inbound, chanDepth),
	}
	n.mu.Lock()
	n.nodes[peer] = e
	n.mu.Unlock()
	return e
}

func (n *Network) lookup(peer idtypes.PeerID) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[peer]
}

// Endpoint is one node's attachment to the network. It implements both
// rpc.Transport and rpc.Receiver.
type Endpoint struct {
	net  *Network
	self idtypes.PeerID

	mu    sync.Mutex
	calls *rpc.Counter

	events  chan rpc.Event
	inbound chan rpc.Inbound
}

// Request delivers payload to peer's inbound queue and returns the CallID
// the eventual Event will carry.
func (e *Endpoint) Request(peer idtypes.PeerID, payload []byte) (rpc.CallID, error) {
	target := e.net.lookup(peer)
	if target == nil {
		return 0, ErrUnknownPeer
	}

	e.mu.Lock()
	id := e.calls.Next()
	e.mu.Unlock()

	buf := append([]byte(nil), payload...)
	var replyOnce sync.Once
	in := rpc.Inbound{
		Peer:    e.self,
		Payload: buf,
		Reply: func(response []byte) {
			replyOnce.Do(func() {
				ev := rpc.Event{Call: id, Peer: peer, Response: append([]byte(nil), response...)}
				select {
				case e.events <- ev:
				default:
				}
			})
		},
	}

	select {
	case target.inbound <- in:
	default:
		// Queue full: report the loss to the caller instead of blocking the
		// sending node.
		select {
		case e.events <- rpc.Event{Call: id, Peer: peer, Err: ErrUnknownPeer}:
		default:
		}
	}
	return id, nil
}

// Events returns the channel of responses to requests this endpoint issued.
func (e *Endpoint) Events() <-chan rpc.Event {
	return e.events
}

// Inbound returns the channel of requests other nodes addressed to this
// endpoint.
func (e *Endpoint) Inbound() <-chan rpc.Inbound {
	return e.inbound
}
