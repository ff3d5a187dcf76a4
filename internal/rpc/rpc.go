// Package rpc models the node-to-node transport collaborator:
// request/response with caller-side correlation between this node and
// another overlay node. The concrete transport (dial, stream multiplexing,
// retransmission) lives in its own subsystem; this package defines the
// contract the replication and restoration drivers depend on.
package rpc

import (
	"errors"

	"github.com/orionmesh/relay/internal/idtypes"
)

// CallID correlates an outbound request with its eventual Event.
type CallID uint64

// ErrTransportClosed is returned by Request once the underlying transport
// has been torn down.
var ErrTransportClosed = errors.New("rpc: transport closed")

// Event is a transport-level occurrence fed into the event loop: a
// response (success or failure) to a previously issued request.
type Event struct {
	Call     CallID
	Peer     idtypes.PeerID
	Response []byte // nil when Err != nil
	Err      error
}

// Transport issues requests to peers and surfaces their responses as
// Events on a shared channel, correlated by CallID.
type Transport interface {
	// Request sends payload to peer and returns the CallID that will
	// label the eventual Event on Events().
	Request(peer idtypes.PeerID, payload []byte) (CallID, error)
	// Events returns the channel of responses to requests this node
	// issued. Requests other nodes address to this one arrive through
	// Receiver.Inbound instead.
	Events() <-chan Event
}

// Inbound is a request from another node, delivered to this node's handler
// registry. Reply sends the encoded result back to the requesting node,
// resolving the Event its transport is awaiting. Reply must be called at
// most once.
type Inbound struct {
	Peer    idtypes.PeerID
	Payload []byte
	Reply   func(response []byte)
}

// Receiver is the server-facing half of the transport: the stream of
// requests other nodes have addressed to this one.
type Receiver interface {
	Inbound() <-chan Inbound
}

// Counter is a process-wide monotonically increasing CallID generator.
type Counter struct {
	next CallID
}

// NewCounter returns a fresh CallID generator starting at 1 (0 is reserved
// as the zero value / "no call").
func NewCounter() *Counter {
	return &Counter{next: 1}
}

// Next returns the next CallID and advances the counter.
func (c *Counter) Next() CallID {
	id := c.next
	c.next++
	return id
}
