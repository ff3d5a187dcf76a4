// Package replication implements the replicated-request driver: verify
// self is a replica for the request's topic, execute the handler locally,
// fan the request out to the other replicas, and decide the
// client-visible outcome by byte-exact majority compare.
package replication

import (
	"bytes"
	"context"

	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/metric"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/registry"
	"github.com/orionmesh/relay/internal/rpc"
)

// ReplicaCount is the fixed replication factor per topic.
const ReplicaCount = 4

// ReplicaSet resolves a topic to its replica set and answers whether self
// is among them, the DHT collaborator this driver depends on.
type ReplicaSet interface {
	Closest(key []byte, count int) []idtypes.PeerID
	Contains(key []byte, count int, self idtypes.PeerID) bool
}

// Driver runs the replicated-request algorithm for one node.
type Driver struct {
	self     idtypes.PeerID
	replicas ReplicaSet
	transport rpc.Transport
	pending  *registry.PendingCalls
	metrics  *metric.Set
}

// New returns a Driver. metrics may be nil to disable instrumentation.
func New(self idtypes.PeerID, replicas ReplicaSet, transport rpc.Transport, pending *registry.PendingCalls, metrics *metric.Set) *Driver {
	return &Driver{self: self, replicas: replicas, transport: transport, pending: pending, metrics: metrics}
}

// Execute runs one replicated request. topic names the request's
// extracted topic; requestFrame is the prefix-tagged, fully-encoded
// request to replicate verbatim to the other replicas. localExec returns
// the locally-computed outcome bytes, the value every replica reply is
// compared against.
//
// On success, Execute returns the matched outcome bytes for the caller to
// decode. On failure it returns protocol.ErrInvalidTopic (self is not a
// replica) or protocol.ErrNoMajority.
func (d *Driver) Execute(ctx context.Context, topic protocol.Topic, requestFrame []byte, localExec func() []byte) ([]byte, error) {
	key := topic.Key()
	if !d.replicas.Contains(key, ReplicaCount, d.self) {
		return nil, protocol.ErrInvalidTopic
	}

	localResp := localExec()
	// Self holds one of the R slots, so the fan-out targets the other R-1
	// members of the replica group.
	peers := d.replicas.Closest(key, ReplicaCount-1)
	if len(peers) == 0 {
		// A single-node fleet is its own majority.
		d.incMatched()
		return localResp, nil
	}

	type reply struct{ matched bool }
	results := make(chan reply, len(peers))

	for _, peer := range peers {
		peer := peer
		callID, err := d.transport.Request(peer, requestFrame)
		if err != nil {
			results <- reply{matched: false}
			continue
		}
		ch := d.pending.Register(callID)
		go func() {
			select {
			case ev := <-ch:
				results <- reply{matched: ev.Err == nil && bytes.Equal(ev.Response, localResp)}
			case <-ctx.Done():
				d.pending.Abandon(callID)
				results <- reply{matched: false}
			}
		}()
	}

	quorum := ReplicaCount / 2
	matched := 0
	remaining := len(peers)
	for remaining > 0 {
		r := <-results
		remaining--
		if r.matched {
			matched++
			if matched >= quorum {
				d.incMatched()
				return localResp, nil
			}
		}
		if matched+remaining < quorum {
			break
		}
	}
	d.incNoMajority()
	return nil, protocol.ErrNoMajority
}

func (d *Driver) incMatched() {
	if d.metrics != nil {
		d.metrics.ReplicationMatched.Inc()
	}
}

func (d *Driver) incNoMajority() {
	if d.metrics != nil {
		d.metrics.ReplicationNoMajority.Inc()
	}
}
