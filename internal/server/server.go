// Package server wires the node together: the handler registry, object
// store, DHT routing table, RPC transport, subscription bus and the
// replication/restoration drivers, behind a single Run loop that owns all
// transport events. Client circuits are served one goroutine per stream;
// every request runs on its own goroutine with a deadline, and all
// cross-request coordination goes through the store's own locking and the
// pending-call table.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/dht"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/metric"
	"github.com/orionmesh/relay/internal/onion"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/registry"
	"github.com/orionmesh/relay/internal/replication"
	"github.com/orionmesh/relay/internal/restoration"
	"github.com/orionmesh/relay/internal/rpc"
	"github.com/orionmesh/relay/internal/store"
	"github.com/orionmesh/relay/internal/subscription"
	"github.com/orionmesh/relay/internal/wire"
	"github.com/orionmesh/relay/internal/xlog"
)

// DefaultRequestTimeout bounds how long a single request may stay in
// flight, including its replica fan-out and any restoration fetch.
const DefaultRequestTimeout = 10 * time.Second

// Options carries the optional collaborators a Node can run without.
type Options struct {
	Log            xlog.Logger
	Metrics        *metric.Set
	RequestTimeout time.Duration
}

// Node is one overlay server.
type Node struct {
	log       xlog.Logger
	self      idtypes.PeerID
	store     *store.Store
	table     *dht.Table
	transport rpc.Transport
	recv      rpc.Receiver
	pending   *registry.PendingCalls
	reg       *registry.Registry
	repl      *replication.Driver
	rest      *restoration.Driver
	bus       *subscription.Bus
	metrics   *metric.Set
	timeout   time.Duration

	circuitSeq atomic.Uint64
}

// New assembles a Node from its collaborators and registers every protocol
// handler.
func New(self idtypes.PeerID, st *store.Store, table *dht.Table, transport rpc.Transport, recv rpc.Receiver, opts Options) *Node {
	if opts.Log == nil {
		opts.Log = xlog.NoOp()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	pending := registry.NewPendingCalls()
	n := &Node{
		log:       opts.Log,
		self:      self,
		store:     st,
		table:     table,
		transport: transport,
		recv:      recv,
		pending:   pending,
		reg:       registry.New(),
		repl:      replication.New(self, table, transport, pending, opts.Metrics),
		rest:      restoration.New(self, table, transport, pending, opts.Metrics),
		bus:       subscription.New(),
		metrics:   opts.Metrics,
		timeout:   opts.RequestTimeout,
	}
	n.registerHandlers()
	return n
}

// Store exposes the node's object store, for tests that need to inspect or
// wipe replica state.
func (n *Node) Store() *store.Store { return n.store }

// Run owns the transport: responses to requests this node issued resolve
// their pending slots, and requests from other nodes are dispatched through
// the registry. Replicated writes are applied in arrival order by a single
// worker, so two interleaved fan-outs for the same topic land in the same
// order here as they were queued; fetches stay concurrent so a worker
// blocked on its own restoration can still be served by its peers. Returns
// when ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	writes := make(chan rpc.Inbound, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-writes:
				n.handlePeerRequest(ctx, in)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.transport.Events():
			_ = n.pending.Resolve(ev)
		case in := <-n.recv.Inbound():
			if isPeerWrite(in.Payload) {
				select {
				case writes <- in:
				case <-ctx.Done():
					return ctx.Err()
				}
			} else {
				go n.handlePeerRequest(ctx, in)
			}
		}
	}
}

// isPeerWrite reports whether an inbound peer payload mutates local state
// and therefore must be applied in arrival order.
func isPeerWrite(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	prefix := protocol.Prefix(payload[0])
	return isMutating(prefix) || prefix == protocol.PrefixSubscribe
}

func (n *Node) handlePeerRequest(ctx context.Context, in rpc.Inbound) {
	prefix, body, err := wire.DecodePeerRequest(in.Payload)
	if err != nil {
		in.Reply(encodeOutcome(protocol.ErrDecodeError, nil))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	peer := in.Peer
	sc := registry.Scope{Origin: store.Origin{Miner: &peer}, Prefix: prefix}
	out, err := n.reg.Dispatch(cctx, sc, body)
	if err != nil {
		out = encodeOutcome(err, nil)
	}
	in.Reply(out)
}

// ServeClient reads request frames from one client circuit until the
// stream or ctx ends. Requests run concurrently; responses are written back
// in completion order, paired by call id.
func (n *Node) ServeClient(ctx context.Context, stream onion.Stream) {
	circuit := onion.CircuitID(n.circuitSeq.Add(1))
	cctx, cancel := context.WithCancel(ctx)

	var writeMu sync.Mutex
	write := func(frame []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := stream.WriteFrame(frame); err != nil {
			n.log.Debug("dropping frame to client", "circuit", uint64(circuit), "err", err)
		}
	}

	var cleanupMu sync.Mutex
	var cleanups []func()

	defer func() {
		cancel()
		_ = stream.Close()
		cleanupMu.Lock()
		defer cleanupMu.Unlock()
		for _, fn := range cleanups {
			fn()
		}
	}()

	for {
		frame, err := stream.ReadFrame(cctx)
		if err != nil {
			return
		}
		prefix, call, body, err := wire.DecodeRequest(frame)
		if err != nil {
			n.log.Debug("malformed client frame", "circuit", uint64(circuit), "err", err)
			continue
		}
		body = append([]byte(nil), body...)

		if protocol.IsSubscription(prefix) {
			cleanup := n.openSubscription(cctx, circuit, call, body, write)
			if cleanup != nil {
				cleanupMu.Lock()
				cleanups = append(cleanups, cleanup)
				cleanupMu.Unlock()
			}
			continue
		}

		go func() {
			rctx, rcancel := context.WithTimeout(cctx, n.timeout)
			defer rcancel()
			start := time.Now()
			sc := registry.Scope{
				Origin: store.Origin{Client: &store.ClientOrigin{CircuitID: uint64(circuit)}},
				Call:   rpc.CallID(call),
				Prefix: protocol.BasePrefix(prefix),
			}
			out := n.execute(rctx, sc, sc.Prefix, body)
			if n.metrics != nil {
				n.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
			}
			write(wire.EncodeResponse(call, out))
		}()
	}
}

// execute runs one client request to its encoded outcome: topic check and
// replica fan-out for mutating protocols, plain dispatch for reads.
func (n *Node) execute(ctx context.Context, sc registry.Scope, prefix protocol.Prefix, body []byte) []byte {
	if !isMutating(prefix) {
		out, err := n.reg.Dispatch(ctx, sc, body)
		if err != nil {
			return encodeOutcome(err, nil)
		}
		return out
	}

	topic, err := extractTopic(prefix, body)
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil)
	}
	if !n.table.Contains(topic.Key(), replication.ReplicaCount, n.self) {
		return encodeOutcome(protocol.ErrInvalidTopic, nil)
	}

	local, err := n.reg.Dispatch(ctx, sc, body)
	if err != nil {
		return encodeOutcome(err, nil)
	}

	// A direct delivery queued nothing, so there is nothing to replicate.
	if prefix == protocol.PrefixSendMail && isOutcome(local, protocol.ErrSentDirectly, protocol.ErrSendingToSelf) {
		return local
	}

	frame := wire.EncodePeerRequest(prefix, body)
	out, err := n.repl.Execute(ctx, topic, frame, func() []byte { return local })
	if err != nil {
		n.log.Warn("replicated request failed", "prefix", byte(prefix), "err", err)
		return encodeOutcome(err, nil)
	}
	return out
}

// openSubscription registers circuit on the requested topic, records and
// advertises presence for profile topics, and starts the goroutine that
// relays bus events to the client. Returns the cleanup to run when the
// circuit closes.
func (n *Node) openSubscription(ctx context.Context, circuit onion.CircuitID, call uint64, body []byte, write func([]byte)) func() {
	req, err := protocol.DecodeSubscribeRequest(codec.NewReader(body))
	if err != nil {
		write(wire.EncodeResponse(call, encodeOutcome(protocol.ErrDecodeError, nil)))
		return nil
	}

	events, unsubscribe := n.bus.Subscribe(req.Target, circuit)

	if req.Target.Kind == protocol.TopicProfile {
		id := req.Target.Profile
		_ = n.store.WithProfile(id, func(p *store.Profile) error {
			p.OnlineIn = store.Origin{Client: &store.ClientOrigin{CircuitID: uint64(circuit)}}
			return nil
		})
		// Let the other replicas know where the owner is reachable now.
		// Best effort: a replica that misses this learns the hard way, via
		// a failed direct delivery.
		frame := wire.EncodePeerRequest(protocol.PrefixSubscribe, body)
		for _, peer := range n.table.Closest(req.Target.Key(), replication.ReplicaCount-1) {
			if _, err := n.transport.Request(peer, frame); err != nil {
				n.log.Debug("presence advertisement failed", "peer", peer, "err", err)
			}
		}
	}

	write(wire.EncodeResponse(call, encodeOutcome(nil, nil)))

	go func() {
		for {
			select {
			case payload, ok := <-events:
				if !ok {
					return
				}
				write(wire.EncodeResponse(call, payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		unsubscribe()
		if req.Target.Kind == protocol.TopicProfile {
			_ = n.store.WithProfile(req.Target.Profile, func(p *store.Profile) error {
				if p.OnlineIn.Client != nil && p.OnlineIn.Client.CircuitID == uint64(circuit) {
					p.OnlineIn = store.Origin{}
				}
				return nil
			})
		}
	}
}
