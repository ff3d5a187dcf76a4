// Package registry implements the prefix-dispatched handler table and the
// suspended-call correlation slots. A suspended correlation is a channel
// sitting in an olist.Map slot, taken (deleted) the instant a matching
// rpc.Event resolves it, so a resumed caller can never observe its own
// prior slot.
//
// Every protocol handler in this repository is an ordinary blocking Go
// function rather than a reified state machine: a goroutine's stack is
// the stage, and blocking on a channel read is the await point.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/orionmesh/relay/internal/olist"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/rpc"
	"github.com/orionmesh/relay/internal/store"
)

// ErrUnknownPrefix is returned by Dispatch when no handler is registered
// for a prefix.
var ErrUnknownPrefix = protocol.ErrUnknownPrefix

// Scope carries the per-call context every handler needs: who asked,
// which call this is, and which protocol prefix it was dispatched under.
type Scope struct {
	Origin store.Origin
	Call   rpc.CallID
	Prefix protocol.Prefix
}

// Handler decodes body, executes its protocol's local state transition,
// and returns its encoded response (or error, to be wire-encoded by the
// caller via protocol.EncodeOutcome). Handlers may block (on a
// replication fan-out, a restoration fetch, or a mailbox forward); each
// runs on its own goroutine, so blocking here never stalls the server's
// dispatch loop for other calls.
type Handler func(ctx context.Context, sc Scope, body []byte) ([]byte, error)

// Registry is the closed, build-time protocol table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[protocol.Prefix]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[protocol.Prefix]Handler)}
}

// Register binds prefix to handler. Registering the same prefix twice
// overwrites, matching a build-time table literal's last-wins semantics.
func (r *Registry) Register(prefix protocol.Prefix, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Dispatch looks up body's handler by sc.Prefix and runs it.
func (r *Registry) Dispatch(ctx context.Context, sc Scope, body []byte) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[sc.Prefix]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownPrefix
	}
	return h(ctx, sc, body)
}

// errSlotTaken is returned by PendingCalls.Resolve when the slot was
// already consumed or never registered: only the first delivery of an
// event counts.
var errSlotTaken = errors.New("registry: call id already resolved or unknown")

// PendingCalls correlates outbound RPC CallIDs with the goroutine awaiting
// their response, used by the replication and restoration drivers to
// recover a blocked fan-out when the shared rpc.Transport delivers its
// Event.
type PendingCalls struct {
	mu   sync.Mutex
	list *olist.Map[rpc.CallID, chan rpc.Event]
}

// NewPendingCalls returns an empty correlation table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{list: olist.New[rpc.CallID, chan rpc.Event]()}
}

// Register allocates the slot for id and returns the channel its resolving
// Event will be delivered to. Must be called before the request is issued
// on the transport, to close the race between issuing and an
// immediate reply.
func (p *PendingCalls) Register(id rpc.CallID) <-chan rpc.Event {
	ch := make(chan rpc.Event, 1)
	p.mu.Lock()
	p.list.Put(id, ch)
	p.mu.Unlock()
	return ch
}

// Resolve delivers ev to the slot for ev.Call and takes (removes) it. Safe
// to call for an id with no registered slot (a duplicate or late-arriving
// reply after the awaiting goroutine gave up): the event is dropped.
func (p *PendingCalls) Resolve(ev rpc.Event) error {
	p.mu.Lock()
	ch, ok := p.list.Get(ev.Call)
	if ok {
		p.list.Delete(ev.Call)
	}
	p.mu.Unlock()
	if !ok {
		return errSlotTaken
	}
	ch <- ev
	close(ch)
	return nil
}

// Abandon removes id's slot without delivering anything, used when a
// deadline expires while still awaiting a reply.
func (p *PendingCalls) Abandon(id rpc.CallID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list.Delete(id)
}

// Len reports the number of calls currently awaited, for tests and
// diagnostics.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list.Len()
}
