// Package subscription implements the per-client-circuit event bus: a
// bounded channel per (topic, circuit) subscription, with a full channel
// treated as an overwhelmed subscriber.
package subscription

import (
	"sync"

	"github.com/orionmesh/relay/internal/onion"
	"github.com/orionmesh/relay/internal/protocol"
)

// Capacity is the bounded channel depth per subscriber.
const Capacity = 32

// subscriber is one live (topic, circuit) registration.
type subscriber struct {
	circuit onion.CircuitID
	events  chan []byte
}

// Bus fans out topic events to every subscriber of that topic and serves
// targeted pushes to a single live circuit.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

func topicKey(t protocol.Topic) string {
	return string([]byte{byte(t.Kind)}) + string(t.Key())
}

// Subscribe registers circuit on topic and returns the channel it will
// receive pushed event payloads on, plus an unsubscribe func. The owner
// must drain Events or drop the subscription; a full channel causes future
// pushes to fail over to mailbox enqueue rather than block.
func (b *Bus) Subscribe(topic protocol.Topic, circuit onion.CircuitID) (<-chan []byte, func()) {
	sub := &subscriber{circuit: circuit, events: make(chan []byte, Capacity)}
	key := topicKey(topic)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[key]
		for i, s := range list {
			if s == sub {
				b.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	return sub.events, unsubscribe
}

// Publish delivers payload to every current subscriber of topic. Returns
// the number of subscribers that accepted it (their channel wasn't full).
func (b *Bus) Publish(topic protocol.Topic, payload []byte) int {
	b.mu.Lock()
	list := append([]*subscriber(nil), b.subs[topicKey(topic)]...)
	b.mu.Unlock()

	delivered := 0
	for _, s := range list {
		select {
		case s.events <- payload:
			delivered++
		default:
		}
	}
	return delivered
}

// PushToCircuit implements mailbox.Pusher: attempt direct delivery to the
// single circuit currently recorded as a profile's presence. Unlike
// Publish (which fans out to every subscriber of a topic), this targets
// exactly one circuit, since presence names a specific subscription, not
// the whole topic.
func (b *Bus) PushToCircuit(circuit uint64, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.subs {
		for _, s := range list {
			if uint64(s.circuit) != circuit {
				continue
			}
			select {
			case s.events <- payload:
				return true
			default:
				return false
			}
		}
	}
	return false
}
