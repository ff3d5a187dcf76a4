// Package dht models the DHT lookup primitive as a collaborator contract:
// given a topic (a ChatName or an Identity), return the peers closest to
// it in keyspace. The lookup swarm itself lives in its own subsystem;
// this package defines the Lookup interface the replication and
// restoration drivers depend on, plus an in-memory table for tests and
// single-process deployments.
package dht

import (
	"math/big"
	"sort"

	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/idtypes"
)

// Lookup resolves a topic's key to the ordered list of peers closest to it,
// nearest first. Implementations may return fewer than the requested
// count if the table holds fewer peers.
type Lookup interface {
	Closest(key []byte, count int) []idtypes.PeerID
}

// route is one entry of the routing table: a peer and its derived distance
// key.
type route struct {
	peer idtypes.PeerID
	id   *big.Int
}

// Table is an in-memory routing table sorted by peer id, supporting
// closest-N queries by XOR distance.
type Table struct {
	self   idtypes.PeerID
	routes []route
}

// NewTable returns an empty table. self is excluded from any Closest
// result even if later inserted: a node is never its own fan-out peer,
// and callers check their own membership separately via Contains.
func NewTable(self idtypes.PeerID) *Table {
	return &Table{self: self}
}

func peerKey(p idtypes.PeerID) *big.Int {
	h := hash.Sum([]byte(peerString(p)))
	return new(big.Int).SetBytes(h[:])
}

// keyTarget hashes a topic key into the table's distance space.
func keyTarget(key []byte) *big.Int {
	h := hash.Sum(key)
	return new(big.Int).SetBytes(h[:])
}

// peerString renders a PeerID as a stable byte key source. idtypes.PeerID
// is an alias of the collaborator registry's node-id type; we only rely on
// its Stringer, not its internal representation.
func peerString(p idtypes.PeerID) string {
	type stringer interface{ String() string }
	if s, ok := any(p).(stringer); ok {
		return s.String()
	}
	return ""
}

// Insert adds or updates a peer's route.
func (t *Table) Insert(peer idtypes.PeerID) {
	id := peerKey(peer)
	for i := range t.routes {
		if t.routes[i].peer == peer {
			t.routes[i].id = id
			return
		}
	}
	t.routes = append(t.routes, route{peer: peer, id: id})
	sort.Slice(t.routes, func(i, j int) bool { return t.routes[i].id.Cmp(t.routes[j].id) < 0 })
}

// Remove drops peer from the table, if present.
func (t *Table) Remove(peer idtypes.PeerID) {
	for i := range t.routes {
		if t.routes[i].peer == peer {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Len returns the number of peers in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// Closest returns up to count peers closest to key by XOR distance,
// nearest first, ties broken by the peer's own id (a total order). self
// is never included.
func (t *Table) Closest(key []byte, count int) []idtypes.PeerID {
	target := keyTarget(key)

	type scored struct {
		peer idtypes.PeerID
		dist *big.Int
		id   *big.Int
	}
	candidates := make([]scored, 0, len(t.routes))
	for _, r := range t.routes {
		if r.peer == t.self {
			continue
		}
		candidates = append(candidates, scored{
			peer: r.peer,
			dist: new(big.Int).Xor(target, r.id),
			id:   r.id,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if c := candidates[i].dist.Cmp(candidates[j].dist); c != 0 {
			return c < 0
		}
		return candidates[i].id.Cmp(candidates[j].id) < 0
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]idtypes.PeerID, count)
	for i := 0; i < count; i++ {
		out[i] = candidates[i].peer
	}
	return out
}

// Contains reports whether self is among the count peers closest to key,
// the "am I a replica for this topic" check.
func (t *Table) Contains(key []byte, count int, self idtypes.PeerID) bool {
	// self is excluded from Closest, so evaluate membership by comparing
	// self's distance against the count-th closest other peer.
	target := keyTarget(key)
	selfDist := new(big.Int).Xor(target, peerKey(self))

	closer := 0
	for _, r := range t.routes {
		if r.peer == self {
			continue
		}
		dist := new(big.Int).Xor(target, r.id)
		if dist.Cmp(selfDist) < 0 {
			closer++
		}
	}
	return closer < count
}
