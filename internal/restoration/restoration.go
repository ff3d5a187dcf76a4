// Package restoration repairs local misses: when a request names an
// object this node should replicate but does not hold, the driver fetches
// the full object from the other replicas, validates it, installs it if
// newer, and lets the caller re-dispatch the original request.
package restoration

import (
	"context"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/metric"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/registry"
	"github.com/orionmesh/relay/internal/rpc"
	"github.com/orionmesh/relay/internal/store"
)

// ReplicaSet is the subset of the DHT collaborator this driver needs:
// the other replicas of a topic, excluding self.
type ReplicaSet interface {
	Closest(key []byte, count int) []idtypes.PeerID
}

// ReplicaCount mirrors replication.ReplicaCount; kept independent to
// avoid an import cycle between the two driver packages.
const ReplicaCount = 4

// Driver fetches and validates a missing profile or chat from other replicas.
type Driver struct {
	self      idtypes.PeerID
	replicas  ReplicaSet
	transport rpc.Transport
	pending   *registry.PendingCalls
	metrics   *metric.Set
}

// New returns a Driver. metrics may be nil.
func New(self idtypes.PeerID, replicas ReplicaSet, transport rpc.Transport, pending *registry.PendingCalls, metrics *metric.Set) *Driver {
	return &Driver{self: self, replicas: replicas, transport: transport, pending: pending, metrics: metrics}
}

// fetchFullProfileFrame encodes a FetchFullProfile node-to-node request
// for id: prefix byte then body.
func fetchFullProfileFrame(id idtypes.Identity) []byte {
	w := codec.NewWriter(64)
	_ = w.WriteByte(byte(protocol.PrefixFetchFullProfile))
	protocol.FetchProfileRequest{Identity: id}.Encode(w)
	return w.Bytes()
}

// RestoreProfile issues FetchFullProfile to each other replica, validates
// the first well-formed reply, and installs it into s if s has no local
// entry or the fetched vault version strictly exceeds the local one.
// Returns whether a restore was performed.
func (d *Driver) RestoreProfile(ctx context.Context, s *store.Store, id idtypes.Identity) (bool, error) {
	d.incAttempt()
	// Self is one of the R replicas, so there are R-1 others to ask.
	peers := d.replicas.Closest(id[:], ReplicaCount-1)
	frame := fetchFullProfileFrame(id)

	type result struct {
		profile protocol.FullProfile
		ok      bool
	}
	results := make(chan result, len(peers))

	for _, peer := range peers {
		peer := peer
		callID, err := d.transport.Request(peer, frame)
		if err != nil {
			results <- result{}
			continue
		}
		ch := d.pending.Register(callID)
		go func() {
			select {
			case ev := <-ch:
				fp, ok := decodeValidated(ev, id)
				results <- result{profile: fp, ok: ok}
			case <-ctx.Done():
				d.pending.Abandon(callID)
				results <- result{}
			}
		}()
	}

	restored := false
	for i := 0; i < len(peers); i++ {
		r := <-results
		if !r.ok {
			continue
		}
		if d.maybeInsert(s, id, r.profile) {
			restored = true
			break
		}
	}
	return restored, nil
}

// decodeValidated decodes a FetchFullProfile response and validates it
// against id: re-derive the Identity from the signing key, require
// it equal the topic, and require last_sig verify against the vault
// context it was authorizing at the time of the write. An invalid reply
// reports ok=false, discarded by RestoreProfile.
func decodeValidated(ev rpc.Event, id idtypes.Identity) (protocol.FullProfile, bool) {
	if ev.Err != nil || ev.Response == nil {
		return protocol.FullProfile{}, false
	}
	r := codec.NewReader(ev.Response)
	ok, handlerErr, decodeErr := protocol.DecodeOutcome(r)
	if decodeErr != nil || !ok || handlerErr != nil {
		return protocol.FullProfile{}, false
	}
	fp, err := protocol.DecodeFullProfile(r)
	if err != nil {
		return protocol.FullProfile{}, false
	}
	derived := hash.Sum(sign.MarshalPublic(fp.SignPK))
	if derived != id {
		return protocol.FullProfile{}, false
	}
	lastProof := proof.Proof{PK: fp.SignPK, Nonce: fp.VaultVersion, Signature: fp.LastSig}
	if !proof.Verify(lastProof, proof.VaultContext(fp.Vault)) {
		return protocol.FullProfile{}, false
	}
	return fp, true
}

// maybeInsert installs fp if no local entry exists, or if the fetched
// vault version strictly exceeds the local one. Mail and presence are
// local state and are never taken from a fetched copy. Returns whether it
// installed anything.
func (d *Driver) maybeInsert(s *store.Store, id idtypes.Identity, fp protocol.FullProfile) bool {
	installed := false
	err := s.WithProfile(id, func(p *store.Profile) error {
		if fp.VaultVersion <= p.VaultVersion {
			return nil
		}
		p.Vault = append([]byte(nil), fp.Vault...)
		p.LastSig = fp.LastSig
		p.VaultVersion = fp.VaultVersion
		if fp.MailAction > p.MailAction {
			p.MailAction = fp.MailAction
		}
		installed = true
		return nil
	})
	if err == nil {
		return installed
	}
	return s.PutProfile(id, &store.Profile{
		SignPK: fp.SignPK, EncPK: fp.EncPK, LastSig: fp.LastSig,
		VaultVersion: fp.VaultVersion, MailAction: fp.MailAction,
		Vault: append([]byte(nil), fp.Vault...),
	}) == nil
}

// fetchFullChatFrame encodes a FetchFullChat node-to-node request for name.
func fetchFullChatFrame(name idtypes.ChatName) []byte {
	w := codec.NewWriter(64)
	_ = w.WriteByte(byte(protocol.PrefixFetchFullChat))
	protocol.FetchFullChatRequest{Name: name}.Encode(w)
	return w.Bytes()
}

// RestoreChat is the chat analogue of RestoreProfile: fetch the full chat
// from every other replica, keep the first structurally valid reply that
// advances local state, and install it. Chats carry no owner signature, so
// validation is structural only; a fetched copy can never move the logical
// offset backward.
func (d *Driver) RestoreChat(ctx context.Context, s *store.Store, name idtypes.ChatName) (bool, error) {
	d.incAttempt()
	peers := d.replicas.Closest([]byte(name), ReplicaCount-1)
	frame := fetchFullChatFrame(name)

	type result struct {
		chat protocol.FullChat
		ok   bool
	}
	results := make(chan result, len(peers))

	for _, peer := range peers {
		peer := peer
		callID, err := d.transport.Request(peer, frame)
		if err != nil {
			results <- result{}
			continue
		}
		ch := d.pending.Register(callID)
		go func() {
			select {
			case ev := <-ch:
				fc, ok := decodeValidatedChat(ev)
				results <- result{chat: fc, ok: ok}
			case <-ctx.Done():
				d.pending.Abandon(callID)
				results <- result{}
			}
		}()
	}

	restored := false
	for i := 0; i < len(peers); i++ {
		r := <-results
		if !r.ok {
			continue
		}
		if protocol.ApplyRestoreChat(s, name, r.chat) {
			restored = true
			break
		}
	}
	return restored, nil
}

// decodeValidatedChat decodes a FetchFullChat response and checks its
// structural invariants.
func decodeValidatedChat(ev rpc.Event) (protocol.FullChat, bool) {
	if ev.Err != nil || ev.Response == nil {
		return protocol.FullChat{}, false
	}
	r := codec.NewReader(ev.Response)
	ok, handlerErr, decodeErr := protocol.DecodeOutcome(r)
	if decodeErr != nil || !ok || handlerErr != nil {
		return protocol.FullChat{}, false
	}
	fc, err := protocol.DecodeFullChat(r)
	if err != nil || !fc.Valid() {
		return protocol.FullChat{}, false
	}
	return fc, true
}

func (d *Driver) incAttempt() {
	if d.metrics != nil {
		d.metrics.RestorationAttempts.Inc()
	}
}
