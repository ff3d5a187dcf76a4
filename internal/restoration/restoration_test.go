package restoration_test

import (
	"context"
	"testing"

	luxids "github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/registry"
	"github.com/orionmesh/relay/internal/restoration"
	"github.com/orionmesh/relay/internal/rpc"
	"github.com/orionmesh/relay/internal/store"
)

type fixedReplicas struct {
	peers []idtypes.PeerID
}

func (f fixedReplicas) Closest(key []byte, count int) []idtypes.PeerID {
	if count > len(f.peers) {
		count = len(f.peers)
	}
	return f.peers[:count]
}

// scriptedTransport replies to every request with the same canned response.
type scriptedTransport struct {
	pending  *registry.PendingCalls
	response []byte
	next     rpc.CallID
}

func (s *scriptedTransport) Request(peer idtypes.PeerID, payload []byte) (rpc.CallID, error) {
	s.next++
	id := s.next
	resp := append([]byte(nil), s.response...)
	go func() {
		for s.pending.Resolve(rpc.Event{Call: id, Peer: peer, Response: resp}) != nil {
			// The driver registers the slot right after Request returns.
		}
	}()
	return id, nil
}

func (s *scriptedTransport) Events() <-chan rpc.Event { return nil }

// makeProfile builds a valid identity whose last_sig covers its vault.
func makeProfile(t *testing.T, vault []byte, version uint64) (idtypes.Identity, protocol.FullProfile) {
	t.Helper()
	pub, priv, err := sign.Generate()
	require.NoError(t, err)

	counter := version
	pf := proof.New(priv, pub, proof.VaultContext(vault), &counter)
	id := idtypes.Identity(hash.Sum(sign.MarshalPublic(pub)))
	return id, protocol.FullProfile{
		SignPK:       pub,
		EncPK:        [32]byte{1},
		LastSig:      pf.Signature,
		VaultVersion: version,
		Vault:        vault,
	}
}

func encodeOutcomeProfile(fp protocol.FullProfile) []byte {
	w := codec.NewWriter(256)
	protocol.EncodeOutcome(w, nil, func(w *codec.Writer) { fp.Encode(w) })
	return w.Bytes()
}

func TestRestoreProfileInsertsOnLocalMiss(t *testing.T) {
	id, fp := makeProfile(t, []byte("vault"), 3)

	pending := registry.NewPendingCalls()
	transport := &scriptedTransport{pending: pending, response: encodeOutcomeProfile(fp)}
	replicas := fixedReplicas{peers: []idtypes.PeerID{luxids.GenerateTestNodeID()}}
	d := restoration.New(luxids.GenerateTestNodeID(), replicas, transport, pending, nil)

	s := store.New()
	restored, err := d.RestoreProfile(context.Background(), s, id)
	require.NoError(t, err)
	require.True(t, restored)

	p, err := s.Profile(id)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.VaultVersion)
	require.Equal(t, []byte("vault"), p.Vault)
}

func TestRestoreProfileRejectsWrongIdentity(t *testing.T) {
	_, fp := makeProfile(t, []byte("vault"), 3)
	otherID := idtypes.Identity{9, 9, 9}

	pending := registry.NewPendingCalls()
	transport := &scriptedTransport{pending: pending, response: encodeOutcomeProfile(fp)}
	replicas := fixedReplicas{peers: []idtypes.PeerID{luxids.GenerateTestNodeID()}}
	d := restoration.New(luxids.GenerateTestNodeID(), replicas, transport, pending, nil)

	s := store.New()
	restored, err := d.RestoreProfile(context.Background(), s, otherID)
	require.NoError(t, err)
	require.False(t, restored)
	_, err = s.Profile(otherID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreProfileRejectsForgedSignature(t *testing.T) {
	id, fp := makeProfile(t, []byte("vault"), 3)
	fp.Vault = []byte("tampered")

	pending := registry.NewPendingCalls()
	transport := &scriptedTransport{pending: pending, response: encodeOutcomeProfile(fp)}
	replicas := fixedReplicas{peers: []idtypes.PeerID{luxids.GenerateTestNodeID()}}
	d := restoration.New(luxids.GenerateTestNodeID(), replicas, transport, pending, nil)

	restored, err := d.RestoreProfile(context.Background(), store.New(), id)
	require.NoError(t, err)
	require.False(t, restored)
}

func TestRestoreProfileKeepsNewerLocalCopy(t *testing.T) {
	id, fp := makeProfile(t, []byte("old"), 2)

	pending := registry.NewPendingCalls()
	transport := &scriptedTransport{pending: pending, response: encodeOutcomeProfile(fp)}
	replicas := fixedReplicas{peers: []idtypes.PeerID{luxids.GenerateTestNodeID()}}
	d := restoration.New(luxids.GenerateTestNodeID(), replicas, transport, pending, nil)

	s := store.New()
	require.NoError(t, s.PutProfile(id, &store.Profile{
		SignPK:       fp.SignPK,
		VaultVersion: 5,
		Vault:        []byte("newer"),
		Mail:         []byte{0, 1, 7},
	}))

	restored, err := d.RestoreProfile(context.Background(), s, id)
	require.NoError(t, err)
	require.False(t, restored)

	p, _ := s.Profile(id)
	require.Equal(t, uint64(5), p.VaultVersion)
	require.Equal(t, []byte("newer"), p.Vault)
	require.Equal(t, []byte{0, 1, 7}, p.Mail) // mail is never replaced
}

func TestRestoreChatInstallsValidCopy(t *testing.T) {
	name := idtypes.ChatName("room")
	fc := protocol.FullChat{
		Members: []store.Member{{ID: idtypes.Identity{1}, Action: 4}},
		Offset:  6,
		Raw:     []byte{0, 2, 'h', 'i', 2, 0},
	}
	w := codec.NewWriter(64)
	protocol.EncodeOutcome(w, nil, func(w *codec.Writer) { fc.Encode(w) })

	pending := registry.NewPendingCalls()
	transport := &scriptedTransport{pending: pending, response: w.Bytes()}
	replicas := fixedReplicas{peers: []idtypes.PeerID{luxids.GenerateTestNodeID()}}
	d := restoration.New(luxids.GenerateTestNodeID(), replicas, transport, pending, nil)

	s := store.New()
	restored, err := d.RestoreChat(context.Background(), s, name)
	require.NoError(t, err)
	require.True(t, restored)

	chat, err := s.Chat(name)
	require.NoError(t, err)
	require.Equal(t, fc.Members, chat.Members)
	require.Equal(t, uint32(6), chat.Messages.Offset())
}
