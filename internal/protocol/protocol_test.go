package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/store"
)

type signer struct {
	pub  sign.PublicKey
	priv sign.PrivateKey
	id   idtypes.Identity
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := sign.Generate()
	require.NoError(t, err)
	return signer{pub: pub, priv: priv, id: hash.Sum(sign.MarshalPublic(pub))}
}

func (s signer) proof(ctx [32]byte, nonce uint64) proof.Proof {
	counter := nonce
	return proof.New(s.priv, s.pub, ctx, &counter)
}

func TestTopicRoundTrip(t *testing.T) {
	for _, topic := range []Topic{
		ChatTopic("room"),
		ProfileTopic(idtypes.Identity{1, 2, 3}),
	} {
		w := codec.NewWriter(64)
		topic.Encode(w)
		got, err := DecodeTopic(codec.NewReader(w.Bytes()))
		require.NoError(t, err)
		require.Equal(t, topic, got)
	}
}

func TestSendMessageRequestRoundTrip(t *testing.T) {
	s := newSigner(t)
	req := SendMessageRequest{
		Name:    "room",
		Proof:   s.proof(proof.ChatContext("room"), 1),
		Message: []byte("payload with trailing bytes"),
	}
	w := codec.NewWriter(256)
	req.Encode(w)
	got, err := DecodeSendMessageRequest(codec.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, req.Name, got.Name)
	require.Equal(t, req.Proof.Nonce, got.Proof.Nonce)
	require.Equal(t, req.Message, got.Message)
	require.True(t, proof.Verify(got.Proof, proof.ChatContext("room")))
}

func TestFullProfileRoundTrip(t *testing.T) {
	s := newSigner(t)
	pf := s.proof(proof.VaultContext([]byte("v")), 4)
	fp := FullProfile{
		SignPK:       s.pub,
		EncPK:        [32]byte{7},
		LastSig:      pf.Signature,
		VaultVersion: 4,
		MailAction:   2,
		Vault:        []byte("v"),
	}
	w := codec.NewWriter(4096)
	fp.Encode(w)
	got, err := DecodeFullProfile(codec.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, fp.VaultVersion, got.VaultVersion)
	require.Equal(t, fp.MailAction, got.MailAction)
	require.Equal(t, fp.Vault, got.Vault)
	require.True(t, proof.Verify(proof.Proof{PK: got.SignPK, Nonce: got.VaultVersion, Signature: got.LastSig}, proof.VaultContext(got.Vault)))
}

func TestCreateChatThenDuplicate(t *testing.T) {
	s := store.New()
	creator := idtypes.Identity{1}
	req := CreateChatRequest{Creator: creator, Name: "room"}

	require.NoError(t, ApplyCreateChat(s, req))
	require.ErrorIs(t, ApplyCreateChat(s, req), ErrAlreadyExists)

	chat, err := s.Chat("room")
	require.NoError(t, err)
	require.Equal(t, []store.Member{{ID: creator, Action: 0}}, chat.Members)
}

func TestSendMessageEnforcesMembershipAndNonce(t *testing.T) {
	st := store.New()
	member := newSigner(t)
	outsider := newSigner(t)
	name := idtypes.ChatName("room")
	require.NoError(t, ApplyCreateChat(st, CreateChatRequest{Creator: member.id, Name: name}))

	ctx := proof.ChatContext(name)
	require.ErrorIs(t, ApplySendMessage(st, SendMessageRequest{Name: name, Proof: outsider.proof(ctx, 1), Message: []byte("x")}), ErrNotMember)

	require.NoError(t, ApplySendMessage(st, SendMessageRequest{Name: name, Proof: member.proof(ctx, 1), Message: []byte("x")}))

	err := ApplySendMessage(st, SendMessageRequest{Name: name, Proof: member.proof(ctx, 1), Message: []byte("x")})
	var invalid InvalidActionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, uint64(1), invalid.Stored)

	// A proof over the wrong context is an invalid proof, not a nonce error.
	require.ErrorIs(t, ApplySendMessage(st, SendMessageRequest{Name: name, Proof: member.proof(proof.MailContext(), 2), Message: []byte("x")}), ErrInvalidProof)

	require.ErrorIs(t, ApplySendMessage(st, SendMessageRequest{Name: "ghost", Proof: member.proof(proof.ChatContext("ghost"), 1), Message: []byte("x")}), ErrChatNotFound)

	big := make([]byte, blob.MaxMessageSize+1)
	require.ErrorIs(t, ApplySendMessage(st, SendMessageRequest{Name: name, Proof: member.proof(ctx, 2), Message: big}), ErrMessageTooLarge)
}

func TestAddUserRequiresMemberProof(t *testing.T) {
	st := store.New()
	creator := newSigner(t)
	joiner := newSigner(t)
	name := idtypes.ChatName("room")
	require.NoError(t, ApplyCreateChat(st, CreateChatRequest{Creator: creator.id, Name: name}))

	ctx := proof.ChatContext(name)
	require.ErrorIs(t, ApplyAddUser(st, AddUserRequest{Identity: joiner.id, Name: name, Proof: joiner.proof(ctx, 1)}), ErrNotMember)

	require.NoError(t, ApplyAddUser(st, AddUserRequest{Identity: joiner.id, Name: name, Proof: creator.proof(ctx, 1)}))
	require.ErrorIs(t, ApplyAddUser(st, AddUserRequest{Identity: joiner.id, Name: name, Proof: creator.proof(ctx, 2)}), ErrAlreadyExists)

	chat, _ := st.Chat(name)
	require.Equal(t, 2, len(chat.Members))
}

func TestSetVaultAdvancesVersion(t *testing.T) {
	st := store.New()
	owner := newSigner(t)
	require.NoError(t, ApplyCreateProfile(st, CreateProfileRequest{
		Proof: owner.proof(proof.MailContext(), 1),
		EncPK: [32]byte{1},
	}))

	vault := []byte("abc")
	require.NoError(t, ApplySetVault(st, SetVaultRequest{Proof: owner.proof(proof.VaultContext(vault), 2), Vault: vault}))

	resp, err := ApplyFetchVault(st, FetchVaultRequest{Identity: owner.id})
	require.NoError(t, err)
	require.Equal(t, uint64(2), resp.VaultVersion)
	require.Equal(t, uint64(0), resp.MailAction)
	require.Equal(t, vault, resp.Vault)

	// A stale nonce leaves the vault untouched.
	err = ApplySetVault(st, SetVaultRequest{Proof: owner.proof(proof.VaultContext([]byte("zz")), 2), Vault: []byte("zz")})
	var invalid InvalidActionError
	require.ErrorAs(t, err, &invalid)
	resp, _ = ApplyFetchVault(st, FetchVaultRequest{Identity: owner.id})
	require.Equal(t, vault, resp.Vault)
}

func TestReplicaConvergenceOverwritesVaultOnly(t *testing.T) {
	st := store.New()
	owner := newSigner(t)
	require.NoError(t, ApplyCreateProfile(st, CreateProfileRequest{
		Proof: owner.proof(proof.MailContext(), 1),
		Vault: []byte("one"),
	}))
	require.NoError(t, st.WithProfile(owner.id, func(p *store.Profile) error {
		p.Mail = []byte{0, 1, 9}
		return nil
	}))

	// A replayed create with a stale nonce is refused.
	require.ErrorIs(t, ApplyCreateProfileReplicaConvergence(st, CreateProfileRequest{
		Proof: owner.proof(proof.MailContext(), 1),
		Vault: []byte("stale"),
	}), ErrAlreadyExists)

	// A newer concurrent create wins the vault but never the mailbox.
	require.NoError(t, ApplyCreateProfileReplicaConvergence(st, CreateProfileRequest{
		Proof: owner.proof(proof.MailContext(), 2),
		Vault: []byte("two"),
	}))
	p, _ := st.Profile(owner.id)
	require.Equal(t, []byte("two"), p.Vault)
	require.Equal(t, uint64(2), p.VaultVersion)
	require.Equal(t, []byte{0, 1, 9}, p.Mail)
}

func TestReadMailDrainsAndAdvances(t *testing.T) {
	st := store.New()
	owner := newSigner(t)
	require.NoError(t, ApplyCreateProfile(st, CreateProfileRequest{Proof: owner.proof(proof.MailContext(), 1)}))
	require.NoError(t, st.WithProfile(owner.id, func(p *store.Profile) error {
		p.Mail = []byte{0, 1, 3}
		return nil
	}))

	origin := store.Origin{Client: &store.ClientOrigin{CircuitID: 1}}
	mail, err := ApplyReadMail(st, ReadMailRequest{Proof: owner.proof(proof.MailContext(), 1)}, origin)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 3}, mail)

	p, _ := st.Profile(owner.id)
	require.Empty(t, p.Mail)
	require.Equal(t, uint64(1), p.MailAction)
	require.NotNil(t, p.OnlineIn.Client)

	// Replaying the drain is refused.
	_, err = ApplyReadMail(st, ReadMailRequest{Proof: owner.proof(proof.MailContext(), 1)}, origin)
	var invalid InvalidActionError
	require.ErrorAs(t, err, &invalid)
}

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	for _, herr := range []error{
		ErrInvalidProof, ErrNotFound, ErrAlreadyExists, ErrMessageTooLarge,
		ErrMailboxFull, ErrNotMember, ErrChatNotFound, ErrSendingToSelf,
		ErrSentDirectly, ErrNoMajority, ErrInvalidTopic, ErrInvalidResponse,
		ErrDecodeError, ErrUnknownPrefix, InvalidActionError{Stored: 77},
	} {
		w := codec.NewWriter(16)
		EncodeOutcome(w, herr, nil)
		ok, got, decodeErr := DecodeOutcome(codec.NewReader(w.Bytes()))
		require.NoError(t, decodeErr)
		require.False(t, ok)
		require.Equal(t, herr, got)
	}

	w := codec.NewWriter(16)
	EncodeOutcome(w, nil, func(w *codec.Writer) { w.WriteVarint(5) })
	ok, got, decodeErr := DecodeOutcome(codec.NewReader(w.Bytes()))
	require.NoError(t, decodeErr)
	require.True(t, ok)
	require.Nil(t, got)
}

func TestFullChatValidation(t *testing.T) {
	good := FullChat{
		Members: []store.Member{{ID: idtypes.Identity{1}}},
		Offset:  6,
		Raw:     []byte{0, 2, 'h', 'i', 2, 0},
	}
	require.True(t, good.Valid())

	require.False(t, FullChat{Offset: 6, Raw: good.Raw}.Valid())

	dupMembers := FullChat{
		Members: []store.Member{{ID: idtypes.Identity{1}}, {ID: idtypes.Identity{1}}},
		Offset:  6,
		Raw:     good.Raw,
	}
	require.False(t, dupMembers.Valid())

	shortOffset := good
	shortOffset.Offset = 2
	require.False(t, shortOffset.Valid())

	truncated := good
	truncated.Raw = good.Raw[:3]
	require.False(t, truncated.Valid())
}
