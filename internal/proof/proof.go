// Package proof implements the proof-of-action scheme binding every
// mutating request to a signed, strictly-increasing nonce: a
// (public_key, nonce, signature) tuple covering a 32-byte domain-separated
// context.
package proof

import (
	"encoding/binary"
	"errors"

	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
)

// ContextSize is the fixed length of a domain-separation context.
const ContextSize = 32

// MailContextTag fills every byte of the mailbox-read context.
const MailContextTag = 0xFE

var ErrInvalidProof = errors.New("proof: signature or context mismatch")

// Proof is a signed claim of authorship over a specific context and nonce.
type Proof struct {
	PK        sign.PublicKey
	Nonce     uint64
	Signature sign.Signature
}

// ChatContext returns the 32-byte context for chat operations: the chat
// name left-padded with zero bytes to 32 bytes.
func ChatContext(name idtypes.ChatName) [ContextSize]byte {
	var ctx [ContextSize]byte
	b := []byte(name)
	copy(ctx[ContextSize-len(b):], b)
	return ctx
}

// MailContext returns the fixed context for mailbox reads: [0xFE; 32].
func MailContext() [ContextSize]byte {
	var ctx [ContextSize]byte
	for i := range ctx {
		ctx[i] = MailContextTag
	}
	return ctx
}

// VaultContext returns the context for a vault write: blake3(vault_bytes).
// The context is the hash of the vault being written, so a proof
// authorizing one write cannot be reused to write different contents.
func VaultContext(vault []byte) [ContextSize]byte {
	return hash.Sum(vault)
}

func signedMessage(ctx [ContextSize]byte, nonce uint64) []byte {
	msg := make([]byte, ContextSize+8)
	copy(msg, ctx[:])
	binary.BigEndian.PutUint64(msg[ContextSize:], nonce)
	return msg
}

// New constructs a proof over ctx using sk, consuming and advancing
// *counter: the produced proof carries nonce = *counter before the
// increment.
func New(sk sign.PrivateKey, pk sign.PublicKey, ctx [ContextSize]byte, counter *uint64) Proof {
	nonce := *counter
	*counter++
	sig := sign.Sign(sk, signedMessage(ctx, nonce))
	return Proof{PK: pk, Nonce: nonce, Signature: sig}
}

// Verify reports whether p's signature validates against (pk, ctx, nonce).
// It does not check nonce strictness; callers enforce that separately via
// AdvanceNonce so the two failure modes (bad signature vs. stale nonce)
// stay distinguishable.
func Verify(p Proof, ctx [ContextSize]byte) bool {
	return sign.Verify(p.PK, signedMessage(ctx, p.Nonce), p.Signature)
}

// AdvanceNonce enforces strict-increase: it sets *stored = nonce and
// returns true only when nonce > *stored. Replays and reorderings leave
// *stored untouched and return false.
func AdvanceNonce(stored *uint64, nonce uint64) bool {
	if nonce <= *stored {
		return false
	}
	*stored = nonce
	return true
}
