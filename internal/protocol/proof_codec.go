package protocol

import (
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/proof"
)

// EncodeProof writes a Proof as (pk bytes, nonce varint, signature bytes),
// each length-prefixed since the hybrid keypair's encoded size is scheme
// dependent.
func EncodeProof(w *codec.Writer, p proof.Proof) {
	w.WriteBytes(sign.MarshalPublic(p.PK))
	w.WriteVarint(p.Nonce)
	w.WriteBytes(sign.MarshalSignature(p.Signature))
}

// DecodeProof reads the format written by EncodeProof.
func DecodeProof(r *codec.Reader) (proof.Proof, error) {
	pkb, err := r.ReadBytes()
	if err != nil {
		return proof.Proof{}, err
	}
	nonce, err := r.ReadVarint()
	if err != nil {
		return proof.Proof{}, err
	}
	sigb, err := r.ReadBytes()
	if err != nil {
		return proof.Proof{}, err
	}
	pk, err := sign.UnmarshalPublic(pkb)
	if err != nil {
		return proof.Proof{}, err
	}
	sig, err := sign.UnmarshalSignature(sigb)
	if err != nil {
		return proof.Proof{}, err
	}
	return proof.Proof{PK: pk, Nonce: nonce, Signature: sig}, nil
}

// requesterIdentity derives the Identity of a proof's signer: the blake3
// hash of its marshaled signing public key.
func requesterIdentity(p proof.Proof) idtypes.Identity {
	return hash.Sum(sign.MarshalPublic(p.PK))
}

// Identity is exported so handler packages above protocol (registry,
// replication, mailbox) can derive an Identity from a Proof without
// reaching into crypto details directly.
func Identity(p proof.Proof) idtypes.Identity { return requesterIdentity(p) }
