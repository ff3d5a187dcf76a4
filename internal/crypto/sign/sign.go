// Package sign implements the overlay's hybrid signing keypair: a
// post-quantum Dilithium key paired with a classical Ed25519 key. A
// signature only verifies if both halves verify; this survives either
// algorithm being broken in isolation.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// scheme is the post-quantum signature algorithm backing the hybrid key.
// Dilithium3 is NIST security level 3.
var scheme = schemes.ByName("Dilithium3")

var ErrVerifyFailed = errors.New("sign: signature verification failed")

// PublicKey is the verifying half of a hybrid keypair.
type PublicKey struct {
	PQ sign.PublicKey
	Ed ed25519.PublicKey
}

// PrivateKey is the signing half of a hybrid keypair.
type PrivateKey struct {
	PQ sign.PrivateKey
	Ed ed25519.PrivateKey
}

// Generate creates a new hybrid keypair using crypto/rand.
func Generate() (PublicKey, PrivateKey, error) {
	pqPub, pqPriv, err := scheme.GenerateKey()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return PublicKey{PQ: pqPub, Ed: edPub}, PrivateKey{PQ: pqPriv, Ed: edPriv}, nil
}

// Signature is a combined post-quantum + classical signature over the same
// message.
type Signature struct {
	PQ []byte
	Ed []byte
}

// Sign produces a hybrid signature over msg.
func Sign(sk PrivateKey, msg []byte) Signature {
	return Signature{
		PQ: scheme.Sign(sk.PQ, msg, nil),
		Ed: ed25519.Sign(sk.Ed, msg),
	}
}

// Verify reports whether sig is a valid hybrid signature over msg under pk.
// Both halves must verify.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	if !scheme.Verify(pk.PQ, msg, sig.PQ, nil) {
		return false
	}
	return ed25519.Verify(pk.Ed, msg, sig.Ed)
}

// MarshalPublic serializes pk as (PQ bytes || Ed bytes), both fixed-size for
// a given scheme, suitable for Identity derivation via hash.Sum.
func MarshalPublic(pk PublicKey) []byte {
	pqBytes, _ := pk.PQ.MarshalBinary()
	out := make([]byte, 0, len(pqBytes)+ed25519.PublicKeySize)
	out = append(out, pqBytes...)
	out = append(out, pk.Ed...)
	return out
}

// UnmarshalPublic parses the format produced by MarshalPublic.
func UnmarshalPublic(b []byte) (PublicKey, error) {
	if len(b) < ed25519.PublicKeySize {
		return PublicKey{}, ErrVerifyFailed
	}
	split := len(b) - ed25519.PublicKeySize
	pqPub, err := scheme.UnmarshalBinaryPublicKey(b[:split])
	if err != nil {
		return PublicKey{}, err
	}
	ed := make([]byte, ed25519.PublicKeySize)
	copy(ed, b[split:])
	return PublicKey{PQ: pqPub, Ed: ed}, nil
}

// MarshalPrivate serializes sk as (PQ bytes || Ed bytes), for persisting a
// node's identity keypair to disk.
func MarshalPrivate(sk PrivateKey) ([]byte, error) {
	pqBytes, err := sk.PQ.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(pqBytes)+ed25519.PrivateKeySize)
	out = append(out, pqBytes...)
	out = append(out, sk.Ed...)
	return out, nil
}

// UnmarshalPrivate parses the format produced by MarshalPrivate.
func UnmarshalPrivate(b []byte) (PrivateKey, error) {
	if len(b) < ed25519.PrivateKeySize {
		return PrivateKey{}, ErrVerifyFailed
	}
	split := len(b) - ed25519.PrivateKeySize
	pqPriv, err := scheme.UnmarshalBinaryPrivateKey(b[:split])
	if err != nil {
		return PrivateKey{}, err
	}
	ed := make([]byte, ed25519.PrivateKeySize)
	copy(ed, b[split:])
	return PrivateKey{PQ: pqPriv, Ed: ed}, nil
}

// MarshalSignature serializes sig as (PQ bytes || Ed bytes). Both halves
// have a fixed length for a given scheme, so the split point is derivable
// from scheme.SignatureSize() without a length prefix.
func MarshalSignature(sig Signature) []byte {
	out := make([]byte, 0, len(sig.PQ)+len(sig.Ed))
	out = append(out, sig.PQ...)
	out = append(out, sig.Ed...)
	return out
}

// UnmarshalSignature parses the format produced by MarshalSignature.
func UnmarshalSignature(b []byte) (Signature, error) {
	edSize := ed25519.SignatureSize
	if len(b) < edSize {
		return Signature{}, ErrVerifyFailed
	}
	split := len(b) - edSize
	pq := make([]byte, split)
	copy(pq, b[:split])
	ed := make([]byte, edSize)
	copy(ed, b[split:])
	return Signature{PQ: pq, Ed: ed}, nil
}
