// Package enc implements the overlay's hybrid encryption keypair: a
// post-quantum KEM (Kyber768) combined with classical X25519, used to
// derive a shared AES-256-GCM key for encrypting chat/vault payloads
// end-to-end.
package enc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
	"golang.org/x/crypto/curve25519"

	"github.com/orionmesh/relay/internal/crypto/hash"
)

var pqScheme = schemes.ByName("Kyber768")

var (
	ErrShortCiphertext = errors.New("enc: ciphertext shorter than nonce+tag")
	ErrKEMMismatch     = errors.New("enc: kem ciphertext size mismatch")
)

// PublicKey is the encryption-side verifying/receiving half of a hybrid
// keypair.
type PublicKey struct {
	PQ kem.PublicKey
	X  [32]byte // X25519 public point
}

// PrivateKey is the decryption half of a hybrid keypair.
type PrivateKey struct {
	PQ kem.PrivateKey
	X  [32]byte // X25519 scalar
}

// Generate creates a new hybrid encryption keypair.
func Generate() (PublicKey, PrivateKey, error) {
	pqPub, pqPriv, err := pqScheme.GenerateKeyPair()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	var xPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, xPriv[:]); err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	var xPub [32]byte
	curve25519.ScalarBaseMult(&xPub, &xPriv)
	return PublicKey{PQ: pqPub, X: xPub}, PrivateKey{PQ: pqPriv, X: xPriv}, nil
}

// MarshalPublic serializes pk as (PQ bytes || X bytes), for embedding a
// profile's enc_pk field on the wire.
func MarshalPublic(pk PublicKey) ([]byte, error) {
	pqBytes, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(pqBytes)+32)
	out = append(out, pqBytes...)
	out = append(out, pk.X[:]...)
	return out, nil
}

// UnmarshalPublic parses the format produced by MarshalPublic.
func UnmarshalPublic(b []byte) (PublicKey, error) {
	if len(b) < 32 {
		return PublicKey{}, ErrShortCiphertext
	}
	split := len(b) - 32
	pqPub, err := pqScheme.UnmarshalBinaryPublicKey(b[:split])
	if err != nil {
		return PublicKey{}, err
	}
	var x [32]byte
	copy(x[:], b[split:])
	return PublicKey{PQ: pqPub, X: x}, nil
}

// MarshalPrivate serializes sk as (PQ bytes || X bytes), for persisting a
// node's identity keypair to disk.
func MarshalPrivate(sk PrivateKey) ([]byte, error) {
	pqBytes, err := sk.PQ.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(pqBytes)+32)
	out = append(out, pqBytes...)
	out = append(out, sk.X[:]...)
	return out, nil
}

// UnmarshalPrivate parses the format produced by MarshalPrivate.
func UnmarshalPrivate(b []byte) (PrivateKey, error) {
	if len(b) < 32 {
		return PrivateKey{}, ErrShortCiphertext
	}
	split := len(b) - 32
	pqPriv, err := pqScheme.UnmarshalBinaryPrivateKey(b[:split])
	if err != nil {
		return PrivateKey{}, err
	}
	var x [32]byte
	copy(x[:], b[split:])
	return PrivateKey{PQ: pqPriv, X: x}, nil
}

// Envelope is the wire form of a hybrid-encapsulated message: the two KEM
// ciphertexts plus the AES-GCM sealed payload.
type Envelope struct {
	PQCiphertext []byte
	XEphemeral   [32]byte // sender's ephemeral X25519 public point
	Sealed       []byte   // nonce || ciphertext || tag
}

// Seal encrypts plaintext to the recipient's public key, deriving the
// AES-256-GCM key from both the PQ KEM shared secret and the X25519 ECDH
// shared secret concatenated together, so either primitive alone is
// insufficient to recover the key.
func Seal(to PublicKey, plaintext []byte) (Envelope, error) {
	pqCt, pqSS, err := pqScheme.Encapsulate(to.PQ)
	if err != nil {
		return Envelope{}, err
	}

	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return Envelope{}, err
	}
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	xSS, err := curve25519.X25519(ephPriv[:], to.X[:])
	if err != nil {
		return Envelope{}, err
	}

	key := deriveKey(pqSS, xSS)
	sealed, err := aesGCMSeal(key, plaintext)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{PQCiphertext: pqCt, XEphemeral: ephPub, Sealed: sealed}, nil
}

// Open decrypts env using the recipient's private key.
func Open(sk PrivateKey, env Envelope) ([]byte, error) {
	pqSS, err := pqScheme.Decapsulate(sk.PQ, env.PQCiphertext)
	if err != nil {
		return nil, err
	}
	xSS, err := curve25519.X25519(sk.X[:], env.XEphemeral[:])
	if err != nil {
		return nil, err
	}
	key := deriveKey(pqSS, xSS)
	return aesGCMOpen(key, env.Sealed)
}

func deriveKey(pqSS, xSS []byte) []byte {
	sum := hash.SumMulti(pqSS, xSS)
	return sum[:]
}

func aesGCMSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrShortCiphertext
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
