// Persistent node identity: a single file holding a node's sign+enc
// hybrid keypairs, serialized with the wire codec.
package nodeconfig

import (
	"fmt"
	"os"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/enc"
	"github.com/orionmesh/relay/internal/crypto/sign"
)

// Identity bundles a node's two hybrid keypairs: the signing keypair used
// to authenticate RPC and DHT traffic, and the encryption keypair used
// only as the `enc_pk` half of a profile (never for application data).
type Identity struct {
	SignPub  sign.PublicKey
	SignPriv sign.PrivateKey
	EncPub   enc.PublicKey
	EncPriv  enc.PrivateKey
}

// GenerateIdentity creates a fresh hybrid sign+enc keypair pair.
func GenerateIdentity() (Identity, error) {
	signPub, signPriv, err := sign.Generate()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: generating sign keypair: %w", err)
	}
	encPub, encPriv, err := enc.Generate()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: generating enc keypair: %w", err)
	}
	return Identity{SignPub: signPub, SignPriv: signPriv, EncPub: encPub, EncPriv: encPriv}, nil
}

// Save writes id to path using the §4.1 codec: four length-prefixed byte
// strings in field-declaration order (sign pub, sign priv, enc pub, enc
// priv).
func (id Identity) Save(path string) error {
	signPub := sign.MarshalPublic(id.SignPub)
	signPriv, err := sign.MarshalPrivate(id.SignPriv)
	if err != nil {
		return fmt.Errorf("nodeconfig: marshaling sign private key: %w", err)
	}
	encPub, err := enc.MarshalPublic(id.EncPub)
	if err != nil {
		return fmt.Errorf("nodeconfig: marshaling enc public key: %w", err)
	}
	encPriv, err := enc.MarshalPrivate(id.EncPriv)
	if err != nil {
		return fmt.Errorf("nodeconfig: marshaling enc private key: %w", err)
	}

	w := codec.NewWriter(len(signPub) + len(signPriv) + len(encPub) + len(encPriv) + 16)
	w.WriteBytes(signPub)
	w.WriteBytes(signPriv)
	w.WriteBytes(encPub)
	w.WriteBytes(encPriv)

	if err := os.WriteFile(path, w.Bytes(), 0o600); err != nil {
		return fmt.Errorf("nodeconfig: writing %s: %w", path, err)
	}
	return nil
}

// LoadIdentity reads the keypair file written by Save.
func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: reading %s: %w", path, err)
	}
	r := codec.NewReader(data)

	signPubB, err := r.ReadBytes()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: decoding sign public key: %w", err)
	}
	signPrivB, err := r.ReadBytes()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: decoding sign private key: %w", err)
	}
	encPubB, err := r.ReadBytes()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: decoding enc public key: %w", err)
	}
	encPrivB, err := r.ReadBytes()
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: decoding enc private key: %w", err)
	}

	signPub, err := sign.UnmarshalPublic(signPubB)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: unmarshaling sign public key: %w", err)
	}
	signPriv, err := sign.UnmarshalPrivate(signPrivB)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: unmarshaling sign private key: %w", err)
	}
	encPub, err := enc.UnmarshalPublic(encPubB)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: unmarshaling enc public key: %w", err)
	}
	encPriv, err := enc.UnmarshalPrivate(encPrivB)
	if err != nil {
		return Identity{}, fmt.Errorf("nodeconfig: unmarshaling enc private key: %w", err)
	}

	return Identity{SignPub: signPub, SignPriv: signPriv, EncPub: encPub, EncPriv: encPriv}, nil
}

// LoadOrGenerateIdentity loads the identity at path, generating and saving
// a fresh one if the file does not exist yet.
func LoadOrGenerateIdentity(path string) (Identity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := GenerateIdentity()
		if err != nil {
			return Identity{}, err
		}
		if err := id.Save(path); err != nil {
			return Identity{}, err
		}
		return id, nil
	}
	return LoadIdentity(path)
}
