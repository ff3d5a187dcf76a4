// Package idtypes defines the value types that key every replicated object
// in the overlay: Identity for profiles, ChatName for chats.
package idtypes

import (
	"encoding/hex"
	"errors"

	luxids "github.com/luxfi/ids"
)

// IdentitySize is the length in bytes of an Identity: a blake3 hash of a
// signing public key.
const IdentitySize = 32

// ChatNameMaxLen is the maximum length in bytes of a ChatName.
const ChatNameMaxLen = 32

var (
	ErrChatNameEmpty   = errors.New("chat name must not be empty")
	ErrChatNameTooLong = errors.New("chat name exceeds 32 bytes")
)

// Identity is the 32-byte blake3 hash of a profile owner's signing public
// key. It is globally unique and immutable once created.
type Identity [IdentitySize]byte

// String renders the identity as hex.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// ChatName is a bounded UTF-8 chat label, used verbatim as a DHT key.
type ChatName string

// NewChatName validates name against the non-empty, <=32-byte bound.
func NewChatName(name string) (ChatName, error) {
	if len(name) == 0 {
		return "", ErrChatNameEmpty
	}
	if len(name) > ChatNameMaxLen {
		return "", ErrChatNameTooLong
	}
	return ChatName(name), nil
}

// PeerID identifies a physical node in the DHT/RPC overlay, as distinct
// from an Identity (a logical profile owner). Node identities come from
// the staking registry collaborator, which speaks ids.NodeID.
type PeerID = luxids.NodeID
