// Package protocol implements the overlay's wire protocols: their
// request/response/error codec types and the pure local state transitions
// each performs against the object store.
package protocol

import (
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
)

// Prefix identifies a protocol on the wire, the first byte of every
// request frame. Assigned in registration order.
type Prefix byte

const (
	PrefixSubscribe Prefix = iota
	PrefixCreateChat
	PrefixAddUser
	PrefixSendMessage
	PrefixFetchMessages
	PrefixCreateProfile
	PrefixSetVault
	PrefixFetchVault
	PrefixReadMail
	PrefixSendMail
	PrefixFetchProfile
	PrefixFetchFullProfile

	// Node-to-node protocols: never issued by clients, only by another
	// node's mail-forwarding or restoration driver.
	PrefixDirectMail
	PrefixFetchFullChat
)

// subscriptionBit marks a request's prefix byte as a subscription in the
// client dispatcher's framing.
const subscriptionBit = 0x80

// WithSubscriptionBit sets the MSB on p, the client dispatcher's marker for
// a subscription request.
func WithSubscriptionBit(p Prefix) Prefix { return p | subscriptionBit }

// IsSubscription reports whether p carries the subscription marker.
func IsSubscription(p Prefix) bool { return p&subscriptionBit != 0 }

// BasePrefix strips the subscription marker, if any.
func BasePrefix(p Prefix) Prefix { return p &^ subscriptionBit }

// TopicKind distinguishes the two topic domains a DHT key can name.
type TopicKind byte

const (
	TopicChat TopicKind = iota
	TopicProfile
)

// Topic is either a ChatName or an Identity, the unit the DHT keys
// replica groups by.
type Topic struct {
	Kind    TopicKind
	Chat    idtypes.ChatName
	Profile idtypes.Identity
}

// ChatTopic builds a Topic naming a chat.
func ChatTopic(name idtypes.ChatName) Topic { return Topic{Kind: TopicChat, Chat: name} }

// ProfileTopic builds a Topic naming a profile.
func ProfileTopic(id idtypes.Identity) Topic { return Topic{Kind: TopicProfile, Profile: id} }

// Key returns the raw bytes used to derive this topic's DHT key: the chat
// name bytes verbatim, or the 32-byte identity hash.
func (t Topic) Key() []byte {
	if t.Kind == TopicChat {
		return []byte(t.Chat)
	}
	return t.Profile[:]
}

// Encode appends t to w as a sum type: discriminant byte then payload.
func (t Topic) Encode(w *codec.Writer) {
	if err := w.WriteByte(byte(t.Kind)); err != nil {
		return
	}
	if t.Kind == TopicChat {
		w.WriteString(string(t.Chat))
		return
	}
	w.WriteFixed(t.Profile[:])
}

// DecodeTopic reads the Encode format back.
func DecodeTopic(r *codec.Reader) (Topic, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Topic{}, err
	}
	if TopicKind(kind) == TopicChat {
		name, err := r.ReadString()
		if err != nil {
			return Topic{}, err
		}
		return Topic{Kind: TopicChat, Chat: idtypes.ChatName(name)}, nil
	}
	b, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return Topic{}, err
	}
	var id idtypes.Identity
	copy(id[:], b)
	return Topic{Kind: TopicProfile, Profile: id}, nil
}
