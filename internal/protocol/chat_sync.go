package protocol

import (
	"encoding/binary"

	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/store"
)

// FetchFullChatRequest is the node-to-node request for a chat's complete
// replicated state, issued by the restoration driver on a local miss.
type FetchFullChatRequest struct {
	Name idtypes.ChatName
}

func (r FetchFullChatRequest) Encode(w *codec.Writer) { w.WriteString(string(r.Name)) }

// DecodeFetchFullChatRequest decodes a FetchFullChatRequest.
func DecodeFetchFullChatRequest(r *codec.Reader) (FetchFullChatRequest, error) {
	name, err := r.ReadString()
	if err != nil {
		return FetchFullChatRequest{}, err
	}
	return FetchFullChatRequest{Name: idtypes.ChatName(name)}, nil
}

func (r FetchFullChatRequest) Topic() Topic { return ChatTopic(r.Name) }

// FullChat is the wire form of a complete chat: the ordered member list and
// the message ring's raw framed bytes plus its logical offset.
type FullChat struct {
	Members []store.Member
	Offset  uint32
	Raw     []byte
}

func (c FullChat) Encode(w *codec.Writer) {
	w.WriteVarint(uint64(len(c.Members)))
	for _, m := range c.Members {
		w.WriteFixed(m.ID[:])
		w.WriteVarint(m.Action)
	}
	w.WriteVarint(uint64(c.Offset))
	w.WriteReminder(c.Raw)
}

// DecodeFullChat decodes a FullChat.
func DecodeFullChat(r *codec.Reader) (FullChat, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return FullChat{}, err
	}
	members := make([]store.Member, 0, n)
	for i := uint64(0); i < n; i++ {
		idb, err := r.ReadFixed(idtypes.IdentitySize)
		if err != nil {
			return FullChat{}, err
		}
		action, err := r.ReadVarint()
		if err != nil {
			return FullChat{}, err
		}
		var id idtypes.Identity
		copy(id[:], idb)
		members = append(members, store.Member{ID: id, Action: action})
	}
	offset, err := r.ReadVarint()
	if err != nil {
		return FullChat{}, err
	}
	return FullChat{Members: members, Offset: uint32(offset), Raw: r.ReadReminder()}, nil
}

// Valid checks the structural invariants a fetched chat must satisfy before
// it may replace local state: at least one member, unique member ids, the
// logical offset covering at least the retained window, and every retained
// frame well-formed.
func (c FullChat) Valid() bool {
	if len(c.Members) == 0 {
		return false
	}
	seen := make(map[idtypes.Identity]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, dup := seen[m.ID]; dup {
			return false
		}
		seen[m.ID] = struct{}{}
	}
	if int(c.Offset) < len(c.Raw) {
		return false
	}
	for pos := 0; pos < len(c.Raw); {
		if len(c.Raw)-pos < 4 {
			return false
		}
		l := int(binary.BigEndian.Uint16(c.Raw[pos : pos+2]))
		if l > blob.MaxMessageSize || len(c.Raw)-pos < l+4 {
			return false
		}
		pos += l + 4
	}
	return true
}

// ApplyFetchFullChat executes FetchFullChat locally.
func ApplyFetchFullChat(s *store.Store, req FetchFullChatRequest) (FullChat, error) {
	var out FullChat
	err := s.WithChat(req.Name, func(c *store.Chat) error {
		out = FullChat{
			Members: append([]store.Member(nil), c.Members...),
			Offset:  c.Messages.Offset(),
			Raw:     c.Messages.RawBytes(),
		}
		return nil
	})
	if err != nil {
		return FullChat{}, ErrChatNotFound
	}
	return out, nil
}

// ApplyRestoreChat installs fc as the local copy of name if no chat exists
// locally, or if fc's offset strictly exceeds the local one. Reports
// whether it installed anything.
func ApplyRestoreChat(s *store.Store, name idtypes.ChatName, fc FullChat) bool {
	replaced := false
	err := s.WithChat(name, func(c *store.Chat) error {
		if fc.Offset <= c.Messages.Offset() {
			return nil
		}
		c.Members = append([]store.Member(nil), fc.Members...)
		c.Messages.LoadRaw(fc.Raw, fc.Offset)
		replaced = true
		return nil
	})
	if err == nil {
		return replaced
	}
	fresh := &store.Chat{Members: append([]store.Member(nil), fc.Members...)}
	fresh.Messages.LoadRaw(fc.Raw, fc.Offset)
	return s.PutChat(name, fresh) == nil
}
