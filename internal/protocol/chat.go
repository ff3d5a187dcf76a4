package protocol

import (
	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/store"
)

// CreateChatRequest is the request for the CreateChat protocol: the
// creator's identity and the chat's name.
type CreateChatRequest struct {
	Creator idtypes.Identity
	Name    idtypes.ChatName
}

func (r CreateChatRequest) Encode(w *codec.Writer) {
	w.WriteFixed(r.Creator[:])
	w.WriteString(string(r.Name))
}

// DecodeCreateChatRequest decodes a CreateChatRequest.
func DecodeCreateChatRequest(r *codec.Reader) (CreateChatRequest, error) {
	idb, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return CreateChatRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return CreateChatRequest{}, err
	}
	var id idtypes.Identity
	copy(id[:], idb)
	return CreateChatRequest{Creator: id, Name: idtypes.ChatName(name)}, nil
}

// Topic returns the DHT topic this request routes on.
func (r CreateChatRequest) Topic() Topic { return ChatTopic(r.Name) }

// ApplyCreateChat executes CreateChat locally: insert a brand-new chat
// with req.Creator as its sole, zero-nonce member. AlreadyExists if the
// name is taken.
func ApplyCreateChat(s *store.Store, req CreateChatRequest) error {
	err := s.PutChat(req.Name, &store.Chat{
		Members: []store.Member{{ID: req.Creator, Action: 0}},
	})
	if err != nil {
		return ErrAlreadyExists
	}
	return nil
}

// AddUserRequest is the request for the AddUser protocol: the identity to
// add, the chat, and a proof authorizing the addition under the requester's
// existing membership nonce.
type AddUserRequest struct {
	Identity idtypes.Identity
	Name     idtypes.ChatName
	Proof    proof.Proof
}

func (r AddUserRequest) Encode(w *codec.Writer) {
	w.WriteFixed(r.Identity[:])
	w.WriteString(string(r.Name))
	EncodeProof(w, r.Proof)
}

// DecodeAddUserRequest decodes an AddUserRequest.
func DecodeAddUserRequest(r *codec.Reader) (AddUserRequest, error) {
	idb, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return AddUserRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return AddUserRequest{}, err
	}
	p, err := DecodeProof(r)
	if err != nil {
		return AddUserRequest{}, err
	}
	var id idtypes.Identity
	copy(id[:], idb)
	return AddUserRequest{Identity: id, Name: idtypes.ChatName(name), Proof: p}, nil
}

func (r AddUserRequest) Topic() Topic { return ChatTopic(r.Name) }

// ApplyAddUser executes AddUser locally: the proof's signer
// must already be a chat member and must strictly advance their own
// per-chat nonce; the new identity must not already be a member.
func ApplyAddUser(s *store.Store, req AddUserRequest) error {
	if !proof.Verify(req.Proof, proof.ChatContext(req.Name)) {
		return ErrInvalidProof
	}
	return wrapChatNotFound(s.WithChat(req.Name, func(c *store.Chat) error {
		requesterIdx := c.FindMember(requesterIdentity(req.Proof))
		if requesterIdx < 0 {
			return ErrNotMember
		}
		stored := c.Members[requesterIdx].Action
		if !proof.AdvanceNonce(&c.Members[requesterIdx].Action, req.Proof.Nonce) {
			return InvalidActionError{Stored: stored}
		}
		if c.FindMember(req.Identity) >= 0 {
			return ErrAlreadyExists
		}
		c.Members = append(c.Members, store.Member{ID: req.Identity, Action: 0})
		return nil
	}))
}

func wrapChatNotFound(err error) error {
	if err == store.ErrNotFound {
		return ErrChatNotFound
	}
	return err
}

// SendMessageRequest is the request for the SendMessage protocol.
type SendMessageRequest struct {
	Name    idtypes.ChatName
	Proof   proof.Proof
	Message []byte
}

func (r SendMessageRequest) Encode(w *codec.Writer) {
	w.WriteString(string(r.Name))
	EncodeProof(w, r.Proof)
	w.WriteReminder(r.Message)
}

// DecodeSendMessageRequest decodes a SendMessageRequest. Message is a
// Reminder field so it must be decoded last.
func DecodeSendMessageRequest(r *codec.Reader) (SendMessageRequest, error) {
	name, err := r.ReadString()
	if err != nil {
		return SendMessageRequest{}, err
	}
	p, err := DecodeProof(r)
	if err != nil {
		return SendMessageRequest{}, err
	}
	msg := r.ReadReminder()
	return SendMessageRequest{Name: idtypes.ChatName(name), Proof: p, Message: msg}, nil
}

func (r SendMessageRequest) Topic() Topic { return ChatTopic(r.Name) }

// ApplySendMessage executes SendMessage locally: verify the proof over the
// chat context, enforce the message size bound, enforce strict-increase of
// the sender's per-chat nonce, then append to the chat's MessageBlob.
func ApplySendMessage(s *store.Store, req SendMessageRequest) error {
	if !proof.Verify(req.Proof, proof.ChatContext(req.Name)) {
		return ErrInvalidProof
	}
	if len(req.Message) > blob.MaxMessageSize {
		return ErrMessageTooLarge
	}
	err := s.WithChat(req.Name, func(c *store.Chat) error {
		senderIdx := c.FindMember(requesterIdentity(req.Proof))
		if senderIdx < 0 {
			return ErrNotMember
		}
		stored := c.Members[senderIdx].Action
		if !proof.AdvanceNonce(&c.Members[senderIdx].Action, req.Proof.Nonce) {
			return InvalidActionError{Stored: stored}
		}
		return c.Messages.Push(req.Message)
	})
	return wrapChatNotFound(err)
}

// FetchMessagesRequest is the request for the FetchMessages protocol.
type FetchMessagesRequest struct {
	Name   idtypes.ChatName
	Cursor uint32
}

func (r FetchMessagesRequest) Encode(w *codec.Writer) {
	w.WriteString(string(r.Name))
	w.WriteVarint(uint64(r.Cursor))
}

// DecodeFetchMessagesRequest decodes a FetchMessagesRequest.
func DecodeFetchMessagesRequest(r *codec.Reader) (FetchMessagesRequest, error) {
	name, err := r.ReadString()
	if err != nil {
		return FetchMessagesRequest{}, err
	}
	cursor, err := r.ReadVarint()
	if err != nil {
		return FetchMessagesRequest{}, err
	}
	return FetchMessagesRequest{Name: idtypes.ChatName(name), Cursor: uint32(cursor)}, nil
}

func (r FetchMessagesRequest) Topic() Topic { return ChatTopic(r.Name) }

// FetchMessagesResponse is the response for the FetchMessages protocol:
// framed messages newest-first, and the cursor to resume from.
type FetchMessagesResponse struct {
	Messages []byte
	Cursor   uint32
}

func (r FetchMessagesResponse) Encode(w *codec.Writer) {
	w.WriteBytes(r.Messages)
	w.WriteVarint(uint64(r.Cursor))
}

// DecodeFetchMessagesResponse decodes a FetchMessagesResponse.
func DecodeFetchMessagesResponse(r *codec.Reader) (FetchMessagesResponse, error) {
	msgs, err := r.ReadBytes()
	if err != nil {
		return FetchMessagesResponse{}, err
	}
	cursor, err := r.ReadVarint()
	if err != nil {
		return FetchMessagesResponse{}, err
	}
	return FetchMessagesResponse{Messages: msgs, Cursor: uint32(cursor)}, nil
}

// ApplyFetchMessages executes FetchMessages locally: a read-only walk of
// the chat's MessageBlob, no proof required.
func ApplyFetchMessages(s *store.Store, req FetchMessagesRequest) (FetchMessagesResponse, error) {
	chat, err := s.Chat(req.Name)
	if err != nil {
		return FetchMessagesResponse{}, ErrChatNotFound
	}
	var buf []byte
	cursor := chat.Messages.Fetch(req.Cursor, blob.FetchLimit, &buf)
	return FetchMessagesResponse{Messages: buf, Cursor: cursor}, nil
}
