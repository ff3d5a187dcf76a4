package server

import (
	"context"
	"errors"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/mailbox"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/registry"
	"github.com/orionmesh/relay/internal/replication"
	"github.com/orionmesh/relay/internal/store"
	"github.com/orionmesh/relay/internal/wire"
)

func (n *Node) registerHandlers() {
	n.reg.Register(protocol.PrefixSubscribe, n.handleSubscribe)
	n.reg.Register(protocol.PrefixCreateChat, n.handleCreateChat)
	n.reg.Register(protocol.PrefixAddUser, n.handleAddUser)
	n.reg.Register(protocol.PrefixSendMessage, n.handleSendMessage)
	n.reg.Register(protocol.PrefixFetchMessages, n.handleFetchMessages)
	n.reg.Register(protocol.PrefixCreateProfile, n.handleCreateProfile)
	n.reg.Register(protocol.PrefixSetVault, n.handleSetVault)
	n.reg.Register(protocol.PrefixFetchVault, n.handleFetchVault)
	n.reg.Register(protocol.PrefixReadMail, n.handleReadMail)
	n.reg.Register(protocol.PrefixSendMail, n.handleSendMail)
	n.reg.Register(protocol.PrefixFetchProfile, n.handleFetchProfile)
	n.reg.Register(protocol.PrefixFetchFullProfile, n.handleFetchFullProfile)
	n.reg.Register(protocol.PrefixDirectMail, n.handleDirectMail)
	n.reg.Register(protocol.PrefixFetchFullChat, n.handleFetchFullChat)
}

// encodeOutcome renders a handler result into the wire envelope. A nil fn
// encodes an empty success payload.
func encodeOutcome(err error, fn func(*codec.Writer)) []byte {
	w := codec.NewWriter(64)
	protocol.EncodeOutcome(w, err, fn)
	return w.Bytes()
}

// isOutcome reports whether out is an error envelope matching one of the
// given handler errors.
func isOutcome(out []byte, targets ...error) bool {
	ok, herr, derr := protocol.DecodeOutcome(codec.NewReader(out))
	if derr != nil || ok {
		return false
	}
	for _, t := range targets {
		if errors.Is(herr, t) {
			return true
		}
	}
	return false
}

// isMutating reports whether prefix names a protocol whose side effects
// must reach a replica majority before the client sees success.
func isMutating(prefix protocol.Prefix) bool {
	switch prefix {
	case protocol.PrefixCreateChat, protocol.PrefixAddUser, protocol.PrefixSendMessage,
		protocol.PrefixCreateProfile, protocol.PrefixSetVault, protocol.PrefixReadMail,
		protocol.PrefixSendMail:
		return true
	}
	return false
}

// extractTopic decodes just enough of body to learn which topic the
// request routes on.
func extractTopic(prefix protocol.Prefix, body []byte) (protocol.Topic, error) {
	r := codec.NewReader(body)
	switch prefix {
	case protocol.PrefixSubscribe:
		req, err := protocol.DecodeSubscribeRequest(r)
		return req.Topic(), err
	case protocol.PrefixCreateChat:
		req, err := protocol.DecodeCreateChatRequest(r)
		return req.Topic(), err
	case protocol.PrefixAddUser:
		req, err := protocol.DecodeAddUserRequest(r)
		return req.Topic(), err
	case protocol.PrefixSendMessage:
		req, err := protocol.DecodeSendMessageRequest(r)
		return req.Topic(), err
	case protocol.PrefixFetchMessages:
		req, err := protocol.DecodeFetchMessagesRequest(r)
		return req.Topic(), err
	case protocol.PrefixCreateProfile:
		req, err := protocol.DecodeCreateProfileRequest(r)
		return req.Topic(), err
	case protocol.PrefixSetVault:
		req, err := protocol.DecodeSetVaultRequest(r)
		return req.Topic(), err
	case protocol.PrefixReadMail:
		req, err := protocol.DecodeReadMailRequest(r)
		return req.Topic(), err
	case protocol.PrefixSendMail, protocol.PrefixDirectMail:
		req, err := mailbox.DecodeSendMailRequest(r)
		return req.Topic(), err
	case protocol.PrefixFetchVault:
		req, err := protocol.DecodeFetchVaultRequest(r)
		return req.Topic(), err
	case protocol.PrefixFetchProfile, protocol.PrefixFetchFullProfile:
		req, err := protocol.DecodeFetchProfileRequest(r)
		return req.Topic(), err
	case protocol.PrefixFetchFullChat:
		req, err := protocol.DecodeFetchFullChatRequest(r)
		return req.Topic(), err
	}
	return protocol.Topic{}, protocol.ErrUnknownPrefix
}

// withProfileRestore runs apply; on a local miss while self is in the
// topic's replica set, it pulls the profile from the other replicas and
// retries once.
func (n *Node) withProfileRestore(ctx context.Context, id idtypes.Identity, apply func() []byte) []byte {
	out := apply()
	if !isOutcome(out, protocol.ErrNotFound) {
		return out
	}
	if !n.table.Contains(id[:], replication.ReplicaCount, n.self) {
		return out
	}
	restored, err := n.rest.RestoreProfile(ctx, n.store, id)
	if err != nil || !restored {
		return out
	}
	n.log.Debug("profile restored after local miss", "identity", id.String())
	return apply()
}

// withChatRestore is the chat analogue of withProfileRestore.
func (n *Node) withChatRestore(ctx context.Context, name idtypes.ChatName, apply func() []byte) []byte {
	out := apply()
	if !isOutcome(out, protocol.ErrChatNotFound) {
		return out
	}
	if !n.table.Contains([]byte(name), replication.ReplicaCount, n.self) {
		return out
	}
	restored, err := n.rest.RestoreChat(ctx, n.store, name)
	if err != nil || !restored {
		return out
	}
	n.log.Debug("chat restored after local miss", "chat", string(name))
	return apply()
}

func (n *Node) handleSubscribe(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeSubscribeRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	if sc.Origin.Miner != nil && req.Target.Kind == protocol.TopicProfile {
		peer := *sc.Origin.Miner
		_ = n.store.WithProfile(req.Target.Profile, func(p *store.Profile) error {
			p.OnlineIn = store.Origin{Miner: &peer}
			return nil
		})
	}
	return encodeOutcome(nil, nil), nil
}

func (n *Node) handleCreateChat(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeCreateChatRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return encodeOutcome(protocol.ApplyCreateChat(n.store, req), nil), nil
}

func (n *Node) handleAddUser(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeAddUserRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withChatRestore(ctx, req.Name, func() []byte {
		return encodeOutcome(protocol.ApplyAddUser(n.store, req), nil)
	}), nil
}

func (n *Node) handleSendMessage(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeSendMessageRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withChatRestore(ctx, req.Name, func() []byte {
		err := protocol.ApplySendMessage(n.store, req)
		if err == nil {
			n.bus.Publish(protocol.ChatTopic(req.Name), req.Message)
		}
		return encodeOutcome(err, nil)
	}), nil
}

func (n *Node) handleFetchMessages(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeFetchMessagesRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withChatRestore(ctx, req.Name, func() []byte {
		resp, err := protocol.ApplyFetchMessages(n.store, req)
		return encodeOutcome(err, func(w *codec.Writer) { resp.Encode(w) })
	}), nil
}

func (n *Node) handleCreateProfile(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeCreateProfileRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	if sc.Origin.Miner != nil {
		return encodeOutcome(protocol.ApplyCreateProfileReplicaConvergence(n.store, req), nil), nil
	}
	return encodeOutcome(protocol.ApplyCreateProfile(n.store, req), nil), nil
}

func (n *Node) handleSetVault(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeSetVaultRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withProfileRestore(ctx, protocol.Identity(req.Proof), func() []byte {
		return encodeOutcome(protocol.ApplySetVault(n.store, req), nil)
	}), nil
}

func (n *Node) handleFetchVault(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeFetchVaultRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withProfileRestore(ctx, req.Identity, func() []byte {
		resp, err := protocol.ApplyFetchVault(n.store, req)
		return encodeOutcome(err, func(w *codec.Writer) { resp.Encode(w) })
	}), nil
}

func (n *Node) handleReadMail(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeReadMailRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withProfileRestore(ctx, protocol.Identity(req.Proof), func() []byte {
		mail, err := protocol.ApplyReadMail(n.store, req, sc.Origin)
		return encodeOutcome(err, func(w *codec.Writer) { w.WriteReminder(mail) })
	}), nil
}

func (n *Node) handleSendMail(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := mailbox.DecodeSendMailRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withProfileRestore(ctx, req.Recipient, func() []byte {
		if sc.Origin.Miner != nil {
			return encodeOutcome(mailbox.ApplyReplicatedSendMail(n.store, req), nil)
		}
		return encodeOutcome(mailbox.ApplySendMail(ctx, n.store, n.bus, peerForwarder{n}, sc.Origin, req), nil)
	}), nil
}

func (n *Node) handleFetchProfile(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeFetchProfileRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return n.withProfileRestore(ctx, req.Identity, func() []byte {
		resp, err := protocol.ApplyFetchProfile(n.store, req)
		return encodeOutcome(err, func(w *codec.Writer) { resp.Encode(w) })
	}), nil
}

// handleFetchFullProfile serves restoration fetches from other replicas,
// so it answers from local state only: chaining another restoration off a
// miss here would have replicas fetching from each other in a loop.
func (n *Node) handleFetchFullProfile(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeFetchProfileRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	resp, err := protocol.ApplyFetchFullProfile(n.store, req)
	return encodeOutcome(err, func(w *codec.Writer) { resp.Encode(w) }), nil
}

func (n *Node) handleDirectMail(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	if sc.Origin.Miner == nil {
		return encodeOutcome(protocol.ErrUnknownPrefix, nil), nil
	}
	req, err := mailbox.DecodeSendMailRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	return encodeOutcome(mailbox.ApplyDirectMail(n.store, n.bus, req), nil), nil
}

func (n *Node) handleFetchFullChat(ctx context.Context, sc registry.Scope, body []byte) ([]byte, error) {
	req, err := protocol.DecodeFetchFullChatRequest(codec.NewReader(body))
	if err != nil {
		return encodeOutcome(protocol.ErrDecodeError, nil), nil
	}
	resp, err := protocol.ApplyFetchFullChat(n.store, req)
	return encodeOutcome(err, func(w *codec.Writer) { resp.Encode(w) }), nil
}

// peerForwarder relays a direct-delivery attempt to the node currently
// hosting the recipient's live circuit and reports whether that node
// pushed it.
type peerForwarder struct{ n *Node }

func (f peerForwarder) ForwardMail(ctx context.Context, peer idtypes.PeerID, recipient idtypes.Identity, content []byte) (bool, error) {
	w := codec.NewWriter(len(content) + idtypes.IdentitySize)
	mailbox.SendMailRequest{Recipient: recipient, Content: content}.Encode(w)
	frame := wire.EncodePeerRequest(protocol.PrefixDirectMail, w.Bytes())

	callID, err := f.n.transport.Request(peer, frame)
	if err != nil {
		return false, err
	}
	ch := f.n.pending.Register(callID)
	select {
	case ev := <-ch:
		if ev.Err != nil {
			return false, ev.Err
		}
		_, herr, derr := protocol.DecodeOutcome(codec.NewReader(ev.Response))
		if derr != nil {
			return false, derr
		}
		return errors.Is(herr, protocol.ErrSentDirectly), nil
	case <-ctx.Done():
		f.n.pending.Abandon(callID)
		return false, ctx.Err()
	}
}
