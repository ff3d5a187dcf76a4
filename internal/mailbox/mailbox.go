// Package mailbox implements profile mail delivery: SendMail's
// online/offline/self/forwarded branching. Split out from
// internal/protocol because, unlike the other protocols, SendMail's side
// effect depends on two collaborators (the subscription bus and the RPC
// transport) rather than the object store alone.
package mailbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/store"
)

// frameOverhead is the 2-byte big-endian length prefix on each mail entry.
const frameOverhead = 2

// ErrContentTooLarge is returned when a single piece of mail cannot ever
// fit the u16 length prefix.
var ErrContentTooLarge = errors.New("mailbox: content exceeds 65535 bytes")

// SendMailRequest is the request for the SendMail protocol: no proof is
// required; mail, like email, is addressed but not authenticated at the
// protocol layer.
type SendMailRequest struct {
	Recipient idtypes.Identity
	Content   []byte
}

func (r SendMailRequest) Encode(w *codec.Writer) {
	w.WriteFixed(r.Recipient[:])
	w.WriteReminder(r.Content)
}

// DecodeSendMailRequest decodes a SendMailRequest.
func DecodeSendMailRequest(r *codec.Reader) (SendMailRequest, error) {
	idb, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return SendMailRequest{}, err
	}
	content := r.ReadReminder()
	var id idtypes.Identity
	copy(id[:], idb)
	return SendMailRequest{Recipient: id, Content: content}, nil
}

// Topic returns the DHT topic this request routes on.
func (r SendMailRequest) Topic() protocol.Topic { return protocol.ProfileTopic(r.Recipient) }

// Pusher is the subscription bus collaborator: attempt to push payload
// onto the channel of the client circuit currently reading it. Returns
// false if the channel is full or closed (the subscriber is overwhelmed
// or gone).
type Pusher interface {
	PushToCircuit(circuit uint64, payload []byte) bool
}

// Forwarder is the RPC collaborator that relays a direct-mail attempt to
// the peer currently hosting the recipient's live connection.
type Forwarder interface {
	ForwardMail(ctx context.Context, peer idtypes.PeerID, recipient idtypes.Identity, content []byte) (sentDirectly bool, err error)
}

func appendFrame(mail []byte, content []byte) ([]byte, error) {
	if len(content) > 0xFFFF {
		return nil, ErrContentTooLarge
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(content)))
	mail = append(mail, lenBuf[:]...)
	mail = append(mail, content...)
	return mail, nil
}

// ApplySendMail executes SendMail locally. origin identifies the caller's
// own circuit, needed to detect SendingToSelf; zero-value Origin{} for a
// non-client caller. A nil error return means the mail was queued;
// protocol.ErrSentDirectly and protocol.ErrSendingToSelf are
// informational outcomes distinct from a true failure.
func ApplySendMail(ctx context.Context, s *store.Store, sub Pusher, fwd Forwarder, origin store.Origin, req SendMailRequest) error {
	var forwardTo *idtypes.PeerID
	var preLen int

	err := s.WithProfile(req.Recipient, func(p *store.Profile) error {
		if p.MailLen()+len(req.Content)+frameOverhead > store.MailboxCap {
			return protocol.ErrMailboxFull
		}

		switch {
		case p.OnlineIn.IsOffline():
			mail, err := appendFrame(p.Mail, req.Content)
			if err != nil {
				return err
			}
			p.Mail = mail
			return nil

		case p.OnlineIn.Client != nil:
			if origin.Client != nil && p.OnlineIn.Client.CircuitID == origin.Client.CircuitID {
				return protocol.ErrSendingToSelf
			}
			if sub.PushToCircuit(p.OnlineIn.Client.CircuitID, req.Content) {
				return protocol.ErrSentDirectly
			}
			p.OnlineIn = store.Origin{}
			mail, err := appendFrame(p.Mail, req.Content)
			if err != nil {
				return err
			}
			p.Mail = mail
			return nil

		default: // Miner(peer)
			preLen = len(p.Mail)
			mail, err := appendFrame(p.Mail, req.Content)
			if err != nil {
				return err
			}
			p.Mail = mail
			peer := *p.OnlineIn.Miner
			forwardTo = &peer
			return nil
		}
	})
	if err == store.ErrNotFound {
		return protocol.ErrNotFound
	}
	if err != nil || forwardTo == nil {
		return err
	}

	// The entry is queued; try to hand it to the node hosting the live
	// subscriber. The forward runs outside the store lock so a slow peer
	// cannot stall other requests against this profile.
	sentDirectly, ferr := fwd.ForwardMail(ctx, *forwardTo, req.Recipient, req.Content)

	return s.WithProfile(req.Recipient, func(p *store.Profile) error {
		if ferr == nil && sentDirectly {
			removeFrameAt(p, preLen, req.Content)
			return protocol.ErrSentDirectly
		}
		p.OnlineIn = store.Origin{}
		return nil
	})
}

// removeFrameAt drops the frame queued at offset pos if it is still there
// with the expected content; a concurrent ReadMail may already have
// drained it.
func removeFrameAt(p *store.Profile, pos int, content []byte) {
	end := pos + frameOverhead + len(content)
	if len(p.Mail) < end || pos+frameOverhead > len(p.Mail) {
		return
	}
	if binary.BigEndian.Uint16(p.Mail[pos:pos+frameOverhead]) != uint16(len(content)) {
		return
	}
	if !bytes.Equal(p.Mail[pos+frameOverhead:end], content) {
		return
	}
	p.Mail = append(p.Mail[:pos], p.Mail[end:]...)
}

// ApplyReplicatedSendMail is the replica-side form of SendMail: a blind
// enqueue with no presence branching, so the queue stays identical across
// replicas. The requesting node only replicates a SendMail whose own
// outcome was an enqueue, never a direct delivery.
func ApplyReplicatedSendMail(s *store.Store, req SendMailRequest) error {
	err := s.WithProfile(req.Recipient, func(p *store.Profile) error {
		if p.MailLen()+len(req.Content)+frameOverhead > store.MailboxCap {
			return protocol.ErrMailboxFull
		}
		mail, err := appendFrame(p.Mail, req.Content)
		if err != nil {
			return err
		}
		p.Mail = mail
		return nil
	})
	if err == store.ErrNotFound {
		return protocol.ErrNotFound
	}
	return err
}

// ApplyDirectMail handles a forwarded direct-delivery attempt from the node
// that received the original SendMail: push to the recipient's live circuit
// if one is still recorded here, otherwise clear the stale hint. Nothing is
// enqueued either way; the forwarding node keeps its own enqueued copy
// unless this returns protocol.ErrSentDirectly.
func ApplyDirectMail(s *store.Store, sub Pusher, req SendMailRequest) error {
	err := s.WithProfile(req.Recipient, func(p *store.Profile) error {
		if p.OnlineIn.Client != nil && sub.PushToCircuit(p.OnlineIn.Client.CircuitID, req.Content) {
			return protocol.ErrSentDirectly
		}
		p.OnlineIn = store.Origin{}
		return nil
	})
	if err == store.ErrNotFound {
		return protocol.ErrNotFound
	}
	return err
}
