// Package client implements the client-side request dispatcher: one
// encrypted stream multiplexing any number of outstanding requests by call
// id, plus long-lived subscriptions whose pushed events arrive on the same
// stream. Batched dispatch falls out of the design: start N calls, the
// frames go out in order, and each response finds its caller by call id
// regardless of arrival order.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/mailbox"
	"github.com/orionmesh/relay/internal/onion"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/wire"
	"github.com/orionmesh/relay/internal/xlog"
)

var (
	ErrClosed      = errors.New("client: dispatcher closed")
	ErrBadResponse = errors.New("client: undecodable response")
)

// Dispatcher multiplexes requests over one stream.
type Dispatcher struct {
	stream onion.Stream
	log    xlog.Logger

	mu       sync.Mutex
	nextCall uint64
	pending  map[uint64]chan []byte
	subs     map[uint64]chan []byte
	closed   bool

	writeMu sync.Mutex
	done    chan struct{}
}

// New wraps stream. Run must be started for responses to flow.
func New(stream onion.Stream, logger xlog.Logger) *Dispatcher {
	if logger == nil {
		logger = xlog.NoOp()
	}
	return &Dispatcher{
		stream:  stream,
		log:     logger,
		pending: make(map[uint64]chan []byte),
		subs:    make(map[uint64]chan []byte),
		done:    make(chan struct{}),
	}
}

// Run reads response frames and routes each to its awaiting call or
// subscription until the stream or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.close()
	for {
		frame, err := d.stream.ReadFrame(ctx)
		if err != nil {
			return err
		}
		call, result, err := wire.DecodeResponse(frame)
		if err != nil {
			d.log.Debug("malformed response frame", "err", err)
			continue
		}
		buf := append([]byte(nil), result...)

		d.mu.Lock()
		if ch, ok := d.pending[call]; ok {
			delete(d.pending, call)
			d.mu.Unlock()
			ch <- buf
			close(ch)
			continue
		}
		if sub, ok := d.subs[call]; ok {
			// Pushed under the lock so a concurrent Close cannot close the
			// channel mid-send; the push never blocks.
			select {
			case sub <- buf:
			default:
				d.log.Debug("subscription consumer lagging, dropping event", "call", call)
			}
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.done)
	for id, ch := range d.pending {
		delete(d.pending, id)
		close(ch)
	}
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}

// Close tears down the stream; the circuit's server clears any presence
// still pointing at it.
func (d *Dispatcher) Close() error {
	d.close()
	return d.stream.Close()
}

// Pending is one in-flight call.
type Pending struct {
	d    *Dispatcher
	call uint64
	ch   chan []byte
}

// Start writes one request frame and returns the in-flight call. Multiple
// Starts before any Await form a batch: the frames are written in call
// order, and responses pair up by call id whenever they arrive.
func (d *Dispatcher) Start(prefix protocol.Prefix, body []byte) (*Pending, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.nextCall++
	call := d.nextCall
	ch := make(chan []byte, 1)
	d.pending[call] = ch
	d.mu.Unlock()

	d.writeMu.Lock()
	err := d.stream.WriteFrame(wire.EncodeRequest(prefix, call, body))
	d.writeMu.Unlock()
	if err != nil {
		d.mu.Lock()
		delete(d.pending, call)
		d.mu.Unlock()
		return nil, err
	}
	return &Pending{d: d, call: call, ch: ch}, nil
}

// Await blocks for the call's raw result envelope.
func (p *Pending) Await(ctx context.Context) ([]byte, error) {
	select {
	case out, ok := <-p.ch:
		if !ok {
			return nil, ErrClosed
		}
		return out, nil
	case <-ctx.Done():
		p.d.mu.Lock()
		delete(p.d.pending, p.call)
		p.d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// call runs one request to completion and, on a success envelope, hands
// the payload reader to decodeOK.
func (d *Dispatcher) call(ctx context.Context, prefix protocol.Prefix, encode func(*codec.Writer), decodeOK func(*codec.Reader) error) error {
	w := codec.NewWriter(128)
	if encode != nil {
		encode(w)
	}
	p, err := d.Start(prefix, w.Bytes())
	if err != nil {
		return err
	}
	out, err := p.Await(ctx)
	if err != nil {
		return err
	}
	r := codec.NewReader(out)
	ok, handlerErr, decodeErr := protocol.DecodeOutcome(r)
	if decodeErr != nil {
		return ErrBadResponse
	}
	if !ok {
		return handlerErr
	}
	if decodeOK != nil {
		return decodeOK(r)
	}
	return nil
}

// CreateProfile registers a new profile owned by the proof's signer.
func (d *Dispatcher) CreateProfile(ctx context.Context, pf proof.Proof, encPK [32]byte, vault []byte) error {
	return d.call(ctx, protocol.PrefixCreateProfile, func(w *codec.Writer) {
		protocol.CreateProfileRequest{Proof: pf, EncPK: encPK, Vault: vault}.Encode(w)
	}, nil)
}

// SetVault replaces the caller's vault.
func (d *Dispatcher) SetVault(ctx context.Context, pf proof.Proof, vault []byte) error {
	return d.call(ctx, protocol.PrefixSetVault, func(w *codec.Writer) {
		protocol.SetVaultRequest{Proof: pf, Vault: vault}.Encode(w)
	}, nil)
}

// FetchVault reads a profile's current vault and counters.
func (d *Dispatcher) FetchVault(ctx context.Context, id idtypes.Identity) (protocol.FetchVaultResponse, error) {
	var resp protocol.FetchVaultResponse
	err := d.call(ctx, protocol.PrefixFetchVault, func(w *codec.Writer) {
		protocol.FetchVaultRequest{Identity: id}.Encode(w)
	}, func(r *codec.Reader) error {
		var err error
		resp, err = protocol.DecodeFetchVaultResponse(r)
		return err
	})
	return resp, err
}

// FetchProfile reads a profile's public keys.
func (d *Dispatcher) FetchProfile(ctx context.Context, id idtypes.Identity) (protocol.FetchProfileResponse, error) {
	var resp protocol.FetchProfileResponse
	err := d.call(ctx, protocol.PrefixFetchProfile, func(w *codec.Writer) {
		protocol.FetchProfileRequest{Identity: id}.Encode(w)
	}, func(r *codec.Reader) error {
		var err error
		resp, err = protocol.DecodeFetchProfileResponse(r)
		return err
	})
	return resp, err
}

// FetchFullProfile reads a profile's complete replicated state, mail
// excluded.
func (d *Dispatcher) FetchFullProfile(ctx context.Context, id idtypes.Identity) (protocol.FullProfile, error) {
	var resp protocol.FullProfile
	err := d.call(ctx, protocol.PrefixFetchFullProfile, func(w *codec.Writer) {
		protocol.FetchProfileRequest{Identity: id}.Encode(w)
	}, func(r *codec.Reader) error {
		var err error
		resp, err = protocol.DecodeFullProfile(r)
		return err
	})
	return resp, err
}

// ReadMail drains the caller's mailbox and returns its framed contents.
func (d *Dispatcher) ReadMail(ctx context.Context, pf proof.Proof) ([]byte, error) {
	var mail []byte
	err := d.call(ctx, protocol.PrefixReadMail, func(w *codec.Writer) {
		protocol.ReadMailRequest{Proof: pf}.Encode(w)
	}, func(r *codec.Reader) error {
		mail = append([]byte(nil), r.ReadReminder()...)
		return nil
	})
	return mail, err
}

// SendMail delivers content to a profile's mailbox or live subscription.
// sentDirectly reports a push to a live subscriber; false with nil error
// means the mail was queued.
func (d *Dispatcher) SendMail(ctx context.Context, to idtypes.Identity, content []byte) (sentDirectly bool, err error) {
	err = d.call(ctx, protocol.PrefixSendMail, func(w *codec.Writer) {
		mailbox.SendMailRequest{Recipient: to, Content: content}.Encode(w)
	}, nil)
	if errors.Is(err, protocol.ErrSentDirectly) {
		return true, nil
	}
	return false, err
}

// CreateChat creates a chat with creator as its sole member.
func (d *Dispatcher) CreateChat(ctx context.Context, creator idtypes.Identity, name idtypes.ChatName) error {
	return d.call(ctx, protocol.PrefixCreateChat, func(w *codec.Writer) {
		protocol.CreateChatRequest{Creator: creator, Name: name}.Encode(w)
	}, nil)
}

// AddUser adds id to the chat under the proof signer's membership.
func (d *Dispatcher) AddUser(ctx context.Context, id idtypes.Identity, name idtypes.ChatName, pf proof.Proof) error {
	return d.call(ctx, protocol.PrefixAddUser, func(w *codec.Writer) {
		protocol.AddUserRequest{Identity: id, Name: name, Proof: pf}.Encode(w)
	}, nil)
}

// SendMessage appends message to the chat's history.
func (d *Dispatcher) SendMessage(ctx context.Context, name idtypes.ChatName, pf proof.Proof, message []byte) error {
	return d.call(ctx, protocol.PrefixSendMessage, func(w *codec.Writer) {
		protocol.SendMessageRequest{Name: name, Proof: pf, Message: message}.Encode(w)
	}, nil)
}

// FetchMessages pulls a page of chat history, newest first, starting from
// cursor.
func (d *Dispatcher) FetchMessages(ctx context.Context, name idtypes.ChatName, cursor uint32) (protocol.FetchMessagesResponse, error) {
	var resp protocol.FetchMessagesResponse
	err := d.call(ctx, protocol.PrefixFetchMessages, func(w *codec.Writer) {
		protocol.FetchMessagesRequest{Name: name, Cursor: cursor}.Encode(w)
	}, func(r *codec.Reader) error {
		var err error
		resp, err = protocol.DecodeFetchMessagesResponse(r)
		return err
	})
	return resp, err
}

// subChanDepth bounds a subscription's client-side event buffer.
const subChanDepth = 32

// Subscription is a live event feed for one topic.
type Subscription struct {
	Events <-chan []byte

	d    *Dispatcher
	call uint64
}

// Close detaches the subscription locally. Presence recorded on the server
// clears when the circuit itself closes.
func (s *Subscription) Close() {
	s.d.mu.Lock()
	if ch, ok := s.d.subs[s.call]; ok {
		delete(s.d.subs, s.call)
		close(ch)
	}
	s.d.mu.Unlock()
}

// Subscribe registers for topic's events. The server acknowledges before
// any event is delivered.
func (d *Dispatcher) Subscribe(ctx context.Context, topic protocol.Topic) (*Subscription, error) {
	w := codec.NewWriter(64)
	protocol.SubscribeRequest{Target: topic}.Encode(w)

	p, err := d.Start(protocol.WithSubscriptionBit(protocol.PrefixSubscribe), w.Bytes())
	if err != nil {
		return nil, err
	}

	events := make(chan []byte, subChanDepth)
	d.mu.Lock()
	d.subs[p.call] = events
	d.mu.Unlock()

	ack, err := p.Await(ctx)
	if err != nil {
		d.mu.Lock()
		delete(d.subs, p.call)
		d.mu.Unlock()
		return nil, err
	}
	ok, handlerErr, decodeErr := protocol.DecodeOutcome(codec.NewReader(ack))
	if decodeErr != nil || (!ok && handlerErr == nil) {
		return nil, ErrBadResponse
	}
	if !ok {
		return nil, handlerErr
	}
	return &Subscription{Events: events, d: d, call: p.call}, nil
}
