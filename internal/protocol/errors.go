package protocol

import (
	"errors"
	"fmt"

	"github.com/orionmesh/relay/internal/codec"
)

// Error codes shared across every protocol's error enum. Not every
// protocol uses every code.
const (
	codeInvalidProof byte = iota
	codeInvalidAction
	codeNotFound
	codeAlreadyExists
	codeMessageTooLarge
	codeMailboxFull
	codeNotMember
	codeChatNotFound
	codeSendingToSelf
	codeSentDirectly
	codeNoMajority
	codeInvalidTopic
	codeInvalidResponse
	codeDecodeError
	codeUnknownPrefix
)

var (
	ErrInvalidProof    = errors.New("protocol: invalid proof")
	ErrNotFound        = errors.New("protocol: not found")
	ErrAlreadyExists   = errors.New("protocol: already exists")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrMailboxFull     = errors.New("protocol: mailbox full")
	ErrNotMember       = errors.New("protocol: not a member")
	ErrChatNotFound    = errors.New("protocol: chat not found")
	ErrSendingToSelf   = errors.New("protocol: sending to self")
	// ErrSentDirectly is informational: SendMail delivered straight to a
	// live subscriber. Ordinary callers treat it as success.
	ErrSentDirectly    = errors.New("protocol: sent directly")
	ErrNoMajority      = errors.New("protocol: fewer than majority of replicas confirmed")
	ErrInvalidTopic    = errors.New("protocol: self is not in the replica set for this topic")
	ErrInvalidResponse = errors.New("protocol: majority replied with an undecodable value")
	ErrDecodeError     = errors.New("protocol: malformed request")
	ErrUnknownPrefix   = errors.New("protocol: unknown prefix")
)

// InvalidActionError carries the currently-stored nonce back to the client
// so it can resync.
type InvalidActionError struct {
	Stored uint64
}

func (e InvalidActionError) Error() string {
	return fmt.Sprintf("protocol: non-strict-increasing nonce, stored=%d", e.Stored)
}

// codeOf maps a handler error to its wire code. Unrecognized errors
// (transport/local faults) are a programming error to pass here.
func codeOf(err error) byte {
	var invalidAction InvalidActionError
	if errors.As(err, &invalidAction) {
		return codeInvalidAction
	}
	switch {
	case errors.Is(err, ErrInvalidProof):
		return codeInvalidProof
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return codeAlreadyExists
	case errors.Is(err, ErrMessageTooLarge):
		return codeMessageTooLarge
	case errors.Is(err, ErrMailboxFull):
		return codeMailboxFull
	case errors.Is(err, ErrNotMember):
		return codeNotMember
	case errors.Is(err, ErrChatNotFound):
		return codeChatNotFound
	case errors.Is(err, ErrSendingToSelf):
		return codeSendingToSelf
	case errors.Is(err, ErrSentDirectly):
		return codeSentDirectly
	case errors.Is(err, ErrNoMajority):
		return codeNoMajority
	case errors.Is(err, ErrInvalidTopic):
		return codeInvalidTopic
	case errors.Is(err, ErrInvalidResponse):
		return codeInvalidResponse
	case errors.Is(err, ErrDecodeError):
		return codeDecodeError
	default:
		return codeUnknownPrefix
	}
}

// EncodeError writes err's wire representation: a code byte, plus the
// stored nonce as a varint when err is InvalidActionError.
func EncodeError(w *codec.Writer, err error) {
	code := codeOf(err)
	_ = w.WriteByte(code)
	var invalidAction InvalidActionError
	if errors.As(err, &invalidAction) {
		w.WriteVarint(invalidAction.Stored)
	}
}

// DecodeError reads the format produced by EncodeError.
func DecodeError(r *codec.Reader) (error, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch code {
	case codeInvalidProof:
		return ErrInvalidProof, nil
	case codeInvalidAction:
		nonce, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		return InvalidActionError{Stored: nonce}, nil
	case codeNotFound:
		return ErrNotFound, nil
	case codeAlreadyExists:
		return ErrAlreadyExists, nil
	case codeMessageTooLarge:
		return ErrMessageTooLarge, nil
	case codeMailboxFull:
		return ErrMailboxFull, nil
	case codeNotMember:
		return ErrNotMember, nil
	case codeChatNotFound:
		return ErrChatNotFound, nil
	case codeSendingToSelf:
		return ErrSendingToSelf, nil
	case codeSentDirectly:
		return ErrSentDirectly, nil
	case codeNoMajority:
		return ErrNoMajority, nil
	case codeInvalidTopic:
		return ErrInvalidTopic, nil
	case codeInvalidResponse:
		return ErrInvalidResponse, nil
	case codeDecodeError:
		return ErrDecodeError, nil
	default:
		return ErrUnknownPrefix, nil
	}
}

// EncodeOutcome writes the result envelope:
// [ok:u8=1][encoded_ok] | [err:u8=0][encoded_err].
func EncodeOutcome(w *codec.Writer, err error, encodeOK func(*codec.Writer)) {
	if err == nil {
		_ = w.WriteByte(1)
		if encodeOK != nil {
			encodeOK(w)
		}
		return
	}
	_ = w.WriteByte(0)
	EncodeError(w, err)
}

// DecodeOutcome reads the envelope written by EncodeOutcome, returning
// whether it was Ok and, on error, the decoded error.
func DecodeOutcome(r *codec.Reader) (ok bool, err error, decodeErr error) {
	b, decodeErr := r.ReadByte()
	if decodeErr != nil {
		return false, nil, decodeErr
	}
	if b == 1 {
		return true, nil, nil
	}
	handlerErr, decodeErr := DecodeError(r)
	if decodeErr != nil {
		return false, nil, decodeErr
	}
	return false, handlerErr, nil
}
