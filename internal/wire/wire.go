// Package wire packs and unpacks the payloads exchanged on client streams:
// requests as [prefix:u8][call_id:u64 BE][encoded request], responses as
// [call_id:u64 BE][encoded result]. The outer length framing belongs to the
// stream transport; this package only sees complete payloads.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/orionmesh/relay/internal/protocol"
)

// callIDSize is the fixed width of the call id on the wire.
const callIDSize = 8

var ErrShortFrame = errors.New("wire: frame too short")

// EncodeRequest builds a request payload.
func EncodeRequest(prefix protocol.Prefix, call uint64, body []byte) []byte {
	out := make([]byte, 1+callIDSize+len(body))
	out[0] = byte(prefix)
	binary.BigEndian.PutUint64(out[1:1+callIDSize], call)
	copy(out[1+callIDSize:], body)
	return out
}

// DecodeRequest splits a request payload into its prefix, call id and body.
// The body aliases frame; callers that retain it past the frame's lifetime
// must copy.
func DecodeRequest(frame []byte) (protocol.Prefix, uint64, []byte, error) {
	if len(frame) < 1+callIDSize {
		return 0, 0, nil, ErrShortFrame
	}
	prefix := protocol.Prefix(frame[0])
	call := binary.BigEndian.Uint64(frame[1 : 1+callIDSize])
	return prefix, call, frame[1+callIDSize:], nil
}

// EncodeResponse builds a response payload carrying an already-encoded
// result envelope.
func EncodeResponse(call uint64, result []byte) []byte {
	out := make([]byte, callIDSize+len(result))
	binary.BigEndian.PutUint64(out[:callIDSize], call)
	copy(out[callIDSize:], result)
	return out
}

// DecodeResponse splits a response payload into its call id and result
// envelope. The result aliases frame.
func DecodeResponse(frame []byte) (uint64, []byte, error) {
	if len(frame) < callIDSize {
		return 0, nil, ErrShortFrame
	}
	return binary.BigEndian.Uint64(frame[:callIDSize]), frame[callIDSize:], nil
}

// EncodePeerRequest builds a node-to-node request payload: [prefix][body].
// Call correlation between nodes lives in the RPC transport, so peer
// payloads carry no call id.
func EncodePeerRequest(prefix protocol.Prefix, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(prefix)
	copy(out[1:], body)
	return out
}

// DecodePeerRequest splits a node-to-node request payload.
func DecodePeerRequest(frame []byte) (protocol.Prefix, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortFrame
	}
	return protocol.Prefix(frame[0]), frame[1:], nil
}
