// Package blob implements the append-only framed ring buffer backing chat
// history: bounded capacity, oldest-first eviction, and a reverse cursor
// walk from the newest message toward the oldest.
package blob

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// Cap is the ring buffer's total byte capacity.
	Cap = 1024 * 1024
	// MaxMessageSize is the largest single message payload accepted.
	MaxMessageSize = 1024
	// FetchLimit is the hard ceiling on messages returned by one Fetch call,
	// regardless of the caller-requested limit.
	FetchLimit = 20
	// frameOverhead is the BE length prefix (2 bytes) plus LE length
	// trailer (2 bytes) surrounding every payload.
	frameOverhead = 4
)

// NoCursor is the sentinel cursor value meaning "start at the newest
// message". It is also returned by Fetch when the walk hits a malformed
// frame or exhausts the blob.
const NoCursor uint32 = math.MaxUint32

var ErrMessageTooLarge = errors.New("blob: message exceeds maximum size")

// Blob is a capacity-bounded, append-only sequence of framed byte messages.
// The zero value is an empty blob ready to use.
type Blob struct {
	data   []byte
	offset uint32
}

// Offset returns the total bytes-ever-appended (including framing). It
// never decreases.
func (b *Blob) Offset() uint32 {
	return b.offset
}

// RawBytes returns a copy of the ring buffer's raw framed contents, for
// replica-to-replica chat restoration (internal/restoration): a
// snapshotting replica ships this verbatim rather than replaying Push per
// message.
func (b *Blob) RawBytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// LoadRaw replaces the blob's contents with data/offset taken from a
// trusted replica snapshot, bypassing Push's per-message validation since
// data is assumed already valid (it was produced by another replica's own
// Push history).
func (b *Blob) LoadRaw(data []byte, offset uint32) {
	b.data = append([]byte(nil), data...)
	b.offset = offset
}

// Push appends payload as a new frame: [len:u16 BE] payload [len:u16 LE].
// While the buffer exceeds Cap after the append, the oldest frames are
// evicted via Pop.
func (b *Blob) Push(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	l := uint16(len(payload))

	frame := make([]byte, 0, len(payload)+frameOverhead)
	var be [2]byte
	binary.BigEndian.PutUint16(be[:], l)
	frame = append(frame, be[:]...)
	frame = append(frame, payload...)
	var le [2]byte
	binary.LittleEndian.PutUint16(le[:], l)
	frame = append(frame, le[:]...)

	b.data = append(b.data, frame...)
	b.offset += uint32(len(payload)) + frameOverhead

	for len(b.data) > Cap {
		b.Pop()
	}
	return nil
}

// Pop drops the oldest frame from the head of the buffer, reading its BE
// length prefix to determine how many bytes to remove. No-op on an empty
// buffer.
func (b *Blob) Pop() {
	if len(b.data) < 2 {
		b.data = nil
		return
	}
	l := int(binary.BigEndian.Uint16(b.data[0:2]))
	drop := l + frameOverhead
	if drop >= len(b.data) {
		b.data = nil
		return
	}
	b.data = b.data[drop:]
}

// Fetch walks the blob backward from cursor (NoCursor means "start at the
// newest message"), appending up to min(limit, FetchLimit) frames
// ([len:u16 BE] payload, newest first) to out, and returns the cursor to
// resume from on a subsequent call. It returns NoCursor once the walk hits
// a malformed frame or the oldest message.
func (b *Blob) Fetch(cursor uint32, limit int, out *[]byte) uint32 {
	if cursor > b.offset {
		cursor = b.offset
	}
	if limit > FetchLimit {
		limit = FetchLimit
	}

	skip := b.offset - cursor
	pos := len(b.data) - int(skip)

	for count := 0; count < limit; count++ {
		if pos < frameOverhead {
			return NoCursor
		}
		l := int(binary.LittleEndian.Uint16(b.data[pos-2 : pos]))
		if l > MaxMessageSize {
			return NoCursor
		}
		payloadStart := pos - 2 - l
		if payloadStart-2 < 0 {
			return NoCursor
		}
		payload := b.data[payloadStart : payloadStart+l]

		var be [2]byte
		binary.BigEndian.PutUint16(be[:], uint16(l))
		*out = append(*out, be[:]...)
		*out = append(*out, payload...)

		pos = payloadStart - 2
		cursor -= uint32(l + frameOverhead)
	}
	return cursor
}
