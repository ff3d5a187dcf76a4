// Package onion models the onion transport collaborator: opaque, per-hop
// authenticated-encrypted stream pairs connecting a client's circuit to a
// server. The transport itself (hop selection, per-hop key exchange) lives
// in its own subsystem; this package defines the Stream contract the
// client dispatcher and server ingress depend on.
package onion

import "context"

// CircuitID identifies one client's onion circuit on this node, used as
// the online presence hint's Client variant.
type CircuitID uint64

// Stream is one established, decrypted, length-framed byte stream over an
// onion circuit. Frames are whatever the wire format dictates;
// Stream only moves opaque frames, it does not interpret them.
type Stream interface {
	// ReadFrame blocks until a complete frame arrives, or ctx is done, or
	// the stream is closed (io.EOF).
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one frame. Returns an error if the stream's
	// outbound buffer is full ("server is overwhelmed") or closed.
	WriteFrame(frame []byte) error
	// Close tears down the circuit.
	Close() error
}

// Listener accepts inbound client circuits.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
}
