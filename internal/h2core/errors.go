// Package h2core implements the HTTP/2 semantic layer: header validation,
// the Incoming/Outgoing message types, ServerCore, and ClientAgent. It
// consumes internal/h2frame as its framing collaborator and never touches
// HPACK or frame bytes directly.
package h2core

import "fmt"

// UsageError reports a caller mistake detected synchronously — a malformed
// header, a write after the message has ended, a method called on the wrong
// side of the handshake. These are distinct from protocol errors raised by
// the peer, which surface as stream resets instead.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func usageErrorf(op, format string, args ...any) error {
	return &UsageError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a malformed or non-conforming wire event observed
// from the peer: a missing pseudo-header, a third header block on a stream
// that already carried headers and trailers, a path that fails validation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "h2core: protocol error: " + e.Reason }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
