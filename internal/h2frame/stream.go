package h2frame

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/net/http2"
)

// PromiseEvent carries a PUSH_PROMISE observed on a parent stream: the
// promised header block plus the freshly allocated stream the promised
// response will arrive on.
type PromiseEvent struct {
	Fields []HeaderField
	Stream *Stream
}

// Stream is one HTTP/2 stream multiplexed over an Endpoint's connection.
// Callers read Headers/Data/End/Promises to observe peer activity and call
// SendHeaders/WriteData/Reset/Push to produce it; all of Stream's public
// methods are safe to call from goroutines other than the Endpoint's serve
// loop, which is the only place that ever sends on these channels.
type Stream struct {
	id uint32
	ep *Endpoint

	Headers  chan []HeaderField
	Data     chan []byte
	End      chan struct{}
	Promises chan *PromiseEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endOnce   sync.Once
	headSent  bool
	resetErr  error
}

// ID returns the HTTP/2 stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Context is cancelled when the stream is reset (by either peer) or its
// endpoint closes. A normal end of stream closes End but does not cancel it.
func (s *Stream) Context() context.Context { return s.ctx }

func (s *Stream) deliverHeaders(fields []HeaderField, endStream bool) error {
	select {
	case s.Headers <- fields:
	case <-s.ctx.Done():
		return nil
	}
	if endStream {
		s.deliverEnd()
	}
	return nil
}

func (s *Stream) deliverData(p []byte) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case s.Data <- cp:
	case <-s.ctx.Done():
	}
}

func (s *Stream) deliverEnd() {
	s.endOnce.Do(func() { close(s.End) })
}

func (s *Stream) deliverPromise(fields []HeaderField, pushed *Stream) {
	select {
	case s.Promises <- &PromiseEvent{Fields: fields, Stream: pushed}:
	case <-s.ctx.Done():
	}
}

func (s *Stream) deliverReset(code ErrCode) {
	s.mu.Lock()
	if s.resetErr == nil {
		s.resetErr = fmt.Errorf("h2frame: stream %d reset: %s", s.id, code)
	}
	s.mu.Unlock()
	s.cancel()
}

// SendHeaders encodes fields as HPACK and writes them as a HEADERS frame
// (spilling into CONTINUATION frames as needed). endStream marks this as the
// last frame the sender will produce on this stream.
func (s *Stream) SendHeaders(fields []HeaderField, endStream bool) error {
	return s.ep.writeFrame(func() error {
		s.ep.hBuf.Reset()
		for _, f := range fields {
			if err := s.ep.hEnc.WriteField(f); err != nil {
				return err
			}
		}
		block := s.ep.hBuf.Bytes()
		const maxFrame = 16384
		first := block
		rest := []byte(nil)
		if len(block) > maxFrame {
			first, rest = block[:maxFrame], block[maxFrame:]
		}
		if err := s.ep.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      s.id,
			BlockFragment: first,
			EndHeaders:    len(rest) == 0,
			EndStream:     endStream,
		}); err != nil {
			return err
		}
		for len(rest) > 0 {
			chunk := rest
			end := len(chunk) <= maxFrame
			if !end {
				chunk = rest[:maxFrame]
			}
			if err := s.ep.fr.WriteContinuation(s.id, end, chunk); err != nil {
				return err
			}
			rest = rest[len(chunk):]
		}
		return nil
	})
}

// WriteData writes one DATA frame. Callers are responsible for chunking
// large payloads; this layer does not enforce the peer-advertised flow
// control window (see Endpoint.onData comment on our own receive side).
func (s *Stream) WriteData(p []byte, endStream bool) error {
	return s.ep.writeFrame(func() error {
		return s.ep.fr.WriteData(s.id, endStream, p)
	})
}

// Push sends a PUSH_PROMISE carrying fields (the pushed resource's request
// pseudo-headers) and returns the newly allocated stream the pushed response
// will be written to. Server role only.
func (s *Stream) Push(fields []HeaderField) (*Stream, error) {
	if s.ep.role != RoleServer {
		return nil, fmt.Errorf("h2frame: push promise requires server role")
	}
	pushed, err := s.ep.CreateStream()
	if err != nil {
		return nil, err
	}
	err = s.ep.writeFrame(func() error {
		s.ep.hBuf.Reset()
		for _, f := range fields {
			if err := s.ep.hEnc.WriteField(f); err != nil {
				return err
			}
		}
		return s.ep.fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      s.id,
			PromiseID:     pushed.id,
			BlockFragment: s.ep.hBuf.Bytes(),
			EndHeaders:    true,
		})
	})
	if err != nil {
		return nil, err
	}
	return pushed, nil
}

// Reset sends RST_STREAM with the given error code and tears down local
// stream state.
func (s *Stream) Reset(code ErrCode) error {
	defer s.cancel()
	return s.ep.writeFrame(func() error {
		return s.ep.fr.WriteRSTStream(s.id, code)
	})
}

// Priority sends a PRIORITY frame reprioritizing this stream relative to
// dependsOn.
func (s *Stream) Priority(weight uint8, dependsOn uint32, exclusive bool) error {
	return s.ep.writeFrame(func() error {
		return s.ep.fr.WritePriority(s.id, http2.PriorityParam{
			StreamDep: dependsOn,
			Exclusive: exclusive,
			Weight:    weight,
		})
	})
}

// AltSvc would advertise an alternative service for origin (RFC 7838).
// golang.org/x/net/http2's Framer has no ALTSVC frame writer, so this
// layer cannot forward one to the wire; kept as a named no-op so callers
// written against the full Stream interface still link.
func (s *Stream) AltSvc(host string, port uint16, protoID string, maxAge int, origin string) error {
	return nil
}

// Err returns the reason the stream was reset or closed, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetErr != nil {
		return s.resetErr
	}
	return s.ctx.Err()
}
