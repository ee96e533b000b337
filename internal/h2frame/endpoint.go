// Package h2frame adapts golang.org/x/net/http2's Framer and hpack codec into
// the Endpoint/Stream handles the rest of this module consumes. It owns frame
// I/O, HPACK encode/decode, and the minimal flow-control bookkeeping needed to
// keep a peer from stalling; everything above this package (header semantics,
// message lifecycle, connection reuse) treats an *Endpoint as an opaque
// framing collaborator, per the layering this module is built around.
package h2frame

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Role distinguishes which side of the connection an Endpoint plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Settings mirrors the subset of HTTP/2 SETTINGS this layer cares about
// advertising; anything else uses the framing library's own defaults.
type Settings struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	HeaderTableSize      uint32
}

func (s Settings) orDefaults() Settings {
	if s.MaxConcurrentStreams == 0 {
		s.MaxConcurrentStreams = 250
	}
	if s.InitialWindowSize == 0 {
		s.InitialWindowSize = 1 << 20
	}
	if s.HeaderTableSize == 0 {
		s.HeaderTableSize = 4096
	}
	return s
}

// HeaderField is re-exported so callers never need to import hpack directly.
type HeaderField = hpack.HeaderField

// ErrCode is re-exported from the framing library's own RST_STREAM/GOAWAY codes.
type ErrCode = http2.ErrCode

const (
	ErrCodeNo       = http2.ErrCodeNo
	ErrCodeProtocol = http2.ErrCodeProtocol
	ErrCodeCancel   = http2.ErrCodeCancel
	ErrCodeRefused  = http2.ErrCodeRefusedStream
)

// Endpoint represents one HTTP/2 connection: a duplex byte channel piped to a
// socket that emits newly opened inbound streams (server role) and exposes
// CreateStream (client role). Construction does not start the serve loop;
// call Serve to begin pumping frames once the caller has wired NewStreams.
type Endpoint struct {
	role     Role
	conn     net.Conn
	log      *zap.Logger
	settings Settings

	fr   *http2.Framer
	bw   *bufio.Writer
	wmu  sync.Mutex // serializes all frame writes
	hEnc *hpack.Encoder
	hBuf interface {
		io.Writer
		Bytes() []byte
		Reset()
	}

	streamsMu    sync.Mutex
	streams      map[uint32]*Stream
	nextLocalID  uint32
	lastPeerID   uint32
	peerSettings Settings

	// NewStreams carries streams the peer opened (server: client requests;
	// client: server push responses arrive on caller-held stream objects, not
	// here — see PUSH_PROMISE handling on Stream.Promises).
	NewStreams chan *Stream
	// Errors carries connection-fatal errors observed by the serve loop.
	Errors chan error

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

type headerBuf struct{ b []byte }

func (h *headerBuf) Write(p []byte) (int, error) { h.b = append(h.b, p...); return len(p), nil }
func (h *headerBuf) Bytes() []byte                { return h.b }
func (h *headerBuf) Reset()                       { h.b = h.b[:0] }

// NewEndpoint wraps conn as an HTTP/2 connection of the given role. It does
// not block; call Serve to run the frame pump (required on both roles, since
// SETTINGS/WINDOW_UPDATE/PING must be serviced even on a client-only
// connection).
func NewEndpoint(logger *zap.Logger, role Role, settings Settings, conn net.Conn) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	bw := bufio.NewWriterSize(conn, 32*1024)
	fr := http2.NewFramer(bw, bufio.NewReaderSize(conn, 32*1024))
	fr.MaxHeaderListSize = 64 << 10
	fr.ReadMetaHeaders = hpack.NewDecoder(settings.orDefaults().HeaderTableSize, nil)

	hb := &headerBuf{}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		role:       role,
		conn:       conn,
		log:        logger.With(zap.String("role", role.String())),
		settings:   settings.orDefaults(),
		fr:         fr,
		bw:         bw,
		hEnc:       hpack.NewEncoder(hb),
		hBuf:       hb,
		streams:    make(map[uint32]*Stream),
		NewStreams: make(chan *Stream, 16),
		Errors:     make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if role == RoleClient {
		e.nextLocalID = 1
	} else {
		e.nextLocalID = 2
	}
	return e
}

// Context is cancelled when the endpoint is closed; every stream the
// endpoint owns derives its own context from this one, so closing the
// endpoint tears down all of its streams (see §5 propagation policy).
func (e *Endpoint) Context() context.Context { return e.ctx }

// Handshake sends the client preface (client role only) and the initial
// SETTINGS frame. It does not wait for the peer's SETTINGS; those are read
// and acknowledged by Serve. Call before Serve.
func (e *Endpoint) Handshake() error {
	if e.role == RoleClient {
		if _, err := e.bw.WriteString(http2.ClientPreface); err != nil {
			return fmt.Errorf("h2frame: write client preface: %w", err)
		}
	}
	return e.writeFrame(func() error {
		return e.fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: e.settings.MaxConcurrentStreams},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: e.settings.InitialWindowSize},
			http2.Setting{ID: http2.SettingHeaderTableSize, Val: e.settings.HeaderTableSize},
		)
	})
}

// Serve runs the single connection-owning read loop until the peer closes
// the connection or a connection-fatal error occurs. All stream state
// mutation happens on this goroutine; callers observe it only through the
// channels exposed on Stream and Endpoint (see §5 scheduling model).
func (e *Endpoint) Serve() {
	defer e.Close()
	if e.role == RoleServer {
		buf := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(e.conn, buf); err != nil {
			e.fail(fmt.Errorf("h2frame: read client preface: %w", err))
			return
		}
		if string(buf) != http2.ClientPreface {
			e.fail(fmt.Errorf("h2frame: bad client preface"))
			return
		}
	}
	for {
		f, err := e.fr.ReadFrame()
		if err != nil {
			if err != io.EOF {
				e.fail(err)
			}
			return
		}
		if err := e.dispatch(f); err != nil {
			e.fail(err)
			return
		}
	}
}

func (e *Endpoint) dispatch(f http2.Frame) error {
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		return e.onSettings(fr)
	case *http2.WindowUpdateFrame:
		return nil // best-effort: we advertise generous windows and never block on them
	case *http2.PingFrame:
		if fr.IsAck() {
			return nil
		}
		return e.writeFrame(func() error { return e.fr.WritePing(true, fr.Data) })
	case *http2.MetaHeadersFrame:
		return e.onHeaders(fr)
	case *http2.DataFrame:
		return e.onData(fr)
	case *http2.PushPromiseFrame:
		return e.onPushPromise(fr)
	case *http2.RSTStreamFrame:
		return e.onReset(fr)
	case *http2.GoAwayFrame:
		return io.EOF
	default:
		return nil
	}
}

func (e *Endpoint) onSettings(fr *http2.SettingsFrame) error {
	if fr.IsAck() {
		return nil
	}
	_ = fr.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			e.peerSettings.InitialWindowSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			e.peerSettings.MaxConcurrentStreams = s.Val
		case http2.SettingHeaderTableSize:
			e.peerSettings.HeaderTableSize = s.Val
		}
		return nil
	})
	return e.writeFrame(func() error { return e.fr.WriteSettingsAck() })
}

func (e *Endpoint) onHeaders(fr *http2.MetaHeadersFrame) error {
	id := fr.StreamID
	e.streamsMu.Lock()
	st, ok := e.streams[id]
	isNew := false
	if !ok {
		if e.role == RoleServer {
			if id%2 != 1 || id <= e.lastPeerID {
				e.streamsMu.Unlock()
				return fmt.Errorf("h2frame: invalid stream id %d", id)
			}
			e.lastPeerID = id
			st = e.newStreamLocked(id)
			isNew = true
		} else {
			e.streamsMu.Unlock()
			return fmt.Errorf("h2frame: headers for unknown stream %d", id)
		}
	}
	e.streamsMu.Unlock()

	if err := st.deliverHeaders(fr.Fields, fr.StreamEnded()); err != nil {
		return err
	}
	if isNew {
		select {
		case e.NewStreams <- st:
		case <-e.ctx.Done():
		}
	}
	return nil
}

func (e *Endpoint) onData(fr *http2.DataFrame) error {
	st := e.lookupStream(fr.StreamID)
	if st == nil {
		return nil // stream already closed/reset; ignore per RFC 7540 §6.1
	}
	data := fr.Data()
	if len(data) > 0 {
		st.deliverData(data)
		// Replenish flow control greedily; this layer does not enforce
		// backpressure at the framing level (see §5 suspension points).
		_ = e.writeFrame(func() error {
			if err := e.fr.WriteWindowUpdate(0, uint32(len(data))); err != nil {
				return err
			}
			return e.fr.WriteWindowUpdate(fr.StreamID, uint32(len(data)))
		})
	}
	if fr.StreamEnded() {
		st.deliverEnd()
	}
	return nil
}

func (e *Endpoint) onPushPromise(fr *http2.PushPromiseFrame) error {
	if e.role != RoleClient {
		return fmt.Errorf("h2frame: unexpected PUSH_PROMISE on server role")
	}
	parent := e.lookupStream(fr.StreamID)
	if parent == nil {
		return nil
	}
	e.streamsMu.Lock()
	pushed := e.newStreamLocked(fr.PromiseID)
	e.streamsMu.Unlock()
	parent.deliverPromise(fr.Fields, pushed)
	return nil
}

func (e *Endpoint) onReset(fr *http2.RSTStreamFrame) error {
	st := e.lookupStream(fr.StreamID)
	if st != nil {
		st.deliverReset(fr.ErrCode)
	}
	return nil
}

func (e *Endpoint) lookupStream(id uint32) *Stream {
	e.streamsMu.Lock()
	defer e.streamsMu.Unlock()
	return e.streams[id]
}

func (e *Endpoint) newStreamLocked(id uint32) *Stream {
	ctx, cancel := context.WithCancel(e.ctx)
	st := &Stream{
		id:       id,
		ep:       e,
		Headers:  make(chan []HeaderField, 2),
		Data:     make(chan []byte, 16),
		End:      make(chan struct{}),
		Promises: make(chan *PromiseEvent, 4),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.streams[id] = st
	return st
}

// CreateStream opens a new locally initiated stream (odd ids on the client
// role, even ids on the server role). Valid on either role (servers use it
// only to originate pushed-response streams).
func (e *Endpoint) CreateStream() (*Stream, error) {
	e.streamsMu.Lock()
	id := e.nextLocalID
	e.nextLocalID += 2
	st := e.newStreamLocked(id)
	e.streamsMu.Unlock()
	return st, nil
}

func (e *Endpoint) writeFrame(fn func() error) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return e.bw.Flush()
}

func (e *Endpoint) fail(err error) {
	select {
	case e.Errors <- err:
	default:
	}
}

// Close tears down the endpoint and every stream it owns.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.streamsMu.Lock()
		for _, st := range e.streams {
			st.deliverReset(ErrCodeCancel)
		}
		e.streamsMu.Unlock()
		err = e.conn.Close()
	})
	return err
}
