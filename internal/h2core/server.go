package h2core

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baranov-labs/h2session/internal/logging"
)

// alpnProtocols is the ALPN/NPN protocol list advertised by ServerCore and
// ClientAgent, HTTP/2 first (§6): "Advertise ALPN and ... NPN protocol lists
// with the HTTP/2 identifier first, followed by http/1.1 then http/0.9."
var alpnProtocols = []string{"h2", "http/1.1", "http/0.9"}

// ServerOptions configures a ServerCore (§4.4).
type ServerOptions struct {
	Key  []byte // PEM private key; mandatory unless Plain
	Cert []byte // PEM certificate chain; mandatory unless Plain

	Plain bool // accept HTTP/2 over cleartext TCP, no TLS negotiation

	Settings Settings
	Logger   *zap.Logger

	Ciphers          []uint16
	HonorCipherOrder bool

	// Fallback is the HTTP/1.1 handler driven when ALPN negotiates
	// http/1.1 (or no SNI is presented). Optional: when nil, a TLS
	// connection that would fall back is closed instead.
	Fallback http.Handler
}

// ServerCore owns a bound listener, negotiates protocol per connection, and
// publishes matched (IncomingRequest, OutgoingResponse) pairs for every new
// inbound stream (§4.4).
type ServerCore struct {
	opts ServerOptions
	log  *zap.Logger

	tlsConfig *tls.Config
	httpSrv   *http.Server

	// OnRequest fires once an inbound request's headers have been validated
	// and its mandatory pseudo-headers extracted.
	OnRequest func(req *IncomingRequest, resp *OutgoingResponse)
	// OnConnection fires for every accepted connection that completes its
	// TLS handshake (every connection, in plain mode); ep is nil when the
	// connection fell back to HTTP/1.1.
	OnConnection func(conn net.Conn, ep *Endpoint)
	// ClientError fires for per-connection or per-endpoint transport
	// failures that are not protocol-level stream resets.
	ClientError func(err error)
	// OnPush fires once per OutgoingResponse.Push call, reporting whether
	// the push was sent and, if not, why.
	OnPush func(sent bool, reason string)
	// OnEndpointCount fires whenever the number of live endpoints changes.
	OnEndpointCount func(n int)

	mu        sync.Mutex
	listener  net.Listener
	endpoints map[*Endpoint]struct{}
	draining  bool
	closed    bool
	wg        sync.WaitGroup
}

// NewServer constructs a TLS-by-default ServerCore. Requires Key and Cert.
func NewServer(opts ServerOptions) (*ServerCore, error) {
	if opts.Plain {
		return nil, usageErrorf("NewServer", "use NewRawServer for plaintext HTTP/2")
	}
	if len(opts.Key) == 0 || len(opts.Cert) == 0 {
		return nil, usageErrorf("NewServer", "Key and Cert are required for TLS mode")
	}
	cert, err := tls.X509KeyPair(opts.Cert, opts.Key)
	if err != nil {
		return nil, fmt.Errorf("h2core: parse TLS credentials: %w", err)
	}
	s := newServerCore(opts)
	s.tlsConfig = &tls.Config{
		Certificates:             []tls.Certificate{cert},
		NextProtos:               alpnProtocols,
		CipherSuites:             opts.Ciphers,
		PreferServerCipherSuites: opts.HonorCipherOrder,
		MinVersion:               tls.VersionTLS12,
	}
	if opts.Fallback != nil {
		s.httpSrv = &http.Server{Handler: opts.Fallback, TLSConfig: s.tlsConfig}
	}
	return s, nil
}

// NewRawServer constructs a plaintext-TCP ServerCore. Rejects TLS
// credentials (§4.4: "Plain mode. No negotiation").
func NewRawServer(opts ServerOptions) (*ServerCore, error) {
	if len(opts.Key) != 0 || len(opts.Cert) != 0 {
		return nil, usageErrorf("NewRawServer", "TLS credentials are not accepted in plain mode")
	}
	opts.Plain = true
	return newServerCore(opts), nil
}

func newServerCore(opts ServerOptions) *ServerCore {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ServerCore{
		opts:      opts,
		log:       log,
		endpoints: make(map[*Endpoint]struct{}),
	}
}

// Serve accepts connections from ln until Close/CloseNow is called.
func (s *ServerCore) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *ServerCore) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	log := logging.WithCorrelationID(s.log, "conn_id", connID).With(zap.String("remote", conn.RemoteAddr().String()))

	if s.opts.Plain {
		s.startEndpoint(conn, log)
		return
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		tlsConn = tls.Server(conn, s.tlsConfig)
	}
	if err := tlsConn.Handshake(); err != nil {
		s.reportError(fmt.Errorf("h2core: TLS handshake: %w", err))
		conn.Close()
		return
	}
	state := tlsConn.ConnectionState()
	if state.NegotiatedProtocol == "h2" && state.ServerName != "" {
		s.startEndpoint(tlsConn, log)
		return
	}
	if s.OnConnection != nil {
		s.OnConnection(tlsConn, nil)
	}
	s.fallback(tlsConn, log)
}

func (s *ServerCore) startEndpoint(conn net.Conn, log *zap.Logger) {
	ep := NewEndpoint(log, RoleServer, s.opts.Settings, conn)
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		ep.Close()
		return
	}
	s.endpoints[ep] = struct{}{}
	n := len(s.endpoints)
	s.mu.Unlock()

	if s.OnConnection != nil {
		s.OnConnection(conn, ep)
	}
	if s.OnEndpointCount != nil {
		s.OnEndpointCount(n)
	}

	go func() {
		for {
			select {
			case stream, ok := <-ep.NewStreams:
				if !ok {
					s.untrackEndpoint(ep)
					return
				}
				s.handleStream(stream, log)
			case err, ok := <-ep.Errors:
				if ok {
					s.reportError(err)
				}
				s.untrackEndpoint(ep)
				return
			}
		}
	}()
	ep.Serve()
}

func (s *ServerCore) untrackEndpoint(ep *Endpoint) {
	s.mu.Lock()
	delete(s.endpoints, ep)
	n := len(s.endpoints)
	s.mu.Unlock()
	if s.OnEndpointCount != nil {
		s.OnEndpointCount(n)
	}
}

func (s *ServerCore) handleStream(stream *Stream, log *zap.Logger) {
	reqID := uuid.NewString()
	slog := logging.WithCorrelationID(log, "req_id", reqID).With(zap.Uint32("stream_id", stream.ID()))

	req := NewIncomingRequest(stream, slog)
	go func() {
		select {
		case <-req.Ready():
		case <-req.Done():
			return // validation failed; stream already reset
		}
		resp, err := NewOutgoingResponse(stream, req.Headers(), slog)
		if err != nil {
			s.reportError(err)
			return
		}
		if s.OnPush != nil {
			resp.SetPushObserver(s.OnPush)
		}
		if s.OnRequest != nil {
			s.OnRequest(req, resp)
		}
	}()
}

// fallback serves exactly one already-accepted connection through
// http.Server.Serve, letting the stdlib HTTP/1.1 machinery own request
// parsing instead of this package re-implementing it (§4.4 fallback).
func (s *ServerCore) fallback(conn net.Conn, log *zap.Logger) {
	if s.httpSrv == nil {
		log.Warn("no HTTP/1.1 fallback handler configured; closing connection")
		conn.Close()
		return
	}
	ln := newSingleConnListener(conn)
	if err := s.httpSrv.Serve(ln); err != nil {
		log.Debug("fallback connection ended", zap.Error(err))
	}
}

func newSingleConnListener(conn net.Conn) net.Listener {
	return &singleConnListener{conn: conn, ch: make(chan net.Conn, 1)}
}

// singleConnListener hands conn out exactly once, then reports
// net.ErrClosed on every later Accept, so
// http.Server.Serve treats the fallback path as a listener with one
// already-connected peer instead of needing its own accept loop.
type singleConnListener struct {
	conn net.Conn
	ch   chan net.Conn
	once sync.Once
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.once.Do(func() { l.ch <- l.conn; close(l.ch) })
	c, ok := <-l.ch
	if ok {
		return c, nil
	}
	// Second and later calls: the one connection was already handed out,
	// so this listener is done. http.Server.Serve treats any Accept error
	// as "stop serving", so returning one here lets Serve return as soon
	// as the fallback connection's own HTTP/1.1 traffic ends, instead of
	// blocking the calling goroutine (and ServerCore.Close's wg.Wait)
	// forever.
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error { return l.conn.Close() }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (s *ServerCore) reportError(err error) {
	if s.ClientError != nil {
		s.ClientError(err)
	}
}

// Close performs a draining shutdown: stop accepting new connections, let
// in-flight streams finish, then return once every endpoint has closed
// (§9 Open Question resolution).
func (s *ServerCore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// CloseNow is the immediate variant of Close: it resets every live endpoint
// rather than waiting for in-flight streams to finish.
func (s *ServerCore) CloseNow() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.closed = true
	ln := s.listener
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, ep := range eps {
		ep.Close()
	}
	return nil
}
