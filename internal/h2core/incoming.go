package h2core

import (
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

func splitFields(fields []HeaderField) (regular []HeaderField, pseudo []HeaderField) {
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			pseudo = append(pseudo, f)
		} else {
			regular = append(regular, f)
		}
	}
	return regular, pseudo
}

// baseIncoming is the shared implementation behind IncomingRequest,
// IncomingResponse, and IncomingPromise: it bridges one inbound stream's
// headers/data/end events into the io.Reader + header-map programming model
// described in §4.2. Subclasses plug in onPseudo to extract their own
// mandatory pseudo-headers from the first header block.
type baseIncoming struct {
	stream *Stream
	log    *zap.Logger

	mu       sync.Mutex
	headers  map[string][]string
	trailers map[string][]string
	ended    bool
	failErr  error

	pr *io.PipeReader
	pw *io.PipeWriter

	readyCh   chan struct{}
	readyOnce sync.Once
	doneCh    chan struct{}
	doneOnce  sync.Once

	onPseudo func(pseudo []HeaderField) error
}

func newBaseIncoming(stream *Stream, log *zap.Logger) *baseIncoming {
	if log == nil {
		log = zap.NewNop()
	}
	pr, pw := io.Pipe()
	m := &baseIncoming{
		stream:   stream,
		log:      log,
		headers:  map[string][]string{},
		pr:       pr,
		pw:       pw,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return m
}

// start launches the pump goroutine. Split from construction so subclasses
// can install onPseudo before any header event can possibly be observed.
func (m *baseIncoming) start() {
	go m.pump()
}

// Read implements io.Reader over the inbound body.
func (m *baseIncoming) Read(p []byte) (int, error) { return m.pr.Read(p) }

// Headers returns the regular (non-pseudo) inbound headers. Only valid to
// inspect once Ready() has fired.
func (m *baseIncoming) Headers() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers
}

// Trailers returns the trailer block, if one was received. Empty map
// (not present) until end-of-body.
func (m *baseIncoming) Trailers() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ended {
		return nil
	}
	return m.trailers
}

func (m *baseIncoming) Stream() *Stream { return m.stream }

// Proto is fixed: this layer only ever speaks HTTP/2.0.
func (m *baseIncoming) Proto() string { return "HTTP/2.0" }

// Ready fires once the first header block has passed validation and any
// subclass pseudo-header extraction succeeded.
func (m *baseIncoming) Ready() <-chan struct{} { return m.readyCh }

// Done fires when the message is abandoned (validation/protocol failure) or
// ends normally. Err reports the reason, if any.
func (m *baseIncoming) Done() <-chan struct{} { return m.doneCh }

func (m *baseIncoming) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

func (m *baseIncoming) markReady() {
	m.readyOnce.Do(func() { close(m.readyCh) })
}

func (m *baseIncoming) finish() {
	m.doneOnce.Do(func() { close(m.doneCh) })
}

func (m *baseIncoming) fail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
	_ = m.stream.Reset(ErrCodeProtocol)
	_ = m.pw.CloseWithError(err)
	m.finish()
}

func (m *baseIncoming) setHeaders(regular []HeaderField) {
	m.mu.Lock()
	for _, f := range regular {
		m.headers[f.Name] = append(m.headers[f.Name], f.Value)
	}
	m.mu.Unlock()
}

func (m *baseIncoming) setTrailers(regular []HeaderField) {
	m.mu.Lock()
	m.trailers = map[string][]string{}
	for _, f := range regular {
		m.trailers[f.Name] = append(m.trailers[f.Name], f.Value)
	}
	m.mu.Unlock()
}

// pump is the single goroutine that owns this message's header/body state;
// it drains the stream's Headers and Data channels ahead of End so that
// buffered trailers or final body bytes are never lost to a race against
// stream teardown (the Headers/Data channels are filled by the endpoint's
// serve loop strictly before it closes End for the same event).
func (m *baseIncoming) pump() {
	defer m.finish()
	headerCount := 0
	for {
		select {
		case fields, ok := <-m.stream.Headers:
			if !ok {
				continue
			}
			if !m.onHeaders(&headerCount, fields) {
				return
			}
			continue
		case chunk, ok := <-m.stream.Data:
			if ok {
				if _, err := m.pw.Write(chunk); err != nil {
					return
				}
			}
			continue
		default:
		}

		select {
		case fields, ok := <-m.stream.Headers:
			if !ok {
				continue
			}
			if !m.onHeaders(&headerCount, fields) {
				return
			}
		case chunk, ok := <-m.stream.Data:
			if ok {
				if _, err := m.pw.Write(chunk); err != nil {
					return
				}
			}
		case <-m.stream.End:
			if len(m.stream.Headers) > 0 || len(m.stream.Data) > 0 {
				continue // drain what was queued before End first
			}
			m.mu.Lock()
			m.ended = true
			m.mu.Unlock()
			m.pw.Close()
			return
		case <-m.stream.Context().Done():
			if err := m.stream.Err(); err != nil {
				m.mu.Lock()
				m.failErr = err
				m.mu.Unlock()
				m.pw.CloseWithError(err)
			} else {
				m.pw.Close()
			}
			return
		}
	}
}

// onHeaders processes one header block observed on the pump goroutine.
// Returns false if the message should be abandoned.
func (m *baseIncoming) onHeaders(count *int, fields []HeaderField) bool {
	*count++
	if err := ValidateInbound(fields); err != nil {
		m.fail(err)
		return false
	}
	regular, pseudo := splitFields(fields)
	switch *count {
	case 1:
		m.setHeaders(regular)
		if m.onPseudo != nil {
			if err := m.onPseudo(pseudo); err != nil {
				m.fail(err)
				return false
			}
		}
		m.markReady()
	case 2:
		m.setTrailers(regular)
	default:
		m.fail(protocolErrorf("third header block not allowed on one stream"))
		return false
	}
	return true
}

// IncomingRequest is an inbound HTTP/2 request: the pair constructed by
// ServerCore for each new stream, and the type IncomingPromise extends for
// pushed resources.
type IncomingRequest struct {
	*baseIncoming

	mu     sync.Mutex
	method string
	scheme string
	host   string
	rawURL *url.URL
}

// NewIncomingRequest constructs a request view of stream, extracting the
// four mandatory request pseudo-headers from its first header block.
func NewIncomingRequest(stream *Stream, log *zap.Logger) *IncomingRequest {
	r := &IncomingRequest{}
	r.baseIncoming = newBaseIncoming(stream, log)
	r.baseIncoming.onPseudo = r.extractPseudo
	r.baseIncoming.start()
	return r
}

func (r *IncomingRequest) extractPseudo(pseudo []HeaderField) error {
	var method, scheme, authority, path string
	for _, f := range pseudo {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		case ":path":
			path = f.Value
		}
	}
	if method == "" {
		return protocolErrorf("missing or empty :method")
	}
	if scheme == "" {
		return protocolErrorf("missing or empty :scheme")
	}
	if authority == "" {
		return protocolErrorf("missing or empty :authority")
	}
	if path == "" {
		return protocolErrorf("missing or empty :path")
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return protocolErrorf("invalid :path %q: %v", path, err)
	}

	r.mu.Lock()
	r.method = method
	r.scheme = scheme
	r.host = authority
	r.rawURL = u
	r.mu.Unlock()

	// Legacy-API compatibility: synthesize a regular "host" header from
	// :authority (§3 data model, IncomingRequest).
	r.baseIncoming.setHeaders([]HeaderField{{Name: "host", Value: authority}})
	return nil
}

func (r *IncomingRequest) Method() string { r.mu.Lock(); defer r.mu.Unlock(); return r.method }
func (r *IncomingRequest) Scheme() string { r.mu.Lock(); defer r.mu.Unlock(); return r.scheme }
func (r *IncomingRequest) Host() string   { r.mu.Lock(); defer r.mu.Unlock(); return r.host }
func (r *IncomingRequest) URL() *url.URL  { r.mu.Lock(); defer r.mu.Unlock(); return r.rawURL }

// IncomingResponse is an inbound HTTP/2 response observed by a client.
type IncomingResponse struct {
	*baseIncoming

	mu         sync.Mutex
	statusCode int
}

// NewIncomingResponse constructs a response view of stream, extracting the
// mandatory :status pseudo-header from its first header block.
func NewIncomingResponse(stream *Stream, log *zap.Logger) *IncomingResponse {
	r := &IncomingResponse{}
	r.baseIncoming = newBaseIncoming(stream, log)
	r.baseIncoming.onPseudo = r.extractPseudo
	r.baseIncoming.start()
	return r
}

func (r *IncomingResponse) extractPseudo(pseudo []HeaderField) error {
	var status string
	for _, f := range pseudo {
		if f.Name == ":status" {
			status = f.Value
		}
	}
	if status == "" {
		return protocolErrorf("missing or empty :status")
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return protocolErrorf(":status %q is not a decimal integer", status)
	}
	r.mu.Lock()
	r.statusCode = code
	r.mu.Unlock()
	return nil
}

func (r *IncomingResponse) StatusCode() int { r.mu.Lock(); defer r.mu.Unlock(); return r.statusCode }

// IncomingPromise carries the request-side pseudo-headers of a pushed
// resource (§4.2, §4.5). It does not attach its own pump to the response
// stream, because only one reader may ever drain a stream's Headers/Data
// channels. ClientAgent does not construct an IncomingResponse for the
// pushed response either: the pushed stream is exposed through
// ResponseStream(), and reading it is left to the caller.
type IncomingPromise struct {
	mu sync.Mutex

	method string
	scheme string
	host   string
	rawURL *url.URL

	responseStream *Stream
	cancelled      bool
}

// NewIncomingPromise wraps a PUSH_PROMISE event: promiseFields carry the
// pushed resource's request pseudo-headers, responseStream is the stream the
// pushed response body will arrive on.
func NewIncomingPromise(promiseFields []HeaderField, responseStream *Stream) (*IncomingPromise, error) {
	if err := ValidateInbound(promiseFields); err != nil {
		_ = responseStream.Reset(ErrCodeProtocol)
		return nil, err
	}
	_, pseudo := splitFields(promiseFields)
	var method, scheme, authority, path string
	for _, f := range pseudo {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		case ":path":
			path = f.Value
		}
	}
	if method == "" || scheme == "" || authority == "" || path == "" {
		_ = responseStream.Reset(ErrCodeProtocol)
		return nil, protocolErrorf("push promise missing a mandatory pseudo-header")
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		_ = responseStream.Reset(ErrCodeProtocol)
		return nil, protocolErrorf("invalid pushed :path %q: %v", path, err)
	}
	return &IncomingPromise{
		method:         method,
		scheme:         scheme,
		host:           authority,
		rawURL:         u,
		responseStream: responseStream,
	}, nil
}

func (p *IncomingPromise) Method() string { p.mu.Lock(); defer p.mu.Unlock(); return p.method }
func (p *IncomingPromise) Scheme() string { p.mu.Lock(); defer p.mu.Unlock(); return p.scheme }
func (p *IncomingPromise) Host() string   { p.mu.Lock(); defer p.mu.Unlock(); return p.host }
func (p *IncomingPromise) URL() *url.URL  { p.mu.Lock(); defer p.mu.Unlock(); return p.rawURL }

// Cancel rejects the pushed resource, resetting its response stream with
// CANCEL (§4.5: "immediately cancelled ... with CANCEL").
func (p *IncomingPromise) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return nil
	}
	p.cancelled = true
	return p.responseStream.Reset(ErrCodeCancel)
}

// SetPriority forwards a priority reprioritization to the response stream.
func (p *IncomingPromise) SetPriority(weight uint8, dependsOn uint32, exclusive bool) error {
	return p.responseStream.Priority(weight, dependsOn, exclusive)
}

func (p *IncomingPromise) ResponseStream() *Stream { return p.responseStream }
