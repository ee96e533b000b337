package h2core

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// msgState is OutgoingMessage's explicit lifecycle, per §4.3: writes and
// header mutations are only valid in specific states. transition() guards
// the Buffering → Attached step; SetHeader, RemoveHeader, Write and Close
// check the current state themselves.
type msgState int

const (
	stateBuffering msgState = iota
	stateAttached
	stateHeadersSent
	stateWriting
	stateEnding
	stateClosed
)

func (s msgState) String() string {
	switch s {
	case stateBuffering:
		return "buffering"
	case stateAttached:
		return "attached"
	case stateHeadersSent:
		return "headers-sent"
	case stateWriting:
		return "writing"
	case stateEnding:
		return "ending"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxBufferedWrite = 1 << 20 // 1 MiB: bounds the deferred-until-attached write queue (§4.3)

// baseOutgoing is the shared implementation behind OutgoingRequest and
// OutgoingResponse: it buffers header mutations and body writes until a
// stream is attached, then flushes them in order, guaranteeing trailers (if
// any) are the last frame before close.
type baseOutgoing struct {
	mu sync.Mutex

	state       msgState
	headers     map[string]string
	headerOrder []string
	trailers    map[string]string

	stream *Stream
	log    *zap.Logger

	pending      [][]byte
	pendingBytes int

	// sendTrailers is invoked by Close once the stream is attached and the
	// body is fully written; OutgoingRequest and OutgoingResponse deliver
	// trailers differently (trailer operation vs second header block).
	sendTrailers func(trailers map[string]string) error
	// buildHeaderFields converts the buffered header map plus pseudo-headers
	// into the wire header block; subclasses own pseudo-header placement.
	buildHeaderFields func(headers map[string]string, order []string) []HeaderField
}

func newBaseOutgoing(log *zap.Logger) *baseOutgoing {
	if log == nil {
		log = zap.NewNop()
	}
	return &baseOutgoing{
		state:   stateBuffering,
		headers: map[string]string{},
		log:     log,
	}
}

func (m *baseOutgoing) transition(allowed msgState, next msgState) error {
	if m.state != allowed {
		return usageErrorf("", "cannot move from state %s to %s (expected %s)", m.state, next, allowed)
	}
	m.state = next
	return nil
}

// SetHeader stores name=value for the eventual header block. Rejects if
// headers have already been sent or if name is forbidden outbound (§4.3).
func (m *baseOutgoing) SetHeader(name, value string) error {
	name = strings.ToLower(name)
	if err := checkOutboundHeaderName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateHeadersSent || m.state == stateWriting || m.state == stateEnding || m.state == stateClosed {
		return usageErrorf("SetHeader", "headers already sent")
	}
	if _, exists := m.headers[name]; !exists {
		m.headerOrder = append(m.headerOrder, name)
	}
	m.headers[name] = value
	return nil
}

// RemoveHeader undoes a prior SetHeader. Symmetric precondition to SetHeader.
func (m *baseOutgoing) RemoveHeader(name string) error {
	name = strings.ToLower(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateHeadersSent || m.state == stateWriting || m.state == stateEnding || m.state == stateClosed {
		return usageErrorf("RemoveHeader", "headers already sent")
	}
	delete(m.headers, name)
	for i, n := range m.headerOrder {
		if n == name {
			m.headerOrder = append(m.headerOrder[:i], m.headerOrder[i+1:]...)
			break
		}
	}
	return nil
}

// GetHeader reads a previously-set header, case-insensitively.
func (m *baseOutgoing) GetHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers[strings.ToLower(name)]
}

// AddTrailers buffers trailers for emission after the last DATA frame.
func (m *baseOutgoing) AddTrailers(trailers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trailers == nil {
		m.trailers = map[string]string{}
	}
	for k, v := range trailers {
		m.trailers[strings.ToLower(k)] = v
	}
}

// attach binds stream to this message (Buffering → Attached). Headers are
// not flushed yet: SetHeader/SetStatusCode remain legal until the first
// Write or Close forces the header block onto the wire, matching §4.3's
// explicit state machine rather than flushing eagerly at attach time.
func (m *baseOutgoing) attach(stream *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(stateBuffering, stateAttached); err != nil {
		return err
	}
	m.stream = stream
	return nil
}

// ensureHeadersSent flushes the buffered header block the first time it is
// needed (first Write, or Close with no prior Write). No-op if headers were
// already sent or the message has not yet been attached.
func (m *baseOutgoing) ensureHeadersSent() error {
	m.mu.Lock()
	if m.state != stateAttached {
		m.mu.Unlock()
		return nil
	}
	fields := m.headerFieldsLocked()
	pending := m.pending
	m.pending = nil
	m.pendingBytes = 0
	stream := m.stream
	m.state = stateWriting
	m.mu.Unlock()

	if err := stream.SendHeaders(fields, false); err != nil {
		return fmt.Errorf("h2core: send headers: %w", err)
	}
	for _, chunk := range pending {
		if err := stream.WriteData(chunk, false); err != nil {
			return fmt.Errorf("h2core: flush buffered write: %w", err)
		}
	}
	return nil
}

// headerFieldsLocked builds the wire header block; caller must hold m.mu.
func (m *baseOutgoing) headerFieldsLocked() []HeaderField {
	if m.buildHeaderFields != nil {
		return m.buildHeaderFields(m.headers, m.headerOrder)
	}
	fields := make([]HeaderField, 0, len(m.headerOrder))
	for _, name := range m.headerOrder {
		fields = append(fields, HeaderField{Name: name, Value: m.headers[name]})
	}
	return fields
}

func (m *baseOutgoing) lockedStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Write implements io.Writer. Before attachment, writes queue on a bounded
// buffer; a write that would exceed maxBufferedWrite fails immediately
// rather than growing without bound.
func (m *baseOutgoing) Write(p []byte) (int, error) {
	m.mu.Lock()
	state := m.state
	switch state {
	case stateClosed, stateEnding:
		m.mu.Unlock()
		return 0, usageErrorf("Write", "message already closed")
	case stateBuffering:
		if m.pendingBytes+len(p) > maxBufferedWrite {
			m.mu.Unlock()
			return 0, usageErrorf("Write", "buffered write would exceed %d bytes before stream attachment", maxBufferedWrite)
		}
		cp := append([]byte{}, p...)
		m.pending = append(m.pending, cp)
		m.pendingBytes += len(cp)
		m.mu.Unlock()
		return len(p), nil
	}
	m.mu.Unlock()

	if state == stateAttached {
		if err := m.ensureHeadersSent(); err != nil {
			return 0, err
		}
	}
	stream := m.lockedStream()
	if err := stream.WriteData(p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes headers if not already sent (a response/request with no
// body still needs its header block), emits trailers if present, and closes
// the stream.
func (m *baseOutgoing) Close() error {
	m.mu.Lock()
	state := m.state
	if state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	if state == stateBuffering {
		m.mu.Unlock()
		return usageErrorf("Close", "cannot close before stream attachment")
	}
	m.mu.Unlock()

	if state == stateAttached {
		if err := m.ensureHeadersSent(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	trailers := m.trailers
	stream := m.stream
	m.state = stateEnding
	m.mu.Unlock()

	if len(trailers) > 0 && m.sendTrailers != nil {
		if err := m.sendTrailers(trailers); err != nil {
			return err
		}
	} else {
		if err := stream.WriteData(nil, true); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.state = stateClosed
	m.mu.Unlock()
	return nil
}

// OutgoingResponse is a server-constructed outbound response (§3, §4.3).
type OutgoingResponse struct {
	*baseOutgoing

	mu           sync.Mutex
	statusCode   int
	sendDate     bool
	requestHdrs  map[string][]string
	pushObserved func(sent bool, reason string)
}

// SetPushObserver registers fn to be called with the outcome of every Push
// call on this response (and any response it in turn pushes). ServerCore
// wires this to its OnPush hook so callers can feed push telemetry.
func (r *OutgoingResponse) SetPushObserver(fn func(sent bool, reason string)) {
	r.mu.Lock()
	r.pushObserved = fn
	r.mu.Unlock()
}

// NewOutgoingResponse constructs a response bound immediately to stream
// (ServerCore attaches a response to its stream at construction, per §4.4).
func NewOutgoingResponse(stream *Stream, requestHeaders map[string][]string, log *zap.Logger) (*OutgoingResponse, error) {
	r := &OutgoingResponse{statusCode: 200, sendDate: true, requestHdrs: requestHeaders}
	r.baseOutgoing = newBaseOutgoing(log)
	r.baseOutgoing.buildHeaderFields = r.pseudoLast
	r.baseOutgoing.sendTrailers = func(trailers map[string]string) error {
		fields := make([]HeaderField, 0, len(trailers))
		for k, v := range trailers {
			fields = append(fields, HeaderField{Name: k, Value: v})
		}
		return stream.SendHeaders(fields, true)
	}
	if err := r.baseOutgoing.attach(stream); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *OutgoingResponse) pseudoLast(headers map[string]string, order []string) []HeaderField {
	r.mu.Lock()
	status := strconv.Itoa(r.statusCode)
	r.mu.Unlock()
	fields := []HeaderField{{Name: ":status", Value: status}}
	for _, name := range order {
		fields = append(fields, HeaderField{Name: name, Value: headers[name]})
	}
	return fields
}

// SetStatusCode sets the response's :status pseudo-header. It only reaches
// the wire if called before the header block is flushed on the first Write
// or Close; a later call changes StatusCode() but not what was sent.
func (r *OutgoingResponse) SetStatusCode(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCode = code
}

func (r *OutgoingResponse) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode
}

// RequestHeaders returns the inbound request's headers, kept for
// push-promise inheritance (§3: "remembers the inbound request headers for
// push-promise inheritance").
func (r *OutgoingResponse) RequestHeaders() map[string][]string { return r.requestHdrs }

// Push originates a server push: it sends a PUSH_PROMISE carrying the
// pushed resource's request pseudo-headers plus extraHeaders (the inbound
// request headers from RequestHeaders are not copied into the promise),
// then returns an OutgoingResponse already attached to the new push stream
// so the caller can write the pushed response body (§2, §6's Stream
// interface "Promise(pseudoHeaders) (Stream, error)").
func (r *OutgoingResponse) Push(method, scheme, authority, path string, extraHeaders map[string]string) (*OutgoingResponse, error) {
	stream := r.lockedStream()
	if stream == nil {
		return nil, usageErrorf("Push", "response not yet attached to a stream")
	}
	fields := []HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for k, v := range extraHeaders {
		fields = append(fields, HeaderField{Name: strings.ToLower(k), Value: v})
	}
	pushed, err := stream.Push(fields)
	if err != nil {
		r.observePush(false, err.Error())
		return nil, fmt.Errorf("h2core: push promise: %w", err)
	}
	resp, err := NewOutgoingResponse(pushed, r.requestHdrs, r.log)
	if err != nil {
		r.observePush(false, err.Error())
		return nil, err
	}
	resp.SetPushObserver(r.pushObserved)
	r.observePush(true, "")
	return resp, nil
}

func (r *OutgoingResponse) observePush(sent bool, reason string) {
	r.mu.Lock()
	fn := r.pushObserved
	r.mu.Unlock()
	if fn != nil {
		fn(sent, reason)
	}
}

// RequestOptions describes an outbound HTTP/2 request's target and is the
// argument to OutgoingRequest.Start (§4.5, "OutgoingRequest start(stream,
// options)").
type RequestOptions struct {
	Method  string
	Scheme  string
	Host    string
	Port    int
	Path    string
	Auth    string // "user:pass"; sent as Basic auth if non-empty
	Headers map[string]string
	Plain   bool // opt-in plaintext HTTP/2 over TCP, no TLS negotiation

	// OnPush, if set, accepts server pushes on this request's connection;
	// if nil, every push is immediately cancelled (§4.5).
	OnPush func(promise *IncomingPromise)
}

// authority formats the :authority pseudo-header value, including the port
// only when it differs from the scheme's default.
func (o RequestOptions) authority() string {
	defaultPort := 443
	if o.Scheme == "http" {
		defaultPort = 80
	}
	if o.Port == 0 || o.Port == defaultPort {
		return o.Host
	}
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// OutgoingRequest is a client-constructed outbound request.
type OutgoingRequest struct {
	*baseOutgoing

	mu      sync.Mutex
	opts    RequestOptions
	started bool

	respOnce sync.Once
	respCh   chan *IncomingResponse
	errCh    chan error

	promiseCh chan *IncomingPromise
}

// NewOutgoingRequest constructs an unattached request; call Start once a
// stream is available (matching §4.3: "constructed before a stream is
// available; attaches to a stream once negotiation/creation completes").
func NewOutgoingRequest(log *zap.Logger) *OutgoingRequest {
	r := &OutgoingRequest{
		respCh:    make(chan *IncomingResponse, 1),
		errCh:     make(chan error, 1),
		promiseCh: make(chan *IncomingPromise, 4),
	}
	r.baseOutgoing = newBaseOutgoing(log)
	r.baseOutgoing.buildHeaderFields = r.pseudoFirst
	return r
}

// Response delivers the matched IncomingResponse once the stream's response
// headers are ready, or is never sent if deliverError fires first.
func (r *OutgoingRequest) Response() <-chan *IncomingResponse { return r.respCh }

// Err delivers the first asynchronous failure: a failed TLS negotiation, a
// failed HTTP/1.1 fallback round trip, or a response stream that ended
// without a valid response header block.
func (r *OutgoingRequest) Err() <-chan error { return r.errCh }

// Pushes delivers each server push offered on this request's connection
// that the caller chose to accept (§4.5).
func (r *OutgoingRequest) Pushes() <-chan *IncomingPromise { return r.promiseCh }

func (r *OutgoingRequest) deliverResponse(resp *IncomingResponse) {
	r.respOnce.Do(func() { r.respCh <- resp })
}

func (r *OutgoingRequest) deliverError(err error) {
	select {
	case r.errCh <- err:
	default:
	}
}

func (r *OutgoingRequest) pseudoFirst(headers map[string]string, order []string) []HeaderField {
	r.mu.Lock()
	opts := r.opts
	r.mu.Unlock()
	fields := []HeaderField{
		{Name: ":method", Value: opts.Method},
		{Name: ":scheme", Value: opts.Scheme},
		{Name: ":authority", Value: opts.authority()},
		{Name: ":path", Value: opts.Path},
	}
	for _, name := range order {
		fields = append(fields, HeaderField{Name: name, Value: headers[name]})
	}
	return fields
}

// Start binds stream and options to this request: per §4.5's
// "OutgoingRequest start(stream, options)", it copies options.Headers,
// deletes any "host" entry (superseded by :authority), adds a Basic
// authorization header if options.Auth is set, records the options the four
// request pseudo-headers are built from, and attaches the stream. Start does
// not send the header block; it goes out on the first Write or Close.
func (r *OutgoingRequest) Start(stream *Stream, opts RequestOptions) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return usageErrorf("Start", "request already started")
	}
	r.started = true
	r.opts = opts
	r.mu.Unlock()

	r.baseOutgoing.sendTrailers = func(trailers map[string]string) error {
		return stream.SendHeaders(headerFieldsFromMap(trailers), true)
	}

	for k, v := range opts.Headers {
		if strings.ToLower(k) == "host" {
			// Silently dropped, superseded by :authority (§4.5) — unlike a
			// caller explicitly calling SetHeader("host", ...), which is a
			// usage error.
			continue
		}
		if err := r.SetHeader(k, v); err != nil {
			return err
		}
	}
	if opts.Auth != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(opts.Auth))
		if err := r.SetHeader("authorization", "Basic "+encoded); err != nil {
			return err
		}
	}
	return r.baseOutgoing.attach(stream)
}

func headerFieldsFromMap(m map[string]string) []HeaderField {
	fields := make([]HeaderField, 0, len(m))
	for k, v := range m {
		fields = append(fields, HeaderField{Name: k, Value: v})
	}
	return fields
}

// Options returns the normalized options this request started with, or the
// zero value before Start is called.
func (r *OutgoingRequest) Options() RequestOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// SetPriority forwards a priority reprioritization to the attached stream
// (§4.5: "Forward to the attached stream when available").
func (r *OutgoingRequest) SetPriority(weight uint8, dependsOn uint32, exclusive bool) error {
	stream := r.lockedStream()
	if stream == nil {
		return usageErrorf("SetPriority", "request not yet attached to a stream")
	}
	return stream.Priority(weight, dependsOn, exclusive)
}

// Abort resets the attached stream with CANCEL (§4.5: "Abort() on an
// HTTP/2 stream performs Reset(CANCEL)").
func (r *OutgoingRequest) Abort() error {
	stream := r.lockedStream()
	if stream == nil {
		return usageErrorf("Abort", "request not yet attached to a stream")
	}
	return stream.Reset(ErrCodeCancel)
}

// SetDeadline is a no-op at the HTTP/2 layer (§5: "SetDeadline on HTTP/2
// messages is a no-op"); fallback HTTP/1.1 requests forward deadlines
// through the underlying *http.Request/*http.Client instead.
func (r *OutgoingRequest) SetDeadline(deadline time.Time) error { return nil }
