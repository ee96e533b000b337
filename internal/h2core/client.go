package h2core

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baranov-labs/h2session/internal/logging"
)

// ClientOptions configures a ClientAgent (§4.5).
type ClientOptions struct {
	Settings Settings
	Logger   *zap.Logger

	// TLSConfig is cloned per-dial with ServerName/NextProtos overwritten;
	// leave nil to use sensible defaults.
	TLSConfig *tls.Config

	// FallbackTransport services requests that negotiate down to HTTP/1.1.
	// Defaults to http.DefaultTransport.
	FallbackTransport http.RoundTripper

	NegotiationRPS   float64
	NegotiationBurst int
	ExpectedPushes   uint32

	DialTimeout time.Duration
}

// negotiationFuture is the one-shot broadcast future described in §4.5:
// "installs a one-shot broadcast future keyed by key. Each subsequent
// request before negotiation completes subscribes to the same future."
type negotiationFuture struct {
	done     chan struct{}
	endpoint *Endpoint // nil if fellBack is true
	fellBack bool
	err      error
}

func newNegotiationFuture() *negotiationFuture {
	return &negotiationFuture{done: make(chan struct{})}
}

func (f *negotiationFuture) resolve(ep *Endpoint, fellBack bool, err error) {
	f.endpoint = ep
	f.fellBack = fellBack
	f.err = err
	close(f.done)
}

// ClientAgent dispatches outgoing requests, coalescing them onto at most
// one HTTP/2 endpoint per authority (§4.5).
type ClientAgent struct {
	opts     ClientOptions
	log      *zap.Logger
	registry *endpointRegistry
	limiter  *negotiationLimiter

	fallback http.RoundTripper

	mu         sync.Mutex
	pending    map[authorityKey]*negotiationFuture
	pushCaches map[*Endpoint]*pushPathCache

	closed bool

	// OnPush fires once per well-formed push promise, reporting whether it
	// was delivered to the request's OnPush callback and, if not, why.
	// Malformed promises are reset without firing it.
	OnPush func(sent bool, reason string)
	// OnEndpointCount fires whenever the number of installed endpoints
	// changes (successful install or teardown).
	OnEndpointCount func(n int)
}

var (
	defaultAgentMu sync.Mutex
	defaultAgent   *ClientAgent
)

// DefaultAgent returns the lazily-initialized process-global agent (§6).
// Nothing in this package falls back to it implicitly; callers use it
// explicitly.
func DefaultAgent() *ClientAgent {
	defaultAgentMu.Lock()
	defer defaultAgentMu.Unlock()
	if defaultAgent == nil {
		defaultAgent = NewClientAgent(ClientOptions{})
	}
	return defaultAgent
}

// ResetDefaultAgent tears down and discards the process-global default
// agent; exposed for tests (§6).
func ResetDefaultAgent() {
	defaultAgentMu.Lock()
	defer defaultAgentMu.Unlock()
	if defaultAgent != nil {
		defaultAgent.Close()
	}
	defaultAgent = nil
}

// NewClientAgent constructs a ClientAgent with its own endpoint registry.
func NewClientAgent(opts ClientOptions) *ClientAgent {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fallback := opts.FallbackTransport
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return &ClientAgent{
		opts:       opts,
		log:        log,
		registry:   newEndpointRegistry(),
		limiter:    newNegotiationLimiter(opts.NegotiationRPS, opts.NegotiationBurst),
		fallback:   fallback,
		pending:    make(map[authorityKey]*negotiationFuture),
		pushCaches: make(map[*Endpoint]*pushPathCache),
	}
}

func normalizeOptions(opts RequestOptions) RequestOptions {
	if opts.Method == "" {
		opts.Method = "GET"
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 443
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	return opts
}

func (a *ClientAgent) keyFor(opts RequestOptions) authorityKey {
	return authorityKey{Plain: opts.Plain, Host: opts.Host, Port: opts.Port}
}

// Request dispatches an outbound HTTP/2 (or HTTP/1.1 fallback) request,
// following the branch structure of §4.5 step 5.
func (a *ClientAgent) Request(opts RequestOptions) (*OutgoingRequest, error) {
	opts = normalizeOptions(opts)
	if opts.Plain && opts.Scheme != "http" {
		return nil, usageErrorf("Request", "plain mode requires scheme http")
	}
	if !opts.Plain && opts.Scheme == "http" {
		return nil, usageErrorf("Request", "plaintext upgrade is not supported; set Plain to use scheme http")
	}

	req := NewOutgoingRequest(a.log)
	key := a.keyFor(opts)

	// (a) existing endpoint
	if ep, ok := a.registry.get(key); ok {
		return a.startOnEndpoint(req, ep, opts, key)
	}

	if opts.Plain {
		// (b) plain TCP: no coalescing future needed, a fresh dial per
		// missing endpoint is still deduplicated by the registry's
		// installIfAbsent.
		return a.dialPlainAndStart(req, opts, key)
	}

	// (c) TLS negotiation, with first-request-wins coalescing.
	return a.negotiateAndStart(req, opts, key)
}

// Get is Request followed by immediate end-of-body (§4.5).
func (a *ClientAgent) Get(opts RequestOptions) (*OutgoingRequest, error) {
	opts.Method = "GET"
	req, err := a.Request(opts)
	if err != nil {
		return nil, err
	}
	if err := req.Close(); err != nil {
		return nil, err
	}
	return req, nil
}

func (a *ClientAgent) startOnEndpoint(req *OutgoingRequest, ep *Endpoint, opts RequestOptions, key authorityKey) (*OutgoingRequest, error) {
	stream, err := ep.CreateStream()
	if err != nil {
		return nil, fmt.Errorf("h2core: create stream on %s: %w", key, err)
	}
	if err := req.Start(stream, opts); err != nil {
		return nil, err
	}
	a.watchResponse(req, stream, ep)
	return req, nil
}

func (a *ClientAgent) dialPlainAndStart(req *OutgoingRequest, opts RequestOptions, key authorityKey) (*OutgoingRequest, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), a.dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("h2core: dial %s: %w", key, err)
	}
	ep := NewEndpoint(a.log, RoleClient, a.opts.Settings, conn)
	if err := ep.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("h2core: handshake %s: %w", key, err)
	}
	go ep.Serve()

	installed, won := a.registry.installIfAbsent(key, ep)
	if !won {
		ep.Close() // another dial for the same key won the race
	} else {
		a.watchEndpointDeath(key, installed)
		a.reportEndpointCount()
	}
	return a.startOnEndpoint(req, installed, opts, key)
}

// watchEndpointDeath prunes key from the registry once ep's connection ends,
// so a later Request redials instead of handing out a dead endpoint forever.
func (a *ClientAgent) watchEndpointDeath(key authorityKey, ep *Endpoint) {
	go func() {
		<-ep.Context().Done()
		a.registry.remove(key, ep)
		a.mu.Lock()
		delete(a.pushCaches, ep)
		a.mu.Unlock()
		a.reportEndpointCount()
	}()
}

func (a *ClientAgent) reportEndpointCount() {
	if a.OnEndpointCount != nil {
		a.OnEndpointCount(len(a.registry.snapshot()))
	}
}

func (a *ClientAgent) dialTimeout() time.Duration {
	if a.opts.DialTimeout > 0 {
		return a.opts.DialTimeout
	}
	return 10 * time.Second
}

// negotiateAndStart implements §4.5(c) and the coalescing rules: the first
// request for key triggers negotiation and installs a shared future; later
// requests for the same key before it resolves subscribe to it instead of
// dialing again.
func (a *ClientAgent) negotiateAndStart(req *OutgoingRequest, opts RequestOptions, key authorityKey) (*OutgoingRequest, error) {
	a.mu.Lock()
	fut, exists := a.pending[key]
	if !exists {
		if !a.limiter.allow(key) {
			a.mu.Unlock()
			return nil, fmt.Errorf("h2core: negotiation for %s rate-limited", key)
		}
		fut = newNegotiationFuture()
		a.pending[key] = fut
		a.mu.Unlock()
		go a.runNegotiation(key, opts, fut)
	} else {
		a.mu.Unlock()
	}

	<-fut.done
	if fut.err != nil {
		req.deliverError(fut.err)
		return nil, fut.err
	}
	if fut.fellBack {
		return a.startFallback(req, opts)
	}
	return a.startOnEndpoint(req, fut.endpoint, opts, key)
}

func (a *ClientAgent) runNegotiation(key authorityKey, opts RequestOptions, fut *negotiationFuture) {
	defer func() {
		a.mu.Lock()
		if a.pending[key] == fut {
			delete(a.pending, key)
		}
		a.mu.Unlock()
	}()

	cfg := a.tlsConfigFor(opts.Host)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: a.dialTimeout()}, "tcp",
		net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), cfg)
	if err != nil {
		fut.resolve(nil, false, fmt.Errorf("h2core: TLS dial %s: %w", key, err))
		return
	}
	state := conn.ConnectionState()
	if state.NegotiatedProtocol != "h2" {
		fut.resolve(nil, true, nil)
		// The probe connection is closed here; net/http redials through
		// FallbackTransport on each fallback request rather than reusing
		// this probe socket,
		// matching the source's "record that this connection will fall
		// back" note rather than plumbing a live socket into net/http.
		conn.Close()
		return
	}

	ep := NewEndpoint(a.log, RoleClient, a.opts.Settings, conn)
	if err := ep.Handshake(); err != nil {
		conn.Close()
		fut.resolve(nil, false, fmt.Errorf("h2core: handshake %s: %w", key, err))
		return
	}
	go ep.Serve()

	installed, won := a.registry.installIfAbsent(key, ep)
	if !won {
		// A racing negotiation installed first; the newer endpoint loses
		// and is closed (§4.5: "the newer endpoint is closed").
		ep.Close()
	} else {
		a.watchEndpointDeath(key, installed)
		a.reportEndpointCount()
	}
	fut.resolve(installed, false, nil)
}

func (a *ClientAgent) tlsConfigFor(host string) *tls.Config {
	var cfg *tls.Config
	if a.opts.TLSConfig != nil {
		cfg = a.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = host
	cfg.NextProtos = alpnProtocols
	return cfg
}

func (a *ClientAgent) startFallback(req *OutgoingRequest, opts RequestOptions) (*OutgoingRequest, error) {
	httpReq, err := http.NewRequest(opts.Method, fmt.Sprintf("%s://%s:%d%s", opts.Scheme, opts.Host, opts.Port, opts.Path), nil)
	if err != nil {
		req.deliverError(err)
		return nil, err
	}
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}
	go func() {
		resp, err := a.fallback.RoundTrip(httpReq)
		if err != nil {
			req.deliverError(fmt.Errorf("h2core: fallback request: %w", err))
			return
		}
		// The *http.Response is not delivered on req's Response channel;
		// this dispatch only closes its body, unread.
		defer resp.Body.Close()
	}()
	return req, nil
}

// watchResponse observes stream's headers/promises and bridges them into
// req's Response()/Pushes() channels (§4.5 server-push reception).
func (a *ClientAgent) watchResponse(req *OutgoingRequest, stream *Stream, ep *Endpoint) {
	reqID := uuid.NewString()
	log := logging.WithCorrelationID(a.log, "req_id", reqID).With(zap.Uint32("stream_id", stream.ID()))

	resp := NewIncomingResponse(stream, log)
	go func() {
		select {
		case <-resp.Ready():
			req.deliverResponse(resp)
		case <-resp.Done():
			if err := resp.Err(); err != nil {
				req.deliverError(err)
			}
		}
	}()

	go func() {
		for {
			select {
			case promiseEvt, ok := <-stream.Promises:
				if !ok {
					return
				}
				a.handlePromise(req, ep, promiseEvt, log)
			case <-stream.Context().Done():
				return
			}
		}
	}()
}

func (a *ClientAgent) handlePromise(req *OutgoingRequest, ep *Endpoint, evt *PromiseEvent, log *zap.Logger) {
	promise, err := NewIncomingPromise(evt.Fields, evt.Stream)
	if err != nil {
		log.Debug("rejected malformed push promise", zap.Error(err))
		return
	}

	cache := a.pushCacheFor(ep)
	dedupKey := promise.Host() + promise.URL().String()
	if cache.seen(dedupKey) {
		_ = promise.Cancel()
		a.observePush(false, "duplicate")
		return
	}

	if req.opts.OnPush == nil {
		_ = promise.Cancel()
		a.observePush(false, "no_handler")
		return
	}
	select {
	case req.promiseCh <- promise:
		req.opts.OnPush(promise)
		a.observePush(true, "")
	default:
		_ = promise.Cancel()
		a.observePush(false, "buffer_full")
	}
}

func (a *ClientAgent) observePush(sent bool, reason string) {
	if a.OnPush != nil {
		a.OnPush(sent, reason)
	}
}

func (a *ClientAgent) pushCacheFor(ep *Endpoint) *pushPathCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.pushCaches[ep]
	if !ok {
		c = newPushPathCache(a.opts.ExpectedPushes)
		a.pushCaches[ep] = c
	}
	return c
}

// Snapshot returns every installed authority in ascending order, for
// diagnostics (§3).
func (a *ClientAgent) Snapshot() []string {
	entries := a.registry.snapshot()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.key.String())
	}
	return out
}

// Close sweeps every installed endpoint in deterministic (sorted-key) order
// and closes it.
func (a *ClientAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	for _, e := range a.registry.snapshot() {
		e.ep.Close()
	}
	return nil
}
