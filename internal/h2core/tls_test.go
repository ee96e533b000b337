package h2core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"
)

// generateSelfSignedCert builds an in-memory self-signed certificate/key
// pair for TLS loopback tests. The client side always dials with
// InsecureSkipVerify, so the certificate need not carry a matching SAN.
func generateSelfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "h2session-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// startTLSServer starts a real TLS-negotiating ServerCore on loopback TCP,
// since ClientAgent.runNegotiation always dials a real network address.
func startTLSServer(t *testing.T, onRequest func(*IncomingRequest, *OutgoingResponse)) string {
	t.Helper()
	certPEM, keyPEM := generateSelfSignedCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := NewServer(ServerOptions{Cert: certPEM, Key: keyPEM})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.OnRequest = onRequest
	go srv.Serve(ln)
	t.Cleanup(func() { srv.CloseNow() })
	return ln.Addr().String()
}

func insecureClientAgent() *ClientAgent {
	return NewClientAgent(ClientOptions{TLSConfig: &tls.Config{InsecureSkipVerify: true}})
}

// TestClientAgentTLSNegotiationCoalescesConcurrentRequests exercises the
// ALPN negotiate-then-install path (client.go's negotiateAndStart /
// runNegotiation / negotiationFuture), not just the Plain fast path: several
// concurrent requests to the same authority before negotiation completes
// must all subscribe to one negotiationFuture and end up sharing exactly one
// installed endpoint (§4.5).
func TestClientAgentTLSNegotiationCoalescesConcurrentRequests(t *testing.T) {
	addr := startTLSServer(t, func(req *IncomingRequest, resp *OutgoingResponse) {
		select {
		case <-req.Ready():
		case <-req.Done():
			return
		}
		resp.SetStatusCode(200)
		resp.Close()
	})
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	agent := insecureClientAgent()
	defer agent.Close()

	// Dial by name: ServerCore only accepts HTTP/2 when SNI is present, and
	// the TLS client sends no SNI for an IP literal.
	opts := RequestOptions{Scheme: "https", Host: "localhost", Port: port, Path: "/"}

	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req, err := agent.Request(opts)
			if err != nil {
				results <- err
				return
			}
			results <- req.Close()
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("concurrent TLS request failed: %v", err)
		}
	}

	snap := agent.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one negotiated endpoint, got %d: %v", len(snap), snap)
	}
}

// TestClientAgentServerPushRoundTrip exercises server-push origination
// (OutgoingResponse.Push) and reception (IncomingPromise / ClientAgent's
// handlePromise) end to end over a TLS-negotiated connection.
func TestClientAgentServerPushRoundTrip(t *testing.T) {
	addr := startTLSServer(t, func(req *IncomingRequest, resp *OutgoingResponse) {
		select {
		case <-req.Ready():
		case <-req.Done():
			return
		}
		if pushed, err := resp.Push("GET", "https", req.Host(), "/style.css", nil); err == nil {
			pushed.SetStatusCode(200)
			pushed.Write([]byte("body{}"))
			pushed.Close()
		}
		resp.SetStatusCode(200)
		resp.Write([]byte("<html></html>"))
		resp.Close()
	})
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	agent := insecureClientAgent()
	defer agent.Close()

	pushed := make(chan *IncomingPromise, 1)
	req, err := agent.Request(RequestOptions{
		Scheme: "https",
		Host:   "localhost", // by name, so SNI is sent (see the coalescing test)
		Port:   port,
		Path:   "/",
		OnPush: func(p *IncomingPromise) { pushed <- p },
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("close request: %v", err)
	}

	select {
	case resp := <-req.Response():
		select {
		case <-resp.Ready():
		case <-time.After(2 * time.Second):
			t.Fatal("response never became ready")
		}
	case err := <-req.Err():
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	select {
	case promise := <-pushed:
		if promise.Method() != "GET" || promise.URL().Path != "/style.css" {
			t.Fatalf("unexpected promise: method=%s path=%s", promise.Method(), promise.URL().Path)
		}
		if err := promise.Cancel(); err != nil {
			t.Fatalf("cancel promise: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push promise")
	}
}
