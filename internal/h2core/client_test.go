package h2core

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func startPlainServer(t *testing.T) (addr string, srv *ServerCore) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err = NewRawServer(ServerOptions{})
	if err != nil {
		t.Fatalf("NewRawServer: %v", err)
	}
	srv.OnRequest = func(req *IncomingRequest, resp *OutgoingResponse) {
		select {
		case <-req.Ready():
		case <-req.Done():
			return
		}
		resp.SetStatusCode(200)
		resp.Write([]byte("pong"))
		resp.Close()
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.CloseNow() })
	return ln.Addr().String(), srv
}

func TestClientAgentPlainRoundTrip(t *testing.T) {
	addr, _ := startPlainServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	agent := NewClientAgent(ClientOptions{})
	defer agent.Close()

	req, err := agent.Request(RequestOptions{
		Plain:  true,
		Scheme: "http",
		Host:   host,
		Port:   port,
		Path:   "/echo",
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
		if resp.StatusCode() != 200 {
			t.Fatalf("status = %d, want 200", resp.StatusCode())
		}
	case err := <-req.Err():
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestClientAgentCoalescesConcurrentRequestsToOneEndpoint(t *testing.T) {
	addr, _ := startPlainServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	agent := NewClientAgent(ClientOptions{})
	defer agent.Close()

	opts := RequestOptions{Plain: true, Scheme: "http", Host: host, Port: port, Path: "/"}

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
			t.Fatalf("concurrent request failed: %v", err)
		}
	}

	snap := agent.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one installed endpoint, got %d: %v", len(snap), snap)
	}
}
