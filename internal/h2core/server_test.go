package h2core

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/baranov-labs/h2session/internal/h2frame"
)

// pipeListener turns a single net.Pipe pair into a one-shot net.Listener so
// ServerCore.Serve can be driven without a real TCP socket.
type pipeListener struct {
	ch chan net.Conn
}

func newPipeListener(conn net.Conn) *pipeListener {
	ch := make(chan net.Conn, 1)
	ch <- conn
	return &pipeListener{ch: ch}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	c, ok := <-l.ch
	if !ok {
		return nil, io.EOF
	}
	return c, nil
}
func (l *pipeListener) Close() error { close(l.ch); return nil }
func (l *pipeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "pipe" }
func (fakeAddr) String() string  { return "pipe" }

func TestServerCorePlainModeRoundTrip(t *testing.T) {
	cconn, sconn := net.Pipe()

	srv, err := NewRawServer(ServerOptions{})
	if err != nil {
		t.Fatalf("NewRawServer: %v", err)
	}

	type received struct {
		req  *IncomingRequest
		resp *OutgoingResponse
	}
	gotCh := make(chan received, 1)
	srv.OnRequest = func(req *IncomingRequest, resp *OutgoingResponse) {
		gotCh <- received{req, resp}
	}

	ln := newPipeListener(sconn)
	go srv.Serve(ln)
	defer srv.CloseNow()

	client := h2frame.NewEndpoint(nil, h2frame.RoleClient, h2frame.Settings{}, cconn)
	if err := client.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	go client.Serve()
	defer client.Close()

	stream, err := client.CreateStream()
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/ping"},
	}
	if err := stream.SendHeaders(fields, true); err != nil {
		t.Fatalf("send headers: %v", err)
	}

	select {
	case got := <-gotCh:
		select {
		case <-got.req.Ready():
		case <-time.After(time.Second):
			t.Fatal("request never became ready")
		}
		if got.req.Method() != "GET" || got.req.URL().Path != "/ping" {
			t.Fatalf("unexpected request: method=%s path=%s", got.req.Method(), got.req.URL().Path)
		}
		got.resp.SetStatusCode(204)
		if err := got.resp.Close(); err != nil {
			t.Fatalf("close response: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnRequest")
	}

	select {
	case block := <-stream.Headers:
		var status string
		for _, f := range block {
			if f.Name == ":status" {
				status = f.Value
			}
		}
		if status != "204" {
			t.Fatalf("status = %q, want 204", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response headers")
	}
}
