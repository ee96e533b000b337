package h2core

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/kr/pretty"

	"github.com/baranov-labs/h2session/internal/h2frame"
)

func pipeEndpoints(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	cconn, sconn := net.Pipe()
	client := h2frame.NewEndpoint(nil, h2frame.RoleClient, h2frame.Settings{}, cconn)
	server := h2frame.NewEndpoint(nil, h2frame.RoleServer, h2frame.Settings{}, sconn)
	go server.Serve()
	if err := client.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	go client.Serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestIncomingRequestExtractsPseudoHeaders(t *testing.T) {
	client, server := pipeEndpoints(t)

	cstream, err := client.CreateStream()
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/widgets"},
		{Name: "accept", Value: "application/json"},
	}
	if err := cstream.SendHeaders(fields, true); err != nil {
		t.Fatalf("send headers: %v", err)
	}

	var sstream *h2frame.Stream
	select {
	case sstream = <-server.NewStreams:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream")
	}

	req := NewIncomingRequest(sstream, nil)
	select {
	case <-req.Ready():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready")
	}

	if req.Method() != "GET" {
		t.Errorf("method = %q, want GET", req.Method())
	}
	if req.Scheme() != "https" {
		t.Errorf("scheme = %q, want https", req.Scheme())
	}
	if req.Host() != "example.com" {
		t.Errorf("host = %q, want example.com", req.Host())
	}
	if req.URL() == nil || req.URL().Path != "/widgets" {
		t.Errorf("url = %v, want /widgets", req.URL())
	}
	if got := req.Headers()["accept"]; len(got) != 1 || got[0] != "application/json" {
		t.Errorf("accept header = %v", got)
	}
	if got := req.Headers()["host"]; len(got) != 1 || got[0] != "example.com" {
		t.Errorf("synthesized host header = %v, want [example.com]", got)
	}
	for k := range req.Headers() {
		if len(k) > 0 && k[0] == ':' {
			t.Errorf("Headers() leaked pseudo-header %q", k)
		}
	}
}

func TestIncomingRequestForbiddenHeaderResetsStream(t *testing.T) {
	client, server := pipeEndpoints(t)

	cstream, _ := client.CreateStream()
	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
		{Name: "connection", Value: "keep-alive"},
	}
	if err := cstream.SendHeaders(fields, true); err != nil {
		t.Fatalf("send headers: %v", err)
	}

	var sstream *h2frame.Stream
	select {
	case sstream = <-server.NewStreams:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream")
	}

	req := NewIncomingRequest(sstream, nil)
	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for done")
	}
	select {
	case <-req.Ready():
		t.Fatal("request should never become ready")
	default:
	}
	if req.Err() == nil {
		t.Fatal("expected a protocol error")
	}
	if _, ok := req.Err().(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", req.Err())
	}
}

func TestIncomingMessageTrailers(t *testing.T) {
	client, server := pipeEndpoints(t)

	cstream, _ := client.CreateStream()
	fields := []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
	if err := cstream.SendHeaders(fields, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	if err := cstream.WriteData([]byte("body"), false); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := cstream.SendHeaders([]HeaderField{{Name: "x-checksum", Value: "abc"}}, true); err != nil {
		t.Fatalf("send trailers: %v", err)
	}

	var sstream *h2frame.Stream
	select {
	case sstream = <-server.NewStreams:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream")
	}

	req := NewIncomingRequest(sstream, nil)
	select {
	case <-req.Ready():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready")
	}

	body, err := io.ReadAll(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "body" {
		t.Fatalf("body = %q, want %q", body, "body")
	}
	trailers := req.Trailers()
	want := map[string][]string{"x-checksum": {"abc"}}
	if diff := pretty.Diff(trailers, want); len(diff) > 0 {
		t.Fatalf("trailers mismatch:\n%s", pretty.Sprint(diff))
	}
}

func TestOutgoingMessageRejectsSetHeaderAfterSend(t *testing.T) {
	client, server := pipeEndpoints(t)

	cstream, _ := client.CreateStream()
	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
	if err := cstream.SendHeaders(fields, true); err != nil {
		t.Fatalf("send headers: %v", err)
	}

	var sstream *h2frame.Stream
	select {
	case sstream = <-server.NewStreams:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream")
	}

	resp, err := NewOutgoingResponse(sstream, nil, nil)
	if err != nil {
		t.Fatalf("new outgoing response: %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := resp.SetHeader("x-late", "value"); err == nil {
		t.Fatal("expected SetHeader to fail after headers sent")
	} else if _, ok := err.(*UsageError); !ok {
		t.Fatalf("expected *UsageError, got %T", err)
	}
}

func TestOutgoingMessageForbidsSettingHost(t *testing.T) {
	req := NewOutgoingRequest(nil)
	if err := req.SetHeader("host", "example.com"); err == nil {
		t.Fatal("expected SetHeader(host, ...) to fail outbound")
	}
}
