package h2frame

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestEndpointHandshakeAndHeaders(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	client := NewEndpoint(nil, RoleClient, Settings{}, cconn)
	server := NewEndpoint(nil, RoleServer, Settings{}, sconn)

	go server.Serve()
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	go client.Serve()

	cstream, err := client.CreateStream()
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
	if err := cstream.SendHeaders(fields, true); err != nil {
		t.Fatalf("send headers: %v", err)
	}

	select {
	case st := <-server.NewStreams:
		got := <-st.Headers
		if len(got) != len(fields) {
			t.Fatalf("got %d fields, want %d", len(got), len(fields))
		}
		if got[0].Name != ":method" || got[0].Value != "GET" {
			t.Fatalf("unexpected first field: %+v", got[0])
		}
		select {
		case <-st.End:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stream end")
		}
	case err := <-server.Errors:
		t.Fatalf("server error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for new stream")
	}
}

func TestEndpointDataRoundTrip(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	client := NewEndpoint(nil, RoleClient, Settings{}, cconn)
	server := NewEndpoint(nil, RoleServer, Settings{}, sconn)

	go server.Serve()
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	go client.Serve()

	cstream, _ := client.CreateStream()
	fields := []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/upload"},
	}
	if err := cstream.SendHeaders(fields, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	payload := []byte("hello h2")
	if err := cstream.WriteData(payload, true); err != nil {
		t.Fatalf("write data: %v", err)
	}

	select {
	case st := <-server.NewStreams:
		<-st.Headers
		var got []byte
		done := false
		for !done {
			select {
			case chunk := <-st.Data:
				got = append(got, chunk...)
			case <-st.End:
				done = true
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for data")
			}
		}
		if string(got) != string(payload) {
			t.Fatalf("got %q want %q", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream")
	}
}

var _ io.Closer = (*Endpoint)(nil)
