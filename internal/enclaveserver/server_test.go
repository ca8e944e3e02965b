package enclaveserver

import (
	"net"
	"testing"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/wire"
)

type fakeDispatcher struct {
	resp  config.EnclaveResponse
	panic any
}

func (f *fakeDispatcher) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	if f.panic != nil {
		panic(f.panic)
	}
	return f.resp
}

func TestHandleConnRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{Dispatcher: &fakeDispatcher{resp: config.EnclaveResponse{Success: true, Status: 200, RawBody: []byte("ok")}}}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	if err := wire.WriteMessage(client, config.EnclaveRequest{ID: "r1", URL: "https://example.com", Method: "GET"}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var resp config.EnclaveResponse
	if err := wire.ReadMessage(client, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	<-done

	if !resp.Success || resp.Status != 200 || string(resp.RawBody) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleConnRecoversFromHandlerPanic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{Dispatcher: &fakeDispatcher{panic: "boom"}}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	if err := wire.WriteMessage(client, config.EnclaveRequest{ID: "r2", URL: "https://example.com", Method: "GET"}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var resp config.EnclaveResponse
	if err := wire.ReadMessage(client, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	<-done

	if resp.Success {
		t.Fatalf("expected success=false after a handler panic")
	}
	if resp.Status != 500 {
		t.Fatalf("expected status 500, got %d", resp.Status)
	}
}

func TestHandleConnMalformedRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{Dispatcher: &fakeDispatcher{}}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	if err := wire.WriteRaw(client, []byte("not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	var resp config.EnclaveResponse
	if err := wire.ReadMessage(client, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	<-done

	if resp.Success {
		t.Fatalf("expected success=false for malformed request body")
	}
}
