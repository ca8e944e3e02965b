package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zh-labs/confidential-fetch/internal/audit"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/health"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
	"github.com/zh-labs/confidential-fetch/internal/wire"
)

func testTable() config.RouteTable {
	return config.RouteTable{
		Routes: []config.Route{
			{Service: "vies", CID: 16, Port: 5000},
		},
		HostByName: map[string]string{
			"ec.europa.eu": "vies",
		},
	}
}

// fakeEnclave returns a dial function whose peer reads one framed request
// and answers with resp.
func fakeEnclave(t *testing.T, resp config.EnclaveResponse) func(cid, port uint32) (vsock.Conn, error) {
	t.Helper()
	return func(cid, port uint32) (vsock.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			if _, err := wire.ReadRaw(server); err != nil {
				t.Errorf("enclave side failed to read request: %v", err)
				return
			}
			if err := wire.WriteMessage(server, resp); err != nil {
				t.Errorf("enclave side failed to write response: %v", err)
			}
		}()
		return client, nil
	}
}

func postFetch(t *testing.T, r *Router, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/attest/fetch", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, req)
	return w
}

func TestFetchMissingFields(t *testing.T) {
	r := New(testTable(), audit.Nop())

	w := postFetch(t, r, map[string]string{"url": "https://ec.europa.eu/x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing method: expected 400, got %d", w.Code)
	}

	w = postFetch(t, r, map[string]string{"method": "GET"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing url: expected 400, got %d", w.Code)
	}
}

func TestFetchNoRoute(t *testing.T) {
	r := New(testTable(), audit.Nop())

	w := postFetch(t, r, map[string]string{"url": "https://api.stripe.com/v1/charges", "method": "GET"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestFetchForwardsReplyVerbatim(t *testing.T) {
	r := New(testTable(), audit.Nop())
	r.dial = fakeEnclave(t, config.EnclaveResponse{
		Success: true,
		Status:  200,
		RawBody: []byte("upstream says hi"),
	})

	w := postFetch(t, r, map[string]string{"url": "https://ec.europa.eu/vies/check", "method": "POST"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp config.EnclaveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !resp.Success || resp.Status != 200 || string(resp.RawBody) != "upstream says hi" {
		t.Fatalf("reply not forwarded verbatim: %+v", resp)
	}
}

func TestFetchTransportFailure(t *testing.T) {
	r := New(testTable(), audit.Nop())
	r.dial = func(cid, port uint32) (vsock.Conn, error) {
		return nil, errors.New("connection refused")
	}

	w := postFetch(t, r, map[string]string{"url": "https://ec.europa.eu/vies/check", "method": "GET"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp["success"] != false {
		t.Fatalf("expected success=false, got %v", resp["success"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := New(testTable(), audit.Nop())

	for _, tc := range []struct {
		overall bool
		want    int
	}{
		{overall: true, want: http.StatusOK},
		{overall: false, want: http.StatusServiceUnavailable},
	} {
		r.check = func(ctx context.Context, table config.RouteTable) health.Report {
			return health.Report{Overall: tc.overall}
		}
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		r.Engine().ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("overall=%v: expected %d, got %d", tc.overall, tc.want, w.Code)
		}
	}
}

func TestRoutesEndpoint(t *testing.T) {
	r := New(testTable(), audit.Nop())

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		Routes []struct {
			Service string   `json:"service"`
			CID     uint32   `json:"cid"`
			Hosts   []string `json:"hosts"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal routes: %v", err)
	}
	if len(body.Routes) != 1 || body.Routes[0].Service != "vies" || body.Routes[0].CID != 16 {
		t.Fatalf("unexpected routes body: %+v", body)
	}
	if len(body.Routes[0].Hosts) != 1 || body.Routes[0].Hosts[0] != "ec.europa.eu" {
		t.Fatalf("unexpected hosts: %+v", body.Routes[0].Hosts)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	r := New(testTable(), audit.Nop())
	r.dial = fakeEnclave(t, config.EnclaveResponse{Success: true, Status: 200})

	// Drain the burst allowance, then expect a 429.
	var last int
	for i := 0; i < enclaveBurst+1; i++ {
		w := postFetch(t, r, map[string]string{"url": "https://ec.europa.eu/x", "method": "GET"})
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst drained, got %d", last)
	}
}
