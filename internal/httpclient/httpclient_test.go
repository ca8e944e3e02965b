package httpclient

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestBuildRequestOverlay(t *testing.T) {
	wire := string(buildRequest(Request{
		Method:   "POST",
		Hostname: "ec.europa.eu",
		Path:     "/vies/check",
		Headers: []HeaderField{
			{Name: "Host", Value: "evil.example"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "Content-Type", Value: "text/xml;charset=UTF-8"},
		},
		Body: []byte("<Envelope/>"),
	}))

	if !strings.HasPrefix(wire, "POST /vies/check HTTP/1.1\r\n") {
		t.Fatalf("bad request line: %q", wire)
	}
	if strings.Contains(wire, "evil.example") || strings.Contains(wire, "keep-alive") {
		t.Fatalf("caller-supplied Host/Connection not discarded: %q", wire)
	}
	if !strings.Contains(wire, "Host: ec.europa.eu\r\n") {
		t.Fatalf("missing overlaid Host header: %q", wire)
	}
	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Fatalf("missing overlaid Connection header: %q", wire)
	}
	if !strings.Contains(wire, "Content-Length: 11\r\n") {
		t.Fatalf("missing Content-Length: %q", wire)
	}
	if !strings.HasSuffix(wire, "\r\n\r\n<Envelope/>") {
		t.Fatalf("body not appended after blank line: %q", wire)
	}
}

func TestBuildRequestEmptyPath(t *testing.T) {
	wire := string(buildRequest(Request{Method: "GET", Hostname: "h", Path: ""}))
	if !strings.HasPrefix(wire, "GET / HTTP/1.1\r\n") {
		t.Fatalf("empty path should default to /: %q", wire)
	}
}

func TestParseResponseSimple(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Custom: a: b\r\n" +
		"\r\n" +
		`{"ok":true}`

	resp, err := parseResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status: got %d, want 200", resp.Status)
	}
	if v, ok := resp.HeaderValue("content-type"); !ok || v != "application/json" {
		t.Fatalf("content-type: got %q ok=%v", v, ok)
	}
	// Header values split at the first colon only.
	if v, _ := resp.HeaderValue("x-custom"); v != "a: b" {
		t.Fatalf("x-custom: got %q", v)
	}
	if string(resp.RawBody) != `{"ok":true}` {
		t.Fatalf("body: got %q", resp.RawBody)
	}
}

func TestParseResponseMultibyteBody(t *testing.T) {
	// The header separator must be found at the byte level even when the
	// body is multi-byte UTF-8.
	body := "Grüße — €100 ✓"
	raw := "HTTP/1.1 200 OK\r\n\r\n" + body

	resp, err := parseResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if string(resp.RawBody) != body {
		t.Fatalf("body: got %q, want %q", resp.RawBody, body)
	}
}

func TestParseResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"7\r\n, world\r\n" +
		"0\r\n\r\n"

	resp, err := parseResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if string(resp.RawBody) != "hello, world" {
		t.Fatalf("dechunked body: got %q", resp.RawBody)
	}
}

func TestParseResponseChunkedWithExtension(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"4;name=value\r\nabcd\r\n" +
		"0\r\n\r\n"

	resp, err := parseResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if string(resp.RawBody) != "abcd" {
		t.Fatalf("body: got %q", resp.RawBody)
	}
}

func TestParseResponseReplacesInvalidUTF8(t *testing.T) {
	// A latin-1 body: 0xE9 is not valid UTF-8 and must come back as U+FFFD.
	raw := "HTTP/1.1 200 OK\r\n\r\ncaf\xe9 r\xe9sum\xe9"

	resp, err := parseResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	want := "caf� r�sum�"
	if string(resp.RawBody) != want {
		t.Fatalf("body: got %q, want %q", resp.RawBody, want)
	}
}

func TestParseResponseMalformedStatus(t *testing.T) {
	raw := "NOT-HTTP 200 OK\r\n\r\nbody"
	_, err := parseResponse(strings.NewReader(raw))
	if err != ErrMalformedStatus {
		t.Fatalf("expected ErrMalformedStatus, got %v", err)
	}
}

func TestFetchOverPipe(t *testing.T) {
	response := "HTTP/1.1 201 Created\r\nContent-Type: text/plain\r\n\r\ncreated"

	dial := Dialer(func() (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			// Read until the request's terminating blank line, then reply.
			buf := make([]byte, 4096)
			var got bytes.Buffer
			for !bytes.Contains(got.Bytes(), []byte("\r\n\r\n")) {
				n, err := server.Read(buf)
				if err != nil {
					return
				}
				got.Write(buf[:n])
			}
			server.Write([]byte(response))
		}()
		return client, nil
	})

	resp, err := Fetch(dial, Request{Method: "GET", Hostname: "h.example", Path: "/x"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != 201 || string(resp.RawBody) != "created" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSplitURL(t *testing.T) {
	for _, tc := range []struct {
		url      string
		hostname string
		path     string
	}{
		{"https://ec.europa.eu/vies/check?a=1&b=2", "ec.europa.eu", "/vies/check?a=1&b=2"},
		{"https://api.stripe.com/v1/charges", "api.stripe.com", "/v1/charges"},
		{"http://host.example", "host.example", "/"},
		{"https://host.example:8443/p", "host.example", "/p"},
	} {
		hostname, path, err := SplitURL(tc.url)
		if err != nil {
			t.Fatalf("SplitURL(%q): %v", tc.url, err)
		}
		if hostname != tc.hostname || path != tc.path {
			t.Fatalf("SplitURL(%q): got (%q, %q), want (%q, %q)",
				tc.url, hostname, path, tc.hostname, tc.path)
		}
	}
}
