package attestor

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/hf/nsm/request"
	"github.com/hf/nsm/response"

	"github.com/zh-labs/confidential-fetch/internal/nsm"
)

// stubSession is a fake /dev/nsm session that always returns a fixed,
// non-COSE document: good enough to exercise Attest's composition logic
// without a real enclave. PCR extraction is expected to fail gracefully
// against it (covered directly in internal/nsm's own tests).
type stubSession struct{}

func (stubSession) Send(_ request.Request) (response.Response, error) {
	return response.Response{
		Attestation: &response.AttestationResponse{Document: []byte("stub-cose-document")},
	}, nil
}

func (stubSession) Close() error { return nil }

func TestResponseHashMatchesSHA256(t *testing.T) {
	body := []byte("hello world")
	want := sha256.Sum256(body)
	if got := ResponseHash(body); got != hex.EncodeToString(want[:]) {
		t.Fatalf("ResponseHash mismatch: got %s", got)
	}
}

func TestRequestHashPreservesHeaderOrder(t *testing.T) {
	h1 := OrderedHeaders{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}
	h2 := OrderedHeaders{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}

	r1, err := RequestHash("https://example.com/x", "GET", h1)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	r2, err := RequestHash("https://example.com/x", "GET", h2)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	if r1 == r2 {
		t.Fatalf("expected different hashes for different header order")
	}
}

func TestRequestHashIsDeterministicSHA256(t *testing.T) {
	headers := OrderedHeaders{{Name: "accept", Value: "application/json"}}
	headerJSON := `{"accept":"application/json"}`
	input := "https://example.com/x" + "|" + "GET" + "|" + headerJSON
	want := sha256.Sum256([]byte(input))

	got, err := RequestHash("https://example.com/x", "GET", headers)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("RequestHash mismatch: got %s want %s", got, hex.EncodeToString(want[:]))
	}
}

func TestNonceBindsResponseHashEndpointAndTimestamp(t *testing.T) {
	responseHash := ResponseHash([]byte("body"))
	endpoint := "example.com/path"
	var ts int64 = 1700000000

	want := sha256.Sum256([]byte(responseHash + endpoint + strconv.FormatInt(ts, 10)))
	got := Nonce(responseHash, endpoint, ts)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("Nonce mismatch")
	}

	if Nonce(responseHash, endpoint, ts+1) == got {
		t.Fatalf("expected nonce to change when timestamp changes")
	}
}

func TestAttestComposesDocument(t *testing.T) {
	fixedNow := time.Unix(1700000000, 0)
	client := nsm.NewWithSession(func() (nsm.Session, error) {
		return stubSession{}, nil
	})
	a := NewWithClient(client, func() time.Time { return fixedNow })

	headers := OrderedHeaders{{Name: "accept", Value: "application/json"}}
	doc, err := a.Attest("example.com/path", "GET", []byte("body"), "https://example.com/path", headers)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	if doc.Timestamp != fixedNow.Unix() {
		t.Fatalf("unexpected timestamp %d", doc.Timestamp)
	}
	if doc.ResponseHash != ResponseHash([]byte("body")) {
		t.Fatalf("unexpected response hash")
	}
	wantNonce := Nonce(doc.ResponseHash, "example.com/path", fixedNow.Unix())
	if doc.Nonce != wantNonce {
		t.Fatalf("nonce mismatch: got %s want %s", doc.Nonce, wantNonce)
	}
	if doc.NSMDocumentB64 == "" {
		t.Fatalf("expected a populated NSM document")
	}
}
