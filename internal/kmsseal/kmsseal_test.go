package kmsseal

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/zh-labs/confidential-fetch/internal/config"
)

func testSealer(key []byte) *Sealer {
	return &Sealer{
		keyID: "test-key",
		generateDataKey: func(ctx context.Context) ([]byte, []byte, []byte, error) {
			return key, []byte("ciphertext-blob"), []byte("for-recipient"), nil
		},
	}
}

func TestGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("attested response body")

	nonce, ciphertext, err := encryptGCM(key, plaintext)
	if err != nil {
		t.Fatalf("encryptGCM: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := decryptGCM(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decryptGCM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestGCMTamperDetected(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	nonce, ciphertext, err := encryptGCM(key, []byte("body"))
	if err != nil {
		t.Fatalf("encryptGCM: %v", err)
	}
	ciphertext[0] ^= 0xFF
	if _, err := decryptGCM(key, nonce, ciphertext); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestSealEnvelope(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	s := testSealer(key)

	sealed, err := s.Seal(context.Background(), []byte("raw body"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if sealed.CiphertextBlobB64 != base64.StdEncoding.EncodeToString([]byte("ciphertext-blob")) {
		t.Fatalf("ciphertext blob: got %q", sealed.CiphertextBlobB64)
	}

	nonce, err := base64.StdEncoding.DecodeString(sealed.NonceB64)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	body, err := base64.StdEncoding.DecodeString(sealed.EncryptedBodyB64)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}

	got, err := decryptGCM(key, nonce, body)
	if err != nil {
		t.Fatalf("decryptGCM: %v", err)
	}
	if string(got) != "raw body" {
		t.Fatalf("sealed body mismatch: got %q", got)
	}
}

type staticDispatcher struct {
	resp config.EnclaveResponse
}

func (d staticDispatcher) Handle(config.EnclaveRequest) config.EnclaveResponse {
	return d.resp
}

func TestWrapSealsSuccessfulResponses(t *testing.T) {
	s := testSealer(bytes.Repeat([]byte{0x01}, 32))
	d := s.Wrap(staticDispatcher{resp: config.EnclaveResponse{
		Success: true,
		Status:  200,
		RawBody: []byte("body"),
	}})

	resp := d.Handle(config.EnclaveRequest{ID: "req-1"})
	if resp.SealedKey == nil {
		t.Fatal("expected sealed key on successful response")
	}
}

func TestWrapSkipsFailures(t *testing.T) {
	s := testSealer(bytes.Repeat([]byte{0x01}, 32))
	d := s.Wrap(staticDispatcher{resp: config.EnclaveResponse{
		Success: false,
		Status:  403,
		Error:   "Host not allowed: evil.example",
	}})

	resp := d.Handle(config.EnclaveRequest{ID: "req-2"})
	if resp.SealedKey != nil {
		t.Fatal("failure responses must not carry a sealed key")
	}
}

func TestNilSealerWrapIsIdentity(t *testing.T) {
	var s *Sealer
	inner := staticDispatcher{resp: config.EnclaveResponse{Success: true, Status: 200, RawBody: []byte("x")}}
	d := s.Wrap(inner)

	resp := d.Handle(config.EnclaveRequest{})
	if resp.SealedKey != nil {
		t.Fatal("nil sealer must leave responses untouched")
	}
}
