// Package config holds the data model shared by every enclave binary: the
// wire shapes for enclave requests and responses, and the compile-time
// allowlist each image is built with. Handlers and allowlists are baked
// into the image, never loaded at runtime, so both are covered by PCR0.
package config

import "github.com/zh-labs/confidential-fetch/internal/attestor"

// Transport is an allowlist entry's outbound connection mode.
type Transport string

const (
	TransportTLS   Transport = "tls"
	TransportPlain Transport = "plain"
)

// AllowlistEntry is one {hostname, proxy_port, transport} triple. The set
// of entries for a given enclave image is fixed at compile time.
type AllowlistEntry struct {
	Hostname  string    `json:"hostname"`
	ProxyPort uint32    `json:"proxy_port"`
	Transport Transport `json:"transport"`
}

// HeaderField is one header as received from the caller, in order.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers preserves insertion order end to end, since it feeds directly
// into attestor.RequestHash.
type Headers []HeaderField

// ToOrdered converts to the attestor package's ordered-header type.
func (h Headers) ToOrdered() attestor.OrderedHeaders {
	out := make(attestor.OrderedHeaders, len(h))
	for i, f := range h {
		out[i] = attestor.Header{Name: f.Name, Value: f.Value}
	}
	return out
}

// Get returns the first header value matching name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if equalFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// EnclaveRequest is the payload an enclave's accept loop reads off
// one framed vsock connection.
type EnclaveRequest struct {
	ID      string  `json:"id,omitempty"`
	URL     string  `json:"url"`
	Method  string  `json:"method"`
	Headers Headers `json:"headers,omitempty"`
	Body    []byte  `json:"body,omitempty"`
}

// EnclaveResponse is the payload written back over the framed vsock
// connection. Attestation is omitted entirely (not merely null) when
// Success is false.
type EnclaveResponse struct {
	Success     bool                `json:"success"`
	Status      int                 `json:"status"`
	Headers     Headers             `json:"headers,omitempty"`
	RawBody     []byte              `json:"raw_body,omitempty"`
	Error       string              `json:"error,omitempty"`
	Attestation *attestor.Document  `json:"attestation,omitempty"`
	// SealedKey is set only when the optional KMS-sealing supplement
	// (internal/kmsseal) is enabled for this image; ignored by any verifier
	// that doesn't know about it.
	SealedKey *SealedKey `json:"sealed_key,omitempty"`
}

// SealedKey is the optional KMS data-key envelope attached when response
// sealing is enabled.
type SealedKey struct {
	// CiphertextBlobB64 is the KMS-wrapped data key; a caller with Decrypt
	// permission on the sealing key unwraps it to read encrypted_body.
	CiphertextBlobB64 string `json:"ciphertext_blob_b64"`
	// CiphertextForRecipientB64 is the same key wrapped to this enclave's
	// attested public key, kept for audit parity with the KMS response.
	CiphertextForRecipientB64 string `json:"ciphertext_for_recipient_b64"`
	EncryptedBodyB64          string `json:"encrypted_body_b64"`
	NonceB64                  string `json:"nonce_b64"`
}

// Failure builds an EnclaveResponse for a failed fetch: no attestation, no
// raw body, error and status set.
func Failure(status int, err error) EnclaveResponse {
	return EnclaveResponse{Success: false, Status: status, Error: err.Error()}
}
