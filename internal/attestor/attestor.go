// Package attestor composes response-hash + endpoint +
// timestamp into a nonce, calling the NSM client for a signed attestation,
// and assembling the attestation document returned to the caller.
package attestor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zh-labs/confidential-fetch/internal/nsm"
)

// Document is the attestation envelope returned alongside every fetched
// response.
type Document struct {
	AttestationID  string  `json:"attestation_id"`
	ResponseHash   string  `json:"response_hash"`
	RequestHash    string  `json:"request_hash"`
	APIEndpoint    string  `json:"api_endpoint"`
	APIMethod      string  `json:"api_method"`
	Timestamp      int64   `json:"timestamp"`
	NSMDocumentB64 string  `json:"nsm_document"`
	PCRs           PCRs    `json:"pcrs"`
	Nonce          string  `json:"nonce"`
}

// PCRs holds the hex-encoded PCR0-PCR2 values lifted from the COSE payload.
type PCRs struct {
	PCR0 string `json:"pcr0"`
	PCR1 string `json:"pcr1"`
	PCR2 string `json:"pcr2"`
}

// Header is one caller-supplied header, kept in the order it was received
// so that request_hash is reproducible by the verifier.
type Header struct {
	Name  string
	Value string
}

// OrderedHeaders marshals to JSON using the caller's original insertion
// order, with no inserted whitespace — Go's encoding/json would otherwise
// sort a map's keys, which would silently change request_hash's input.
type OrderedHeaders []Header

func (h OrderedHeaders) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Attestor signs confidential-fetch responses using an NSM client.
type Attestor struct {
	nsm *nsm.Client
	now func() time.Time
}

// New returns an Attestor backed by a fresh NSM client.
func New() *Attestor {
	return &Attestor{nsm: nsm.New(), now: time.Now}
}

// NewWithClient returns an Attestor backed by a caller-supplied NSM client
// and clock, used by tests to avoid depending on real enclave hardware.
func NewWithClient(client *nsm.Client, now func() time.Time) *Attestor {
	return &Attestor{nsm: client, now: now}
}

// ResponseHash computes SHA-256(rawBody), hex.
func ResponseHash(rawBody []byte) string {
	h := sha256.Sum256(rawBody)
	return hex.EncodeToString(h[:])
}

// RequestHash computes SHA-256(url || "|" || method || "|" || json(headers)),
// hex. json(headers) keeps the caller's header order.
func RequestHash(url, method string, headers OrderedHeaders) (string, error) {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("attestor: failed to serialise headers: %w", err)
	}
	input := url + "|" + method + "|" + string(headerJSON)
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:]), nil
}

// Nonce computes SHA-256(responseHash || apiEndpoint || decimal(timestamp)),
// hex. It binds the attestation to one specific response, not to freshness.
func Nonce(responseHash, apiEndpoint string, timestamp int64) string {
	input := responseHash + apiEndpoint + strconv.FormatInt(timestamp, 10)
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:])
}

// Attest composes and signs an attestation document for one confidential
// fetch.
func (a *Attestor) Attest(apiEndpoint, apiMethod string, rawBody []byte, url string, headers OrderedHeaders) (*Document, error) {
	timestamp := a.now().Unix()
	attestationID := "enc-" + uuid.NewString()

	responseHash := ResponseHash(rawBody)
	requestHash, err := RequestHash(url, apiMethod, headers)
	if err != nil {
		return nil, err
	}
	nonce := Nonce(responseHash, apiEndpoint, timestamp)

	nsmDoc, err := a.nsm.Attest(nonce)
	if err != nil {
		return nil, fmt.Errorf("attestor: NSM attestation failed: %w", err)
	}

	return &Document{
		AttestationID:  attestationID,
		ResponseHash:   responseHash,
		RequestHash:    requestHash,
		APIEndpoint:    apiEndpoint,
		APIMethod:      apiMethod,
		Timestamp:      timestamp,
		NSMDocumentB64: nsmDoc.NSMDocumentB64,
		PCRs: PCRs{
			PCR0: nsmDoc.PCR0,
			PCR1: nsmDoc.PCR1,
			PCR2: nsmDoc.PCR2,
		},
		Nonce: nonce,
	}, nil
}
