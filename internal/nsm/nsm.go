// Package nsm is the client for the Nitro Security Module: it builds
// the CBOR Attestation request, performs the single ioctl against
// /dev/nsm, and decodes the COSE_Sign1 reply to lift out PCR0-PCR2.
//
// The ioctl and request/response CBOR envelope are handled by
// github.com/hf/nsm, which implements the
// {"Attestation": {"nonce": ..., "user_data": null, "public_key": null}}
// request shape the device expects. github.com/hf/nitrite decodes the
// resulting COSE_Sign1 payload to recover the PCR table.
package nsm

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/hf/nitrite"
	hfnsm "github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/hf/nsm/response"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrAttestationInternal wraps any failure to obtain or decode an
// attestation document, surfaced to callers as AttestationInternalError.
var ErrAttestationInternal = errors.New("nsm: attestation internal error")

// Document is the result of one attestation call: the canonical,
// base64-encoded COSE_Sign1 blob plus whatever PCR0-PCR2 values could be
// lifted from it. PCRs are empty strings, not an error, if extraction
// fails; the canonical nsm_document is always authoritative and verifiers
// reparse it.
type Document struct {
	// NSMDocumentB64 is the base64 encoding of the raw COSE_Sign1 bytes
	// returned by the hypervisor.
	NSMDocumentB64 string
	PCR0           string
	PCR1           string
	PCR2           string
}

// Client opens one NSM session per Attest call. /dev/nsm serialises
// requests at the kernel level, so a Client is safe to reuse sequentially,
// never concurrently.
type Client struct {
	openSession func() (Session, error)
}

// Session is the subset of *hfnsm.Session this package needs, exported so
// callers (and this package's own tests) can substitute a fake /dev/nsm.
type Session interface {
	Send(req request.Request) (response.Response, error)
	Close() error
}

// New returns a Client that opens a fresh /dev/nsm session per call,
// mirroring hf/nsm.OpenDefaultSession's own lifecycle (open, send, close).
func New() *Client {
	return &Client{
		openSession: func() (Session, error) {
			return hfnsm.OpenDefaultSession()
		},
	}
}

// NewWithSession returns a Client that uses opener instead of the real
// /dev/nsm device — used by tests elsewhere in this module that need a
// deterministic attestation pipeline without hardware.
func NewWithSession(opener func() (Session, error)) *Client {
	return &Client{openSession: opener}
}

// Attest asks the hypervisor for an attestation document binding the given
// hex-encoded nonce. The hex nonce is decoded into raw bytes to match the
// wire shape of request.Attestation.Nonce, which wants raw bytes.
func (c *Client) Attest(nonceHex string) (*Document, error) {
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, errors.Wrap(err, "nsm: nonce is not valid hex")
	}

	sess, err := c.openSession()
	if err != nil {
		return nil, errors.Wrap(ErrAttestationInternal, err.Error())
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.WithError(cerr).Warn("nsm: failed to close session")
		}
	}()

	// hf/nsm has a known quirk where Send can return a non-nil error even
	// though the attestation document was produced; check res.Attestation
	// before sendErr.
	res, sendErr := sess.Send(&request.Attestation{
		Nonce:     nonce,
		UserData:  nil,
		PublicKey: nil,
	})

	if res.Attestation == nil || res.Attestation.Document == nil {
		if sendErr != nil {
			return nil, errors.Wrap(ErrAttestationInternal, sendErr.Error())
		}
		if res.Error != "" {
			return nil, errors.Wrap(ErrAttestationInternal, string(res.Error))
		}
		return nil, errors.Wrap(ErrAttestationInternal, "NSM device returned no attestation document")
	}

	raw := res.Attestation.Document
	doc := &Document{
		NSMDocumentB64: base64.StdEncoding.EncodeToString(raw),
	}

	if pcrs, err := extractPCRs(raw); err != nil {
		log.WithError(err).Warn("nsm: failed to extract PCRs from COSE payload; leaving PCR fields empty")
	} else {
		doc.PCR0 = pcrs[0]
		doc.PCR1 = pcrs[1]
		doc.PCR2 = pcrs[2]
	}

	return doc, nil
}

// extractPCRs decodes the COSE_Sign1 document and returns PCR0-PCR2 as
// lowercase hex. nitrite.Verify is tried first, but its certificate-chain
// verification can fail inside an enclave (no reliable wall clock at
// boot), so a raw CBOR parse of the COSE payload is the fallback — the
// verifier on the caller side re-verifies the signature anyway.
func extractPCRs(raw []byte) (map[int]string, error) {
	if res, err := nitrite.Verify(raw, nitrite.VerifyOptions{}); err == nil && res != nil && res.Document != nil {
		return pcrHex(res.Document.PCRs), nil
	}
	pcrs, err := rawPCRs(raw)
	if err != nil {
		return nil, err
	}
	return pcrHex(pcrs), nil
}

func pcrHex(pcrs map[uint][]byte) map[int]string {
	out := map[int]string{}
	for i := 0; i < 3; i++ {
		if v, ok := pcrs[uint(i)]; ok {
			out[i] = hex.EncodeToString(v)
		} else {
			out[i] = ""
		}
	}
	return out
}

// coseSign1 is the four-element COSE_Sign1 array; the leading CBOR tag 18
// is optional.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// attestationPayload is the subset of the NSM document payload needed for
// PCR extraction.
type attestationPayload struct {
	PCRs map[uint][]byte `cbor:"pcrs"`
}

// rawPCRs parses the COSE_Sign1 structure without verifying its signature
// and lifts the pcrs table out of the payload.
func rawPCRs(raw []byte) (map[uint][]byte, error) {
	body := raw
	var tagged cbor.RawTag
	if err := cbor.Unmarshal(raw, &tagged); err == nil && tagged.Number == 18 {
		body = tagged.Content
	}

	var sign1 coseSign1
	if err := cbor.Unmarshal(body, &sign1); err != nil {
		return nil, fmt.Errorf("nsm: failed to decode COSE_Sign1 structure: %w", err)
	}

	var payload attestationPayload
	if err := cbor.Unmarshal(sign1.Payload, &payload); err != nil {
		return nil, fmt.Errorf("nsm: failed to decode attestation payload: %w", err)
	}
	if payload.PCRs == nil {
		return nil, fmt.Errorf("nsm: attestation payload carries no pcrs table")
	}
	return payload.PCRs, nil
}
