// Package kmsseal implements the optional KMS-sealed response export: when
// a sealing key is configured, every successful enclave response with a
// non-empty raw body also carries a sealed_key envelope holding a copy of
// that body AES-GCM-encrypted under a KMS data key generated against this
// enclave's own attestation document. The response's raw_body itself is
// left unencrypted, so the attestation over it stays verifiable.
package kmsseal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/handler"
)

// Environment variables enabling and configuring the sealer.
const (
	EnvKeyID  = "KMS_SEAL_KEY_ID"
	EnvRegion = "KMS_SEAL_REGION"
)

// Sealer seals response bodies under a KMS data key bound to this
// enclave's attestation document.
type Sealer struct {
	keyID  string
	region string

	// generateDataKey is overridable for tests; the default path goes
	// through the real enclave handle and KMS.
	generateDataKey func(ctx context.Context) (plaintext, ciphertextBlob, ciphertextForRecipient []byte, err error)
}

// FromEnv returns a configured Sealer, or nil when KMS_SEAL_KEY_ID is
// unset (sealing disabled; responses pass through untouched).
func FromEnv() *Sealer {
	keyID := os.Getenv(EnvKeyID)
	if keyID == "" {
		return nil
	}
	region := os.Getenv(EnvRegion)
	if region == "" {
		region = "us-east-2"
	}
	s := &Sealer{keyID: keyID, region: region}
	s.generateDataKey = s.kmsDataKey
	log.WithField("key_id", keyID).Info("kmsseal: response sealing enabled")
	return s
}

// kmsDataKey asks KMS for a fresh AES-256 data key, handing it our
// attestation document as the Recipient so the plaintext key comes back
// wrapped to this enclave alone, then unwraps it with the enclave handle.
func (s *Sealer) kmsDataKey(ctx context.Context) ([]byte, []byte, []byte, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "kmsseal: failed to load AWS config")
	}

	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "kmsseal: failed to initialise enclave handle")
	}

	attestationDocument, err := handle.Attest(enclave.AttestationOptions{})
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "kmsseal: attestation for KMS recipient failed")
	}

	kmsClient := kms.NewFromConfig(cfg)
	res, err := kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.keyID),
		KeySpec: types.DataKeySpecAes256,
		Recipient: &types.RecipientInfoType{
			AttestationDocument:    attestationDocument,
			KeyEncryptionAlgorithm: types.EncryptionAlgorithmSpecRsaesOaepSha256,
		},
	})
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "kmsseal: GenerateDataKey failed")
	}

	key, err := handle.DecryptKMSEnvelopedKey(res.CiphertextForRecipient)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "kmsseal: failed to unwrap recipient key")
	}

	return key, res.CiphertextBlob, res.CiphertextForRecipient, nil
}

// Seal encrypts body under a freshly generated data key and returns the
// envelope handed back to the caller alongside the attestation.
func (s *Sealer) Seal(ctx context.Context, body []byte) (*config.SealedKey, error) {
	key, blob, forRecipient, err := s.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	nonce, sealed, err := encryptGCM(key, body)
	if err != nil {
		return nil, err
	}

	return &config.SealedKey{
		CiphertextBlobB64:         base64.StdEncoding.EncodeToString(blob),
		CiphertextForRecipientB64: base64.StdEncoding.EncodeToString(forRecipient),
		EncryptedBodyB64:          base64.StdEncoding.EncodeToString(sealed),
		NonceB64:                  base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// encryptGCM AES-GCM-encrypts plaintext under key with a random nonce.
func encryptGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "kmsseal: invalid data key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.Wrap(err, "kmsseal: failed to build GCM")
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "kmsseal: failed to draw nonce")
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decryptGCM reverses encryptGCM; used by this package's tests.
func decryptGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "kmsseal: invalid data key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "kmsseal: failed to build GCM")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Wrap decorates a dispatcher so that every successful response is sealed
// before leaving the enclave. A sealing failure is logged and the response
// passes through unsealed; the attestation itself is unaffected. A nil
// Sealer returns d unchanged.
func (s *Sealer) Wrap(d handler.Dispatcher) handler.Dispatcher {
	if s == nil {
		return d
	}
	return &sealingDispatcher{inner: d, sealer: s}
}

type sealingDispatcher struct {
	inner  handler.Dispatcher
	sealer *Sealer
}

func (s *sealingDispatcher) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	resp := s.inner.Handle(req)
	if !resp.Success || len(resp.RawBody) == 0 {
		return resp
	}

	sealed, err := s.sealer.Seal(context.Background(), resp.RawBody)
	if err != nil {
		log.WithError(err).WithField("request_id", req.ID).Warn("kmsseal: sealing failed; returning unsealed response")
		return resp
	}
	resp.SealedKey = sealed
	return resp
}
