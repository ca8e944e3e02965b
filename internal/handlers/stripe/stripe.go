// Package stripe implements the Stripe payments-listing custom handler. The operation names a fixed REST
// path; the fetch itself always goes over the enclave's own HTTP/1.1
// micro-client (internal/httpclient) so the TLS handshake and the bytes on
// the wire stay inside the attested boundary — stripe-go is used only to
// typed-decode and validate the JSON body we already have, never to make
// the request itself.
package stripe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v80"
	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/attestor"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/fieldcodec"
	"github.com/zh-labs/confidential-fetch/internal/httpclient"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
)

// Schema is the attested field layout for payment listings.
var Schema = fieldcodec.Schema{
	{Name: "operation", Encoding: fieldcodec.ShortString},
	{Name: "accountId", Encoding: fieldcodec.ShortString},
	{Name: "objectType", Encoding: fieldcodec.ShortString},
	{Name: "dataHash", Encoding: fieldcodec.SHA256},
	{Name: "totalCount", Encoding: fieldcodec.UInt},
	{Name: "hasMore", Encoding: fieldcodec.UInt},
}

// Request is the body an enclave request's Body field must JSON-decode to.
type Request struct {
	Operation     string            `json:"operation"`
	APIKey        string            `json:"apiKey"`
	StripeAccount string            `json:"stripeAccount,omitempty"`
	QueryParams   map[string]string `json:"queryParams,omitempty"`
	ResourceID    string            `json:"resourceId,omitempty"`
}

// operation describes one entry of the closed operation set: a REST path
// template and the "object" value a successful response must carry.
type operation struct {
	pathTemplate   string
	expectedObject string
	needsResource  bool
}

// operations is the closed set of supported operations.
var operations = map[string]operation{
	"charges.list":             {pathTemplate: "/v1/charges", expectedObject: "list"},
	"charges.retrieve":         {pathTemplate: "/v1/charges/%s", expectedObject: "charge", needsResource: true},
	"payment_intents.list":     {pathTemplate: "/v1/payment_intents", expectedObject: "list"},
	"payment_intents.retrieve": {pathTemplate: "/v1/payment_intents/%s", expectedObject: "payment_intent", needsResource: true},
	"balance.retrieve":         {pathTemplate: "/v1/balance", expectedObject: "balance"},
}

const stripeAPIVersion = "2023-10-16"

// Handler implements the Stripe payments-listing custom handler.
type Handler struct {
	Allowlist     config.Allowlist
	Attestor      *attestor.Attestor
	Host          string
	HostCID       uint32
	DialerFactory func(cid, proxyPort uint32, hostname string, transport httpclient.Transport) httpclient.Dialer
}

// NewHandler returns a Handler for the given Stripe API host (normally
// "api.stripe.com"), which must appear in allow with transport=tls.
func NewHandler(allow config.Allowlist, host string) *Handler {
	return &Handler{
		Allowlist:     allow,
		Attestor:      attestor.New(),
		Host:          host,
		HostCID:       vsock.HostCID,
		DialerFactory: httpclient.VsockDialer,
	}
}

// Handle implements handler.Dispatcher.
func (h *Handler) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	logger := log.WithFields(log.Fields{"enclave": "stripe", "request_id": req.ID})

	var sreq Request
	if err := json.Unmarshal(req.Body, &sreq); err != nil {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	op, ok := operations[sreq.Operation]
	if !ok {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("unknown operation: %s", sreq.Operation))
	}
	if sreq.APIKey == "" {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("apiKey is required"))
	}
	if op.needsResource && sreq.ResourceID == "" {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("resourceId is required for %s", sreq.Operation))
	}

	entry, ok := h.Allowlist.Lookup(h.Host)
	if !ok {
		return config.Failure(http.StatusForbidden, fmt.Errorf("Host not allowed: %s", h.Host))
	}

	path := op.pathTemplate
	if op.needsResource {
		path = fmt.Sprintf(op.pathTemplate, sreq.ResourceID)
	}
	if len(sreq.QueryParams) > 0 {
		path += "?" + encodeQuery(sreq.QueryParams)
	}

	headers := []httpclient.HeaderField{
		{Name: "Authorization", Value: "Bearer " + sreq.APIKey},
		{Name: "Stripe-Version", Value: stripeAPIVersion},
	}
	if sreq.StripeAccount != "" {
		headers = append(headers, httpclient.HeaderField{Name: "Stripe-Account", Value: sreq.StripeAccount})
	}

	dial := h.DialerFactory(h.HostCID, entry.ProxyPort, h.Host, httpclient.TransportTLS)
	resp, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   http.MethodGet,
		Hostname: h.Host,
		Path:     path,
		Headers:  headers,
	})
	if err != nil {
		logger.WithError(err).Warn("stripe fetch failed")
		return config.Failure(http.StatusBadGateway, err)
	}
	if resp.Status != http.StatusOK {
		return config.Failure(http.StatusBadGateway, fmt.Errorf("stripe returned unexpected status %d", resp.Status))
	}

	objectType := gjson.GetBytes(resp.RawBody, "object").String()
	if objectType != op.expectedObject {
		return config.Failure(http.StatusBadGateway, fmt.Errorf("stripe response object %q did not match expected %q", objectType, op.expectedObject))
	}

	if err := validateTyped(op.expectedObject, resp.RawBody); err != nil {
		return config.Failure(http.StatusBadGateway, fmt.Errorf("stripe response failed typed validation: %w", err))
	}

	accountID := sreq.StripeAccount
	if accountID == "" {
		accountID = gjson.GetBytes(resp.RawBody, "account").String()
	}

	hash := sha256.Sum256(resp.RawBody)
	dataHash := hex.EncodeToString(hash[:])

	totalCount := gjson.GetBytes(resp.RawBody, "total_count").Uint()
	if !gjson.GetBytes(resp.RawBody, "total_count").Exists() {
		totalCount = uint64(len(gjson.GetBytes(resp.RawBody, "data").Array()))
	}
	hasMore := gjson.GetBytes(resp.RawBody, "has_more").Bool()

	values := []fieldcodec.Value{
		fieldcodec.Str(sreq.Operation),
		fieldcodec.Str(accountID),
		fieldcodec.Str(objectType),
		fieldcodec.Str(dataHash),
		fieldcodec.UIntValue(totalCount),
		fieldcodec.UIntValue(boolToUint(hasMore)),
	}
	rawBody, err := fieldcodec.Encode(Schema, values)
	if err != nil {
		return config.Failure(http.StatusInternalServerError, fmt.Errorf("failed to encode field record: %w", err))
	}

	apiEndpoint := h.Host + stripPathQuery(path)
	apiURL := "https://" + h.Host + path
	doc, err := h.Attestor.Attest(apiEndpoint, http.MethodGet, rawBody, apiURL, req.Headers.ToOrdered())
	if err != nil {
		logger.WithError(err).Error("attestation failed")
		return config.EnclaveResponse{Success: false, Status: http.StatusInternalServerError, Error: err.Error()}
	}

	return config.EnclaveResponse{
		Success: true,
		Status:  http.StatusOK,
		Headers: config.Headers{
			{Name: "x-stripe-operation", Value: sreq.Operation},
			{Name: "x-stripe-object-type", Value: objectType},
			{Name: "x-stripe-data-hash", Value: dataHash},
		},
		RawBody:     rawBody,
		Attestation: doc,
	}
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// validateTyped decodes body into the stripe-go struct matching object,
// rejecting malformed upstream responses before they reach the field
// codec. In a "list" object, elements whose own object is "charge" or
// "payment_intent" are decoded as that type; other elements are not
// checked.
func validateTyped(object string, body []byte) error {
	switch object {
	case "charge":
		var c stripe.Charge
		return json.Unmarshal(body, &c)
	case "payment_intent":
		var pi stripe.PaymentIntent
		return json.Unmarshal(body, &pi)
	case "balance":
		var b stripe.Balance
		return json.Unmarshal(body, &b)
	case "list":
		return validateList(body)
	default:
		return fmt.Errorf("no typed validator for object %q", object)
	}
}

func validateList(body []byte) error {
	elements := gjson.GetBytes(body, "data").Array()
	for _, el := range elements {
		elObject := gjson.Get(el.Raw, "object").String()
		switch elObject {
		case "charge":
			var c stripe.Charge
			if err := json.Unmarshal([]byte(el.Raw), &c); err != nil {
				return err
			}
		case "payment_intent":
			var pi stripe.PaymentIntent
			if err := json.Unmarshal([]byte(el.Raw), &pi); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeQuery(params map[string]string) string {
	var b strings.Builder
	first := true
	for k, v := range params {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func stripPathQuery(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}
