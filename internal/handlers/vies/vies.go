// Package vies implements the EU VAT validation custom handler. GB numbers are checked against HMRC's
// REST API; every other member state goes through the EU VIES SOAP
// service. Both branches project their result into the same five-field
// schema so a verifier never has to know which upstream answered.
package vies

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/attestor"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/fieldcodec"
	"github.com/zh-labs/confidential-fetch/internal/httpclient"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
)

// Schema is the attested field layout for VAT checks.
var Schema = fieldcodec.Schema{
	{Name: "countryCode", Encoding: fieldcodec.ShortString},
	{Name: "vatNumber", Encoding: fieldcodec.ShortString},
	{Name: "valid", Encoding: fieldcodec.UInt},
	{Name: "name", Encoding: fieldcodec.SHA256},
	{Name: "address", Encoding: fieldcodec.SHA256},
}

// Request is the body an enclave request's Body field must JSON-decode to.
type Request struct {
	CountryCode string `json:"countryCode"`
	VatNumber   string `json:"vatNumber"`
}

// Handler implements the VIES/HMRC VAT check custom handler.
type Handler struct {
	Allowlist     config.Allowlist
	Attestor      *attestor.Attestor
	HMRCHost      string
	VIESHost      string
	VIESPath      string
	HostCID       uint32
	DialerFactory func(cid, proxyPort uint32, hostname string, transport httpclient.Transport) httpclient.Dialer
}

// NewHandler returns a Handler ready to serve requests. hmrcHost and
// viesHost must both appear in allow with transport=tls.
func NewHandler(allow config.Allowlist, hmrcHost, viesHost string) *Handler {
	return &Handler{
		Allowlist:     allow,
		Attestor:      attestor.New(),
		HMRCHost:      hmrcHost,
		VIESHost:      viesHost,
		VIESPath:      "/taxation_customs/vies/services/checkVatService",
		HostCID:       vsock.HostCID,
		DialerFactory: httpclient.VsockDialer,
	}
}

type result struct {
	valid   bool
	name    string
	address string
}

// Handle implements handler.Dispatcher.
func (h *Handler) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	logger := log.WithFields(log.Fields{"enclave": "vies", "request_id": req.ID})

	var vreq Request
	if err := json.Unmarshal(req.Body, &vreq); err != nil {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	if vreq.CountryCode == "" || vreq.VatNumber == "" {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("countryCode and vatNumber are required"))
	}

	targetHost := h.VIESHost
	if vreq.CountryCode == "GB" {
		targetHost = h.HMRCHost
	}
	entry, ok := h.Allowlist.Lookup(targetHost)
	if !ok {
		err := fmt.Errorf("Host not allowed: %s", targetHost)
		logger.Warn(err.Error())
		return config.Failure(http.StatusForbidden, err)
	}

	var (
		res         result
		apiEndpoint string
		apiMethod   string
		apiURL      string
	)

	if vreq.CountryCode == "GB" {
		r, endpoint, upstreamURL, err := h.checkGB(entry, vreq.VatNumber)
		if err != nil {
			logger.WithError(err).Warn("HMRC lookup failed")
			return config.Failure(http.StatusBadGateway, err)
		}
		res = r
		apiEndpoint = endpoint
		apiMethod = http.MethodGet
		apiURL = upstreamURL
	} else {
		r, endpoint, upstreamURL, err := h.checkVIES(entry, vreq.CountryCode, vreq.VatNumber)
		if err != nil {
			logger.WithError(err).Warn("VIES lookup failed")
			return config.Failure(http.StatusBadGateway, err)
		}
		res = r
		apiEndpoint = endpoint
		apiMethod = http.MethodPost
		apiURL = upstreamURL
	}

	values := []fieldcodec.Value{
		fieldcodec.Str(vreq.CountryCode),
		fieldcodec.Str(vreq.VatNumber),
		fieldcodec.UIntValue(boolToUint(res.valid)),
		fieldcodec.Str(res.name),
		fieldcodec.Str(res.address),
	}
	rawBody, err := fieldcodec.Encode(Schema, values)
	if err != nil {
		return config.Failure(http.StatusInternalServerError, fmt.Errorf("failed to encode field record: %w", err))
	}

	doc, err := h.Attestor.Attest(apiEndpoint, apiMethod, rawBody, apiURL, req.Headers.ToOrdered())
	if err != nil {
		logger.WithError(err).Error("attestation failed")
		return config.EnclaveResponse{Success: false, Status: http.StatusInternalServerError, Error: err.Error()}
	}

	return config.EnclaveResponse{
		Success: true,
		Status:  http.StatusOK,
		Headers: config.Headers{
			{Name: "x-vies-country-code", Value: vreq.CountryCode},
			{Name: "x-vies-vat-number", Value: vreq.VatNumber},
			{Name: "x-vies-valid", Value: fmt.Sprintf("%v", res.valid)},
			{Name: "x-vies-name", Value: res.name},
			{Name: "x-vies-address", Value: res.address},
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

// checkGB calls HMRC's VAT-check REST API. The caller has already resolved
// entry from the allowlist.
func (h *Handler) checkGB(entry config.AllowlistEntry, vatNumber string) (result, string, string, error) {
	path := "/organisations/vat/check-vat-number/lookup/" + url.PathEscape(vatNumber)
	dial := h.DialerFactory(h.HostCID, entry.ProxyPort, h.HMRCHost, httpclient.TransportTLS)

	resp, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   http.MethodGet,
		Hostname: h.HMRCHost,
		Path:     path,
		Headers:  []httpclient.HeaderField{{Name: "Accept", Value: "application/vnd.hmrc.1.0+json"}},
	})
	if err != nil {
		return result{}, "", "", err
	}

	url := "https://" + h.HMRCHost + path
	switch resp.Status {
	case http.StatusNotFound:
		return result{valid: false}, h.HMRCHost + "/organisations/vat/check-vat-number/lookup/" + url2path(vatNumber), url, nil
	case http.StatusOK:
		name := gjson.GetBytes(resp.RawBody, "target.name").String()
		parts := []string{
			gjson.GetBytes(resp.RawBody, "target.address.line1").String(),
			gjson.GetBytes(resp.RawBody, "target.address.line2").String(),
			gjson.GetBytes(resp.RawBody, "target.address.postcode").String(),
		}
		var nonEmpty []string
		for _, p := range parts {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		return result{valid: true, name: name, address: strings.Join(nonEmpty, ", ")},
			h.HMRCHost + "/organisations/vat/check-vat-number/lookup/" + url2path(vatNumber), url, nil
	default:
		return result{}, "", "", fmt.Errorf("HMRC returned unexpected status %d", resp.Status)
	}
}

func url2path(vatNumber string) string {
	return url.PathEscape(vatNumber)
}

const viesSOAPTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <checkVat xmlns="urn:ec.europa.eu:taxud:vies:services:checkVat:types">
      <countryCode>%s</countryCode>
      <vatNumber>%s</vatNumber>
    </checkVat>
  </soap:Body>
</soap:Envelope>`

// checkVIES posts a SOAP envelope to the EU VIES service. The caller has
// already resolved entry from the allowlist.
func (h *Handler) checkVIES(entry config.AllowlistEntry, countryCode, vatNumber string) (result, string, string, error) {
	envelope := fmt.Sprintf(viesSOAPTemplate, xmlEscape(countryCode), xmlEscape(vatNumber))
	dial := h.DialerFactory(h.HostCID, entry.ProxyPort, h.VIESHost, httpclient.TransportTLS)

	resp, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   http.MethodPost,
		Hostname: h.VIESHost,
		Path:     h.VIESPath,
		Headers: []httpclient.HeaderField{
			{Name: "Content-Type", Value: "text/xml;charset=UTF-8"},
			{Name: "SOAPAction", Value: ""},
		},
		Body: []byte(envelope),
	})
	if err != nil {
		return result{}, "", "", err
	}

	endpoint := h.VIESHost + h.VIESPath
	url := "https://" + h.VIESHost + h.VIESPath

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(resp.RawBody); err != nil {
		return result{}, "", "", fmt.Errorf("failed to parse SOAP response: %w", err)
	}

	if fault := findLocalName(doc.Root(), "Fault"); fault != nil {
		msg := "VIES returned a SOAP fault"
		if fs := findLocalName(fault, "faultstring"); fs != nil {
			msg = fs.Text()
		}
		return result{}, "", "", fmt.Errorf("%s", msg)
	}

	if resp.Status != http.StatusOK {
		return result{}, "", "", fmt.Errorf("VIES returned unexpected status %d", resp.Status)
	}

	validEl := findLocalName(doc.Root(), "valid")
	nameEl := findLocalName(doc.Root(), "name")
	addressEl := findLocalName(doc.Root(), "address")

	valid := validEl != nil && strings.EqualFold(strings.TrimSpace(validEl.Text()), "true")
	name := ""
	address := ""
	if nameEl != nil {
		name = strings.TrimSpace(nameEl.Text())
	}
	if addressEl != nil {
		address = strings.TrimSpace(addressEl.Text())
	}
	if !valid {
		name = ""
		address = ""
	}

	return result{valid: valid, name: name, address: address}, endpoint, url, nil
}

var prefixRe = regexp.MustCompile(`^[^:]+:`)

// findLocalName recursively searches el (and its children) for the first
// element whose tag matches name once any "ns1:"-style namespace prefix is
// stripped, tolerating the VIES service's varying namespace prefixes.
func findLocalName(el *etree.Element, name string) *etree.Element {
	if el == nil {
		return nil
	}
	if prefixRe.ReplaceAllString(el.Tag, "") == name {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocalName(child, name); found != nil {
			return found
		}
	}
	return nil
}

// xmlEscape escapes the five XML special characters before countryCode
// and vatNumber are spliced into the SOAP envelope.
func xmlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
