// Package handler implements the generic allowlist-gated request handler
// shared by any enclave image that doesn't project its response through a
// custom schema (those handlers live under internal/handlers/...).
package handler

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/attestor"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/httpclient"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
)

// Dispatcher is what internal/enclaveserver calls once per accepted
// vsock connection. Every enclave binary (generic or custom) implements
// this.
type Dispatcher interface {
	Handle(req config.EnclaveRequest) config.EnclaveResponse
}

// Generic is the pipeline: allowlist gate, upstream fetch, attestation.
type Generic struct {
	Name      string
	Allowlist config.Allowlist
	Attestor  *attestor.Attestor
	// HostCID defaults to vsock.HostCID (3); overridable for tests.
	HostCID uint32
	// DialerFactory builds the Dialer for a matched allowlist entry;
	// overridable so tests can substitute an in-memory upstream instead
	// of a real vsock-proxy connection.
	DialerFactory func(cid, proxyPort uint32, hostname string, transport httpclient.Transport) httpclient.Dialer
}

// NewGeneric returns a Generic handler for the given allowlist.
func NewGeneric(name string, allow config.Allowlist) *Generic {
	return &Generic{
		Name:          name,
		Allowlist:     allow,
		Attestor:      attestor.New(),
		HostCID:       vsock.HostCID,
		DialerFactory: httpclient.VsockDialer,
	}
}

// Handle runs the allowlist gate, the upstream fetch, and the attestation
// for one request.
func (g *Generic) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	logger := log.WithFields(log.Fields{"enclave": g.Name, "request_id": req.ID})

	hostname, path, err := httpclient.SplitURL(req.URL)
	if err != nil {
		logger.WithError(err).Warn("failed to parse request URL")
		return config.Failure(http.StatusBadRequest, err)
	}

	entry, ok := g.Allowlist.Lookup(hostname)
	if !ok {
		err := fmt.Errorf("Host not allowed: %s", hostname)
		logger.Warn(err.Error())
		return config.Failure(http.StatusForbidden, err)
	}

	transport := httpclient.TransportPlain
	if entry.Transport == config.TransportTLS {
		transport = httpclient.TransportTLS
	}

	dial := g.DialerFactory(g.HostCID, entry.ProxyPort, hostname, transport)

	fetchHeaders := make([]httpclient.HeaderField, len(req.Headers))
	for i, h := range req.Headers {
		fetchHeaders[i] = httpclient.HeaderField{Name: h.Name, Value: h.Value}
	}

	resp, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   req.Method,
		Hostname: hostname,
		Path:     path,
		Headers:  fetchHeaders,
		Body:     req.Body,
	})
	if err != nil {
		logger.WithError(err).Warn("upstream fetch failed")
		return config.Failure(http.StatusBadGateway, err)
	}

	apiEndpoint := hostname + pathnameOnly(path)
	doc, err := g.Attestor.Attest(apiEndpoint, req.Method, resp.RawBody, req.URL, req.Headers.ToOrdered())
	if err != nil {
		logger.WithError(err).Error("attestation failed")
		return config.EnclaveResponse{
			Success: false,
			Status:  http.StatusInternalServerError,
			Error:   err.Error(),
		}
	}

	respHeaders := make(config.Headers, len(resp.Headers))
	for i, h := range resp.Headers {
		respHeaders[i] = config.HeaderField{Name: h.Name, Value: h.Value}
	}

	return config.EnclaveResponse{
		Success:     true,
		Status:      resp.Status,
		Headers:     respHeaders,
		RawBody:     resp.RawBody,
		Attestation: doc,
	}
}

// pathnameOnly strips a trailing "?query" so api_endpoint never includes
// one.
func pathnameOnly(path string) string {
	for i, c := range path {
		if c == '?' {
			return path[:i]
		}
	}
	return path
}
