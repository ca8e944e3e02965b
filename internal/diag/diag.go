// Package diag runs an enclave-local diagnostics HTTP server, separate from
// the vsock attested-fetch path: a place for operators to ask a live
// enclave what image it is running and to pull an ad-hoc attestation over a
// nonce of their choosing. The server listens on the given port on every
// local interface of the enclave; reaching it from outside goes through
// the same nitriding-style host forwarding the fleet already uses for
// debugging.
package diag

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/brave/nitriding"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/nsm"
)

// Server serves the diagnostics endpoints for one enclave image.
type Server struct {
	Service   string
	Allowlist config.Allowlist
	NSM       *nsm.Client

	cfg *nitriding.Config
	srv http.Server
}

// New validates the nitriding config and wires the chi router. port is the
// enclave-local TCP port the diagnostics server listens on.
func New(service string, allow config.Allowlist, port uint16, debug bool) (*Server, error) {
	cfg := &nitriding.Config{
		FQDN:    "localhost",
		ExtPort: port,
		IntPort: port + 1,
		UseACME: false,
		Debug:   debug,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("diag: invalid config: %w", err)
	}

	s := &Server{
		Service:   service,
		Allowlist: allow,
		NSM:       nsm.New(),
		cfg:       cfg,
	}

	m := chi.NewRouter()
	if debug {
		m.Use(middleware.Logger)
	}
	m.Get("/enclave/info", s.handleInfo)
	m.Get("/enclave/attestation", s.handleAttestation)

	s.srv = http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: m,
	}
	return s, nil
}

// Start serves in a goroutine and returns immediately; the vsock accept
// loop owns the foreground.
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.srv.Addr).Info("diag: diagnostics server started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("diag: diagnostics server terminated")
		}
	}()
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := struct {
		Service   string   `json:"service"`
		Allowlist []string `json:"allowlist"`
	}{
		Service:   s.Service,
		Allowlist: s.Allowlist.Hostnames(),
	}
	writeJSON(w, http.StatusOK, info)
}

// handleAttestation returns an attestation document over a caller-supplied
// hex nonce, for operators verifying a live enclave out of band.
func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")
	if nonce == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nonce query parameter is required"})
		return
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nonce must be hex"})
		return
	}

	doc, err := s.NSM.Attest(nonce)
	if err != nil {
		log.WithError(err).Error("diag: attestation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"nsm_document": doc.NSMDocumentB64,
		"pcr0":         doc.PCR0,
		"pcr1":         doc.PCR1,
		"pcr2":         doc.PCR2,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("diag: failed to write response")
	}
}
