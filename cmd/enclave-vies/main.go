// The enclave-vies binary is the EU VAT check enclave image: the VIES/HMRC
// custom handler behind the sequential vsock accept loop. One image, one
// handler, one allowlist; all three are part of PCR0.
package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/diag"
	"github.com/zh-labs/confidential-fetch/internal/enclaveserver"
	"github.com/zh-labs/confidential-fetch/internal/handlers/vies"
	"github.com/zh-labs/confidential-fetch/internal/kmsseal"
)

const (
	viesHost = "ec.europa.eu"
	hmrcHost = "api.service.hmrc.gov.uk"
)

var allowlist = config.Allowlist{
	{Hostname: viesHost, ProxyPort: 8443, Transport: config.TransportTLS},
	{Hostname: hmrcHost, ProxyPort: 8444, Transport: config.TransportTLS},
}

func main() {
	h := vies.NewHandler(allowlist, hmrcHost, viesHost)
	d := kmsseal.FromEnv().Wrap(h)

	if raw := os.Getenv("DIAG_PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			log.Fatalf("invalid DIAG_PORT %q: %v", raw, err)
		}
		ds, err := diag.New("vies", allowlist, uint16(port), os.Getenv("DEBUG") != "")
		if err != nil {
			log.Fatalf("failed to create diagnostics server: %v", err)
		}
		ds.Start()
	}

	if err := enclaveserver.New(d).Serve(); err != nil {
		log.Fatalf("enclave server terminated: %v", err)
	}
}
