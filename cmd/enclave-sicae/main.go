// The enclave-sicae binary is the business-code lookup enclave image: the
// two-step ASP.NET scrape handler behind the sequential vsock accept loop.
package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/diag"
	"github.com/zh-labs/confidential-fetch/internal/enclaveserver"
	"github.com/zh-labs/confidential-fetch/internal/handlers/sicae"
	"github.com/zh-labs/confidential-fetch/internal/kmsseal"
)

const sicaeHost = "www.agenciatributaria.example"

// The lookup site is public, non-sensitive data served without TLS, so
// this allowlist entry is the fleet's one plain-transport case. Verifiers
// treat its attestations as proving only "this code ran".
var allowlist = config.Allowlist{
	{Hostname: sicaeHost, ProxyPort: 8445, Transport: config.TransportPlain},
}

func main() {
	h := sicae.NewHandler(allowlist, sicaeHost)
	d := kmsseal.FromEnv().Wrap(h)

	if raw := os.Getenv("DIAG_PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			log.Fatalf("invalid DIAG_PORT %q: %v", raw, err)
		}
		ds, err := diag.New("sicae", allowlist, uint16(port), os.Getenv("DEBUG") != "")
		if err != nil {
			log.Fatalf("failed to create diagnostics server: %v", err)
		}
		ds.Start()
	}

	if err := enclaveserver.New(d).Serve(); err != nil {
		log.Fatalf("enclave server terminated: %v", err)
	}
}
