// The enclave-stripe binary is the payments-listing enclave image: the
// Stripe custom handler behind the sequential vsock accept loop.
package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/diag"
	"github.com/zh-labs/confidential-fetch/internal/enclaveserver"
	"github.com/zh-labs/confidential-fetch/internal/handlers/stripe"
	"github.com/zh-labs/confidential-fetch/internal/kmsseal"
)

const stripeHost = "api.stripe.com"

var allowlist = config.Allowlist{
	{Hostname: stripeHost, ProxyPort: 8446, Transport: config.TransportTLS},
}

func main() {
	h := stripe.NewHandler(allowlist, stripeHost)
	d := kmsseal.FromEnv().Wrap(h)

	if raw := os.Getenv("DIAG_PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			log.Fatalf("invalid DIAG_PORT %q: %v", raw, err)
		}
		ds, err := diag.New("stripe", allowlist, uint16(port), os.Getenv("DEBUG") != "")
		if err != nil {
			log.Fatalf("failed to create diagnostics server: %v", err)
		}
		ds.Start()
	}

	if err := enclaveserver.New(d).Serve(); err != nil {
		log.Fatalf("enclave server terminated: %v", err)
	}
}
