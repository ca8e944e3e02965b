// The enclave-generic binary is the pass-through enclave image: the
// allowlist-gated generic handler with no schema projection. The allowlist
// it is built with lives in internal/config/allowlist_generic.go and is
// edited per image.
package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/diag"
	"github.com/zh-labs/confidential-fetch/internal/enclaveserver"
	"github.com/zh-labs/confidential-fetch/internal/handler"
	"github.com/zh-labs/confidential-fetch/internal/kmsseal"
)

func main() {
	h := handler.NewGeneric("generic", config.GenericAllowlist)
	d := kmsseal.FromEnv().Wrap(h)

	if raw := os.Getenv("DIAG_PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			log.Fatalf("invalid DIAG_PORT %q: %v", raw, err)
		}
		ds, err := diag.New("generic", config.GenericAllowlist, uint16(port), os.Getenv("DEBUG") != "")
		if err != nil {
			log.Fatalf("failed to create diagnostics server: %v", err)
		}
		ds.Start()
	}

	if err := enclaveserver.New(d).Serve(); err != nil {
		log.Fatalf("enclave server terminated: %v", err)
	}
}
