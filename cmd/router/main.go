// The router binary runs on the EC2 parent instance: it terminates caller
// HTTP, maps each /attest/fetch URL to an enclave CID from the routing
// table, and forwards one framed request per call over vsock.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/audit"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/router"
)

const defaultPort = 5001

func main() {
	table, err := config.LoadRouteTable()
	if err != nil {
		log.Fatalf("failed to load routing table: %v", err)
	}
	if len(table.Routes) == 0 {
		log.Fatal("no enclave routes configured; set VIES_CID / SICAE_CID / STRIPE_CID")
	}

	sink, err := audit.Open()
	if err != nil {
		log.Fatalf("failed to open audit sink: %v", err)
	}

	port := defaultPort
	if raw := os.Getenv("PORT"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &port); err != nil {
			log.Fatalf("invalid PORT %q: %v", raw, err)
		}
	}

	r := router.New(table, sink)
	for _, route := range table.Routes {
		log.WithFields(log.Fields{"service": route.Service, "cid": route.CID, "port": route.Port}).Info("route configured")
	}

	log.WithField("port", port).Info("host router listening")
	if err := r.Engine().Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("host router terminated: %v", err)
	}
}
