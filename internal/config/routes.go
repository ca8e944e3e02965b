package config

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultEnclavePort is the fixed vsock port every enclave image's accept
// loop listens on.
const DefaultEnclavePort = 5000

// Route maps one service name to the CID/port its enclave is reachable at.
type Route struct {
	Service string
	CID     uint32
	Port    uint32
}

// RouteTable is the host router's static, env-var-built mapping from
// service name to enclave CID.
type RouteTable struct {
	Routes     []Route
	HostByName map[string]string // hostname -> service name, for URL-based lookup
}

// routeSpec names one service's env var and the hostnames its allowlist
// covers; every host in every service's allowlist must appear here.
type routeSpec struct {
	service string
	envVar  string
	hosts   []string
}

// knownServices lists the fleet's enclave images. Extending the fleet with
// a new custom handler means adding one entry here.
var knownServices = []routeSpec{
	{service: "vies", envVar: "VIES_CID", hosts: []string{"ec.europa.eu", "api.service.hmrc.gov.uk"}},
	{service: "sicae", envVar: "SICAE_CID", hosts: []string{"www.agenciatributaria.example"}},
	{service: "stripe", envVar: "STRIPE_CID", hosts: []string{"api.stripe.com"}},
}

// LoadRouteTable builds the routing table from environment variables at
// startup: one CID per service, default port 5000.
func LoadRouteTable() (RouteTable, error) {
	table := RouteTable{HostByName: map[string]string{}}

	for _, spec := range knownServices {
		raw := os.Getenv(spec.envVar)
		if raw == "" {
			continue
		}
		cid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return RouteTable{}, fmt.Errorf("config: invalid %s value %q: %w", spec.envVar, raw, err)
		}
		table.Routes = append(table.Routes, Route{
			Service: spec.service,
			CID:     uint32(cid),
			Port:    DefaultEnclavePort,
		})
		for _, h := range spec.hosts {
			table.HostByName[h] = spec.service
		}
	}

	return table, nil
}

// Lookup returns the route serving hostname, if any.
func (t RouteTable) Lookup(hostname string) (Route, bool) {
	service, ok := t.HostByName[hostname]
	if !ok {
		return Route{}, false
	}
	for _, r := range t.Routes {
		if r.Service == service {
			return r, true
		}
	}
	return Route{}, false
}
