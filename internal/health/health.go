// Package health cross-checks the host router's static
// routing table against the platform's enclave-listing CLI, with a bounded
// concurrent vsock liveness probe layered on top for defense in depth.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
)

// CLITimeout bounds the platform CLI invocation.
const CLITimeout = 5 * time.Second

// probeConcurrency bounds how many enclaves are vsock-probed at once.
const probeConcurrency = 4

// probeTimeout bounds each individual vsock liveness probe.
const probeTimeout = 2 * time.Second

// Status is one route's health: RUNNING (matches the CLI and answers a
// vsock probe), UNREACHABLE (listed as RUNNING by the CLI but the probe
// failed), or NOT_FOUND (not listed as RUNNING).
type Status struct {
	Service string `json:"service"`
	CID     uint32 `json:"cid"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
}

// Report is the result of one health check sweep.
type Report struct {
	Overall  bool     `json:"overall"`
	Statuses []Status `json:"statuses"`
}

// cliEnclave mirrors the subset of the platform CLI's
// "describe-enclaves" JSON output this package needs.
type cliEnclave struct {
	EnclaveCID uint32 `json:"EnclaveCID"`
	State      string `json:"State"`
}

// runCLI is the platform enclave-listing command, overridable for tests.
var runCLI = func(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nitro-cli", "describe-enclaves")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// dialProbe opens a vsock connection to confirm an enclave's accept loop is
// actually serving, overridable for tests.
var dialProbe = func(cid uint32) error {
	conn, err := vsock.Connect(cid, config.DefaultEnclavePort)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Check runs one health sweep over table: query the CLI,
// mark each configured route healthy iff the CLI lists its CID as RUNNING
// and a best-effort vsock probe succeeds. A CLI failure reports every
// enclave NOT_FOUND/unhealthy.
func Check(ctx context.Context, table config.RouteTable) Report {
	cliCtx, cancel := context.WithTimeout(ctx, CLITimeout)
	defer cancel()

	raw, err := runCLI(cliCtx)
	running := map[uint32]bool{}
	if err != nil {
		log.WithError(err).Warn("health: platform CLI invocation failed")
	} else {
		var enclaves []cliEnclave
		if jerr := json.Unmarshal(raw, &enclaves); jerr != nil {
			log.WithError(jerr).Warn("health: failed to parse platform CLI output")
		} else {
			for _, e := range enclaves {
				if e.State == "RUNNING" {
					running[e.EnclaveCID] = true
				}
			}
		}
	}

	statuses := make([]Status, len(table.Routes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for i, route := range table.Routes {
		i, route := i, route
		g.Go(func() error {
			state := "NOT_FOUND"
			healthy := false
			if running[route.CID] {
				state = "RUNNING"
				healthy = probe(gctx, route.CID) == nil
				if !healthy {
					state = "UNREACHABLE"
				}
			}
			statuses[i] = Status{Service: route.Service, CID: route.CID, State: state, Healthy: healthy}
			return nil
		})
	}
	_ = g.Wait()

	overall := len(statuses) > 0
	for _, s := range statuses {
		if !s.Healthy {
			overall = false
		}
	}

	return Report{Overall: overall, Statuses: statuses}
}

func probe(ctx context.Context, cid uint32) error {
	done := make(chan error, 1)
	go func() { done <- dialProbe(cid) }()
	select {
	case err := <-done:
		return err
	case <-time.After(probeTimeout):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
