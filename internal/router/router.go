// Package router implements the host-side HTTP router: it maps an
// inbound /attest/fetch request to an enclave CID via the static routing
// table, forwards one framed request over vsock, and hands the enclave's
// framed reply back to the caller verbatim.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zh-labs/confidential-fetch/internal/audit"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/health"
	"github.com/zh-labs/confidential-fetch/internal/httpclient"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
	"github.com/zh-labs/confidential-fetch/internal/wire"
)

// CallTimeout bounds one complete host-to-enclave exchange: dial, write the
// framed request, read the framed reply.
const CallTimeout = 30 * time.Second

// MaxBodySize caps the inbound /attest/fetch JSON body.
const MaxBodySize = 10 * 1024 * 1024

// enclaveRPS is the sustained per-CID rate for forwarded requests; bursts
// of a few are fine because the enclave serialises internally anyway. This
// protects the third-party API behind the enclave, not the enclave itself.
const (
	enclaveRPS   = 5
	enclaveBurst = 10
)

// fetchRequest is the /attest/fetch request body. It is re-framed as a
// config.EnclaveRequest before being forwarded.
type fetchRequest struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Method  string         `json:"method"`
	Headers config.Headers `json:"headers"`
	Body    []byte         `json:"body"`
}

// Router owns the routing table and the per-CID rate limiters. The table is
// immutable after construction; the limiter map is the only mutable state
// and is guarded by mu.
type Router struct {
	Table config.RouteTable
	Audit audit.Sink

	// dial and check are overridable for tests.
	dial  func(cid, port uint32) (vsock.Conn, error)
	check func(ctx context.Context, table config.RouteTable) health.Report

	mu       sync.Mutex
	limiters map[uint32]*rate.Limiter
}

// New returns a Router over the given table, dialling real vsock endpoints
// and recording outcomes to sink (use audit.Nop() to disable).
func New(table config.RouteTable, sink audit.Sink) *Router {
	return &Router{
		Table:    table,
		Audit:    sink,
		dial:     vsock.Connect,
		check:    health.Check,
		limiters: map[uint32]*rate.Limiter{},
	}
}

// Engine builds the gin engine exposing the router's three endpoints.
func (r *Router) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	e.POST("/attest/fetch", r.handleFetch)
	e.GET("/health", r.handleHealth)
	e.GET("/routes", r.handleRoutes)

	return e
}

func (r *Router) handleFetch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)

	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body: " + err.Error()})
		return
	}
	if req.URL == "" || req.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "url and method are required"})
		return
	}

	logger := log.WithFields(log.Fields{"request_id": req.ID, "url": req.URL})

	hostname, _, err := httpclient.SplitURL(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	route, ok := r.Table.Lookup(hostname)
	if !ok {
		logger.Warn("no enclave route for hostname")
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no enclave route for host: " + hostname})
		return
	}

	if !r.limiter(route.CID).Allow() {
		logger.WithField("cid", route.CID).Warn("per-enclave rate limit exceeded")
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate limit exceeded for enclave"})
		return
	}

	reply, err := r.forward(route, config.EnclaveRequest{
		ID:      req.ID,
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		logger.WithError(err).Error("enclave transport failure")
		r.record(c, req.ID, hostname, http.StatusBadGateway, nil)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}

	r.record(c, req.ID, hostname, http.StatusOK, reply)
	c.Data(http.StatusOK, "application/json", reply)
}

// forward performs one dial/write/read exchange with the enclave, bounded
// by CallTimeout. Each inbound HTTP request gets its own vsock connection;
// there is no shared connection to an enclave.
func (r *Router) forward(route config.Route, req config.EnclaveRequest) ([]byte, error) {
	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := r.dial(route.CID, route.Port)
		if err != nil {
			done <- result{nil, err}
			return
		}
		defer conn.Close()

		if err := wire.WriteMessage(conn, req); err != nil {
			done <- result{nil, err}
			return
		}
		reply, err := wire.ReadRaw(conn)
		done <- result{reply, err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-time.After(CallTimeout):
		return nil, context.DeadlineExceeded
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	report := r.check(c.Request.Context(), r.Table)
	status := http.StatusOK
	if !report.Overall {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (r *Router) handleRoutes(c *gin.Context) {
	type routeInfo struct {
		Service string   `json:"service"`
		CID     uint32   `json:"cid"`
		Port    uint32   `json:"port"`
		Hosts   []string `json:"hosts"`
	}
	out := make([]routeInfo, 0, len(r.Table.Routes))
	for _, route := range r.Table.Routes {
		info := routeInfo{Service: route.Service, CID: route.CID, Port: route.Port}
		for host, service := range r.Table.HostByName {
			if service == route.Service {
				info.Hosts = append(info.Hosts, host)
			}
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"routes": out})
}

// limiter returns (creating on first use) the rate limiter for one CID.
func (r *Router) limiter(cid uint32) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[cid]
	if !ok {
		l = rate.NewLimiter(rate.Limit(enclaveRPS), enclaveBurst)
		r.limiters[cid] = l
	}
	return l
}

// record writes one audit row; failures are logged by the sink, never
// surfaced to the caller.
func (r *Router) record(c *gin.Context, id, hostname string, status int, reply []byte) {
	if r.Audit == nil {
		return
	}
	entry := audit.Entry{ID: id, Hostname: hostname, Status: status}
	if len(reply) > 0 {
		var resp config.EnclaveResponse
		if err := json.Unmarshal(reply, &resp); err == nil && resp.Attestation != nil {
			entry.AttestationID = resp.Attestation.AttestationID
			entry.Status = resp.Status
		}
	}
	r.Audit.Record(c.Request.Context(), entry)
}
