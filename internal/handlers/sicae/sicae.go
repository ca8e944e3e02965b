// Package sicae implements the business-code lookup custom handler: a
// two-step ASP.NET WebForms scrape. The first GET
// harvests the page's __VIEWSTATE/__EVENTVALIDATION tokens and session
// cookie; the second POST submits the NIF through whichever field names the
// landing page actually declares, and the result table is scraped for the
// official name and the two activity codes.
package sicae

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/attestor"
	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/fieldcodec"
	"github.com/zh-labs/confidential-fetch/internal/httpclient"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
)

// Schema is the attested field layout for business-code lookups.
var Schema = fieldcodec.Schema{
	{Name: "nif", Encoding: fieldcodec.ShortString},
	{Name: "name", Encoding: fieldcodec.SHA256},
	{Name: "cae1Code", Encoding: fieldcodec.ShortString},
	{Name: "cae1Desc", Encoding: fieldcodec.SHA256},
	{Name: "cae2Code", Encoding: fieldcodec.ShortString},
	{Name: "cae2Desc", Encoding: fieldcodec.SHA256},
}

// Request is the body an enclave request's Body field must JSON-decode to.
type Request struct {
	NIF string `json:"nif"`
}

var nifRe = regexp.MustCompile(`^\d{9}$`)

// nifFieldCandidates lists the known (nifField, submitField) pairs.
// chooseCandidate picks one of them from the landing HTML and only that
// pair is submitted; the others are not tried.
var nifFieldCandidates = []struct {
	nifField    string
	submitField string
	submitValue string
}{
	{"txtNif", "btnConsultar", "Consultar"},
	{"ctl00$MainContent$txtNif", "ctl00$MainContent$btnConsultar", "Consultar"},
	{"nif", "submit", "Buscar"},
}

// Handler implements the ASP.NET business-code lookup custom handler.
type Handler struct {
	Allowlist     config.Allowlist
	Attestor      *attestor.Attestor
	Host          string
	ConsultaPath  string
	HostCID       uint32
	DialerFactory func(cid, proxyPort uint32, hostname string, transport httpclient.Transport) httpclient.Dialer
}

// NewHandler returns a Handler for the given tax-authority host, which must
// appear in allow with transport=plain.
func NewHandler(allow config.Allowlist, host string) *Handler {
	return &Handler{
		Allowlist:     allow,
		Attestor:      attestor.New(),
		Host:          host,
		ConsultaPath:  "/Consulta.aspx",
		HostCID:       vsock.HostCID,
		DialerFactory: httpclient.VsockDialer,
	}
}

type lookupResult struct {
	name      string
	cae1Code  string
	cae1Desc  string
	cae2Code  string
	cae2Desc  string
}

// Handle implements handler.Dispatcher.
func (h *Handler) Handle(req config.EnclaveRequest) config.EnclaveResponse {
	logger := log.WithFields(log.Fields{"enclave": "sicae", "request_id": req.ID})

	var sreq Request
	if err := json.Unmarshal(req.Body, &sreq); err != nil {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	if !nifRe.MatchString(sreq.NIF) {
		return config.Failure(http.StatusBadRequest, fmt.Errorf("nif must be exactly 9 digits"))
	}

	entry, ok := h.Allowlist.Lookup(h.Host)
	if !ok {
		return config.Failure(http.StatusForbidden, fmt.Errorf("Host not allowed: %s", h.Host))
	}

	res, found, err := h.lookup(entry, sreq.NIF)
	if err != nil {
		logger.WithError(err).Warn("business-code lookup failed")
		return config.Failure(http.StatusBadGateway, err)
	}
	if !found {
		return config.Failure(http.StatusNotFound, fmt.Errorf("no business record found for nif %s", sreq.NIF))
	}

	values := []fieldcodec.Value{
		fieldcodec.Str(sreq.NIF),
		fieldcodec.Str(res.name),
		fieldcodec.Str(res.cae1Code),
		fieldcodec.Str(res.cae1Desc),
		fieldcodec.Str(res.cae2Code),
		fieldcodec.Str(res.cae2Desc),
	}
	rawBody, err := fieldcodec.Encode(Schema, values)
	if err != nil {
		return config.Failure(http.StatusInternalServerError, fmt.Errorf("failed to encode field record: %w", err))
	}

	apiEndpoint := h.Host + h.ConsultaPath
	apiURL := "http://" + h.Host + h.ConsultaPath
	doc, err := h.Attestor.Attest(apiEndpoint, http.MethodPost, rawBody, apiURL, req.Headers.ToOrdered())
	if err != nil {
		logger.WithError(err).Error("attestation failed")
		return config.EnclaveResponse{Success: false, Status: http.StatusInternalServerError, Error: err.Error()}
	}

	return config.EnclaveResponse{
		Success: true,
		Status:  http.StatusOK,
		Headers: config.Headers{
			{Name: "x-sicae-nif", Value: sreq.NIF},
			{Name: "x-sicae-name", Value: res.name},
			{Name: "x-sicae-cae1-code", Value: res.cae1Code},
			{Name: "x-sicae-cae2-code", Value: res.cae2Code},
		},
		RawBody:     rawBody,
		Attestation: doc,
	}
}

func (h *Handler) lookup(entry config.AllowlistEntry, nif string) (lookupResult, bool, error) {
	dial := h.DialerFactory(h.HostCID, entry.ProxyPort, h.Host, httpclient.TransportPlain)

	landing, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   http.MethodGet,
		Hostname: h.Host,
		Path:     h.ConsultaPath,
	})
	if err != nil {
		return lookupResult{}, false, fmt.Errorf("failed to fetch landing page: %w", err)
	}

	viewState, eventValidation, err := extractASPNetTokens(landing.RawBody)
	if err != nil {
		return lookupResult{}, false, err
	}
	cookie, _ := landing.HeaderValue("set-cookie")
	if idx := strings.IndexByte(cookie, ';'); idx >= 0 {
		cookie = cookie[:idx]
	}

	landingStr := string(landing.RawBody)
	candidate := chooseCandidate(landingStr)

	form := url.Values{}
	form.Set("__VIEWSTATE", viewState)
	form.Set("__EVENTVALIDATION", eventValidation)
	form.Set(candidate.nifField, nif)
	form.Set(candidate.submitField, candidate.submitValue)
	encodedForm := form.Encode()

	headers := []httpclient.HeaderField{
		{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
	}
	if cookie != "" {
		headers = append(headers, httpclient.HeaderField{Name: "Cookie", Value: cookie})
	}

	resp, err := httpclient.Fetch(dial, httpclient.Request{
		Method:   http.MethodPost,
		Hostname: h.Host,
		Path:     h.ConsultaPath,
		Headers:  headers,
		Body:     []byte(encodedForm),
	})
	if err != nil {
		return lookupResult{}, false, fmt.Errorf("failed to submit lookup form: %w", err)
	}
	if resp.Status != http.StatusOK {
		return lookupResult{}, false, fmt.Errorf("lookup form submission returned status %d", resp.Status)
	}

	res, found := parseResultTable(resp.RawBody)
	if !found {
		res, found = parseResultFallback(resp.RawBody)
	}
	return res, found, nil
}

var candidateScore = func(landing string) func(c struct {
	nifField    string
	submitField string
	submitValue string
}) int {
	return func(c struct {
		nifField    string
		submitField string
		submitValue string
	}) int {
		score := 0
		if strings.Contains(landing, c.nifField) {
			score++
		}
		if strings.Contains(landing, c.submitField) {
			score++
		}
		return score
	}
}

// chooseCandidate picks the candidate field-name pair with the most of its
// two names present in the landing page HTML (one point per name found);
// ties go to the earlier candidate.
func chooseCandidate(landing string) struct {
	nifField    string
	submitField string
	submitValue string
} {
	scorer := candidateScore(landing)
	best := nifFieldCandidates[0]
	bestScore := -1
	for _, c := range nifFieldCandidates {
		if s := scorer(c); s > bestScore {
			bestScore = s
			best = c
		}
	}
	return best
}

var (
	viewStateRe       = regexp.MustCompile(`id="__VIEWSTATE"[^>]*value="([^"]*)"`)
	eventValidationRe = regexp.MustCompile(`id="__EVENTVALIDATION"[^>]*value="([^"]*)"`)
)

func extractASPNetTokens(body []byte) (viewState, eventValidation string, err error) {
	s := string(body)
	m := viewStateRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", fmt.Errorf("failed to locate __VIEWSTATE token in landing page")
	}
	viewState = m[1]

	if m := eventValidationRe.FindStringSubmatch(s); m != nil {
		eventValidation = m[1]
	}
	return viewState, eventValidation, nil
}

var fiveDigitRe = regexp.MustCompile(`\b\d{5}\b`)

// parseResultTable prefers a structured-table parse: walk the HTML tree for
// a <table> whose rows contain label/value cells, before any regex
// fallback runs.
func parseResultTable(body []byte) (lookupResult, bool) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return lookupResult{}, false
	}

	var res lookupResult
	var codes []string
	var descs []string
	var name string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(textContent(c)))
				}
			}
			if len(cells) >= 2 {
				label := strings.ToLower(cells[0])
				switch {
				case strings.Contains(label, "denomina") || strings.Contains(label, "name"):
					name = cells[1]
				case strings.Contains(label, "actividad") || strings.Contains(label, "cae") || strings.Contains(label, "activity"):
					if m := fiveDigitRe.FindString(cells[1]); m != "" {
						codes = append(codes, m)
						descs = append(descs, strings.TrimSpace(fiveDigitRe.ReplaceAllString(cells[1], "")))
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if name == "" && len(codes) == 0 {
		return lookupResult{}, false
	}

	res.name = strings.TrimSpace(name)
	if len(codes) > 0 {
		res.cae1Code = codes[0]
		res.cae1Desc = descs[0]
	}
	if len(codes) > 1 {
		res.cae2Code = codes[1]
		res.cae2Desc = descs[1]
	}
	return res, res.name != "" || res.cae1Code != ""
}

// parseResultFallback is the any-5-digit-codes fallback pass: scan the raw
// text for 5-digit codes when the structured table shape wasn't found.
func parseResultFallback(body []byte) (lookupResult, bool) {
	matches := fiveDigitRe.FindAllString(string(body), -1)
	if len(matches) == 0 {
		return lookupResult{}, false
	}
	var res lookupResult
	res.cae1Code = matches[0]
	if len(matches) > 1 {
		res.cae2Code = matches[1]
	}
	return res, true
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
