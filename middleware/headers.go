package middleware

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/mnehpets/onerpc/endpoint"
)

// HeadersProcessor sets response headers suited to a JSON API endpoint and
// answers CORS requests for the HTTP transport.
type HeadersProcessor struct {
	// HSTSMaxAge enables Strict-Transport-Security on TLS requests when
	// positive. The unit is seconds.
	HSTSMaxAge int
	// AllowedOrigins are host patterns, as in path.Match, of origins allowed
	// to call the endpoint from a browser. "*" allows any origin.
	AllowedOrigins []string
	// AllowedHeaders are the request headers allowed in CORS requests.
	AllowedHeaders []string
	// PreflightMaxAge caches preflight answers, in seconds.
	PreflightMaxAge int
}

// NewHeadersProcessor creates a processor with API defaults.
func NewHeadersProcessor(allowedOrigins ...string) *HeadersProcessor {
	return &HeadersProcessor{
		HSTSMaxAge:      31536000,
		AllowedOrigins:  allowedOrigins,
		AllowedHeaders:  []string{"Authorization", "Content-Type"},
		PreflightMaxAge: 3600,
	}
}

// Process implements endpoint.Processor.
func (p *HeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	if p.HSTSMaxAge > 0 && r.TLS != nil {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !p.originAllowed(origin) {
		return next(w, r)
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if len(p.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ", "))
		}
		if p.PreflightMaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(p.PreflightMaxAge))
		}
		return endpoint.Error(http.StatusNoContent, "", nil)
	}
	return next(w, r)
}

// originAllowed matches the origin host against the allowed patterns.
func (p *HeadersProcessor) originAllowed(origin string) bool {
	host := origin
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		host = rest
	}
	for _, pattern := range p.AllowedOrigins {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(host)); err == nil && ok {
			return true
		}
	}
	return false
}

var _ endpoint.Processor = (*HeadersProcessor)(nil)
