package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
)

// Request locations a tenant identifier is read from, in priority order.
const (
	HeaderClientID     = "HRMS-Client-ID"
	HeaderTenantDomain = "X-Tenant-Domain"
	HeaderTenantID     = "X-Tenant-ID"
	QueryTenantID      = "tenant_id"
	BodyTenantID       = "tenant_id"
)

// DefaultReservedSubdomains never name a tenant.
var DefaultReservedSubdomains = []string{"www", "api", "admin", "app", "localhost"}

// maxBodyPeek bounds how much of a JSON body is buffered to look for the tenant field.
const maxBodyPeek = 1 << 20

// Extractor returns the tenant identifier found in r, or "".
type Extractor func(r *http.Request) string

// HeaderExtractor reads the named header.
func HeaderExtractor(name string) Extractor {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// QueryExtractor reads the named query parameter.
func QueryExtractor(name string) Extractor {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get(name))
	}
}

// BodyExtractor reads a top-level string field from a JSON body. The body is restored
// so downstream handlers read it unchanged.
func BodyExtractor(field string) Extractor {
	return func(r *http.Request) string {
		if r.Body == nil || r.Body == http.NoBody {
			return ""
		}
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
			return ""
		}

		peek, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
		if err != nil || len(peek) == 0 {
			return ""
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(peek, &fields); err != nil {
			return ""
		}
		var value string
		if err := json.Unmarshal(fields[field], &value); err != nil {
			return ""
		}
		return strings.TrimSpace(value)
	}
}

// SubdomainExtractor reads the left-most label of a host with at least three labels,
// ignoring reserved labels.
func SubdomainExtractor(reserved []string) Extractor {
	skip := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		skip[strings.ToLower(r)] = struct{}{}
	}
	return func(r *http.Request) string {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if net.ParseIP(host) != nil {
			return ""
		}
		parts := strings.Split(strings.ToLower(host), ".")
		if len(parts) < 3 || parts[0] == "" {
			return ""
		}
		if _, reserved := skip[parts[0]]; reserved {
			return ""
		}
		return parts[0]
	}
}

// DefaultExtractors is the identifier priority used by the router.
func DefaultExtractors(reserved []string) []Extractor {
	return []Extractor{
		HeaderExtractor(HeaderClientID),
		HeaderExtractor(HeaderTenantDomain),
		HeaderExtractor(HeaderTenantID),
		QueryExtractor(QueryTenantID),
		BodyExtractor(BodyTenantID),
		SubdomainExtractor(reserved),
	}
}

// ExtractIdentifier returns the first non-empty identifier.
func ExtractIdentifier(r *http.Request, extractors ...Extractor) string {
	for _, extract := range extractors {
		if id := extract(r); id != "" {
			return id
		}
	}
	return ""
}
