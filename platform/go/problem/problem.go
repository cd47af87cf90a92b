// Package problem writes RFC 7807 problem+json responses.
package problem

import (
	"encoding/json"
	"net/http"
	"time"
)

// Problem type URIs shared by the admin surface and the tenant router.
const (
	TypeValidation   = "https://hrms.zengate.global/problems/validation-error"
	TypeUnauthorized = "https://hrms.zengate.global/problems/unauthorized"
	TypeForbidden    = "https://hrms.zengate.global/problems/forbidden"
	TypeNotFound     = "https://hrms.zengate.global/problems/not-found"
	TypeUnavailable  = "https://hrms.zengate.global/problems/unavailable"
	TypeInternal     = "https://hrms.zengate.global/problems/internal-error"
	ContentType      = "application/problem+json"
)

// Details is the problem+json body. Phase and Service are extensions identifying where
// tenant routing stopped; Errors carries per-field validation messages.
type Details struct {
	Type      string              `json:"type,omitempty"`
	Title     string              `json:"title"`
	Status    int                 `json:"status"`
	Detail    string              `json:"detail,omitempty"`
	Instance  string              `json:"instance,omitempty"`
	Phase     string              `json:"phase,omitempty"`
	Service   string              `json:"service,omitempty"`
	Errors    map[string][]string `json:"errors,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// New returns Details stamped with the current time.
func New(status int, problemType, title, detail string) Details {
	return Details{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Write sends d with its status code.
func Write(w http.ResponseWriter, d Details) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
