package requesttrace

import (
	"context"
	"errors"
	"strings"
)

type contextKey string

const (
	ctxAuditInfo contextKey = "HRMS_REQUEST_TRACE"
)

// ActorKind represents who initiated an operation.
type ActorKind string

const (
	ActorKindService   ActorKind = "service"
	ActorKindOperator  ActorKind = "operator"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// AuditInfo captures request-scoped metadata stamped on provisioning ledger rows and outbox headers.
// Actor names the calling service or operator; it is empty for anonymous and system actors.
type AuditInfo struct {
	ActorKind ActorKind
	Actor     string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxAuditInfo, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	v := ctx.Value(ctxAuditInfo)
	if v == nil {
		return AuditInfo{}, false
	}

	audit, ok := v.(AuditInfo)
	return audit, ok
}

// FromContextOrSystem returns the AuditInfo stored on the context, or a system record when absent.
func FromContextOrSystem(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return System("")
}

// FromService builds an AuditInfo for an authenticated internal caller.
func FromService(service, requestID string) (AuditInfo, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return AuditInfo{}, errors.New("calling service name is required to build audit info")
	}
	return AuditInfo{ActorKind: ActorKindService, Actor: service, RequestID: requestID}, nil
}

// Operator builds an AuditInfo for CLI-driven operations.
func Operator(name string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindOperator, Actor: name}
}

// Anonymous builds an AuditInfo for requests that did not identify their caller.
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// System builds an AuditInfo for background operations such as event-triggered provisioning.
func System(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, RequestID: requestID}
}

// Headers flattens the AuditInfo into outbox headers.
func (a AuditInfo) Headers() map[string]string {
	h := map[string]string{"actor_kind": string(a.ActorKind)}
	if a.Actor != "" {
		h["actor"] = a.Actor
	}
	if a.RequestID != "" {
		h["request_id"] = a.RequestID
	}
	return h
}
