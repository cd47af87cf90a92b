package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/hrms-tenancy/platform/go/auth"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/requesttrace"
)

// RequestTrace populates the context with request-scoped AuditInfo so the provisioning workflow can stamp
// ledger rows and outbox headers. It should run after InternalSecret so the calling service is known.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := platformlogging.FromRequest(r, nil)
		requestID := middleware.GetReqID(r.Context())

		var audit requesttrace.AuditInfo
		if creds, ok := platformauth.ServiceFromContext(r.Context()); ok && creds != nil {
			var err error
			audit, err = requesttrace.FromService(creds.Service, requestID)
			if err != nil {
				if logger != nil {
					logger.Error("build audit info from service credentials", zap.Error(err))
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		} else {
			audit = requesttrace.Anonymous(requestID)
		}

		ctx := requesttrace.IntoContext(r.Context(), audit)
		if logger != nil {
			fields := []zap.Field{zap.String("actor_kind", string(audit.ActorKind))}
			if audit.Actor != "" {
				fields = append(fields, zap.String("actor", audit.Actor))
			}
			logger = logger.With(fields...)
			ctx = platformlogging.WithLogger(ctx, logger)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
