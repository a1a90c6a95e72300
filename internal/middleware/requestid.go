// Package middleware holds the HTTP middleware for the admin and payments
// surfaces: request ids, identity and org resolution, per-(org,action) rate
// limits, and idempotency key replay.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/router"
)

// RequestIDHeader carries the request id; an inbound value from a load
// balancer is kept, otherwise one is generated.
const RequestIDHeader = "X-Request-ID"

func RequestID() router.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(domain.NewContextWithRequestID(r.Context(), id)))
		})
	}
}
