package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/router"
)

// Headers the identity resolver reads. Authentication itself happens
// upstream; this core trusts the forwarded principal.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
	ActorOrgHeader  = "X-Actor-Org"
	TestOrgHeader   = "X-Test-Org"
)

// Identity resolves the acting principal and the org scope for the request.
// Org precedence: the identity's own binding; X-Test-Org (free for unbound
// identities, must match the binding otherwise); the configured default org.
// Requests that resolve to no org are rejected.
func Identity(defaultOrg uuid.UUID) router.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := &domain.Identity{Role: "admin"}
			if raw := r.Header.Get(ActorIDHeader); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					reject(w, http.StatusBadRequest, "invalid", "X-Actor-ID is not a uuid")
					return
				}
				ident.ID = id
			}
			if role := r.Header.Get(ActorRoleHeader); role != "" {
				ident.Role = role
			}
			if raw := r.Header.Get(ActorOrgHeader); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					reject(w, http.StatusBadRequest, "invalid", "X-Actor-Org is not a uuid")
					return
				}
				ident.OrgID = id
			}

			orgID := ident.OrgID
			if raw := r.Header.Get(TestOrgHeader); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					reject(w, http.StatusBadRequest, "invalid", "X-Test-Org is not a uuid")
					return
				}
				if ident.Bound() && id != ident.OrgID {
					reject(w, http.StatusForbidden, "forbidden", "X-Test-Org does not match the identity's org")
					return
				}
				orgID = id
			}
			if orgID == uuid.Nil {
				orgID = defaultOrg
			}
			if orgID == uuid.Nil {
				reject(w, http.StatusUnauthorized, "unauthorized", "no org scope for request")
				return
			}

			ctx := domain.NewContextWithIdentity(r.Context(), ident)
			ctx = domain.NewContextWithOrg(ctx, orgID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
