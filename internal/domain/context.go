// Package domain provides core business types and context helpers for the
// operations core.
//
// Context helpers centralize request-scoped data access, making org isolation
// bugs harder to write and providing consistent patterns throughout the codebase.
package domain

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	// orgContextKey stores the resolved organization id in context.
	orgContextKey contextKey = iota

	// identityContextKey stores the acting identity in context.
	identityContextKey

	// requestIDContextKey stores the request ID for tracing.
	requestIDContextKey
)

// Identity represents the acting principal for a request. Authentication
// schemes are out of scope for the core: upstream middleware produces an
// Identity with a role and, for org-bound principals, the org binding.
type Identity struct {
	ID    uuid.UUID
	Role  string    // "admin", "operator", "client", "system"
	OrgID uuid.UUID // uuid.Nil when the identity is not bound to one org
}

// Bound reports whether the identity is bound to a single organization.
func (i *Identity) Bound() bool {
	return i != nil && i.OrgID != uuid.Nil
}

// --- Org Context Helpers ---

// NewContextWithOrg returns a new context with the active org id attached.
func NewContextWithOrg(ctx context.Context, orgID uuid.UUID) context.Context {
	return context.WithValue(ctx, orgContextKey, orgID)
}

// OrgIDFromContext retrieves the active org id from context.
// Returns uuid.Nil if no org is present.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	orgID, _ := ctx.Value(orgContextKey).(uuid.UUID)
	return orgID
}

// RequireOrgID retrieves the active org id from context, panicking if not
// present. Use this in repository/service layers where org scope is required.
// The panic will be caught by error recovery middleware in HTTP handlers.
func RequireOrgID(ctx context.Context) uuid.UUID {
	id := OrgIDFromContext(ctx)
	if id == uuid.Nil {
		panic("org_id required in context but not found")
	}
	return id
}

// HasOrg returns true if there is an active org in context.
func HasOrg(ctx context.Context) bool {
	return OrgIDFromContext(ctx) != uuid.Nil
}

// --- Identity Context Helpers ---

// NewContextWithIdentity returns a new context with the identity attached.
func NewContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity from context.
// Returns nil if no identity is present.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)
	return identity
}

// MustIdentity retrieves the identity from context, panicking if not present.
func MustIdentity(ctx context.Context) *Identity {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		panic("identity required in context but not found")
	}
	return identity
}

// --- Request ID Context Helpers ---

// NewContextWithRequestID returns a new context with the request ID attached.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey).(string)
	return requestID
}
