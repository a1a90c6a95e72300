// Package routes wires handlers onto the router. Handlers hold the services;
// this package only knows paths and which middleware guards each route.
package routes

import (
	"github.com/rowanhq/brightside/internal/handler/admin"
	"github.com/rowanhq/brightside/internal/handler/payments"
	"github.com/rowanhq/brightside/internal/middleware"
)

// AdminDeps contains dependencies for the operator surface.
type AdminDeps struct {
	Schedule *admin.ScheduleHandler
	Outbox   *admin.OutboxHandler

	Idempotency *middleware.Idempotency
	RateLimiter *middleware.RateLimiter
}

// PaymentDeps contains dependencies for the payment surface.
type PaymentDeps struct {
	Handler *payments.Handler

	RateLimiter *middleware.RateLimiter
}
