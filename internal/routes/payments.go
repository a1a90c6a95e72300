package routes

import (
	"github.com/rowanhq/brightside/internal/router"
)

// RegisterPaymentRoutes registers checkout creation. These routes need an
// identity-bearing router: register them on the authenticated group.
func RegisterPaymentRoutes(r *router.Router, deps PaymentDeps) {
	r.Post("/v1/payments/deposit/checkout", deps.Handler.CreateDepositCheckout,
		deps.RateLimiter.Limit("checkout"))
	r.Post("/v1/payments/invoice/checkout", deps.Handler.CreateInvoiceCheckout,
		deps.RateLimiter.Limit("checkout"))
}

// RegisterWebhookRoutes registers the provider webhook on an unauthenticated
// router. Authenticity comes from signature verification, and the org is
// resolved from the event itself. The legacy unversioned path keeps existing
// Stripe endpoint configurations working.
func RegisterWebhookRoutes(r *router.Router, deps PaymentDeps) {
	r.Post("/v1/payments/stripe/webhook", deps.Handler.Webhook)
	r.Post("/stripe/webhook", deps.Handler.Webhook)
}
