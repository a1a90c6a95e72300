// Package payments exposes the checkout endpoints and the provider webhook.
package payments

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/handler"
	"github.com/rowanhq/brightside/internal/payments"
)

// SignatureHeader carries the provider's payload signature.
const SignatureHeader = "Stripe-Signature"

// maxWebhookBody bounds webhook payload reads. Stripe caps event payloads
// well below this.
const maxWebhookBody = 1 << 20

// Handler serves checkout creation and the webhook receiver.
type Handler struct {
	svc    *payments.Service
	logger *slog.Logger
}

func NewHandler(svc *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func requireQueryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, domain.Invalid("http.params", name+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.Invalid("http.params", "invalid "+name)
	}
	return id, nil
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	Provider    string `json:"provider"`
	BookingID   string `json:"booking_id,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
}

// CreateDepositCheckout handles POST /v1/payments/deposit/checkout?booking_id=.
func (h *Handler) CreateDepositCheckout(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	bookingID, err := requireQueryUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	init, err := h.svc.CreateDepositCheckout(r.Context(), orgID, bookingID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusCreated, checkoutResponse{
		CheckoutURL: init.CheckoutURL,
		Provider:    init.Provider,
		BookingID:   init.BookingID.String(),
	})
}

// CreateInvoiceCheckout handles POST /v1/payments/invoice/checkout?invoice_id=.
func (h *Handler) CreateInvoiceCheckout(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	invoiceID, err := requireQueryUUID(r, "invoice_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	init, err := h.svc.CreateInvoiceCheckout(r.Context(), orgID, invoiceID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusCreated, checkoutResponse{
		CheckoutURL: init.CheckoutURL,
		Provider:    init.Provider,
		InvoiceID:   init.InvoiceID.String(),
	})
}

// Webhook handles POST /v1/payments/stripe/webhook. The raw body is verified
// against the signature header before any parsing. Events the reconciler
// cannot resolve are still acknowledged with 200 so the provider stops
// retrying them.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		handler.ErrorResponse(w, r, domain.Invalid("payments.webhook", "missing signature header"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("payments.webhook", "unreadable payload"))
		return
	}

	result, err := h.svc.ProcessWebhook(r.Context(), payload, signature)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"processed": result.Processed,
	})
}
