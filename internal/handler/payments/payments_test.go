package payments_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/brightside/internal/billing"
	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	paymenthandler "github.com/rowanhq/brightside/internal/handler/payments"
	"github.com/rowanhq/brightside/internal/middleware"
	"github.com/rowanhq/brightside/internal/payments"
	"github.com/rowanhq/brightside/internal/repository/repositorytest"
	"github.com/rowanhq/brightside/internal/router"
	"github.com/rowanhq/brightside/internal/routes"
	"github.com/rowanhq/brightside/internal/telemetry"
)

type fixture struct {
	store *repositorytest.Store
	clk   *clock.Fake
	orgID uuid.UUID
	r     *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositorytest.New()
	clk := clock.NewFake(time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := payments.NewService(store, billing.NewMockProvider(),
		breaker.New("stripe", breaker.DefaultConfig, clk), clk,
		telemetry.NewOps(prometheus.NewRegistry()), logger, payments.Config{
			SuccessURL:      "https://app.test/pay/success",
			CancelURL:       "https://app.test/pay/cancel",
			EmailMaxRetries: 3,
		})

	orgID := uuid.New()
	r := router.New(middleware.RequestID())
	deps := routes.PaymentDeps{
		Handler:     paymenthandler.NewHandler(svc, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 100}, clk),
	}
	routes.RegisterWebhookRoutes(r, deps)
	routes.RegisterPaymentRoutes(r.Group(middleware.Identity(orgID)), deps)
	return &fixture{store: store, clk: clk, orgID: orgID, r: r}
}

func (f *fixture) seedDepositBooking(t *testing.T) *domain.Booking {
	t.Helper()
	now := f.clk.Now()
	b := &domain.Booking{
		ID:              uuid.New(),
		OrgID:           f.orgID,
		TeamID:          uuid.New(),
		StartsAt:        now.Add(48 * time.Hour),
		DurationMinutes: 90,
		ServiceType:     "deep",
		Status:          domain.BookingPending,
		DepositRequired: true,
		DepositCents:    10_000,
		DepositStatus:   domain.DepositPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, f.store.CreateBooking(context.Background(), b))
	return b
}

func TestWebhookRequiresSignature(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/webhook",
		strings.NewReader(`{"id":"evt_1","type":"payment_intent.succeeded"}`))
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAcknowledgesUnresolvableEvent(t *testing.T) {
	f := newFixture(t)

	// No metadata, no correlation key: acknowledged so Stripe stops retrying.
	payload := `{"id":"evt_orphan","type":"payment_intent.succeeded","created":1789300800,"data":{"object":{}}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/webhook", strings.NewReader(payload))
	req.Header.Set(paymenthandler.SignatureHeader, "t=1,v1=test")
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true,"processed":false}`, w.Body.String())
}

func TestCreateDepositCheckout(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t)

	do := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/payments/deposit/checkout"+query, nil)
		req.Header.Set(middleware.ActorIDHeader, uuid.NewString())
		w := httptest.NewRecorder()
		f.r.ServeHTTP(w, req)
		return w
	}

	w := do("")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do("?booking_id=" + b.ID.String())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "checkout.stripe.test")
	assert.Contains(t, w.Body.String(), b.ID.String())

	got, err := f.store.GetBooking(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.StripeCheckoutSessionID)
	assert.NotEmpty(t, got.StripePaymentIntentID)
}

func TestCreateDepositCheckoutUnknownBooking(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/deposit/checkout?booking_id="+uuid.NewString(), nil)
	req.Header.Set(middleware.ActorIDHeader, uuid.NewString())
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
