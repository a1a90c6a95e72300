package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockProvider simulates the payment provider without network calls.
// Function fields override individual behaviors per test.
type MockProvider struct {
	// CreateCheckoutSessionFunc customizes session creation.
	CreateCheckoutSessionFunc func(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// VerifyWebhookFunc customizes webhook verification.
	VerifyWebhookFunc func(payload []byte, signature string) (*Event, error)

	// Sessions stores created sessions for assertions.
	Sessions map[string]*CheckoutSession

	// CallLog tracks method calls for test assertions.
	CallLog []string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sessions: make(map[string]*CheckoutSession),
	}
}

func (m *MockProvider) Configured() bool { return true }

func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckoutSession(%d, %s)", params.AmountCents, params.Currency))

	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	sess := &CheckoutSession{
		ID:              "cs_" + uuid.NewString(),
		URL:             "https://checkout.stripe.test/pay/cs_" + uuid.NewString(),
		PaymentIntentID: "pi_" + uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
	}
	m.Sessions[sess.ID] = sess
	return sess, nil
}

// VerifyWebhook decodes the payload as a plain JSON event without checking
// the signature, unless the test supplied VerifyWebhookFunc.
func (m *MockProvider) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	m.CallLog = append(m.CallLog, "VerifyWebhook")

	if m.VerifyWebhookFunc != nil {
		return m.VerifyWebhookFunc(payload, signature)
	}

	var doc struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parseEvent(doc.ID, doc.Type, doc.Created, doc.Data.Object)
}
