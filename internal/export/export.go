// Package export pushes outbox export events to an external consumer. The
// adapter is chosen by EXPORT_MODE: log, webhook, or nats.
package export

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Exporter delivers one export event. The subject routes the event on the
// consumer side; the body is the opaque payload captured at enqueue time.
type Exporter interface {
	Export(ctx context.Context, orgID uuid.UUID, subject string, body json.RawMessage) error
}

// Envelope is the wire format for webhook and NATS delivery.
type Envelope struct {
	OrgID   uuid.UUID       `json:"org_id"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body"`
}
