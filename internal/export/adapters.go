package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// LogExporter records export events in the log. Development default.
type LogExporter struct {
	logger *slog.Logger
}

func NewLogExporter(logger *slog.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

func (e *LogExporter) Export(_ context.Context, orgID uuid.UUID, subject string, body json.RawMessage) error {
	e.logger.Info("export (log mode)",
		slog.String("org_id", orgID.String()),
		slog.String("subject", subject),
		slog.Int("body_bytes", len(body)))
	return nil
}

// WebhookExporter POSTs the envelope to a configured URL. Any non-2xx
// response is a delivery failure and goes back through outbox retry.
type WebhookExporter struct {
	url    string
	client *http.Client
}

func NewWebhookExporter(url string) *WebhookExporter {
	return &WebhookExporter{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (e *WebhookExporter) Export(ctx context.Context, orgID uuid.UUID, subject string, body json.RawMessage) error {
	raw, err := json.Marshal(Envelope{OrgID: orgID, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("encode export envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("export request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("export webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NATSExporter publishes envelopes to a NATS subject under a fixed prefix,
// e.g. ops.export.<subject>.
type NATSExporter struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSExporter(conn *nats.Conn, prefix string) *NATSExporter {
	if prefix == "" {
		prefix = "ops.export"
	}
	return &NATSExporter{conn: conn, prefix: prefix}
}

func (e *NATSExporter) Export(_ context.Context, orgID uuid.UUID, subject string, body json.RawMessage) error {
	raw, err := json.Marshal(Envelope{OrgID: orgID, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("encode export envelope: %w", err)
	}
	if err := e.conn.Publish(e.prefix+"."+subject, raw); err != nil {
		return fmt.Errorf("publish export: %w", err)
	}
	return e.conn.Flush()
}
