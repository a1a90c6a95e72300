package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/export"
	"github.com/rowanhq/brightside/internal/repository"
)

// Replayer exposes the operator surface over the dead-letter queue: listing,
// requeueing, direct export push, and manual email resend. Every mutation is
// audited.
type Replayer struct {
	tx              repository.TxRunner
	exporter        export.Exporter
	clk             clock.Clock
	logger          *slog.Logger
	emailMaxRetries int32
}

func NewReplayer(tx repository.TxRunner, exporter export.Exporter, clk clock.Clock, emailMaxRetries int32, logger *slog.Logger) *Replayer {
	if emailMaxRetries <= 0 {
		emailMaxRetries = DefaultMaxRetries
	}
	return &Replayer{
		tx:              tx,
		exporter:        exporter,
		clk:             clk,
		logger:          logger,
		emailMaxRetries: emailMaxRetries,
	}
}

// ListDead pages through dead events for an org, optionally filtered by kind.
func (r *Replayer) ListDead(ctx context.Context, orgID uuid.UUID, kind domain.OutboxKind, limit, offset int32) ([]domain.OutboxEvent, error) {
	const op = "outbox.list_dead"
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.OutboxEvent
	err := r.tx.WithinTx(ctx, func(q repository.Querier) error {
		var err error
		out, err = q.ListDeadOutbox(ctx, orgID, kind, limit, offset)
		return err
	})
	if err != nil {
		return nil, domain.Internal(err, op, "list dead outbox")
	}
	return out, nil
}

// ListEmailFailures pages the email dead-letter table, optionally filtered by
// status.
func (r *Replayer) ListEmailFailures(ctx context.Context, orgID uuid.UUID, status domain.OutboxStatus, limit, offset int32) ([]domain.EmailFailure, error) {
	const op = "outbox.list_email_failures"
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.EmailFailure
	err := r.tx.WithinTx(ctx, func(q repository.Querier) error {
		var err error
		out, err = q.ListEmailFailures(ctx, orgID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, domain.Internal(err, op, "list email failures")
	}
	return out, nil
}

// Replay requeues a dead event with a fresh attempt budget. Only dead events
// can be replayed.
func (r *Replayer) Replay(ctx context.Context, orgID, actorID, eventID uuid.UUID) (*domain.OutboxEvent, error) {
	const op = "outbox.replay"
	now := r.clk.Now()

	var out *domain.OutboxEvent
	err := r.tx.WithinTx(ctx, func(q repository.Querier) error {
		ok, err := q.ResetOutboxEvent(ctx, orgID, eventID, now)
		if err != nil {
			return domain.Internal(err, op, "reset event")
		}
		if !ok {
			ev, err := q.GetOutboxEvent(ctx, orgID, eventID)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NotFound(op, "outbox event", eventID.String())
			}
			if err != nil {
				return domain.Internal(err, op, "load event")
			}
			return domain.Conflict(op, "event is "+string(ev.Status)+", only dead events can be replayed")
		}
		out, err = q.GetOutboxEvent(ctx, orgID, eventID)
		if err != nil {
			return domain.Internal(err, op, "reload event")
		}
		return q.InsertAudit(ctx, &domain.AuditRecord{
			ID:        uuid.New(),
			OrgID:     orgID,
			ActorID:   actorID,
			Action:    "outbox.replay",
			EntityID:  eventID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("outbox event replayed",
		slog.String("event_id", eventID.String()),
		slog.String("actor_id", actorID.String()))
	return out, nil
}

// PushExport delivers a dead export event synchronously, bypassing the retry
// schedule, and settles it on success.
func (r *Replayer) PushExport(ctx context.Context, orgID, actorID, eventID uuid.UUID) error {
	const op = "outbox.push_export"

	var ev *domain.OutboxEvent
	err := r.tx.WithinTx(ctx, func(q repository.Querier) error {
		got, err := q.GetOutboxEvent(ctx, orgID, eventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFound(op, "outbox event", eventID.String())
		}
		if err != nil {
			return domain.Internal(err, op, "load event")
		}
		if got.Kind != domain.OutboxExport {
			return domain.Invalid(op, "event is not an export")
		}
		if got.Status != domain.OutboxDead {
			return domain.Conflict(op, "event is "+string(got.Status)+", only dead events can be pushed")
		}
		ev = got
		return nil
	})
	if err != nil {
		return err
	}

	var p ExportPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return domain.Internal(err, op, "decode export payload")
	}
	if err := r.exporter.Export(ctx, orgID, p.Subject, p.Body); err != nil {
		return domain.Unavailable(op, "export delivery failed: "+err.Error())
	}

	now := r.clk.Now()
	return r.tx.WithinTx(ctx, func(q repository.Querier) error {
		if err := q.MarkOutboxSent(ctx, eventID); err != nil {
			return domain.Internal(err, op, "settle event")
		}
		return q.InsertAudit(ctx, &domain.AuditRecord{
			ID:        uuid.New(),
			OrgID:     orgID,
			ActorID:   actorID,
			Action:    "outbox.push_export",
			EntityID:  eventID,
			CreatedAt: now,
		})
	})
}

// ResendEmail enqueues a fresh copy of a recorded email under a manual_resend
// dedupe key, so the copy is never suppressed by the original's key.
func (r *Replayer) ResendEmail(ctx context.Context, orgID, actorID, emailEventID uuid.UUID) (*domain.EmailEvent, error) {
	const op = "outbox.resend_email"
	now := r.clk.Now()
	nonce := uuid.NewString()[:8]

	var out *domain.EmailEvent
	err := r.tx.WithinTx(ctx, func(q repository.Querier) error {
		orig, err := q.GetEmailEvent(ctx, orgID, emailEventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFound(op, "email event", emailEventID.String())
		}
		if err != nil {
			return domain.Internal(err, op, "load email event")
		}

		enqueued, err := EnqueueEmail(ctx, q, Email{
			OrgID:     orgID,
			DedupeKey: "manual_resend:" + emailEventID.String() + ":" + nonce,
			Recipient: orig.Recipient,
			Subject:   orig.Subject,
			Body:      orig.Body,
			EmailType: orig.EmailType,
			BookingID: orig.BookingID,
			InvoiceID: orig.InvoiceID,
		}, r.emailMaxRetries, now)
		if err != nil {
			return domain.Internal(err, op, "enqueue resend")
		}
		if !enqueued {
			return domain.Conflict(op, "resend was deduplicated")
		}

		if err := q.MarkEmailFailureSent(ctx, orgID, orig.DedupeKey); err != nil {
			return domain.Internal(err, op, "settle email failure")
		}
		out = orig
		return q.InsertAudit(ctx, &domain.AuditRecord{
			ID:        uuid.New(),
			OrgID:     orgID,
			ActorID:   actorID,
			Action:    "outbox.resend_email",
			EntityID:  emailEventID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
