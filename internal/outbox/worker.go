package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/email"
	"github.com/rowanhq/brightside/internal/export"
	"github.com/rowanhq/brightside/internal/repository"
	"github.com/rowanhq/brightside/internal/telemetry"
)

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	PollInterval    time.Duration
	BatchSize       int32
	BackoffBase     time.Duration
	DeliveryTimeout time.Duration
	Breaker         breaker.Config
}

// DefaultWorkerConfig is the production default.
var DefaultWorkerConfig = WorkerConfig{
	PollInterval:    5 * time.Second,
	BatchSize:       50,
	BackoffBase:     time.Minute,
	DeliveryTimeout: 30 * time.Second,
	Breaker:         breaker.DefaultConfig,
}

// Worker drains the outbox: it claims due pending events, delivers them
// through the kind's adapter, and applies exponential backoff and
// dead-lettering on failure. Email events keep a sibling row in
// email_failures that the same loop advances (pending while retries remain,
// sent on recovery, dead at exhaustion). Each kind has its own circuit
// breaker so a down SMTP relay cannot starve export delivery.
type Worker struct {
	tx       repository.TxRunner
	q        repository.Querier
	sender   email.Sender
	exporter export.Exporter
	clk      clock.Clock
	metrics  *telemetry.Ops
	logger   *slog.Logger
	cfg      WorkerConfig

	breakers map[domain.OutboxKind]*breaker.Breaker
}

func NewWorker(tx repository.TxRunner, q repository.Querier, sender email.Sender, exporter export.Exporter, clk clock.Clock, metrics *telemetry.Ops, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig.BatchSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultWorkerConfig.BackoffBase
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultWorkerConfig.DeliveryTimeout
	}
	return &Worker{
		tx:       tx,
		q:        q,
		sender:   sender,
		exporter: exporter,
		clk:      clk,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		breakers: map[domain.OutboxKind]*breaker.Breaker{
			domain.OutboxEmail:  breaker.New("outbox_email", cfg.Breaker, clk),
			domain.OutboxExport: breaker.New("outbox_export", cfg.Breaker, clk),
		},
	}
}

// Run polls until the context is cancelled. The batch in flight finishes
// before Run returns.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", int(w.cfg.BatchSize)))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopping")
			return
		case <-ticker.C:
			if err := w.Tick(context.WithoutCancel(ctx)); err != nil {
				w.logger.Error("outbox tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick processes one batch of due events and refreshes the queue gauges.
func (w *Worker) Tick(ctx context.Context) error {
	now := w.clk.Now()
	due, err := w.q.ListDueOutbox(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due outbox: %w", err)
	}

	for i := range due {
		w.process(ctx, &due[i])
	}

	w.refreshGauges(ctx)
	return nil
}

func (w *Worker) process(ctx context.Context, ev *domain.OutboxEvent) {
	brk := w.breakers[ev.Kind]
	if brk == nil {
		w.fail(ctx, ev, fmt.Errorf("unknown outbox kind %q", ev.Kind))
		return
	}
	w.metrics.BreakerState.WithLabelValues(brk.Name()).Set(float64(brk.State()))
	if brk.Allow() != nil {
		// Leave the event due; it is picked up again once the circuit
		// half-opens.
		w.metrics.OutboxDeliveries.WithLabelValues(string(ev.Kind), telemetry.ResultSkipped).Inc()
		return
	}

	claimed, err := w.claim(ctx, ev)
	if err != nil {
		w.logger.Error("outbox claim failed",
			slog.String("event_id", ev.ID.String()),
			slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}

	delivered, skipped, err := w.deliver(ctx, ev)
	if err != nil {
		brk.Failure()
		w.fail(ctx, ev, err)
		return
	}
	brk.Success()

	if err := w.markSent(ctx, ev); err != nil {
		w.logger.Error("outbox mark sent failed",
			slog.String("event_id", ev.ID.String()),
			slog.Any("error", err))
		return
	}
	switch {
	case skipped:
		w.metrics.OutboxDeliveries.WithLabelValues(string(ev.Kind), telemetry.ResultSkipped).Inc()
	case delivered:
		w.metrics.OutboxDeliveries.WithLabelValues(string(ev.Kind), telemetry.ResultSent).Inc()
	}
}

func (w *Worker) claim(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	var claimed bool
	err := w.tx.WithinTx(ctx, func(q repository.Querier) error {
		var err error
		claimed, err = q.ClaimOutbox(ctx, ev.ID)
		return err
	})
	return claimed, err
}

// deliver runs the kind's adapter. skipped=true means the event is settled
// without an external call (unsubscribed recipient).
func (w *Worker) deliver(ctx context.Context, ev *domain.OutboxEvent) (delivered, skipped bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()

	switch ev.Kind {
	case domain.OutboxEmail:
		var p EmailPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, false, fmt.Errorf("decode email payload: %w", err)
		}
		if p.Scope != "" {
			unsub, err := w.q.IsUnsubscribed(ctx, ev.OrgID, p.Recipient, p.Scope)
			if err != nil {
				return false, false, fmt.Errorf("check unsubscribe: %w", err)
			}
			if unsub {
				w.metrics.EmailsSkipped.WithLabelValues(p.Scope).Inc()
				return false, true, nil
			}
		}
		if err := w.sender.Send(callCtx, &email.Message{
			To:       p.Recipient,
			Subject:  p.Subject,
			TextBody: p.Body,
		}); err != nil {
			w.metrics.EmailsFailed.WithLabelValues(p.EmailType).Inc()
			return false, false, err
		}
		w.metrics.EmailsSent.WithLabelValues(p.EmailType).Inc()
		return true, false, nil

	case domain.OutboxExport:
		var p ExportPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, false, fmt.Errorf("decode export payload: %w", err)
		}
		if err := w.exporter.Export(callCtx, ev.OrgID, p.Subject, p.Body); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	return false, false, fmt.Errorf("unknown outbox kind %q", ev.Kind)
}

func (w *Worker) markSent(ctx context.Context, ev *domain.OutboxEvent) error {
	return w.tx.WithinTx(ctx, func(q repository.Querier) error {
		if err := q.MarkOutboxSent(ctx, ev.ID); err != nil {
			return err
		}
		// Settle the failure row, if any, with the event. Covers both the
		// retried and the replayed-after-dead case; a clean first delivery
		// has no row and this is a no-op.
		if ev.Kind == domain.OutboxEmail {
			return q.MarkEmailFailureSent(ctx, ev.OrgID, ev.DedupeKey)
		}
		return nil
	})
}

// fail schedules the retry or dead-letters the event once the attempt budget
// is spent. The delay doubles per attempt: base, 2x base, 4x base, ...
func (w *Worker) fail(ctx context.Context, ev *domain.OutboxEvent, cause error) {
	now := w.clk.Now()
	attempts := ev.Attempts + 1

	status := domain.OutboxPending
	next := now.Add(w.backoff(attempts))
	result := telemetry.ResultFailed
	if attempts > ev.MaxRetries {
		status = domain.OutboxDead
		next = now
		result = telemetry.ResultDead
	}

	err := w.tx.WithinTx(ctx, func(q repository.Querier) error {
		if err := q.MarkOutboxFailed(ctx, ev.ID, attempts, status, next, cause.Error()); err != nil {
			return err
		}
		if ev.Kind == domain.OutboxEmail {
			return w.mirrorEmailFailure(ctx, q, ev, cause, attempts, status, next, now)
		}
		return nil
	})
	if err != nil {
		w.logger.Error("outbox mark failed errored",
			slog.String("event_id", ev.ID.String()),
			slog.Any("error", err))
		return
	}

	w.metrics.OutboxDeliveries.WithLabelValues(string(ev.Kind), result).Inc()
	w.logger.Warn("outbox delivery failed",
		slog.String("event_id", ev.ID.String()),
		slog.String("kind", string(ev.Kind)),
		slog.Int("attempts", int(attempts)),
		slog.String("status", string(status)),
		slog.Any("error", cause))
}

// mirrorEmailFailure upserts the email failure row keyed by (org_id,
// dedupe_key) on every failed attempt, carrying the same retry schedule as
// the outbox event. Operators see partial failures immediately instead of
// only after dead-lettering.
func (w *Worker) mirrorEmailFailure(ctx context.Context, q repository.Querier, ev *domain.OutboxEvent, cause error, attempts int32, status domain.OutboxStatus, next, now time.Time) error {
	var p EmailPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode email payload for dlq: %w", err)
	}
	return q.UpsertEmailFailure(ctx, &domain.EmailFailure{
		ID:           ev.ID,
		OrgID:        ev.OrgID,
		DedupeKey:    ev.DedupeKey,
		Recipient:    p.Recipient,
		Subject:      p.Subject,
		Body:         p.Body,
		Status:       status,
		AttemptCount: attempts,
		MaxRetries:   ev.MaxRetries,
		NextRetryAt:  next,
		LastError:    cause.Error(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (w *Worker) backoff(attempts int32) time.Duration {
	d := w.cfg.BackoffBase
	for i := int32(1); i < attempts; i++ {
		d *= 2
	}
	return d
}

func (w *Worker) refreshGauges(ctx context.Context) {
	now := w.clk.Now()
	for _, kind := range []domain.OutboxKind{domain.OutboxEmail, domain.OutboxExport} {
		n, err := w.q.CountPendingOutbox(ctx, kind)
		if err != nil {
			continue
		}
		w.metrics.OutboxPending.WithLabelValues(string(kind)).Set(float64(n))

		oldest, ok, err := w.q.OldestPendingOutbox(ctx, kind)
		if err != nil {
			continue
		}
		lag := 0.0
		if ok {
			lag = now.Sub(oldest).Seconds()
		}
		w.metrics.OutboxLagSeconds.WithLabelValues(string(kind)).Set(lag)
	}
}
