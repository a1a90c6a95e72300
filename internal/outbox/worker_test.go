package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/email"
	"github.com/rowanhq/brightside/internal/repository/repositorytest"
	"github.com/rowanhq/brightside/internal/telemetry"
)

type stubSender struct {
	fn    func(m *email.Message) error
	calls int
}

func (s *stubSender) Send(_ context.Context, m *email.Message) error {
	s.calls++
	if s.fn != nil {
		return s.fn(m)
	}
	return nil
}

type exportCall struct {
	orgID   uuid.UUID
	subject string
	body    json.RawMessage
}

type stubExporter struct {
	fn    func(subject string) error
	calls []exportCall
}

func (s *stubExporter) Export(_ context.Context, orgID uuid.UUID, subject string, body json.RawMessage) error {
	s.calls = append(s.calls, exportCall{orgID: orgID, subject: subject, body: body})
	if s.fn != nil {
		return s.fn(subject)
	}
	return nil
}

type workerFixture struct {
	worker   *Worker
	store    *repositorytest.Store
	clk      *clock.Fake
	sender   *stubSender
	exporter *stubExporter
	metrics  *telemetry.Ops
	orgID    uuid.UUID
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	store := repositorytest.New()
	clk := clock.NewFake(time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC))
	sender := &stubSender{}
	exporter := &stubExporter{}
	metrics := telemetry.NewOps(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := NewWorker(store, store, sender, exporter, clk, metrics, logger, WorkerConfig{
		PollInterval:    time.Second,
		BatchSize:       10,
		BackoffBase:     time.Minute,
		DeliveryTimeout: time.Second,
		Breaker: breaker.Config{
			FailureThreshold: 10,
			Cooldown:         time.Minute,
			ProbeSuccesses:   1,
		},
	})
	return &workerFixture{
		worker:   w,
		store:    store,
		clk:      clk,
		sender:   sender,
		exporter: exporter,
		metrics:  metrics,
		orgID:    uuid.New(),
	}
}

func (f *workerFixture) enqueueEmail(t *testing.T, dedupeKey string) {
	t.Helper()
	enqueued, err := EnqueueEmail(context.Background(), f.store, Email{
		OrgID:     f.orgID,
		DedupeKey: dedupeKey,
		Recipient: "dana@example.com",
		Subject:   "Reminder",
		Body:      "See you tomorrow",
		EmailType: "reminder",
	}, 3, f.clk.Now())
	require.NoError(t, err)
	require.True(t, enqueued)
}

func (f *workerFixture) singleEvent(t *testing.T) domain.OutboxEvent {
	t.Helper()
	events := f.store.OutboxEvents()
	require.Len(t, events, 1)
	return events[0]
}

func TestEnqueueEmailDeduplicates(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "booking:x:reminder:2026-09-15")

	again, err := EnqueueEmail(context.Background(), f.store, Email{
		OrgID:     f.orgID,
		DedupeKey: "booking:x:reminder:2026-09-15",
		Recipient: "dana@example.com",
		Subject:   "Reminder",
		Body:      "See you tomorrow",
		EmailType: "reminder",
	}, 3, f.clk.Now())
	require.NoError(t, err)
	assert.False(t, again)
	assert.Len(t, f.store.OutboxEvents(), 1)
	assert.Len(t, f.store.EmailEvents(), 1)
}

func TestWorkerDeliversEmail(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "k1")

	f.clk.Advance(time.Second)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 1, f.sender.calls)
	ev := f.singleEvent(t)
	assert.Equal(t, domain.OutboxSent, ev.Status)
	assert.Equal(t, int32(1), ev.Attempts)
	assert.Empty(t, ev.LastError)
}

func TestWorkerBackoffDoublesThenDeadLetters(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "k-backoff")
	f.sender.fn = func(*email.Message) error { return errors.New("smtp 451") }

	start := f.clk.Now()

	// Attempt 1 fails: next retry in 60s.
	require.NoError(t, f.worker.Tick(context.Background()))
	ev := f.singleEvent(t)
	assert.Equal(t, domain.OutboxPending, ev.Status)
	assert.Equal(t, int32(1), ev.Attempts)
	assert.Equal(t, start.Add(time.Minute), ev.NextAttemptAt)
	assert.Contains(t, ev.LastError, "smtp 451")

	// Not due yet: nothing happens.
	f.clk.Advance(30 * time.Second)
	require.NoError(t, f.worker.Tick(context.Background()))
	assert.Equal(t, 1, f.sender.calls)

	// Attempt 2: next retry in 120s.
	f.clk.Advance(30 * time.Second)
	require.NoError(t, f.worker.Tick(context.Background()))
	ev = f.singleEvent(t)
	assert.Equal(t, int32(2), ev.Attempts)
	assert.Equal(t, f.clk.Now().Add(2*time.Minute), ev.NextAttemptAt)

	// Attempt 3: next retry in 240s.
	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))
	ev = f.singleEvent(t)
	assert.Equal(t, int32(3), ev.Attempts)
	assert.Equal(t, f.clk.Now().Add(4*time.Minute), ev.NextAttemptAt)

	// Attempt 4 exhausts max_retries=3: dead, mirrored to the email DLQ.
	f.clk.Advance(4 * time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))
	ev = f.singleEvent(t)
	assert.Equal(t, domain.OutboxDead, ev.Status)
	assert.Equal(t, int32(4), ev.Attempts)

	failures := f.store.EmailFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "k-backoff", failures[0].DedupeKey)
	assert.Equal(t, "dana@example.com", failures[0].Recipient)
	assert.Equal(t, domain.OutboxDead, failures[0].Status)
	assert.Equal(t, int32(4), failures[0].AttemptCount)
	assert.Contains(t, failures[0].LastError, "smtp 451")
}

func TestWorkerMirrorsEmailFailurePerAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "k-dlq")
	f.sender.fn = func(*email.Message) error { return errors.New("smtp 421") }

	start := f.clk.Now()
	require.NoError(t, f.worker.Tick(context.Background()))

	failures := f.store.EmailFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.OutboxPending, failures[0].Status)
	assert.Equal(t, int32(1), failures[0].AttemptCount)
	assert.Equal(t, start.Add(time.Minute), failures[0].NextRetryAt)
	assert.Contains(t, failures[0].LastError, "smtp 421")

	// Recovery on the next attempt settles the failure row with the event.
	f.sender.fn = nil
	f.clk.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))

	failures = f.store.EmailFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.OutboxSent, failures[0].Status)
	assert.Equal(t, domain.OutboxSent, f.singleEvent(t).Status)
}

func TestBreakerStateGaugeMatchesEnum(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.cfg.Breaker.FailureThreshold = 1
	f.worker.breakers[domain.OutboxEmail] = breaker.New("outbox_email", f.worker.cfg.Breaker, f.clk)
	f.sender.fn = func(*email.Message) error { return errors.New("relay down") }

	f.enqueueEmail(t, "k-gauge-1")
	f.enqueueEmail(t, "k-gauge-2")
	// The first event trips the breaker; the second is processed with the
	// circuit open, so the gauge is published in the open state.
	require.NoError(t, f.worker.Tick(context.Background()))

	g := f.metrics.BreakerState.WithLabelValues("outbox_email")
	assert.Equal(t, float64(breaker.Open), testutil.ToFloat64(g))
	assert.Equal(t, 1.0, testutil.ToFloat64(g))
}

func TestWorkerSkipsUnsubscribedScope(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.SeedUnsubscribe(f.orgID, "dana@example.com", "marketing")

	enqueued, err := EnqueueEmail(context.Background(), f.store, Email{
		OrgID:     f.orgID,
		DedupeKey: "nps-wave-3",
		Recipient: "dana@example.com",
		Subject:   "How did we do?",
		Body:      "Tell us",
		EmailType: "nps",
		Scope:     "marketing",
	}, 3, f.clk.Now())
	require.NoError(t, err)
	require.True(t, enqueued)

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 0, f.sender.calls, "unsubscribed recipient must not be emailed")
	ev := f.singleEvent(t)
	assert.Equal(t, domain.OutboxSent, ev.Status)
}

func TestWorkerOpenBreakerLeavesEventsDue(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.cfg.Breaker.FailureThreshold = 1
	f.worker.breakers[domain.OutboxEmail] = breaker.New("outbox_email", f.worker.cfg.Breaker, f.clk)
	f.sender.fn = func(*email.Message) error { return errors.New("relay down") }

	f.enqueueEmail(t, "k-brk-1")
	require.NoError(t, f.worker.Tick(context.Background()))
	require.Equal(t, 1, f.sender.calls)

	// The breaker is open now; the retry stays queued without a send attempt.
	f.clk.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))
	assert.Equal(t, 1, f.sender.calls)
	ev := f.singleEvent(t)
	assert.Equal(t, domain.OutboxPending, ev.Status)
	assert.Equal(t, int32(1), ev.Attempts)
}

func TestWorkerDeliversExport(t *testing.T) {
	f := newWorkerFixture(t)
	body, err := json.Marshal(map[string]string{"booking_id": uuid.NewString()})
	require.NoError(t, err)

	enqueued, err := Enqueue(context.Background(), f.store, f.orgID, domain.OutboxExport, "export:day:2026-09-14", ExportPayload{
		Subject: "bookings.day_closed",
		Body:    body,
	}, 3, f.clk.Now())
	require.NoError(t, err)
	require.True(t, enqueued)

	require.NoError(t, f.worker.Tick(context.Background()))

	require.Len(t, f.exporter.calls, 1)
	assert.Equal(t, "bookings.day_closed", f.exporter.calls[0].subject)
	assert.Equal(t, f.orgID, f.exporter.calls[0].orgID)
	assert.Equal(t, domain.OutboxSent, f.singleEvent(t).Status)
}

func TestReplayerRequeuesDeadEvent(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "k-replay")
	f.sender.fn = func(*email.Message) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		require.NoError(t, f.worker.Tick(context.Background()))
		f.clk.Advance(10 * time.Minute)
	}
	dead := f.singleEvent(t)
	require.Equal(t, domain.OutboxDead, dead.Status)

	actor := uuid.New()
	rep := NewReplayer(f.store, f.exporter, f.clk, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ev, err := rep.Replay(context.Background(), f.orgID, actor, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, ev.Status)
	assert.Equal(t, int32(0), ev.Attempts)

	audits := f.store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, "outbox.replay", audits[0].Action)
	assert.Equal(t, actor, audits[0].ActorID)

	// Replaying a pending event is rejected.
	_, err = rep.Replay(context.Background(), f.orgID, actor, dead.ID)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	// The replayed event delivers once the sender recovers.
	f.sender.fn = nil
	require.NoError(t, f.worker.Tick(context.Background()))
	assert.Equal(t, domain.OutboxSent, f.singleEvent(t).Status)
}

func TestReplayerPushesDeadExportDirectly(t *testing.T) {
	f := newWorkerFixture(t)
	body := json.RawMessage(`{"n":1}`)
	_, err := Enqueue(context.Background(), f.store, f.orgID, domain.OutboxExport, "export:x", ExportPayload{
		Subject: "ops.snapshot",
		Body:    body,
	}, 1, f.clk.Now())
	require.NoError(t, err)

	f.exporter.fn = func(string) error { return errors.New("sink down") }
	for i := 0; i < 2; i++ {
		require.NoError(t, f.worker.Tick(context.Background()))
		f.clk.Advance(10 * time.Minute)
	}
	dead := f.singleEvent(t)
	require.Equal(t, domain.OutboxDead, dead.Status)

	f.exporter.fn = nil
	rep := NewReplayer(f.store, f.exporter, f.clk, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, rep.PushExport(context.Background(), f.orgID, uuid.New(), dead.ID))

	assert.Equal(t, domain.OutboxSent, f.singleEvent(t).Status)
	last := f.exporter.calls[len(f.exporter.calls)-1]
	assert.Equal(t, "ops.snapshot", last.subject)
}

func TestReplayerResendsEmailUnderFreshKey(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueueEmail(t, "k-orig")
	emails := f.store.EmailEvents()
	require.Len(t, emails, 1)

	rep := NewReplayer(f.store, f.exporter, f.clk, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	orig, err := rep.ResendEmail(context.Background(), f.orgID, uuid.New(), emails[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", orig.Recipient)

	emails = f.store.EmailEvents()
	require.Len(t, emails, 2)
	var resent *domain.EmailEvent
	for i := range emails {
		if emails[i].ID != orig.ID {
			resent = &emails[i]
		}
	}
	require.NotNil(t, resent)
	assert.Contains(t, resent.DedupeKey, "manual_resend:"+orig.ID.String()+":")
	assert.Len(t, f.store.OutboxEvents(), 2)
}
