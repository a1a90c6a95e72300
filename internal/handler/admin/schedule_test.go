package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/export"
	"github.com/rowanhq/brightside/internal/handler/admin"
	"github.com/rowanhq/brightside/internal/middleware"
	"github.com/rowanhq/brightside/internal/outbox"
	"github.com/rowanhq/brightside/internal/policy"
	"github.com/rowanhq/brightside/internal/repository/repositorytest"
	"github.com/rowanhq/brightside/internal/router"
	"github.com/rowanhq/brightside/internal/routes"
	"github.com/rowanhq/brightside/internal/schedule"
)

// fixture wires the full admin surface the way cmd/server does, minus the
// webhook and metrics routes, against the in-memory store.
type fixture struct {
	store   *repositorytest.Store
	clk     *clock.Fake
	orgID   uuid.UUID
	actorID uuid.UUID
	r       *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := clock.NewCalendar("")
	require.NoError(t, err)
	store := repositorytest.New()
	clk := clock.NewFake(time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := policy.Config{DepositsEnabled: true, DepositPercent: 20, Currency: "aud"}
	svc := schedule.NewService(store, schedule.NewEngine(cal), cal, clk, cfg, 3, logger)
	replayer := outbox.NewReplayer(store, export.NewLogExporter(logger), clk, 3, logger)

	orgID := uuid.New()
	r := router.New(middleware.RequestID(), middleware.Identity(orgID))
	routes.RegisterAdminRoutes(r, routes.AdminDeps{
		Schedule:    admin.NewScheduleHandler(svc, logger),
		Outbox:      admin.NewOutboxHandler(replayer, logger),
		Idempotency: middleware.NewIdempotency(store, clk, time.Hour, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 100}, clk),
	})
	return &fixture{store: store, clk: clk, orgID: orgID, actorID: uuid.New(), r: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(middleware.ActorIDHeader, f.actorID.String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func ts(hour, min int) time.Time {
	return time.Date(2026, time.September, 14, hour, min, 0, 0, time.UTC)
}

func (f *fixture) createBooking(t *testing.T, body map[string]any) admin.BookingResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/admin/bookings", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[admin.BookingResponse](t, w)
}

func TestCreateBookingAndGetSchedule(t *testing.T) {
	f := newFixture(t)

	b := f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, ts(13, 0), b.EndsAt.UTC())
	assert.NotEqual(t, uuid.Nil, b.TeamID)

	w := f.do(t, http.MethodGet, "/v1/admin/schedule?day=2026-09-14", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	day := decode[struct {
		Day            string                  `json:"day"`
		Bookings       []admin.BookingResponse `json:"bookings"`
		AvailableSlots []time.Time             `json:"available_slots"`
	}](t, w)
	assert.Equal(t, "2026-09-14", day.Day)
	require.Len(t, day.Bookings, 1)
	assert.Equal(t, b.ID, day.Bookings[0].ID)
	assert.NotEmpty(t, day.AvailableSlots)

	w = f.do(t, http.MethodGet, "/v1/admin/schedule?day=14-09-2026", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.EINVALID, errorCode(t, w))
}

func TestCreateBookingRejectsShortDuration(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/admin/bookings", map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 15,
		"service_type":     "standard",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBookingConflictReturns409(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	}
	f.createBooking(t, body)

	w := f.do(t, http.MethodPost, "/v1/admin/bookings", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.ECONFLICT, errorCode(t, w))
}

func TestMoveBooking(t *testing.T) {
	f := newFixture(t)
	b := f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})

	w := f.do(t, http.MethodPost, "/v1/admin/schedule/"+b.ID.String()+"/move",
		map[string]any{"starts_at": ts(15, 0)}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	moved := decode[admin.BookingResponse](t, w)
	assert.Equal(t, ts(15, 0), moved.StartsAt.UTC())
	assert.EqualValues(t, 60, moved.DurationMinutes)
}

func TestMoveUnknownBookingReturns404(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/admin/schedule/"+uuid.NewString()+"/move",
		map[string]any{"starts_at": ts(15, 0)}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConflictsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})

	query := func(from, to time.Time) *httptest.ResponseRecorder {
		q := url.Values{}
		q.Set("starts_at", from.Format(time.RFC3339))
		q.Set("ends_at", to.Format(time.RFC3339))
		return f.do(t, http.MethodGet, "/v1/admin/schedule/conflicts?"+q.Encode(), nil, nil)
	}

	w := query(ts(12, 30), ts(13, 30))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		HasConflict bool                `json:"has_conflict"`
		Conflicts   []schedule.Conflict `json:"conflicts"`
	}](t, w)
	assert.True(t, out.HasConflict)
	require.NotEmpty(t, out.Conflicts)
	assert.Equal(t, "booking", out.Conflicts[0].Kind)

	w = query(ts(16, 0), ts(17, 0))
	require.Equal(t, http.StatusOK, w.Code)
	out = decode[struct {
		HasConflict bool                `json:"has_conflict"`
		Conflicts   []schedule.Conflict `json:"conflicts"`
	}](t, w)
	assert.False(t, out.HasConflict)
	assert.NotNil(t, out.Conflicts)
}

func TestAssigneesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})

	teams, err := f.store.ListTeams(context.Background(), f.orgID)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	worker := domain.Worker{ID: uuid.New(), OrgID: f.orgID, TeamID: teams[0].ID, Name: "Ana", IsActive: true}
	f.store.SeedWorker(worker)

	q := url.Values{}
	q.Set("starts_at", ts(15, 0).Format(time.RFC3339))
	q.Set("ends_at", ts(16, 0).Format(time.RFC3339))
	w := f.do(t, http.MethodGet, "/v1/admin/schedule/assignees?"+q.Encode(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[schedule.Assignees](t, w)
	require.Len(t, out.Teams, 1)
	require.Len(t, out.Workers, 1)
	assert.Equal(t, worker.ID, out.Workers[0].ID)

	// The booking's buffered window keeps the team, and so every worker, busy.
	q.Set("starts_at", ts(12, 30).Format(time.RFC3339))
	q.Set("ends_at", ts(13, 30).Format(time.RFC3339))
	w = f.do(t, http.MethodGet, "/v1/admin/schedule/assignees?"+q.Encode(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode[schedule.Assignees](t, w)
	assert.Empty(t, out.Teams)
	assert.Empty(t, out.Workers)
}

func TestBulkUpdateRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	b := f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})
	body := map[string]any{
		"booking_ids": []uuid.UUID{b.ID},
		"status":      domain.BookingCancelled,
	}

	w := f.do(t, http.MethodPost, "/v1/admin/bookings/bulk", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	key := map[string]string{middleware.IdempotencyKeyHeader: "bulk-1"}
	w = f.do(t, http.MethodPost, "/v1/admin/bookings/bulk", body, key)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[schedule.BulkResult](t, w)
	assert.Equal(t, 1, out.Updated)

	// Same key replays the recorded response instead of re-running the batch.
	w = f.do(t, http.MethodPost, "/v1/admin/bookings/bulk", body, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replay"))
	out = decode[schedule.BulkResult](t, w)
	assert.Equal(t, 1, out.Updated)
}

func TestPolicyOverrideEndpoints(t *testing.T) {
	f := newFixture(t)
	// Short notice and a $400 estimate: the deposit is required on creation.
	b := f.createBooking(t, map[string]any{
		"starts_at":             ts(12, 0),
		"duration_minutes":      120,
		"service_type":          "deep",
		"estimated_total_cents": 40_000,
	})
	require.True(t, b.DepositRequired)

	w := f.do(t, http.MethodPost, "/v1/admin/bookings/"+b.ID.String()+"/downgrade-deposit",
		map[string]any{"reason": "long-standing client"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[admin.BookingResponse](t, w)
	assert.False(t, got.DepositRequired)
	assert.Zero(t, got.DepositCents)

	w = f.do(t, http.MethodPost, "/v1/admin/bookings/"+b.ID.String()+"/risk-band",
		map[string]any{"band": "HIGH"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode[admin.BookingResponse](t, w)
	assert.Equal(t, domain.RiskHigh, got.RiskBand)

	w = f.do(t, http.MethodPost, "/v1/admin/bookings/"+b.ID.String()+"/risk-band",
		map[string]any{"band": "EXTREME"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/bookings/"+b.ID.String()+"/cancellation-exception",
		map[string]any{"note": "goodwill"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[admin.BookingResponse](t, w)
	assert.True(t, got.CancellationException)
}

func TestBlockSlotEndpoint(t *testing.T) {
	f := newFixture(t)
	b := f.createBooking(t, map[string]any{
		"starts_at":        ts(12, 0),
		"duration_minutes": 60,
		"service_type":     "standard",
	})

	w := f.do(t, http.MethodPost, "/v1/admin/schedule/block", map[string]any{
		"team_id":   b.TeamID,
		"starts_at": ts(16, 0),
		"ends_at":   ts(17, 0),
		"reason":    "van service",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[admin.BlackoutResponse](t, w)
	assert.Equal(t, b.TeamID, out.TeamID)
	assert.Equal(t, "van service", out.Reason)

	// Blocking over the existing booking is refused.
	w = f.do(t, http.MethodPost, "/v1/admin/schedule/block", map[string]any{
		"team_id":   b.TeamID,
		"starts_at": ts(12, 30),
		"ends_at":   ts(13, 0),
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func (f *fixture) seedDeadExport(t *testing.T, dedupeKey string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()
	ev := domain.OutboxEvent{
		ID:            uuid.New(),
		OrgID:         f.orgID,
		Kind:          domain.OutboxExport,
		Status:        domain.OutboxPending,
		MaxRetries:    3,
		NextAttemptAt: now,
		Payload:       json.RawMessage(`{"subject":"weekly_report","body":{"rows":1}}`),
		DedupeKey:     dedupeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ok, err := f.store.EnqueueOutbox(ctx, &ev)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.MarkOutboxFailed(ctx, ev.ID, 3, domain.OutboxDead, now, "export endpoint unreachable"))
	return ev.ID
}

func TestOutboxDeadLetterListAndReplay(t *testing.T) {
	f := newFixture(t)
	id := f.seedDeadExport(t, "export:weekly:2026-09-14")

	w := f.do(t, http.MethodGet, "/v1/admin/outbox/dead-letter?kind=export", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[struct {
		Events []struct {
			ID        uuid.UUID           `json:"id"`
			Status    domain.OutboxStatus `json:"status"`
			LastError string              `json:"last_error"`
		} `json:"events"`
	}](t, w)
	require.Len(t, list.Events, 1)
	assert.Equal(t, id, list.Events[0].ID)
	assert.Equal(t, domain.OutboxDead, list.Events[0].Status)
	assert.Equal(t, "export endpoint unreachable", list.Events[0].LastError)

	w = f.do(t, http.MethodGet, "/v1/admin/outbox/dead-letter?kind=webhook", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	key := map[string]string{middleware.IdempotencyKeyHeader: "replay-1"}
	w = f.do(t, http.MethodPost, "/v1/admin/outbox/"+id.String()+"/replay", nil, key)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replayed := decode[struct {
		Status   domain.OutboxStatus `json:"status"`
		Attempts int32               `json:"attempts"`
	}](t, w)
	assert.Equal(t, domain.OutboxPending, replayed.Status)
	assert.Zero(t, replayed.Attempts)

	// A second replay under a fresh key conflicts: the event is pending again.
	key[middleware.IdempotencyKeyHeader] = "replay-2"
	w = f.do(t, http.MethodPost, "/v1/admin/outbox/"+id.String()+"/replay", nil, key)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExportDeadLetterPush(t *testing.T) {
	f := newFixture(t)
	id := f.seedDeadExport(t, "export:invoice:inv-41")

	key := map[string]string{middleware.IdempotencyKeyHeader: "push-1"}
	w := f.do(t, http.MethodPost, "/v1/admin/export-dead-letter/"+id.String()+"/replay", nil, key)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		EventID uuid.UUID           `json:"event_id"`
		Status  domain.OutboxStatus `json:"status"`
	}](t, w)
	assert.Equal(t, id, out.EventID)
	assert.Equal(t, domain.OutboxSent, out.Status)

	ctx := context.Background()
	ev, err := f.store.GetOutboxEvent(ctx, f.orgID, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSent, ev.Status)

	key[middleware.IdempotencyKeyHeader] = "push-2"
	w = f.do(t, http.MethodPost, "/v1/admin/export-dead-letter/"+id.String()+"/replay", nil, key)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReplayUnknownEventReturns404(t *testing.T) {
	f := newFixture(t)
	key := map[string]string{middleware.IdempotencyKeyHeader: "replay-missing"}
	w := f.do(t, http.MethodPost, "/v1/admin/outbox/"+uuid.NewString()+"/replay", nil, key)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
