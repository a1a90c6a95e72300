package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/handler"
	"github.com/rowanhq/brightside/internal/outbox"
)

// OutboxHandler serves the dead-letter endpoints: listing, replay, direct
// export push, and manual email resend.
type OutboxHandler struct {
	replayer *outbox.Replayer
	logger   *slog.Logger
}

func NewOutboxHandler(replayer *outbox.Replayer, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{replayer: replayer, logger: logger}
}

type outboxEventResponse struct {
	ID            uuid.UUID           `json:"id"`
	Kind          domain.OutboxKind   `json:"kind"`
	Status        domain.OutboxStatus `json:"status"`
	Attempts      int32               `json:"attempts"`
	MaxRetries    int32               `json:"max_retries"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	LastError     string              `json:"last_error,omitempty"`
	DedupeKey     string              `json:"dedupe_key"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func newOutboxEventResponse(ev *domain.OutboxEvent) outboxEventResponse {
	return outboxEventResponse{
		ID:            ev.ID,
		Kind:          ev.Kind,
		Status:        ev.Status,
		Attempts:      ev.Attempts,
		MaxRetries:    ev.MaxRetries,
		NextAttemptAt: ev.NextAttemptAt,
		LastError:     ev.LastError,
		DedupeKey:     ev.DedupeKey,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

func (h *OutboxHandler) listDead(w http.ResponseWriter, r *http.Request, kind domain.OutboxKind) {
	orgID := domain.RequireOrgID(r.Context())
	limit, offset, err := pageParams(r)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if kind == "" {
		switch k := r.URL.Query().Get("kind"); k {
		case "", string(domain.OutboxEmail), string(domain.OutboxExport):
			kind = domain.OutboxKind(k)
		default:
			handler.ErrorResponse(w, r, domain.Invalid("outbox.list_dead", "kind must be email or export"))
			return
		}
	}

	events, err := h.replayer.ListDead(r.Context(), orgID, kind, limit, offset)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	out := make([]outboxEventResponse, len(events))
	for i := range events {
		out[i] = newOutboxEventResponse(&events[i])
	}
	handler.JSON(w, http.StatusOK, map[string]any{"events": out})
}

// ListDeadLetter handles GET /v1/admin/outbox/dead-letter?kind=&limit=&offset=.
func (h *OutboxHandler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	h.listDead(w, r, "")
}

// ListExportDeadLetter handles GET /v1/admin/export-dead-letter?limit=&offset=.
func (h *OutboxHandler) ListExportDeadLetter(w http.ResponseWriter, r *http.Request) {
	h.listDead(w, r, domain.OutboxExport)
}

// Replay handles POST /v1/admin/outbox/{event_id}/replay. The event goes back
// to pending with a fresh attempt budget and the worker picks it up.
func (h *OutboxHandler) Replay(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	eventID, err := pathUUID(r, "event_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	ev, err := h.replayer.Replay(r.Context(), orgID, actor.ID, eventID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newOutboxEventResponse(ev))
}

// PushExport handles POST /v1/admin/export-dead-letter/{event_id}/replay. The
// export is delivered synchronously instead of going back through the worker.
func (h *OutboxHandler) PushExport(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	eventID, err := pathUUID(r, "event_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	if err := h.replayer.PushExport(r.Context(), orgID, actor.ID, eventID); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]any{"event_id": eventID, "status": domain.OutboxSent})
}

type emailFailureResponse struct {
	ID           uuid.UUID           `json:"id"`
	DedupeKey    string              `json:"dedupe_key"`
	Recipient    string              `json:"recipient"`
	Subject      string              `json:"subject"`
	Status       domain.OutboxStatus `json:"status"`
	AttemptCount int32               `json:"attempt_count"`
	MaxRetries   int32               `json:"max_retries"`
	NextRetryAt  time.Time           `json:"next_retry_at"`
	LastError    string              `json:"last_error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// ListEmailFailures handles GET /v1/admin/email-failures?status=&limit=&offset=.
func (h *OutboxHandler) ListEmailFailures(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	limit, offset, err := pageParams(r)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var status domain.OutboxStatus
	switch s := r.URL.Query().Get("status"); s {
	case "", string(domain.OutboxPending), string(domain.OutboxSent), string(domain.OutboxDead):
		status = domain.OutboxStatus(s)
	default:
		handler.ErrorResponse(w, r, domain.Invalid("outbox.list_email_failures", "status must be pending, sent, or dead"))
		return
	}

	failures, err := h.replayer.ListEmailFailures(r.Context(), orgID, status, limit, offset)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	out := make([]emailFailureResponse, len(failures))
	for i, f := range failures {
		out[i] = emailFailureResponse{
			ID:           f.ID,
			DedupeKey:    f.DedupeKey,
			Recipient:    f.Recipient,
			Subject:      f.Subject,
			Status:       f.Status,
			AttemptCount: f.AttemptCount,
			MaxRetries:   f.MaxRetries,
			NextRetryAt:  f.NextRetryAt,
			LastError:    f.LastError,
			CreatedAt:    f.CreatedAt,
		}
	}
	handler.JSON(w, http.StatusOK, map[string]any{"failures": out})
}

// ResendEmail handles POST /v1/admin/emails/{email_event_id}/resend.
func (h *OutboxHandler) ResendEmail(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	emailEventID, err := pathUUID(r, "email_event_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	ev, err := h.replayer.ResendEmail(r.Context(), orgID, actor.ID, emailEventID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]any{
		"email_event_id": ev.ID,
		"recipient":      ev.Recipient,
		"email_type":     ev.EmailType,
		"resent":         true,
	})
}

func pageParams(r *http.Request) (limit, offset int32, err error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = parseInt32(raw, "limit"); err != nil {
			return 0, 0, err
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err = parseInt32(raw, "offset"); err != nil {
			return 0, 0, err
		}
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset, nil
}
