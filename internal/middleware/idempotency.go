package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/repository"
	"github.com/rowanhq/brightside/internal/router"
)

// IdempotencyKeyHeader carries the client-chosen key for replay-safe writes.
const IdempotencyKeyHeader = "Idempotency-Key"

// DefaultIdempotencyTTL bounds how long a recorded response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Idempotency records the first response for (org, action, key) and replays
// it verbatim when the same key is seen again within the TTL. The routes it
// guards require the header; a missing key is a 400.
type Idempotency struct {
	tx     repository.TxRunner
	clk    clock.Clock
	logger *slog.Logger
	ttl    time.Duration
}

func NewIdempotency(tx repository.TxRunner, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{tx: tx, clk: clk, logger: logger, ttl: ttl}
}

// Require wraps a route whose action name scopes the recorded keys.
func (i *Idempotency) Require(action string) router.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				reject(w, http.StatusBadRequest, "invalid", "Idempotency-Key header is required")
				return
			}
			orgID := domain.OrgIDFromContext(r.Context())

			var prior *repository.IdempotentResponse
			err := i.tx.WithinTx(r.Context(), func(q repository.Querier) error {
				var err error
				prior, err = q.GetIdempotentResponse(r.Context(), orgID, action, key)
				return err
			})
			if err != nil {
				i.logger.Error("idempotency lookup failed", slog.Any("error", err))
				reject(w, http.StatusInternalServerError, "internal", "idempotency lookup failed")
				return
			}
			if prior != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(prior.Status)
				w.Write(prior.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// 5xx responses are not recorded so the client can retry.
			if rec.status >= 500 {
				return
			}
			now := i.clk.Now()
			err = i.tx.WithinTx(r.Context(), func(q repository.Querier) error {
				return q.SaveIdempotentResponse(r.Context(), orgID, action, key, rec.status, rec.body.Bytes(), now.Add(i.ttl))
			})
			if err != nil {
				i.logger.Error("idempotency save failed",
					slog.String("action", action),
					slog.Any("error", err))
			}
		})
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
