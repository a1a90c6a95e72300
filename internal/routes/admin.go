package routes

import (
	"github.com/rowanhq/brightside/internal/router"
)

// RegisterAdminRoutes registers the operator endpoints. Mutating bulk and
// replay routes require an Idempotency-Key.
func RegisterAdminRoutes(r *router.Router, deps AdminDeps) {
	// Schedule
	r.Get("/v1/admin/schedule", deps.Schedule.GetSchedule)
	r.Get("/v1/admin/schedule/suggestions", deps.Schedule.GetSuggestions)
	r.Get("/v1/admin/schedule/assignees", deps.Schedule.GetAssignees)
	r.Get("/v1/admin/schedule/conflicts", deps.Schedule.GetConflicts)
	r.Post("/v1/admin/schedule/block", deps.Schedule.BlockSlot)
	r.Post("/v1/admin/schedule/{booking_id}/move", deps.Schedule.MoveBooking)

	// Booking lifecycle
	r.Post("/v1/admin/bookings", deps.Schedule.CreateBooking,
		deps.RateLimiter.Limit("booking_create"))
	r.Post("/v1/admin/bookings/bulk", deps.Schedule.BulkUpdate,
		deps.Idempotency.Require("bookings_bulk"))
	r.Post("/v1/admin/bookings/{booking_id}/confirm", deps.Schedule.ConfirmBooking)
	r.Post("/v1/admin/bookings/{booking_id}/cancel", deps.Schedule.CancelBooking)
	r.Post("/v1/admin/bookings/{booking_id}/reschedule", deps.Schedule.RescheduleBooking)
	r.Post("/v1/admin/bookings/{booking_id}/complete", deps.Schedule.CompleteBooking)

	// Policy overrides
	r.Post("/v1/admin/bookings/{booking_id}/downgrade-deposit", deps.Schedule.DowngradeDeposit)
	r.Post("/v1/admin/bookings/{booking_id}/risk-band", deps.Schedule.SetRiskBand)
	r.Post("/v1/admin/bookings/{booking_id}/cancellation-exception", deps.Schedule.GrantCancellationException)

	// Dead letter tooling
	r.Get("/v1/admin/outbox/dead-letter", deps.Outbox.ListDeadLetter)
	r.Post("/v1/admin/outbox/{event_id}/replay", deps.Outbox.Replay,
		deps.RateLimiter.Limit("outbox_replay"),
		deps.Idempotency.Require("outbox_replay"))
	r.Get("/v1/admin/export-dead-letter", deps.Outbox.ListExportDeadLetter)
	r.Post("/v1/admin/export-dead-letter/{event_id}/replay", deps.Outbox.PushExport,
		deps.RateLimiter.Limit("export_replay"),
		deps.Idempotency.Require("export_replay"))
	r.Get("/v1/admin/email-failures", deps.Outbox.ListEmailFailures)
	r.Post("/v1/admin/emails/{email_event_id}/resend", deps.Outbox.ResendEmail,
		deps.RateLimiter.Limit("email_resend"),
		deps.Idempotency.Require("email_resend"))
}
