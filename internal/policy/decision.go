package policy

import "slices"

// SnapshotVersion tags the embedded policy document so readers can validate
// it strictly as the schema evolves.
const SnapshotVersion = 1

// Decision combines the deposit and cancellation snapshots with the risk
// assessment computed at booking time. It is embedded on the booking as an
// immutable document.
type Decision struct {
	Version      int                  `json:"version"`
	Deposit      DepositSnapshot      `json:"deposit"`
	Cancellation CancellationSnapshot `json:"cancellation"`
	Risk         RiskAssessment       `json:"risk"`

	// EstimatedTotalCents records the estimate the snapshot was computed from
	// so a reschedule re-evaluates against the same amount.
	EstimatedTotalCents int64 `json:"estimated_total_cents"`
}

// Evaluate runs the full policy pass for a booking.
func Evaluate(cfg Config, in Inputs) Decision {
	risk := AssessRisk(cfg, in)
	if risk.RequiresDeposit {
		in.ForceDeposit = true
	}
	return Decision{
		Version:             SnapshotVersion,
		Deposit:             EvaluateDeposit(cfg, in),
		Cancellation:        EvaluateCancellation(in),
		Risk:                risk,
		EstimatedTotalCents: in.EstimatedTotalCents,
	}
}

// Downgrade produces a new decision with the deposit requirement removed and
// a downgraded:<reason> marker appended to the original reasons. Applying the
// same downgrade twice is a no-op: the marker appears at most once.
func (d Decision) Downgrade(reason string) Decision {
	marker := "downgraded:" + reason

	next := d
	next.Deposit.Required = false
	next.Deposit.AmountCents = 0
	if !slices.Contains(next.Deposit.Reasons, marker) {
		next.Deposit.Reasons = append(slices.Clone(d.Deposit.Reasons), marker)
	}
	return next
}
