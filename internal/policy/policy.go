// Package policy computes deposit, cancellation, and risk snapshots for a
// booking at creation or reschedule time. Everything here is a pure function
// of its inputs; persistence and transport live elsewhere.
package policy

import (
	"math"
	"strings"
	"time"
)

// Heavy services carry longer cancellation cutoffs and a deposit floor.
var heavyServices = map[string]bool{
	"deep":           true,
	"move_out_empty": true,
	"move_in_empty":  true,
}

// Monetary thresholds in minor units.
const (
	HighValueCents   int64 = 30_000 // $300
	DepositFloorCents int64 = 5_000  // $50
	DepositCapCents   int64 = 20_000 // $200
)

// Inputs are the facts the engine evaluates. EstimatedTotalCents of zero
// means the estimate is unknown.
type Inputs struct {
	Now                 time.Time
	StartsAt            time.Time
	ServiceType         string
	EstimatedTotalCents int64

	// FirstTimeClient is true when the lead has never had a confirmed or
	// completed booking (the history predicate).
	FirstTimeClient bool

	PostalCode        string
	CancellationCount int

	// ExtraReasons are caller-supplied deposit reasons appended verbatim.
	ExtraReasons []string

	// ForceDeposit requires a deposit regardless of other triggers
	// (set when the risk assessment demands one).
	ForceDeposit bool
}

// Config carries the org-level knobs the engine starts from.
type Config struct {
	DepositsEnabled bool
	DepositPercent  int // configured starting percent, e.g. 20
	Currency        string

	// HighRiskPrefixes flags postal prefixes for the area_flagged risk reason.
	HighRiskPrefixes []string

	// OverrunThresholdMinutes is how far a completion may exceed the planned
	// duration before it is flagged for follow-up. Zero means the default.
	OverrunThresholdMinutes int
}

// Snapshot basis values.
const (
	BasisNone           = "none"
	BasisDisabled       = "disabled"
	BasisPercentClamped = "percent_clamped"
	BasisFixedMinimum   = "fixed_minimum"
)

// DepositSnapshot is the immutable outcome of deposit evaluation.
type DepositSnapshot struct {
	Required    bool     `json:"required"`
	Percent     int      `json:"percent"`
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency"`
	Basis       string   `json:"basis"`
	Reasons     []string `json:"reasons"`
}

// LeadTimeHours is the hours between now and the booking start, rounded to
// two decimals and floored at zero.
func LeadTimeHours(now, startsAt time.Time) float64 {
	h := startsAt.Sub(now).Hours()
	if h < 0 {
		h = 0
	}
	return math.Round(h*100) / 100
}

// IsHeavy reports whether the service type is in the heavy set.
func IsHeavy(serviceType string) bool {
	return heavyServices[serviceType]
}

// EvaluateDeposit produces the deposit snapshot. Reasons accumulate; percent
// floors bump the configured percent; the amount is ceil(total x percent)
// clamped to [$50, $200]. With no triggering reason the snapshot is not
// required.
func EvaluateDeposit(cfg Config, in Inputs) DepositSnapshot {
	if !cfg.DepositsEnabled {
		return DepositSnapshot{Basis: BasisDisabled, Currency: cfg.Currency}
	}

	lead := LeadTimeHours(in.Now, in.StartsAt)
	percent := cfg.DepositPercent
	var reasons []string

	bump := func(floor int) {
		if percent < floor {
			percent = floor
		}
	}

	if in.FirstTimeClient {
		reasons = append(reasons, "first_time_client")
	}
	if IsHeavy(in.ServiceType) {
		reasons = append(reasons, "service_type_"+in.ServiceType)
		bump(35)
	}
	if lead < 24 {
		reasons = append(reasons, "short_notice")
		bump(50)
	} else if lead < 48 {
		reasons = append(reasons, "late_booking")
		bump(40)
	}
	if in.EstimatedTotalCents >= HighValueCents {
		reasons = append(reasons, "high_value_booking")
		bump(30)
	}
	reasons = append(reasons, in.ExtraReasons...)
	if in.ForceDeposit {
		reasons = append(reasons, "risk_required")
	}

	if len(reasons) == 0 {
		return DepositSnapshot{Basis: BasisNone, Currency: cfg.Currency}
	}

	snap := DepositSnapshot{
		Required: true,
		Percent:  percent,
		Currency: cfg.Currency,
		Reasons:  reasons,
	}

	if in.EstimatedTotalCents > 0 {
		amount := int64(math.Ceil(float64(in.EstimatedTotalCents) * float64(percent) / 100))
		if amount < DepositFloorCents {
			amount = DepositFloorCents
		}
		if amount > DepositCapCents {
			amount = DepositCapCents
		}
		snap.AmountCents = amount
		snap.Basis = BasisPercentClamped
	} else {
		snap.AmountCents = DepositFloorCents
		snap.Basis = BasisFixedMinimum
	}

	return snap
}

// Downgraded reports whether a downgrade marker is present in the reasons.
func (s DepositSnapshot) Downgraded() bool {
	for _, r := range s.Reasons {
		if strings.HasPrefix(r, "downgraded:") {
			return true
		}
	}
	return false
}
