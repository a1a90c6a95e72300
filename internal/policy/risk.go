package policy

import (
	"strings"

	"github.com/rowanhq/brightside/internal/domain"
)

// RiskAssessment is the scored risk outcome attached to a booking.
type RiskAssessment struct {
	Score                      int32           `json:"score"`
	Band                       domain.RiskBand `json:"band"`
	Reasons                    []string        `json:"reasons"`
	RequiresDeposit            bool            `json:"requires_deposit"`
	RequiresManualConfirmation bool            `json:"requires_manual_confirmation"`
}

// AssessRisk scores the booking's inputs. The score is clamped to [0, 100].
// HIGH (>=75) forces manual confirmation and a deposit; MEDIUM (>=45) forces
// a deposit.
func AssessRisk(cfg Config, in Inputs) RiskAssessment {
	score := 0
	var reasons []string

	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if in.FirstTimeClient {
		add(20, "new_client")
	}
	if in.EstimatedTotalCents >= HighValueCents {
		add(25, "high_total")
	}
	if LeadTimeHours(in.Now, in.StartsAt) < 24 {
		add(20, "short_notice")
	}
	if areaFlagged(cfg.HighRiskPrefixes, in.PostalCode) {
		add(15, "area_flagged")
	}
	if in.CancellationCount > 0 {
		add(45, "cancel_history")
		if in.CancellationCount > 1 {
			add(10, "repeat_cancellations")
		}
	}

	if score > 100 {
		score = 100
	}

	band := domain.RiskLow
	switch {
	case score >= 75:
		band = domain.RiskHigh
	case score >= 45:
		band = domain.RiskMedium
	}

	return RiskAssessment{
		Score:                      int32(score),
		Band:                       band,
		Reasons:                    reasons,
		RequiresDeposit:            band == domain.RiskHigh || band == domain.RiskMedium,
		RequiresManualConfirmation: band == domain.RiskHigh,
	}
}

func areaFlagged(prefixes []string, postal string) bool {
	if postal == "" {
		return false
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(postal, p) {
			return true
		}
	}
	return false
}
