package policy_test

import (
	"testing"
	"time"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseCfg = policy.Config{
	DepositsEnabled: true,
	DepositPercent:  20,
	Currency:        "aud",
}

func at(now time.Time, hours float64) policy.Inputs {
	return policy.Inputs{
		Now:      now,
		StartsAt: now.Add(time.Duration(hours * float64(time.Hour))),
	}
}

// Test_EvaluateDeposit_FirstTimeHighValueShortNotice validates the worked
// deposit example: first-time lead, deep clean, $400 estimate, 12h out.
// Percent floors to 50 (short notice), amount = min(max(ceil(40000*0.5), 5000), 20000).
func Test_EvaluateDeposit_FirstTimeHighValueShortNotice(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 12)
	in.ServiceType = "deep"
	in.EstimatedTotalCents = 40_000
	in.FirstTimeClient = true

	snap := policy.EvaluateDeposit(baseCfg, in)

	require.True(t, snap.Required)
	assert.Equal(t, 50, snap.Percent)
	assert.Equal(t, int64(20_000), snap.AmountCents)
	assert.Equal(t, policy.BasisPercentClamped, snap.Basis)
	assert.Contains(t, snap.Reasons, "first_time_client")
	assert.Contains(t, snap.Reasons, "service_type_deep")
	assert.Contains(t, snap.Reasons, "short_notice")
	assert.Contains(t, snap.Reasons, "high_value_booking")
}

func Test_EvaluateDeposit_LeadTimeBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		hours      float64
		wantReason string
		absent     string
	}{
		{"just under 24h is short notice", 23.99, "short_notice", "late_booking"},
		{"exactly 24h is late booking", 24, "late_booking", "short_notice"},
		{"just under 48h is late booking", 47.99, "late_booking", "short_notice"},
		{"exactly 48h triggers neither", 48, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := at(now, tt.hours)
			in.EstimatedTotalCents = 10_000
			snap := policy.EvaluateDeposit(baseCfg, in)
			if tt.wantReason != "" {
				assert.Contains(t, snap.Reasons, tt.wantReason)
			}
			if tt.absent != "" {
				assert.NotContains(t, snap.Reasons, tt.absent)
			}
			if tt.wantReason == "" {
				assert.False(t, snap.Required, "no triggers means no deposit")
				assert.Equal(t, policy.BasisNone, snap.Basis)
			}
		})
	}
}

func Test_EvaluateDeposit_FixedMinimumWhenTotalUnknown(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 10)
	in.FirstTimeClient = true

	snap := policy.EvaluateDeposit(baseCfg, in)

	require.True(t, snap.Required)
	assert.Equal(t, policy.BasisFixedMinimum, snap.Basis)
	assert.Equal(t, policy.DepositFloorCents, snap.AmountCents)
}

func Test_EvaluateDeposit_Disabled(t *testing.T) {
	cfg := baseCfg
	cfg.DepositsEnabled = false

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 1)
	in.FirstTimeClient = true

	snap := policy.EvaluateDeposit(cfg, in)
	assert.False(t, snap.Required)
	assert.Equal(t, policy.BasisDisabled, snap.Basis)
}

func Test_EvaluateDeposit_FloorClamp(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 100)
	in.FirstTimeClient = true
	in.EstimatedTotalCents = 2_000 // 20% of $20 = $4, clamped up to $50

	snap := policy.EvaluateDeposit(baseCfg, in)
	assert.Equal(t, int64(5_000), snap.AmountCents)
}

func Test_LeadTimeHours(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 12.5, policy.LeadTimeHours(now, now.Add(12*time.Hour+30*time.Minute)))
	assert.Equal(t, 0.0, policy.LeadTimeHours(now, now.Add(-2*time.Hour)), "past starts clamp to zero")
	assert.Equal(t, 0.25, policy.LeadTimeHours(now, now.Add(15*time.Minute)))
}

func Test_EvaluateCancellation_Windows(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	t.Run("standard service", func(t *testing.T) {
		in := at(now, 100)
		snap := policy.EvaluateCancellation(in)
		assert.Equal(t, 48, snap.FreeCutoffHours)
		assert.Equal(t, 24, snap.PartialStartHours)
		assert.Equal(t, 100, snap.RefundPercentAt(48))
		assert.Equal(t, snap.PartialPercent, snap.RefundPercentAt(47.99))
		assert.Equal(t, 0, snap.RefundPercentAt(23.99))
	})

	t.Run("heavy service", func(t *testing.T) {
		in := at(now, 100)
		in.ServiceType = "move_out_empty"
		snap := policy.EvaluateCancellation(in)
		assert.Equal(t, 72, snap.FreeCutoffHours)
		assert.Equal(t, 48, snap.PartialStartHours)
		assert.Contains(t, snap.Rules, "heavy_service")
	})

	t.Run("partial percent takes the minimum fired reduction", func(t *testing.T) {
		in := at(now, 10) // short notice
		in.FirstTimeClient = true
		in.EstimatedTotalCents = 50_000
		snap := policy.EvaluateCancellation(in)
		assert.Equal(t, 25, snap.PartialPercent)
	})

	t.Run("first time only reduces to 40", func(t *testing.T) {
		in := at(now, 100)
		in.FirstTimeClient = true
		snap := policy.EvaluateCancellation(in)
		assert.Equal(t, 40, snap.PartialPercent)
	})
}

func Test_AssessRisk_Bands(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		in        func() policy.Inputs
		wantScore int32
		wantBand  domain.RiskBand
	}{
		{
			name:      "clean repeat client is low",
			in:        func() policy.Inputs { return at(now, 100) },
			wantScore: 0,
			wantBand:  domain.RiskLow,
		},
		{
			name: "new client with high total is medium",
			in: func() policy.Inputs {
				in := at(now, 100)
				in.FirstTimeClient = true
				in.EstimatedTotalCents = 40_000
				return in
			},
			wantScore: 45,
			wantBand:  domain.RiskMedium,
		},
		{
			name: "cancel history plus new client plus short notice is high",
			in: func() policy.Inputs {
				in := at(now, 6)
				in.FirstTimeClient = true
				in.CancellationCount = 1
				return in
			},
			wantScore: 85,
			wantBand:  domain.RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.AssessRisk(baseCfg, tt.in())
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.wantBand, got.Band)
		})
	}
}

// Test_AssessRisk_ClampAt100 piles every reason on and verifies the clamp.
func Test_AssessRisk_ClampAt100(t *testing.T) {
	cfg := baseCfg
	cfg.HighRiskPrefixes = []string{"20"}

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 2)
	in.FirstTimeClient = true
	in.EstimatedTotalCents = 100_000
	in.PostalCode = "2000"
	in.CancellationCount = 3

	got := policy.AssessRisk(cfg, in)
	assert.Equal(t, int32(100), got.Score, "20+25+20+15+45+10 = 135 clamps to 100")
	assert.Equal(t, domain.RiskHigh, got.Band)
	assert.True(t, got.RequiresManualConfirmation)
	assert.True(t, got.RequiresDeposit)
}

func Test_Evaluate_RiskForcesDeposit(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 200) // far out: no deposit triggers on its own
	in.CancellationCount = 2 // 45+10 = 55 -> MEDIUM

	d := policy.Evaluate(baseCfg, in)
	require.Equal(t, domain.RiskMedium, d.Risk.Band)
	assert.True(t, d.Deposit.Required, "medium risk forces a deposit")
	assert.Contains(t, d.Deposit.Reasons, "risk_required")
}

func Test_Decision_DowngradeIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	in := at(now, 10)
	in.FirstTimeClient = true
	in.EstimatedTotalCents = 40_000

	d := policy.Evaluate(baseCfg, in)
	require.True(t, d.Deposit.Required)

	once := d.Downgrade("trusted_repeat_contact")
	twice := once.Downgrade("trusted_repeat_contact")

	assert.False(t, once.Deposit.Required)
	assert.Equal(t, once, twice)

	marker := 0
	for _, r := range twice.Deposit.Reasons {
		if r == "downgraded:trusted_repeat_contact" {
			marker++
		}
	}
	assert.Equal(t, 1, marker, "downgrade marker appears at most once")
	assert.True(t, twice.Deposit.Downgraded())

	// The original decision is untouched.
	assert.True(t, d.Deposit.Required)
	assert.False(t, d.Deposit.Downgraded())
}
