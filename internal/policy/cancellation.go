package policy

// CancellationWindow is one refund band, bounded by hours before the booking
// start: [FromHours, ToHours) counting down toward zero. ToHours of -1 marks
// the unbounded upper band.
type CancellationWindow struct {
	Name          string `json:"name"` // "free", "partial", "late"
	FromHours     int    `json:"from_hours"`
	ToHours       int    `json:"to_hours"` // -1 = no upper bound
	RefundPercent int    `json:"refund_percent"`
}

// CancellationSnapshot is the immutable cancellation policy for a booking.
type CancellationSnapshot struct {
	FreeCutoffHours   int                  `json:"free_cutoff_hours"`
	PartialStartHours int                  `json:"partial_start_hours"`
	PartialPercent    int                  `json:"partial_percent"`
	Windows           []CancellationWindow `json:"windows"`
	Rules             []string             `json:"rules"`
}

// EvaluateCancellation produces the cancellation snapshot. Heavy services get
// a 72h free-cancel cutoff and a 48h partial window start; everything else
// 48h/24h. The partial refund percent starts at 50 and is reduced to the
// minimum of the fired reductions: first-time 40, high-value 25, short-notice 25.
func EvaluateCancellation(in Inputs) CancellationSnapshot {
	heavy := IsHeavy(in.ServiceType)
	lead := LeadTimeHours(in.Now, in.StartsAt)

	cutoff, partialStart := 48, 24
	var rules []string
	if heavy {
		cutoff, partialStart = 72, 48
		rules = append(rules, "heavy_service")
	}

	partial := 50
	reduce := func(to int, rule string) {
		if to < partial {
			partial = to
		}
		rules = append(rules, rule)
	}
	if in.FirstTimeClient {
		reduce(40, "first_time_client")
	}
	if in.EstimatedTotalCents >= HighValueCents {
		reduce(25, "high_value_booking")
	}
	if lead < 24 {
		reduce(25, "short_notice")
	}

	return CancellationSnapshot{
		FreeCutoffHours:   cutoff,
		PartialStartHours: partialStart,
		PartialPercent:    partial,
		Windows: []CancellationWindow{
			{Name: "free", FromHours: cutoff, ToHours: -1, RefundPercent: 100},
			{Name: "partial", FromHours: partialStart, ToHours: cutoff, RefundPercent: partial},
			{Name: "late", FromHours: 0, ToHours: partialStart, RefundPercent: 0},
		},
		Rules: rules,
	}
}

// RefundPercentAt returns the refund percent for a cancellation happening
// hoursBefore the booking start.
func (s CancellationSnapshot) RefundPercentAt(hoursBefore float64) int {
	switch {
	case hoursBefore >= float64(s.FreeCutoffHours):
		return 100
	case hoursBefore >= float64(s.PartialStartHours):
		return s.PartialPercent
	default:
		return 0
	}
}
