package entitlements

// Display is a presentation-ready view of a record for feature code.
type Display struct {
	StatusText  string `json:"status_text"`
	StatusColor string `json:"status_color"`
	PlanText    string `json:"plan_text"`
	ExpiryText  string `json:"expiry_text,omitempty"`
}

// FormatRecord maps a record to human-readable labels. Returns nil for a
// nil record. cancelled and cancel_at_period_end are deliberately kept
// distinct: both grant access until the period end, but they read
// differently to the user.
func FormatRecord(rec *Record) *Display {
	if rec == nil {
		return nil
	}

	d := &Display{}
	switch rec.Status {
	case StatusActive:
		d.StatusText, d.StatusColor = "Active", "green"
	case StatusCancelAtPeriodEnd:
		d.StatusText, d.StatusColor = "Cancels at period end", "orange"
	case StatusCancelled:
		d.StatusText, d.StatusColor = "Cancelled", "orange"
	case StatusPastDue:
		d.StatusText, d.StatusColor = "Payment past due", "red"
	case StatusExpired:
		d.StatusText, d.StatusColor = "Expired", "gray"
	default:
		d.StatusText, d.StatusColor = "Inactive", "gray"
	}

	switch rec.Plan {
	case PlanMonthly:
		d.PlanText = "Premium (monthly)"
	case PlanYearly:
		d.PlanText = "Premium (yearly)"
	default:
		d.PlanText = "Free"
	}

	if rec.PeriodEnd != nil {
		switch rec.Status {
		case StatusCancelled, StatusCancelAtPeriodEnd:
			d.ExpiryText = "Access until " + rec.PeriodEnd.Format("Jan 2, 2006")
		case StatusActive:
			d.ExpiryText = "Renews " + rec.PeriodEnd.Format("Jan 2, 2006")
		}
	}
	return d
}
