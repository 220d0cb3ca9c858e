package entitlements

import (
	"testing"
	"time"
)

func TestFormatRecordNil(t *testing.T) {
	if got := FormatRecord(nil); got != nil {
		t.Fatalf("expected nil display for nil record, got %+v", got)
	}
}

func TestFormatRecordKeepsCancelVariantsDistinct(t *testing.T) {
	end := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)

	cancelled := FormatRecord(&Record{Status: StatusCancelled, Plan: PlanMonthly, PeriodEnd: &end})
	atPeriodEnd := FormatRecord(&Record{Status: StatusCancelAtPeriodEnd, Plan: PlanMonthly, PeriodEnd: &end})

	if cancelled.StatusText == atPeriodEnd.StatusText {
		t.Fatal("cancelled and cancel_at_period_end must not be merged in display")
	}
	if cancelled.ExpiryText != "Access until Sep 15, 2026" {
		t.Errorf("cancelled expiry text = %q", cancelled.ExpiryText)
	}
	if atPeriodEnd.ExpiryText != "Access until Sep 15, 2026" {
		t.Errorf("cancel_at_period_end expiry text = %q", atPeriodEnd.ExpiryText)
	}
}

func TestFormatRecordActive(t *testing.T) {
	end := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	d := FormatRecord(&Record{Status: StatusActive, Plan: PlanYearly, PeriodEnd: &end})
	if d.StatusText != "Active" || d.StatusColor != "green" {
		t.Errorf("status = %q/%q", d.StatusText, d.StatusColor)
	}
	if d.PlanText != "Premium (yearly)" {
		t.Errorf("plan = %q", d.PlanText)
	}
	if d.ExpiryText != "Renews Sep 15, 2026" {
		t.Errorf("expiry = %q", d.ExpiryText)
	}
}

func TestFormatRecordExpiredHasNoExpiryLine(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := FormatRecord(&Record{Status: StatusExpired, Plan: PlanNone, PeriodEnd: &end})
	if d.StatusText != "Expired" || d.StatusColor != "gray" {
		t.Errorf("status = %q/%q", d.StatusText, d.StatusColor)
	}
	if d.PlanText != "Free" {
		t.Errorf("plan = %q", d.PlanText)
	}
	if d.ExpiryText != "" {
		t.Errorf("expired records should not advertise a renewal date, got %q", d.ExpiryText)
	}
}
