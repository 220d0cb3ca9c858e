package entitlements

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Decision is the outcome of resolving a record into an access grant.
type Decision struct {
	IsPremium bool
	// CorrectiveWriteIssued reports that the record violated the expiry
	// invariant and a self-heal write was attempted. The owner of any
	// cache holding this record should invalidate it so the next read
	// refetches the corrected row.
	CorrectiveWriteIssued bool
}

// Evaluator turns an entitlement record into an access decision and lazily
// enforces the expiry invariant: a record whose period has ended must not
// grant access, and is rewritten to {is_premium=false, status=expired}.
type Evaluator struct {
	writer Writer
	now    func() time.Time
	log    *logrus.Entry
}

// NewEvaluator constructs an evaluator. writer may be nil, in which case
// expired records are still denied but never healed.
func NewEvaluator(writer Writer, log *logrus.Logger) *Evaluator {
	if log == nil {
		log = logrus.New()
	}
	return &Evaluator{
		writer: writer,
		now:    time.Now,
		log:    log.WithField("component", "entitlements.evaluator"),
	}
}

// WithClock replaces the evaluator's time source. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// ResolveAccess decides whether rec grants premium access.
//
// Status is checked before expiry: an expired-status record with a null
// period end must not be treated as valid, so the status gate has to come
// first. A cancelled or cancel_at_period_end subscription still grants
// access until the period end; cancellation only stops renewal.
//
// The corrective write is best-effort. On failure the decision is still a
// denial, and the next read re-attempts the same correction.
func (e *Evaluator) ResolveAccess(ctx context.Context, rec *Record) Decision {
	if rec == nil {
		return Decision{}
	}

	validStatus := rec.IsPremium &&
		(rec.Status == StatusActive || rec.Status == StatusCancelled || rec.Status == StatusCancelAtPeriodEnd)
	if !validStatus {
		return Decision{}
	}

	if rec.PeriodEnd != nil && rec.PeriodEnd.Before(e.now()) {
		e.heal(ctx, rec)
		return Decision{CorrectiveWriteIssued: true}
	}

	return Decision{IsPremium: true}
}

func (e *Evaluator) heal(ctx context.Context, rec *Record) {
	if e.writer == nil {
		return
	}
	premium := false
	status := StatusExpired
	err := e.writer.WriteEntitlement(ctx, rec.UserID, Update{
		IsPremium: &premium,
		Status:    &status,
	})
	if err != nil {
		e.log.WithError(err).WithField("user_id", rec.UserID).
			Warn("expiry self-heal write failed; next read will retry")
		return
	}
	e.log.WithField("user_id", rec.UserID).Info("healed expired entitlement record")
}
