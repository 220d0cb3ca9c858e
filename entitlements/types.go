package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by a Reader when no entitlement row exists for the user.
var ErrNotFound = errors.New("entitlements: record not found")

// Plan identifies the billing cadence of a subscription.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
	PlanNone    Plan = "none"
)

// Status is the payment processor's view of the subscription lifecycle,
// as mirrored into the entitlement row by its webhooks.
type Status string

const (
	StatusActive            Status = "active"
	StatusInactive          Status = "inactive"
	StatusCancelled         Status = "cancelled"
	StatusCancelAtPeriodEnd Status = "cancel_at_period_end"
	StatusExpired           Status = "expired"
	StatusPastDue           Status = "past_due"
)

// Record is one user's entitlement row. Read-mostly from the client side;
// the only client write is the expiry self-heal in Evaluator.
type Record struct {
	UserID      uuid.UUID  `json:"user_id"`
	IsPremium   bool       `json:"is_premium"`
	Plan        Plan       `json:"plan"`
	Status      Status     `json:"status"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	// BillingRef correlates to the payment processor's customer record.
	// Opaque here.
	BillingRef string `json:"billing_ref,omitempty"`
}

// Update is a partial write against an entitlement row. Nil fields are
// left untouched.
type Update struct {
	IsPremium *bool
	Status    *Status
	PeriodEnd *time.Time
}

// ChangeType classifies a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row change observed on the store's change feed.
// Before/After may be nil depending on Type.
type ChangeEvent struct {
	Type   ChangeType
	Before *Record
	After  *Record
}

// Reader performs point reads of entitlement rows.
type Reader interface {
	ReadEntitlement(ctx context.Context, userID uuid.UUID) (*Record, error)
}

// Writer performs partial writes. Used only for the expiry self-heal.
type Writer interface {
	WriteEntitlement(ctx context.Context, userID uuid.UUID, update Update) error
}

// ChangeSubscription is a live feed of changes to a single user's row.
// Events is closed when the subscription terminates; Err reports why.
type ChangeSubscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// ChangeFeed opens change subscriptions scoped to one user.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (ChangeSubscription, error)
}

// Store is the full remote entitlement store surface.
type Store interface {
	Reader
	Writer
	ChangeFeed
}
