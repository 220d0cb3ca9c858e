// Package session defines the boundary to the host application's identity
// provider. premiumkit consumes an already-authenticated session; issuing,
// verifying, and storing login material is the host's concern.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind is an identity lifecycle event.
type EventKind string

const (
	SignedIn       EventKind = "SIGNED_IN"
	SignedOut      EventKind = "SIGNED_OUT"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// Session is a snapshot of the authenticated session at event time.
type Session struct {
	UserID      uuid.UUID
	AccessToken string
	ExpiresAt   time.Time
}

// Event pairs a lifecycle kind with the session snapshot. Session is nil
// for SignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Provider supplies the current identity and lifecycle events, and can
// refresh the session on demand (e.g. to pre-empt token expiry on
// long-lived connections).
type Provider interface {
	// CurrentUserID returns the signed-in user, or ok=false when nobody
	// is signed in. Absence of a user is a normal state, not an error.
	CurrentUserID(ctx context.Context) (uuid.UUID, bool)

	// OnAuthEvent registers fn for lifecycle events and returns an
	// unregister func. fn may be invoked from the provider's goroutine;
	// it must not block.
	OnAuthEvent(fn func(Event)) (stop func())

	// RefreshSession exchanges the current credentials for fresh ones.
	RefreshSession(ctx context.Context) error
}
