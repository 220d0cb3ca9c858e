// Package testing provides fakes for testing applications that use
// premiumkit: a scripted session provider and an in-memory entitlement
// store with a hand-driven change feed, so orchestration and reconnect
// logic can be exercised without a real identity provider or database.
package testing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/open-rails/premiumkit/session"
)

// SessionProvider is a scripted session.Provider. Set the user with
// SignIn/SignOut and push lifecycle events to registered listeners.
type SessionProvider struct {
	mu         sync.Mutex
	userID     uuid.UUID
	hasUser    bool
	refreshErr error
	refreshes  int
	listeners  map[int]func(session.Event)
	nextID     int
}

func NewSessionProvider() *SessionProvider {
	return &SessionProvider{listeners: map[int]func(session.Event){}}
}

func (p *SessionProvider) CurrentUserID(ctx context.Context) (uuid.UUID, bool) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID, p.hasUser
}

func (p *SessionProvider) OnAuthEvent(fn func(session.Event)) (stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *SessionProvider) RefreshSession(ctx context.Context) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return p.refreshErr
}

// SetRefreshError scripts the outcome of subsequent RefreshSession calls.
func (p *SessionProvider) SetRefreshError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshErr = err
}

// Refreshes returns how many times RefreshSession has been called.
func (p *SessionProvider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// SignIn sets the current user and emits SIGNED_IN.
func (p *SessionProvider) SignIn(userID uuid.UUID) {
	p.mu.Lock()
	p.userID = userID
	p.hasUser = true
	p.mu.Unlock()
	p.emit(session.Event{Kind: session.SignedIn, Session: &session.Session{UserID: userID}})
}

// SignOut clears the current user and emits SIGNED_OUT.
func (p *SessionProvider) SignOut() {
	p.mu.Lock()
	p.userID = uuid.Nil
	p.hasUser = false
	p.mu.Unlock()
	p.emit(session.Event{Kind: session.SignedOut})
}

// RefreshToken emits TOKEN_REFRESHED for the current user.
func (p *SessionProvider) RefreshToken() {
	p.mu.Lock()
	snap := &session.Session{UserID: p.userID}
	p.mu.Unlock()
	p.emit(session.Event{Kind: session.TokenRefreshed, Session: snap})
}

func (p *SessionProvider) emit(ev session.Event) {
	p.mu.Lock()
	fns := make([]func(session.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
