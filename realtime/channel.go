// Package realtime maintains a long-lived subscription to one user's
// entitlement row, turning remote row changes into fresh local reads.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/premiumkit/entitlements"
	"github.com/open-rails/premiumkit/session"
)

// State is the channel's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
)

const (
	// DefaultSettleDelay tolerates read-after-write lag in the remote
	// store between a change notification and the refetch.
	DefaultSettleDelay = 100 * time.Millisecond
	// DefaultRetryBase scales reconnect delays: attempt n waits n*base.
	DefaultRetryBase = time.Second
	// DefaultMaxAttempts bounds automatic reconnection; past it the
	// channel stays disconnected until the next Start.
	DefaultMaxAttempts = 3
)

// FetchFunc performs a direct (cache-bypassing) read of the user's record.
type FetchFunc func(ctx context.Context, userID uuid.UUID) (*entitlements.Record, error)

// Config wires a SyncChannel. Feed, Sessions, Invalidate, and Fetch are
// required; zero durations get defaults, negative ones mean none.
type Config struct {
	Feed       entitlements.ChangeFeed
	Sessions   session.Provider
	Invalidate func()
	Fetch      FetchFunc

	SettleDelay time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	Log         *logrus.Logger
}

// SyncChannel is a restartable subscription to one user's entitlement
// changes. On each change it invalidates the local cache, waits out the
// settle delay, refetches, and hands the fresh record to the onChange
// callback. Credential expiry on the stream triggers a bounded
// refresh-and-reconnect cycle.
type SyncChannel struct {
	feed        entitlements.ChangeFeed
	sessions    session.Provider
	invalidate  func()
	fetch       FetchFunc
	settle      time.Duration
	retryBase   time.Duration
	maxAttempts int
	log         *logrus.Entry

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) *SyncChannel {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &SyncChannel{
		feed:        cfg.Feed,
		sessions:    cfg.Sessions,
		invalidate:  cfg.Invalidate,
		fetch:       cfg.Fetch,
		settle:      cfg.SettleDelay,
		retryBase:   cfg.RetryBase,
		maxAttempts: cfg.MaxAttempts,
		log:         cfg.Log.WithField("component", "realtime"),
		state:       StateDisconnected,
	}
}

// State returns the current connection state.
func (s *SyncChannel) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens a change subscription for userID, first tearing down any
// existing channel so in-flight events from a previous user cannot leak
// into the new one. onChange receives the refetched record after each
// change, or nil when the refetch fails.
func (s *SyncChannel) Start(userID uuid.UUID, onChange func(*entitlements.Record)) {
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.attempts = 0
	s.state = StateConnecting
	s.mu.Unlock()

	go s.run(ctx, userID, onChange, done)
}

// Stop tears the channel down synchronously and resets the reconnect
// counter. Safe to call repeatedly and from a never-started state.
func (s *SyncChannel) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.attempts = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
}

func (s *SyncChannel) run(ctx context.Context, userID uuid.UUID, onChange func(*entitlements.Record), done chan struct{}) {
	defer close(done)

	for {
		sub, err := s.feed.Subscribe(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return
			}
			if !s.awaitReconnect(ctx, err) {
				return
			}
			continue
		}

		s.setState(StateSubscribed)
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()

		s.pump(ctx, sub, userID, onChange)
		_ = sub.Close()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if !s.awaitReconnect(ctx, sub.Err()) {
			return
		}
	}
}

// pump consumes change events until the subscription closes or ctx ends.
func (s *SyncChannel) pump(ctx context.Context, sub entitlements.ChangeSubscription, userID uuid.UUID, onChange func(*entitlements.Record)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.invalidate()
			if s.settle > 0 {
				select {
				case <-time.After(s.settle):
				case <-ctx.Done():
					return
				}
			}
			rec, err := s.fetch(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.WithError(err).WithField("event", ev.Type).
					Warn("refetch after change event failed")
				// Still surface the update rather than dropping it.
				onChange(nil)
				continue
			}
			onChange(rec)
		}
	}
}

// awaitReconnect classifies a stream error and, for credential expiry,
// waits out the backoff, refreshes the session, and reports that the run
// loop should resubscribe. Any other outcome leaves the channel
// disconnected until the next explicit Start.
func (s *SyncChannel) awaitReconnect(ctx context.Context, err error) bool {
	if !session.IsCredentialExpired(err) {
		if err != nil {
			s.log.WithError(err).Warn("change subscription ended")
		}
		s.setState(StateDisconnected)
		return false
	}

	s.setState(StateError)

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.maxAttempts {
		s.log.WithField("attempts", s.maxAttempts).
			Warn("credential refresh attempts exhausted; waiting for next sign-in")
		s.setState(StateDisconnected)
		return false
	}

	s.setState(StateReconnecting)
	delay := time.Duration(attempt) * s.retryBase
	s.log.WithField("attempt", attempt).WithField("delay", delay).
		Info("credential expired on change stream; refreshing session")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		s.setState(StateDisconnected)
		return false
	}

	if err := s.sessions.RefreshSession(ctx); err != nil {
		// The resubscribe below will fail on stale credentials and
		// burn the next attempt.
		s.log.WithError(err).Warn("session refresh failed")
	}

	s.setState(StateConnecting)
	return true
}

func (s *SyncChannel) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
