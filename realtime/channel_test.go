package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/premiumkit/entitlements"
	"github.com/open-rails/premiumkit/realtime"
	"github.com/open-rails/premiumkit/session"
	premiumtest "github.com/open-rails/premiumkit/testing"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type changeSink struct {
	mu      sync.Mutex
	records []*entitlements.Record
}

func (s *changeSink) add(rec *entitlements.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *changeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *changeSink) last() *entitlements.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil
	}
	return s.records[len(s.records)-1]
}

type invalidations struct {
	mu sync.Mutex
	n  int
}

func (i *invalidations) bump() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.n++
}

func (i *invalidations) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.n
}

func newTestChannel(store *premiumtest.EntitlementStore, sessions *premiumtest.SessionProvider, inv *invalidations) *realtime.SyncChannel {
	return realtime.New(realtime.Config{
		Feed:       store,
		Sessions:   sessions,
		Invalidate: inv.bump,
		Fetch: func(ctx context.Context, uid uuid.UUID) (*entitlements.Record, error) {
			rec, err := store.ReadEntitlement(ctx, uid)
			if errors.Is(err, entitlements.ErrNotFound) {
				return nil, nil
			}
			return rec, err
		},
		SettleDelay: -1, // no read-after-write lag in the fake store
		RetryBase:   time.Millisecond,
	})
}

func TestChangeEventInvalidatesAndRefetches(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()
	inv := &invalidations{}
	sink := &changeSink{}

	uid := uuid.New()
	store.Seed(&entitlements.Record{UserID: uid, IsPremium: true, Status: entitlements.StatusActive})

	ch := newTestChannel(store, sessions, inv)
	defer ch.Stop()
	ch.Start(uid, sink.add)
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	after := &entitlements.Record{UserID: uid, IsPremium: true, Status: entitlements.StatusCancelled}
	store.Seed(after)
	store.EmitChange(entitlements.ChangeEvent{Type: entitlements.ChangeUpdate, After: after})

	waitFor(t, "change delivered", func() bool { return sink.len() == 1 })
	if inv.count() != 1 {
		t.Errorf("cache invalidations = %d, want 1", inv.count())
	}
	if got := sink.last(); got == nil || got.Status != entitlements.StatusCancelled {
		t.Errorf("expected refetched record, got %+v", got)
	}
}

func TestFetchFailureStillSurfacesUpdate(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()
	sink := &changeSink{}

	uid := uuid.New()
	rec := &entitlements.Record{UserID: uid, IsPremium: true, Status: entitlements.StatusActive}
	store.Seed(rec)

	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(uid, sink.add)
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	store.SetReadError(errors.New("network down"))
	store.EmitChange(entitlements.ChangeEvent{Type: entitlements.ChangeUpdate, After: rec})

	waitFor(t, "nil update delivered", func() bool { return sink.len() == 1 })
	if got := sink.last(); got != nil {
		t.Errorf("expected nil record on refetch failure, got %+v", got)
	}
}

func TestCredentialExpiryRefreshesAndResubscribes(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()
	sink := &changeSink{}

	uid := uuid.New()
	rec := &entitlements.Record{UserID: uid, IsPremium: true, Status: entitlements.StatusActive}
	store.Seed(rec)

	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(uid, sink.add)
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	store.FailSubscriptions(session.ErrCredentialExpired)
	waitFor(t, "resubscribed", func() bool {
		return ch.State() == realtime.StateSubscribed && sessions.Refreshes() == 1
	})

	// The recovered subscription still delivers events.
	store.EmitChange(entitlements.ChangeEvent{Type: entitlements.ChangeUpdate, After: rec})
	waitFor(t, "event after recovery", func() bool { return sink.len() == 1 })
}

func TestReconnectCounterResetsAfterSuccess(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()

	uid := uuid.New()
	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(uid, func(*entitlements.Record) {})
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	// Two separate credential drops, each recovered on the first attempt.
	for i := 1; i <= 2; i++ {
		store.FailSubscriptions(session.ErrCredentialExpired)
		want := i
		waitFor(t, "recovery", func() bool {
			return ch.State() == realtime.StateSubscribed && sessions.Refreshes() == want
		})
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()

	uid := uuid.New()
	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(uid, func(*entitlements.Record) {})
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	// Every resubscribe now fails the same way the stream did.
	store.SetSubscribeError(session.ErrCredentialExpired)
	store.FailSubscriptions(session.ErrCredentialExpired)

	waitFor(t, "disconnected", func() bool { return ch.State() == realtime.StateDisconnected })
	if got := sessions.Refreshes(); got != 3 {
		t.Errorf("refresh attempts = %d, want 3", got)
	}

	// No further attempts until the next explicit Start.
	time.Sleep(20 * time.Millisecond)
	if got := sessions.Refreshes(); got != 3 {
		t.Errorf("channel kept retrying after giving up: %d refreshes", got)
	}

	store.SetSubscribeError(nil)
	ch.Start(uid, func(*entitlements.Record) {})
	waitFor(t, "resubscribed after restart", func() bool { return ch.State() == realtime.StateSubscribed })
}

func TestNonCredentialErrorDisconnectsWithoutRefresh(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()

	uid := uuid.New()
	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(uid, func(*entitlements.Record) {})
	waitFor(t, "subscribed", func() bool { return ch.State() == realtime.StateSubscribed })

	store.FailSubscriptions(errors.New("connection reset by peer"))
	waitFor(t, "disconnected", func() bool { return ch.State() == realtime.StateDisconnected })
	if got := sessions.Refreshes(); got != 0 {
		t.Errorf("unexpected session refreshes: %d", got)
	}
}

func TestStartForNewUserTearsDownOldChannel(t *testing.T) {
	store := premiumtest.NewEntitlementStore()
	sessions := premiumtest.NewSessionProvider()
	oldSink := &changeSink{}
	newSink := &changeSink{}

	u1, u2 := uuid.New(), uuid.New()
	r1 := &entitlements.Record{UserID: u1, IsPremium: true, Status: entitlements.StatusActive}
	r2 := &entitlements.Record{UserID: u2, IsPremium: true, Status: entitlements.StatusActive}
	store.Seed(r1)
	store.Seed(r2)

	ch := newTestChannel(store, sessions, &invalidations{})
	defer ch.Stop()
	ch.Start(u1, oldSink.add)
	waitFor(t, "first subscription", func() bool { return ch.State() == realtime.StateSubscribed })

	ch.Start(u2, newSink.add)
	waitFor(t, "second subscription", func() bool { return ch.State() == realtime.StateSubscribed })

	store.EmitChange(entitlements.ChangeEvent{Type: entitlements.ChangeUpdate, After: r1})
	store.EmitChange(entitlements.ChangeEvent{Type: entitlements.ChangeUpdate, After: r2})

	waitFor(t, "new user's event", func() bool { return newSink.len() == 1 })
	if oldSink.len() != 0 {
		t.Errorf("old user's channel leaked %d events past teardown", oldSink.len())
	}
}

func TestStopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	ch := newTestChannel(premiumtest.NewEntitlementStore(), premiumtest.NewSessionProvider(), &invalidations{})
	ch.Stop()
	ch.Stop()
	if got := ch.State(); got != realtime.StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
}
