package testing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/open-rails/premiumkit/entitlements"
)

// EntitlementStore is an in-memory entitlements.Store. Reads, writes, and
// subscriptions can be failed on demand, and change events are emitted by
// hand via EmitChange.
type EntitlementStore struct {
	mu           sync.Mutex
	records      map[uuid.UUID]*entitlements.Record
	readErr      error
	writeErr     error
	subscribeErr error
	reads        int
	writes       []entitlements.Update
	subs         []*fakeSubscription
	readGate     chan struct{}
}

func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{records: map[uuid.UUID]*entitlements.Record{}}
}

// Seed installs a record.
func (s *EntitlementStore) Seed(rec *entitlements.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
}

// SetReadError fails subsequent reads with err; nil restores normal reads.
func (s *EntitlementStore) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// SetWriteError fails subsequent writes with err.
func (s *EntitlementStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetSubscribeError fails subsequent Subscribe calls with err.
func (s *EntitlementStore) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// GateReads makes every ReadEntitlement block until ReleaseReads is called.
// Used to stage in-flight fetches.
func (s *EntitlementStore) GateReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readGate = make(chan struct{})
}

// ReleaseReads unblocks reads gated by GateReads.
func (s *EntitlementStore) ReleaseReads() {
	s.mu.Lock()
	gate := s.readGate
	s.readGate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Reads returns how many point reads have been issued.
func (s *EntitlementStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Writes returns every partial update issued so far.
func (s *EntitlementStore) Writes() []entitlements.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entitlements.Update, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *EntitlementStore) ReadEntitlement(ctx context.Context, userID uuid.UUID) (*entitlements.Record, error) {
	s.mu.Lock()
	s.reads++
	gate := s.readGate
	err := s.readErr
	rec, ok := s.records[userID]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, entitlements.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *EntitlementStore) WriteEntitlement(ctx context.Context, userID uuid.UUID, update entitlements.Update) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, update)
	if s.writeErr != nil {
		return s.writeErr
	}
	if rec, ok := s.records[userID]; ok {
		if update.IsPremium != nil {
			rec.IsPremium = *update.IsPremium
		}
		if update.Status != nil {
			rec.Status = *update.Status
		}
		if update.PeriodEnd != nil {
			rec.PeriodEnd = update.PeriodEnd
		}
	}
	return nil
}

// Subscribe opens a fake change feed for userID. Events pushed through
// EmitChange are delivered to every open subscription for that user.
func (s *EntitlementStore) Subscribe(ctx context.Context, userID uuid.UUID) (entitlements.ChangeSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &fakeSubscription{
		store:  s,
		userID: userID,
		events: make(chan entitlements.ChangeEvent, 16),
	}
	go func() {
		<-ctx.Done()
		sub.close(nil)
	}()
	s.subs = append(s.subs, sub)
	return sub, nil
}

// EmitChange delivers ev to open subscriptions for the owning user.
func (s *EntitlementStore) EmitChange(ev entitlements.ChangeEvent) {
	owner := uuid.Nil
	if ev.After != nil {
		owner = ev.After.UserID
	} else if ev.Before != nil {
		owner = ev.Before.UserID
	}
	s.mu.Lock()
	subs := make([]*fakeSubscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(owner, ev)
	}
}

// FailSubscriptions terminates every open subscription with err, as a
// dropped stream would.
func (s *EntitlementStore) FailSubscriptions(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close(err)
	}
}

type fakeSubscription struct {
	store  *EntitlementStore
	userID uuid.UUID
	events chan entitlements.ChangeEvent

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *fakeSubscription) Events() <-chan entitlements.ChangeEvent { return f.events }

func (f *fakeSubscription) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSubscription) Close() error {
	f.close(nil)
	return nil
}

func (f *fakeSubscription) deliver(owner uuid.UUID, ev entitlements.ChangeEvent) {
	if owner != f.userID {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *fakeSubscription) close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.events)
	f.store.drop(f)
}

func (s *EntitlementStore) drop(sub *fakeSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.subs {
		if candidate == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
