// Package premium orchestrates the entitlement state a host application
// consumes: the cached subscription record, the premium access decision,
// and the loading flag, kept consistent across session lifecycle events
// and realtime row changes.
package premium

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/premiumkit/entitlements"
	"github.com/open-rails/premiumkit/realtime"
	"github.com/open-rails/premiumkit/session"
	memorystore "github.com/open-rails/premiumkit/storage/memory"
)

// Cache is the subscription cache surface the manager owns. Implemented by
// storage/memory and storage/redis.
type Cache interface {
	Get(ctx context.Context, userID uuid.UUID) (*entitlements.Record, bool, error)
	Put(ctx context.Context, userID uuid.UUID, rec *entitlements.Record) error
	Invalidate(ctx context.Context) error
}

// Snapshot is the state triple published to feature code.
type Snapshot struct {
	Subscription *entitlements.Record
	IsPremium    bool
	IsLoading    bool
}

const (
	// DefaultFetchTimeout bounds every remote read, and doubles as the
	// watchdog that forces loading off if a fetch path wedges.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultRefreshEvery pre-empts token expiry on the long-lived
	// realtime connection.
	DefaultRefreshEvery = 45 * time.Minute
)

// Config wires a Manager. Store and Sessions are required; everything else
// has defaults.
type Config struct {
	Store    entitlements.Store
	Sessions session.Provider
	Cache    Cache
	Log      *logrus.Logger

	FetchTimeout time.Duration
	RefreshEvery time.Duration
	SettleDelay  time.Duration
	RetryBase    time.Duration
}

// Manager owns the subscription cache and the tracked current user; no
// other component mutates either. All published results pass through a
// "still the current user" check so a fetch that resolves after a user
// switch is discarded, never applied.
type Manager struct {
	store    entitlements.Store
	sessions session.Provider
	cache    Cache
	eval     *entitlements.Evaluator
	channel  *realtime.SyncChannel
	log      *logrus.Entry

	fetchTimeout time.Duration
	cron         *cron.Cron
	stopAuth     func()

	mu          sync.Mutex
	currentUser uuid.UUID
	hasUser     bool
	tracking    bool
	snap        Snapshot
	loading     int
	watchdog    *time.Timer
	listeners   map[int]func(Snapshot)
	nextListen  int
	started     bool
}

// New constructs a Manager. Call Start to begin observing the session.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("premium: Config.Store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("premium: Config.Sessions is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = memorystore.NewSubscriptionCache(0)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = DefaultRefreshEvery
	}

	m := &Manager{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		cache:        cfg.Cache,
		eval:         entitlements.NewEvaluator(cfg.Store, cfg.Log),
		log:          cfg.Log.WithField("component", "premium"),
		fetchTimeout: cfg.FetchTimeout,
		listeners:    map[int]func(Snapshot){},
	}
	m.channel = realtime.New(realtime.Config{
		Feed:        cfg.Store,
		Sessions:    cfg.Sessions,
		Invalidate:  func() { _ = m.cache.Invalidate(context.Background()) },
		Fetch:       m.fetchRemote,
		SettleDelay: cfg.SettleDelay,
		RetryBase:   cfg.RetryBase,
		Log:         cfg.Log,
	})

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", cfg.RefreshEvery), m.periodicSessionRefresh); err != nil {
		return nil, fmt.Errorf("premium: schedule session refresh: %w", err)
	}
	return m, nil
}

// Start registers for auth events, fires an unawaited cached fetch, and
// starts the periodic session refresh. It does not block on the network.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.stopAuth = m.sessions.OnAuthEvent(m.handleAuthEvent)
	m.cron.Start()

	if uid, ok := m.sessions.CurrentUserID(context.Background()); ok {
		m.setCurrentUser(uid)
		m.startChannel(uid)
	}
	go m.backgroundFetch()
}

// Close stops the periodic refresh, the realtime channel, and the auth
// listener. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.mu.Unlock()

	m.cron.Stop()
	m.channel.Stop()
	if m.stopAuth != nil {
		m.stopAuth()
	}
}

// Snapshot returns the currently published state triple.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// OnChange registers fn to observe every published snapshot. Returns an
// unregister func.
func (m *Manager) OnChange(fn func(Snapshot)) (stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// CanAccessFeature reports whether the feature is available to the current
// user. All feature tags currently gate on the single premium bit.
func (m *Manager) CanAccessFeature(featureTag string) bool {
	_ = featureTag
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.IsPremium
}

// FormatSubscription returns a display view of the published record, or
// nil when there is none.
func (m *Manager) FormatSubscription() *entitlements.Display {
	return entitlements.FormatRecord(m.Snapshot().Subscription)
}

// ChannelState exposes the realtime channel's connection state.
func (m *Manager) ChannelState() realtime.State {
	return m.channel.State()
}

// GetUserSubscription returns the current user's record, serving from the
// cache unless it misses or forceRefresh is set. No signed-in user
// short-circuits to an empty, non-loading state. Remote failures return an
// error and leave the cache untouched.
func (m *Manager) GetUserSubscription(ctx context.Context, forceRefresh bool) (*entitlements.Record, error) {
	uid, ok := m.sessions.CurrentUserID(ctx)
	if !ok {
		m.publishEmpty()
		return nil, nil
	}
	if !forceRefresh {
		if rec, hit, err := m.cache.Get(ctx, uid); err == nil && hit {
			return rec, nil
		}
	}
	return m.fetchRemote(ctx, uid)
}

// GetSubscriptionDirect always bypasses the cache but writes the result
// back so subsequent cached fetches benefit.
func (m *Manager) GetSubscriptionDirect(ctx context.Context) (*entitlements.Record, error) {
	uid, ok := m.sessions.CurrentUserID(ctx)
	if !ok {
		m.publishEmpty()
		return nil, nil
	}
	return m.fetchRemote(ctx, uid)
}

// IsPremium composes a fetch with the access evaluation and publishes the
// outcome. Any failure degrades to a denial rather than an error.
func (m *Manager) IsPremium(ctx context.Context, forceRefresh bool) bool {
	uid, ok := m.sessions.CurrentUserID(ctx)
	if !ok {
		m.publishEmpty()
		return false
	}
	rec, err := m.GetUserSubscription(ctx, forceRefresh)
	if err != nil {
		return false
	}
	return m.resolveAndPublish(ctx, uid, rec)
}

// RefreshSubscription is the user-initiated refresh: drop the cache, read
// fresh, re-evaluate, publish.
func (m *Manager) RefreshSubscription(ctx context.Context) error {
	uid, ok := m.sessions.CurrentUserID(ctx)
	if !ok {
		m.publishEmpty()
		return nil
	}
	_ = m.cache.Invalidate(ctx)
	rec, err := m.fetchRemote(ctx, uid)
	if err != nil {
		m.publishIfCurrent(uid, nil, false)
		return err
	}
	m.resolveAndPublish(ctx, uid, rec)
	return nil
}

// fetchRemote performs the bounded point read and cache write-back. Also
// used by the realtime channel as its direct-fetch path.
func (m *Manager) fetchRemote(ctx context.Context, uid uuid.UUID) (*entitlements.Record, error) {
	m.beginLoading()
	defer m.endLoading()

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	rec, err := m.store.ReadEntitlement(fctx, uid)
	if errors.Is(err, entitlements.ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		m.log.WithError(err).WithField("user_id", uid).Warn("entitlement read failed")
		return nil, err
	}
	if m.isCurrentUser(uid) {
		_ = m.cache.Put(ctx, uid, rec)
	}
	return rec, nil
}

func (m *Manager) resolveAndPublish(ctx context.Context, uid uuid.UUID, rec *entitlements.Record) bool {
	dec := m.eval.ResolveAccess(ctx, rec)
	if dec.CorrectiveWriteIssued {
		// Drop the stale record so the next read refetches the
		// corrected row.
		_ = m.cache.Invalidate(ctx)
	}
	m.publishIfCurrent(uid, rec, dec.IsPremium)
	return dec.IsPremium
}

func (m *Manager) handleAuthEvent(ev session.Event) {
	switch ev.Kind {
	case session.SignedOut:
		m.mu.Lock()
		m.hasUser = false
		m.currentUser = uuid.Nil
		m.tracking = true
		m.mu.Unlock()
		_ = m.cache.Invalidate(context.Background())
		// Loading must never be left stuck on sign-out.
		m.publishEmpty()
		m.channel.Stop()

	case session.SignedIn:
		if ev.Session == nil {
			return
		}
		uid := ev.Session.UserID
		m.setCurrentUser(uid)
		go m.backgroundFetch()
		m.startChannel(uid)

	case session.TokenRefreshed:
		// The refresh may have raced a pending fetch; refetching is
		// idempotent and corrects any interim miss.
		go m.backgroundFetch()

		// A channel that gave up on stale credentials comes back now
		// that fresh ones exist.
		m.mu.Lock()
		uid, has := m.currentUser, m.hasUser
		m.mu.Unlock()
		if has && m.channel.State() == realtime.StateDisconnected {
			m.startChannel(uid)
		}
	}
}

func (m *Manager) setCurrentUser(uid uuid.UUID) {
	m.mu.Lock()
	m.currentUser = uid
	m.hasUser = true
	m.tracking = true
	m.mu.Unlock()
}

// isCurrentUser reports whether uid is still the active user. Before any
// lifecycle event has been observed the session provider is the source of
// truth; once tracking starts, the tracked id decides, so results arriving
// after a sign-out or user switch are rejected.
func (m *Manager) isCurrentUser(uid uuid.UUID) bool {
	m.mu.Lock()
	tracked, has := m.currentUser, m.hasUser
	tracking := m.tracking
	m.mu.Unlock()
	if tracking {
		return has && tracked == uid
	}
	cur, ok := m.sessions.CurrentUserID(context.Background())
	return ok && cur == uid
}

func (m *Manager) startChannel(uid uuid.UUID) {
	m.channel.Start(uid, func(rec *entitlements.Record) {
		m.resolveAndPublish(context.Background(), uid, rec)
	})
}

// backgroundFetch is the unawaited cached fetch fired on mount and on
// sign-in/token-refresh events. It must never crash the host.
func (m *Manager) backgroundFetch() {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("background fetch panicked")
			m.publishEmpty()
		}
	}()
	m.IsPremium(context.Background(), false)
}

func (m *Manager) periodicSessionRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()
	if err := m.sessions.RefreshSession(ctx); err != nil {
		m.log.WithError(err).Warn("periodic session refresh failed")
		return
	}
	m.log.Debug("periodic session refresh succeeded")
}

// publishIfCurrent applies a fetch result only if uid is still the active
// user; results for a superseded user are discarded.
func (m *Manager) publishIfCurrent(uid uuid.UUID, rec *entitlements.Record, premium bool) {
	if !m.isCurrentUser(uid) {
		return
	}
	m.mu.Lock()
	m.snap.Subscription = rec
	m.snap.IsPremium = premium
	m.notifyLocked()
}

// publishEmpty resets to the terminal "no entitlement, not loading" state.
func (m *Manager) publishEmpty() {
	m.mu.Lock()
	m.loading = 0
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.snap = Snapshot{}
	m.notifyLocked()
}

func (m *Manager) beginLoading() {
	m.mu.Lock()
	m.loading++
	if m.loading == 1 {
		m.snap.IsLoading = true
		m.watchdog = time.AfterFunc(m.fetchTimeout, m.watchdogFired)
	}
	m.notifyLocked()
}

func (m *Manager) endLoading() {
	m.mu.Lock()
	if m.loading > 0 {
		m.loading--
	}
	if m.loading == 0 {
		m.snap.IsLoading = false
		if m.watchdog != nil {
			m.watchdog.Stop()
			m.watchdog = nil
		}
	} else if m.watchdog != nil {
		// A fetch just completed, so the remaining ones get a fresh
		// deadline rather than inheriting the earliest fetch's timer.
		m.watchdog.Reset(m.fetchTimeout)
	}
	m.notifyLocked()
}

// watchdogFired forces a decided, non-loading state when no fetch path
// completed within the timeout.
func (m *Manager) watchdogFired() {
	m.mu.Lock()
	if m.loading == 0 {
		m.mu.Unlock()
		return
	}
	m.log.Warn("fetch watchdog fired; forcing empty entitlement state")
	m.loading = 0
	m.watchdog = nil
	m.snap = Snapshot{}
	m.notifyLocked()
	_ = m.cache.Invalidate(context.Background())
}

// notifyLocked snapshots listeners, releases the lock, and invokes them.
// Callers must hold m.mu; the lock is released on return.
func (m *Manager) notifyLocked() {
	snap := m.snap
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
