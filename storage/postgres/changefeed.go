package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/premiumkit/entitlements"
)

// NotifyChannel is the Postgres NOTIFY channel the entitlements trigger
// publishes row changes on. See migrations/postgres.
const NotifyChannel = "entitlement_changes"

type notifyPayload struct {
	Op     string               `json:"op"`
	Before *entitlements.Record `json:"before,omitempty"`
	After  *entitlements.Record `json:"after,omitempty"`
}

// Subscribe opens a change subscription for one user's row on a dedicated
// pooled connection. The subscription ends when ctx is cancelled, Close is
// called, or the connection fails; Err reports the terminal cause.
func (s *Store) Subscribe(ctx context.Context, userID uuid.UUID) (entitlements.ChangeSubscription, error) {
	if s.pg == nil {
		return nil, errors.New("pgstore: no connection pool")
	}
	conn, err := s.pg.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &changeSubscription{
		events: make(chan entitlements.ChangeEvent, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.pump(subCtx, conn, userID)
	return sub, nil
}

type changeSubscription struct {
	events chan entitlements.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *changeSubscription) Events() <-chan entitlements.ChangeEvent { return c.events }

func (c *changeSubscription) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the subscription down and waits for the pump goroutine to
// exit, so no events can trail out after it returns.
func (c *changeSubscription) Close() error {
	c.closeOnce.Do(c.cancel)
	<-c.done
	return nil
}

func (c *changeSubscription) pump(ctx context.Context, conn *pgxpool.Conn, userID uuid.UUID) {
	defer close(c.done)
	defer close(c.events)
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		if n.Channel != NotifyChannel {
			continue
		}
		var payload notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			logrus.WithError(err).Warn("entitlement change payload did not parse; skipping")
			continue
		}
		ev, ok := payload.toEvent(userID)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// toEvent filters the payload down to the subscribed user's row.
func (p notifyPayload) toEvent(userID uuid.UUID) (entitlements.ChangeEvent, bool) {
	owner := uuid.Nil
	if p.After != nil {
		owner = p.After.UserID
	} else if p.Before != nil {
		owner = p.Before.UserID
	}
	if owner != userID {
		return entitlements.ChangeEvent{}, false
	}
	var typ entitlements.ChangeType
	switch p.Op {
	case "INSERT", "insert":
		typ = entitlements.ChangeInsert
	case "UPDATE", "update":
		typ = entitlements.ChangeUpdate
	case "DELETE", "delete":
		typ = entitlements.ChangeDelete
	default:
		return entitlements.ChangeEvent{}, false
	}
	return entitlements.ChangeEvent{Type: typ, Before: p.Before, After: p.After}, true
}
