package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/premiumkit/entitlements"
)

// Store reads and writes entitlement rows in the billing schema.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

func NewStore(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "billing"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) entitlementsTable() string { return s.schema + ".entitlements" }

// ReadEntitlement returns the user's entitlement row, or
// entitlements.ErrNotFound when none exists.
func (s *Store) ReadEntitlement(ctx context.Context, userID uuid.UUID) (*entitlements.Record, error) {
	if s.pg == nil || userID == uuid.Nil {
		return nil, entitlements.ErrNotFound
	}
	var rec entitlements.Record
	err := s.pg.QueryRow(ctx,
		`SELECT user_id, is_premium, plan, status, period_start, period_end, billing_ref FROM `+
			s.entitlementsTable()+` WHERE user_id=$1 LIMIT 1`, userID).
		Scan(&rec.UserID, &rec.IsPremium, &rec.Plan, &rec.Status, &rec.PeriodStart, &rec.PeriodEnd, &rec.BillingRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlements.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteEntitlement applies a partial update to the user's row. Nil fields
// in update are left untouched.
func (s *Store) WriteEntitlement(ctx context.Context, userID uuid.UUID, update entitlements.Update) error {
	if s.pg == nil || userID == uuid.Nil {
		return nil
	}
	sets := make([]string, 0, 4)
	args := []any{userID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if update.IsPremium != nil {
		add("is_premium", *update.IsPremium)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.PeriodEnd != nil {
		add("period_end", *update.PeriodEnd)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=NOW()")
	_, err := s.pg.Exec(ctx,
		`UPDATE `+s.entitlementsTable()+` SET `+strings.Join(sets, ", ")+` WHERE user_id=$1`, args...)
	return err
}
