package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arete-ai/arete/internal/model"
)

// GetSubscription returns the subscription record for a principal.
func (db *DB) GetSubscription(ctx context.Context, principalID uuid.UUID) (model.Subscription, error) {
	var s model.Subscription
	err := db.pool.QueryRow(ctx,
		`SELECT principal_id, tier, status, period_start, period_end,
		        external_customer_id, external_subscription_id, updated_at
		 FROM subscriptions WHERE principal_id = $1`, principalID,
	).Scan(&s.PrincipalID, &s.Tier, &s.Status, &s.PeriodStart, &s.PeriodEnd,
		&s.ExternalCustomerID, &s.ExternalSubscriptionID, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, fmt.Errorf("storage: get subscription: %w", err)
	}
	return s, nil
}

// GetSubscriptionByCustomer resolves a subscription by the payment
// provider's customer id. Used by webhook handlers.
func (db *DB) GetSubscriptionByCustomer(ctx context.Context, customerID string) (model.Subscription, error) {
	var s model.Subscription
	err := db.pool.QueryRow(ctx,
		`SELECT principal_id, tier, status, period_start, period_end,
		        external_customer_id, external_subscription_id, updated_at
		 FROM subscriptions WHERE external_customer_id = $1`, customerID,
	).Scan(&s.PrincipalID, &s.Tier, &s.Status, &s.PeriodStart, &s.PeriodEnd,
		&s.ExternalCustomerID, &s.ExternalSubscriptionID, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, fmt.Errorf("storage: get subscription by customer: %w", err)
	}
	return s, nil
}

// UpsertSubscriptionTx writes a subscription record inside tx and mirrors
// the resolved tier onto the users row. Only webhook processing calls this.
func UpsertSubscriptionTx(ctx context.Context, tx pgx.Tx, s model.Subscription) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions
		   (principal_id, tier, status, period_start, period_end, external_customer_id, external_subscription_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (principal_id) DO UPDATE SET
		   tier = EXCLUDED.tier,
		   status = EXCLUDED.status,
		   period_start = EXCLUDED.period_start,
		   period_end = EXCLUDED.period_end,
		   external_customer_id = EXCLUDED.external_customer_id,
		   external_subscription_id = EXCLUDED.external_subscription_id,
		   updated_at = now()`,
		s.PrincipalID, s.Tier, s.Status, s.PeriodStart, s.PeriodEnd,
		s.ExternalCustomerID, s.ExternalSubscriptionID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert subscription: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET tier = $2, updated_at = now() WHERE id = $1`,
		s.PrincipalID, s.Tier,
	); err != nil {
		return fmt.Errorf("storage: mirror tier to user: %w", err)
	}
	return nil
}
