package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arete-ai/arete/internal/model"
)

// InsertUsageRecord appends one usage row. Append-only; never updated.
func (db *DB) InsertUsageRecord(ctx context.Context, r model.UsageRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_records (principal_id, endpoint, method, tokens, duration_ms, billing_period, tier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.PrincipalID, r.Endpoint, r.Method, r.Tokens, r.DurationMs, r.BillingPeriod, r.Tier,
	)
	if err != nil {
		return fmt.Errorf("storage: insert usage record: %w", err)
	}
	return nil
}

// SumTokens returns the total tokens a principal consumed in a billing
// period (YYYY-MM). Monotone non-decreasing within the period.
func (db *DB) SumTokens(ctx context.Context, principalID uuid.UUID, billingPeriod string) (int64, error) {
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM usage_records
		 WHERE principal_id = $1 AND billing_period = $2`,
		principalID, billingPeriod,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum tokens: %w", err)
	}
	return total, nil
}

// CountRequestsSince counts a principal's requests after the cutoff.
// Backs the per-day request quota.
func (db *DB) CountRequestsSince(ctx context.Context, principalID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_records
		 WHERE principal_id = $1 AND created_at >= $2`,
		principalID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count requests: %w", err)
	}
	return n, nil
}
