package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/model"
)

// CurrentPeriod returns the current billing period key (YYYY-MM, UTC).
func CurrentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// nextPeriodStart returns the first instant of the next billing period.
func nextPeriodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// TrackUsage appends a usage record and refreshes the cached token sum.
// Always best-effort: failures are logged and counted, never surfaced.
// Anonymous principals are metered too; their synthetic id scopes the quota.
func (e *Enforcer) TrackUsage(ctx context.Context, p model.Principal, pol EndpointPolicy, tokens int, duration time.Duration) {
	period := CurrentPeriod()
	rec := model.UsageRecord{
		PrincipalID:   p.ID,
		Endpoint:      pol.Name,
		Method:        pol.Method,
		Tokens:        tokens,
		DurationMs:    duration.Milliseconds(),
		BillingPeriod: period,
		Tier:          p.Tier,
	}
	if rec.Tier == "" {
		rec.Tier = model.TierFree
	}

	if err := e.store.InsertUsageRecord(ctx, rec); err != nil {
		metrics.UsageTrackFailures.Inc()
		e.logger.Warn("billing: usage record not written",
			slog.String("endpoint", pol.Name),
			slog.String("principal_id", p.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	// The cached sum is now stale; drop it so the next check re-reads.
	e.cache.Invalidate(ctx, cache.FamilyUsage, cache.Key(p.ID.String(), period))
}
