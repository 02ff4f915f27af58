// Package billing enforces subscription tiers and quotas and processes
// payment-provider webhooks. If payments are disabled globally, CheckAccess
// always allows and webhook endpoints return 503.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/storage"
)

// TierLimits are the per-tier quota knobs.
type TierLimits struct {
	ReqPerDay      int64
	ReqPerMin      int
	TokensPerMonth int64
}

// tierMatrix maps each tier to its quotas.
var tierMatrix = map[model.Tier]TierLimits{
	model.TierFree:     {ReqPerDay: 100, ReqPerMin: 10, TokensPerMonth: 50_000},
	model.TierBasic:    {ReqPerDay: 1_000, ReqPerMin: 50, TokensPerMonth: 500_000},
	model.TierPremium:  {ReqPerDay: 10_000, ReqPerMin: 100, TokensPerMonth: 5_000_000},
	model.TierAcademic: {ReqPerDay: 50_000, ReqPerMin: 500, TokensPerMonth: 25_000_000},
}

// Limits returns the quota set for a tier. Unknown tiers get FREE limits.
func Limits(t model.Tier) TierLimits {
	if l, ok := tierMatrix[t]; ok {
		return l
	}
	return tierMatrix[model.TierFree]
}

// Denial reasons. Each maps to one HTTP status.
const (
	ReasonTierInsufficient     = "tier-insufficient"     // 402
	ReasonSubscriptionInactive = "subscription-inactive" // 403
	ReasonQuotaExceeded        = "quota-exceeded"        // 429
	ReasonServiceUnavailable   = "service-unavailable"   // 503 (fail-closed)
)

// Decision is the outcome of CheckAccess.
type Decision struct {
	Allowed    bool
	Reason     string
	Status     int
	Detail     string
	RetryAfter int              // seconds; set on quota denials
	RateLimit  ratelimit.Result // for X-RateLimit headers, valid when Limit > 0
	Tier       model.Tier       // resolved tier, for usage records
}

func allow(tier model.Tier) Decision {
	return Decision{Allowed: true, Tier: tier}
}

func deny(reason string, status int, detail string, tier model.Tier) Decision {
	return Decision{Reason: reason, Status: status, Detail: detail, Tier: tier}
}

// EndpointPolicy describes the gate for one endpoint.
type EndpointPolicy struct {
	Name     string     // stable path label for usage records, e.g. "/v1/query"
	Method   string
	MinTier  model.Tier // zero value means any tier
	Billable bool       // billable writes fail closed on lookup errors
}

// Store is the subset of the relational store the enforcer reads and writes.
type Store interface {
	GetSubscription(ctx context.Context, principalID uuid.UUID) (model.Subscription, error)
	SumTokens(ctx context.Context, principalID uuid.UUID, billingPeriod string) (int64, error)
	CountRequestsSince(ctx context.Context, principalID uuid.UUID, since time.Time) (int64, error)
	InsertUsageRecord(ctx context.Context, r model.UsageRecord) error
}

// Config holds enforcement knobs.
type Config struct {
	Enabled       bool
	GraceDays     int
	FailOpenRead  bool
	FailOpenWrite bool
}

// Enforcer decides whether a principal may invoke an endpoint and accounts
// usage afterwards.
type Enforcer struct {
	store   Store
	cache   cache.Store
	limiter *ratelimit.FixedWindow
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEnforcer creates a subscription enforcer.
func NewEnforcer(store Store, c cache.Store, limiter *ratelimit.FixedWindow, cfg Config, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		store:   store,
		cache:   c,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAccess runs the access decision for one request.
//
// Order: payments-disabled bypass, anonymous FREE synthesis, subscription
// status (with grace), endpoint tier floor, per-minute window, per-day
// count, monthly token quota. Lookup failures fall open or closed per
// endpoint policy.
func (e *Enforcer) CheckAccess(ctx context.Context, p model.Principal, pol EndpointPolicy) Decision {
	if !e.cfg.Enabled {
		return allow(p.Tier)
	}

	tier := model.TierFree
	if !p.Anonymous {
		sub, err := e.resolveSubscription(ctx, p)
		if err != nil {
			return e.degraded(pol, "subscription lookup", err)
		}
		if !e.subscriptionUsable(sub) {
			return deny(ReasonSubscriptionInactive, http.StatusForbidden,
				"subscription is not active", sub.Tier)
		}
		tier = sub.Tier
	}

	if pol.MinTier != "" && !model.TierAtLeast(tier, pol.MinTier) {
		return deny(ReasonTierInsufficient, http.StatusPaymentRequired,
			"endpoint requires tier "+string(pol.MinTier), tier)
	}

	limits := Limits(tier)

	rl := e.limiter.Allow(p.ID.String(), limits.ReqPerMin)
	if !rl.Allowed {
		d := deny(ReasonQuotaExceeded, http.StatusTooManyRequests,
			"per-minute request limit reached", tier)
		d.RetryAfter = rl.RetryAfter()
		d.RateLimit = rl
		return d
	}

	dayStart := e.now().UTC().Truncate(24 * time.Hour)
	reqs, err := e.store.CountRequestsSince(ctx, p.ID, dayStart)
	if err != nil {
		return e.degraded(pol, "daily request count", err)
	}
	if reqs >= limits.ReqPerDay {
		d := deny(ReasonQuotaExceeded, http.StatusTooManyRequests,
			"daily request limit reached", tier)
		d.RetryAfter = int(time.Until(dayStart.Add(24 * time.Hour)).Seconds())
		d.RateLimit = rl
		return d
	}

	tokens, err := e.monthlyTokens(ctx, p.ID)
	if err != nil {
		return e.degraded(pol, "monthly token sum", err)
	}
	if tokens >= limits.TokensPerMonth {
		d := deny(ReasonQuotaExceeded, http.StatusTooManyRequests,
			"monthly token quota exhausted", tier)
		d.RetryAfter = int(time.Until(nextPeriodStart(e.now())).Seconds())
		d.RateLimit = rl
		return d
	}

	d := allow(tier)
	d.RateLimit = rl
	return d
}

// resolveSubscription reads through the subscription cache. A principal with
// no subscription row is an implicit active FREE subscription.
func (e *Enforcer) resolveSubscription(ctx context.Context, p model.Principal) (model.Subscription, error) {
	key := p.ID.String()

	var sub model.Subscription
	if err := e.cache.Get(ctx, cache.FamilySubscription, key, &sub); err == nil {
		return sub, nil
	}

	sub, err := e.store.GetSubscription(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		sub = model.Subscription{
			PrincipalID: p.ID,
			Tier:        model.TierFree,
			Status:      model.StatusActive,
		}
		err = nil
	}
	if err != nil {
		return model.Subscription{}, err
	}

	e.cache.Set(ctx, cache.FamilySubscription, key, sub)
	return sub, nil
}

// subscriptionUsable applies the status check with the grace window for
// past_due subscriptions.
func (e *Enforcer) subscriptionUsable(sub model.Subscription) bool {
	switch sub.Status {
	case model.StatusActive, model.StatusTrialing:
		return true
	case model.StatusPastDue:
		grace := time.Duration(e.cfg.GraceDays) * 24 * time.Hour
		return sub.PeriodEnd.IsZero() || e.now().Before(sub.PeriodEnd.Add(grace))
	default:
		return false
	}
}

// monthlyTokens reads the current-period token sum through the usage cache.
func (e *Enforcer) monthlyTokens(ctx context.Context, principalID uuid.UUID) (int64, error) {
	period := CurrentPeriod()
	key := cache.Key(principalID.String(), period)

	var tokens int64
	if err := e.cache.Get(ctx, cache.FamilyUsage, key, &tokens); err == nil {
		return tokens, nil
	}

	tokens, err := e.store.SumTokens(ctx, principalID, period)
	if err != nil {
		return 0, err
	}
	e.cache.Set(ctx, cache.FamilyUsage, key, tokens)
	return tokens, nil
}

// degraded applies the fail-open/fail-closed policy when a lookup failed.
func (e *Enforcer) degraded(pol EndpointPolicy, what string, err error) Decision {
	failOpen := e.cfg.FailOpenRead
	policy := "fail_open"
	if pol.Billable {
		failOpen = e.cfg.FailOpenWrite
	}
	if !failOpen {
		policy = "fail_closed"
	}
	metrics.EnforcementDegraded.WithLabelValues(policy).Inc()
	e.logger.Warn("billing: enforcement degraded",
		slog.String("lookup", what),
		slog.String("endpoint", pol.Name),
		slog.String("policy", policy),
		slog.String("error", err.Error()))

	if failOpen {
		return allow(model.TierFree)
	}
	return deny(ReasonServiceUnavailable, http.StatusServiceUnavailable,
		"access check temporarily unavailable", model.TierFree)
}

// InvalidateSubscription busts the cached subscription after a webhook
// mutation.
func (e *Enforcer) InvalidateSubscription(ctx context.Context, principalID uuid.UUID) {
	e.cache.Invalidate(ctx, cache.FamilySubscription, principalID.String())
}
