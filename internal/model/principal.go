package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the subscription class controlling quotas and features.
type Tier string

const (
	TierFree     Tier = "free"
	TierBasic    Tier = "basic"
	TierPremium  Tier = "premium"
	TierAcademic Tier = "academic"
)

// TierRank returns the numeric rank of a tier (higher = more privileges).
// Only relative ordering matters; TierAtLeast uses >= comparison.
func TierRank(t Tier) int {
	switch t {
	case TierAcademic:
		return 4
	case TierPremium:
		return 3
	case TierBasic:
		return 2
	case TierFree:
		return 1
	default:
		return 0
	}
}

// TierAtLeast returns true if tier t has at least the privileges of min.
func TierAtLeast(t, min Tier) bool {
	return TierRank(t) >= TierRank(min)
}

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	return TierRank(t) > 0
}

// SubscriptionStatus mirrors the payment provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusUnpaid     SubscriptionStatus = "unpaid"
)

// Principal is the authenticated (or synthetic anonymous) identity a
// request acts as. Anonymous requests carry Anonymous=true, tier FREE,
// and an ID derived from the client session.
type Principal struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Tier      Tier      `json:"tier"`
	Verified  bool      `json:"verified"`
	Active    bool      `json:"active"`
	Anonymous bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a principal's provider-backed subscription record.
// Mutated only by webhook processing; cached with a short TTL. The cache
// is never authoritative; a miss or stale entry consults Postgres.
type Subscription struct {
	PrincipalID            uuid.UUID          `json:"principal_id"`
	Tier                   Tier               `json:"tier"`
	Status                 SubscriptionStatus `json:"status"`
	PeriodStart            time.Time          `json:"period_start"`
	PeriodEnd              time.Time          `json:"period_end"`
	ExternalCustomerID     *string            `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID *string            `json:"external_subscription_id,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// UsageRecord is one metered request. Append-only.
type UsageRecord struct {
	ID            uuid.UUID `json:"id"`
	PrincipalID   uuid.UUID `json:"principal_id"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	Tokens        int       `json:"tokens"`
	DurationMs    int64     `json:"duration_ms"`
	BillingPeriod string    `json:"billing_period"` // YYYY-MM
	Tier          Tier      `json:"tier"`
	CreatedAt     time.Time `json:"created_at"`
}

// anonNamespace seeds deterministic anonymous principal ids.
var anonNamespace = uuid.MustParse("6b1a9a2e-0c7f-4b7e-9d3a-2f5c8e4d1a90")

// AnonymousPrincipal synthesizes the FREE-tier identity for an
// unauthenticated request. The id is a stable function of seed (the
// client address), so per-principal quotas apply across requests.
func AnonymousPrincipal(seed string) Principal {
	return Principal{
		ID:        uuid.NewSHA1(anonNamespace, []byte(seed)),
		Username:  "anonymous",
		Tier:      TierFree,
		Active:    true,
		Anonymous: true,
	}
}

// WebhookEvent records a payment-provider event for idempotent processing.
// A non-nil ProcessedAt marks completion; redeliveries are acknowledged
// without side effects.
type WebhookEvent struct {
	ExternalEventID string     `json:"external_event_id"`
	Type            string     `json:"type"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}
