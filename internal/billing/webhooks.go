package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/arete-ai/arete/internal/metrics"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/storage"
)

// WebhookHandler authenticates and idempotently processes payment-provider
// events. Signature verification happens on the raw body before any parsing;
// each event id is processed at most once, with handler mutations and the
// processed marker committed in one transaction.
type WebhookHandler struct {
	db       *storage.DB
	enforcer *Enforcer
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates a webhook processor.
func NewWebhookHandler(db *storage.DB, enforcer *Enforcer, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{db: db, enforcer: enforcer, secret: secret, logger: logger}
}

// HandleWebhook verifies and processes one delivery. Returns the HTTP status
// to respond with and any error. A redelivered, already-processed event id
// returns 200 with no side effects.
func (h *WebhookHandler) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	event, err := stripe.ConstructEvent(body, sigHeader, h.secret)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid").Inc()
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}
	eventType := string(event.Type)

	rec, err := h.db.RecordWebhookEvent(ctx, event.ID, eventType)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return http.StatusInternalServerError, err
	}
	if rec.ProcessedAt != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		return http.StatusOK, nil
	}

	handler := h.handlerFor(eventType)
	if handler == nil {
		// Unhandled types are acknowledged and marked so redeliveries stop.
		if err := h.db.ProcessWebhookEvent(ctx, event.ID, func(context.Context, pgx.Tx) error { return nil }); err != nil {
			metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
			return http.StatusInternalServerError, err
		}
		metrics.WebhookEvents.WithLabelValues(eventType, "ignored").Inc()
		return http.StatusOK, nil
	}

	var touched uuid.UUID
	err = h.db.ProcessWebhookEvent(ctx, event.ID, func(ctx context.Context, tx pgx.Tx) error {
		id, herr := handler(ctx, tx, event)
		touched = id
		return herr
	})
	if err != nil {
		// Leave processed_at unset; the provider retries the delivery.
		metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return http.StatusInternalServerError, fmt.Errorf("billing: process %s: %w", eventType, err)
	}

	if touched != uuid.Nil {
		h.enforcer.InvalidateSubscription(ctx, touched)
	}
	metrics.WebhookEvents.WithLabelValues(eventType, "processed").Inc()
	h.logger.Info("billing: webhook processed",
		slog.String("event_id", event.ID),
		slog.String("type", eventType))
	return http.StatusOK, nil
}

// eventHandler mutates subscription state inside the event's transaction and
// returns the affected principal for cache invalidation (uuid.Nil if none).
type eventHandler func(ctx context.Context, tx pgx.Tx, event stripe.Event) (uuid.UUID, error)

func (h *WebhookHandler) handlerFor(eventType string) eventHandler {
	switch eventType {
	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionUpserted
	case "customer.subscription.deleted":
		return h.handleSubscriptionDeleted
	case "invoice.payment_succeeded":
		return h.statusByCustomer(model.StatusActive, false)
	case "invoice.payment_failed":
		return h.statusByCustomer(model.StatusPastDue, false)
	case "charge.refunded":
		return h.statusByCustomer(model.StatusCanceled, true)
	case "charge.dispute.created":
		return h.statusByCustomer(model.StatusUnpaid, true)
	default:
		return nil
	}
}

// subscriptionPeriods extracts the billing period bounds defensively: older
// payloads carry them at the subscription level, newer ones on the first
// subscription item.
type subscriptionPeriods struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p subscriptionPeriods) bounds() (start, end time.Time, ok bool) {
	s, e := p.CurrentPeriodStart, p.CurrentPeriodEnd
	if s == 0 && len(p.Items.Data) > 0 {
		s, e = p.Items.Data[0].CurrentPeriodStart, p.Items.Data[0].CurrentPeriodEnd
	}
	if s == 0 || e == 0 {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(s, 0).UTC(), time.Unix(e, 0).UTC(), true
}

func (h *WebhookHandler) handleSubscriptionUpserted(ctx context.Context, tx pgx.Tx, event stripe.Event) (uuid.UUID, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	var periods subscriptionPeriods
	_ = json.Unmarshal(event.Data.Raw, &periods)

	existing, principalID, err := h.resolvePrincipal(ctx, sub.Metadata, customerID(sub.Customer))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("billing: subscription event for unknown principal",
				slog.String("customer_id", customerID(sub.Customer)))
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}

	record := existing
	record.PrincipalID = principalID
	record.Status = mapStatus(string(sub.Status))
	if t := model.Tier(sub.Metadata["tier"]); model.ValidTier(t) {
		record.Tier = t
	} else if record.Tier == "" {
		record.Tier = model.TierFree
	}
	if start, end, ok := periods.bounds(); ok {
		record.PeriodStart = start
		record.PeriodEnd = end
	}
	if cid := customerID(sub.Customer); cid != "" {
		record.ExternalCustomerID = &cid
	}
	if sub.ID != "" {
		sid := sub.ID
		record.ExternalSubscriptionID = &sid
	}

	if err := storage.UpsertSubscriptionTx(ctx, tx, record); err != nil {
		return uuid.Nil, err
	}
	return principalID, nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, tx pgx.Tx, event stripe.Event) (uuid.UUID, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	existing, err := h.db.GetSubscriptionByCustomer(ctx, customerID(sub.Customer))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("billing: subscription deleted for unknown customer",
				slog.String("customer_id", customerID(sub.Customer)))
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}

	existing.Status = model.StatusCanceled
	existing.Tier = model.TierFree
	existing.ExternalSubscriptionID = nil
	if err := storage.UpsertSubscriptionTx(ctx, tx, existing); err != nil {
		return uuid.Nil, err
	}
	return existing.PrincipalID, nil
}

// statusByCustomer builds a handler that flips the subscription status for
// the event's customer. downgrade additionally drops the tier to FREE
// (refunds and disputes revoke paid access).
func (h *WebhookHandler) statusByCustomer(status model.SubscriptionStatus, downgrade bool) eventHandler {
	return func(ctx context.Context, tx pgx.Tx, event stripe.Event) (uuid.UUID, error) {
		var payload struct {
			Customer string `json:"customer"`
		}
		if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
			return uuid.Nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		if payload.Customer == "" {
			h.logger.Warn("billing: event without customer", slog.String("type", string(event.Type)))
			return uuid.Nil, nil
		}

		existing, err := h.db.GetSubscriptionByCustomer(ctx, payload.Customer)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				h.logger.Warn("billing: event for unknown customer",
					slog.String("customer_id", payload.Customer))
				return uuid.Nil, nil
			}
			return uuid.Nil, err
		}

		existing.Status = status
		if downgrade {
			existing.Tier = model.TierFree
		}
		if err := storage.UpsertSubscriptionTx(ctx, tx, existing); err != nil {
			return uuid.Nil, err
		}
		return existing.PrincipalID, nil
	}
}

// resolvePrincipal finds the principal a subscription event targets:
// explicit principal_id metadata first, then the stored customer mapping.
func (h *WebhookHandler) resolvePrincipal(ctx context.Context, metadata map[string]string, customer string) (model.Subscription, uuid.UUID, error) {
	if raw, ok := metadata["principal_id"]; ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			return model.Subscription{}, uuid.Nil, fmt.Errorf("invalid principal_id metadata: %w", err)
		}
		existing, err := h.db.GetSubscription(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return model.Subscription{PrincipalID: id, Tier: model.TierFree}, id, nil
		}
		if err != nil {
			return model.Subscription{}, uuid.Nil, err
		}
		return existing, id, nil
	}

	existing, err := h.db.GetSubscriptionByCustomer(ctx, customer)
	if err != nil {
		return model.Subscription{}, uuid.Nil, err
	}
	return existing, existing.PrincipalID, nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// mapStatus translates provider status strings onto the model's lifecycle.
// Unknown states are treated as incomplete (deny access, keep the record).
func mapStatus(s string) model.SubscriptionStatus {
	switch model.SubscriptionStatus(s) {
	case model.StatusActive, model.StatusPastDue, model.StatusCanceled,
		model.StatusIncomplete, model.StatusTrialing, model.StatusUnpaid:
		return model.SubscriptionStatus(s)
	default:
		return model.StatusIncomplete
	}
}
