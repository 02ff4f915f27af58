package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/storage"
	"github.com/arete-ai/arete/migrations"
)

const webhookSecret = "whsec_test"

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "arete",
			"POSTGRES_PASSWORD": "arete",
			"POSTGRES_DB":       "arete",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://arete:arete@%s:%s/arete?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	testDB, err = storage.New(ctx, dsn, 4, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	cancel()
	os.Exit(code)
}

func newWebhookHandler(t *testing.T) *billing.WebhookHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	limiter := ratelimit.NewFixedWindow()
	t.Cleanup(func() { _ = limiter.Close() })
	enforcer := billing.NewEnforcer(testDB, cache.Noop{}, limiter,
		billing.Config{Enabled: true}, logger)
	return billing.NewWebhookHandler(testDB, enforcer, webhookSecret, logger)
}

// signPayload produces a Stripe-Signature header for body: the v1 scheme is
// an HMAC-SHA256 of "<timestamp>.<payload>".
func signPayload(body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEvent(eventID, eventType, subID, customer string, principalID uuid.UUID, tier, status string) []byte {
	now := time.Now().UTC()
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"data": {
			"object": {
				"id": %q,
				"customer": %q,
				"status": %q,
				"metadata": {"principal_id": %q, "tier": %q},
				"items": {"data": [{"current_period_start": %d, "current_period_end": %d}]}
			}
		}
	}`, eventID, eventType, subID, customer, status, principalID, tier,
		now.Unix(), now.Add(30*24*time.Hour).Unix()))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newWebhookHandler(t)

	body := []byte(`{"id":"evt_forged","type":"customer.subscription.created","data":{"object":{}}}`)
	status, err := h.HandleWebhook(context.Background(), body, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)

	// Tampering after signing fails the same way.
	sig := signPayload(body, time.Now())
	status, err = h.HandleWebhook(context.Background(), append(body, ' '), sig)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
}

func TestWebhookSubscriptionUpdatedChangesTier(t *testing.T) {
	ctx := context.Background()
	h := newWebhookHandler(t)

	user, err := testDB.CreateUser(ctx, "upgrade@example.com", "upgrade-user", model.TierFree)
	require.NoError(t, err)

	body := subscriptionEvent("evt_"+uuid.NewString(), "customer.subscription.updated",
		"sub_1", "cus_upgrade", user.ID, "premium", "active")
	status, err := h.HandleWebhook(ctx, body, signPayload(body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	sub, err := testDB.GetSubscription(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPremium, sub.Tier)
	assert.Equal(t, model.StatusActive, sub.Status)
	require.NotNil(t, sub.ExternalCustomerID)
	assert.Equal(t, "cus_upgrade", *sub.ExternalCustomerID)

	// The resolved tier is mirrored onto the users row.
	refreshed, err := testDB.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPremium, refreshed.Tier)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newWebhookHandler(t)

	user, err := testDB.CreateUser(ctx, "replay@example.com", "replay-user", model.TierFree)
	require.NoError(t, err)

	eventID := "evt_" + uuid.NewString()
	body := subscriptionEvent(eventID, "customer.subscription.created",
		"sub_2", "cus_replay", user.ID, "basic", "active")
	status, err := h.HandleWebhook(ctx, body, signPayload(body, time.Now()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	// Redelivery of the same event id acknowledges without reprocessing:
	// a conflicting payload under the old id must not take effect.
	replay := subscriptionEvent(eventID, "customer.subscription.created",
		"sub_2", "cus_replay", user.ID, "academic", "active")
	status, err = h.HandleWebhook(ctx, replay, signPayload(replay, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	sub, err := testDB.GetSubscription(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierBasic, sub.Tier)
}

func TestWebhookUnhandledTypeAcknowledged(t *testing.T) {
	h := newWebhookHandler(t)

	body := []byte(`{"id":"evt_` + uuid.NewString() + `","type":"invoice.created","data":{"object":{}}}`)
	status, err := h.HandleWebhook(context.Background(), body, signPayload(body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}
