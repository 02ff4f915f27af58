package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arete-ai/arete/internal/auth"
	"github.com/arete-ai/arete/internal/billing"
	"github.com/arete-ai/arete/internal/cache"
	"github.com/arete-ai/arete/internal/chat"
	"github.com/arete-ai/arete/internal/documents"
	"github.com/arete-ai/arete/internal/llm"
	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/pipeline"
	"github.com/arete-ai/arete/internal/ratelimit"
	"github.com/arete-ai/arete/internal/retrieval"
	"github.com/arete-ai/arete/internal/server"
	"github.com/arete-ai/arete/internal/storage"
)

// billingStore backs the enforcer without Postgres.
type billingStore struct {
	mu      sync.Mutex
	records []model.UsageRecord
}

func (s *billingStore) GetSubscription(context.Context, uuid.UUID) (model.Subscription, error) {
	return model.Subscription{}, storage.ErrNotFound
}

func (s *billingStore) SumTokens(context.Context, uuid.UUID, string) (int64, error) {
	return 0, nil
}

func (s *billingStore) CountRequestsSince(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 0, nil
}

func (s *billingStore) InsertUsageRecord(_ context.Context, r model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// chatStore is an in-memory chat.Store.
type chatStore struct {
	mu       sync.Mutex
	convs    map[string]model.Conversation
	messages map[uuid.UUID][]model.Message
}

func newChatStore() *chatStore {
	return &chatStore{
		convs:    make(map[string]model.Conversation),
		messages: make(map[uuid.UUID][]model.Message),
	}
}

func (s *chatStore) AppendMessage(_ context.Context, p storage.AppendMessageParams) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[p.SessionID]
	if !ok {
		conv = model.Conversation{ID: uuid.New(), SessionID: p.SessionID, OwnerUsername: p.OwnerUsername}
		s.convs[p.SessionID] = conv
	} else if p.OwnerUsername != nil {
		if conv.OwnerUsername == nil || *conv.OwnerUsername != *p.OwnerUsername {
			return model.Message{}, storage.ErrOwnerMismatch
		}
	}
	msg := model.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           p.Role,
		Content:        p.Content,
		OwnerUsername:  p.OwnerUsername,
		CreatedAt:      time.Now().Add(time.Duration(len(s.messages[conv.ID])) * time.Millisecond),
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], msg)
	return msg, nil
}

func (s *chatStore) GetConversationBySession(_ context.Context, sessionID string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return conv, nil
}

func (s *chatStore) ListMessages(_ context.Context, conversationID uuid.UUID, after *storage.HistoryCursor, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	start := 0
	if after != nil {
		for i, m := range msgs {
			if m.ID == after.ID {
				start = i + 1
				break
			}
		}
	}
	out := msgs[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]model.Message(nil), out...), nil
}

func (s *chatStore) ListRecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (s *chatStore) GetMessages(_ context.Context, ids []uuid.UUID) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if want[m.ID] {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

type fakeRetriever struct {
	result retrieval.Result
	err    error
}

func (f *fakeRetriever) Retrieve(context.Context, string, retrieval.Options) (retrieval.Result, error) {
	return f.result, f.err
}

type fakeLLM struct {
	text   string
	chunks []llm.StreamChunk
}

func (f *fakeLLM) Generate(context.Context, []llm.Message, llm.Params) (llm.Result, error) {
	return llm.Result{Text: f.text, TokensUsed: 7, FinishReason: "stop"}, nil
}

func (f *fakeLLM) GenerateStream(context.Context, []llm.Message, llm.Params) (<-chan llm.StreamChunk, <-chan error) {
	ch := make(chan llm.StreamChunk, len(f.chunks))
	errc := make(chan error, 1)
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	close(errc)
	return ch, errc
}

type fakeLister struct{}

func (fakeLister) ListCollections(context.Context) ([]string, error) {
	return []string{"aristotle", "chat_messages", "plato"}, nil
}

func (fakeLister) Healthy(context.Context) error { return nil }

type fakeIngester struct{}

func (fakeIngester) Ingest(context.Context, string, string, []byte) (documents.Receipt, error) {
	return documents.Receipt{DocumentID: uuid.NewString(), Chunks: 1, Characters: 10}, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *chatStore
	bills *billingStore
}

func newTestEnv(t *testing.T, ret chat.Retriever, gen llm.Client, billCfg billing.Config) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := auth.NewManager("", "", time.Hour)
	require.NoError(t, err)

	bills := &billingStore{}
	limiter := ratelimit.NewFixedWindow()
	t.Cleanup(func() { _ = limiter.Close() })
	enforcer := billing.NewEnforcer(bills, cache.Noop{}, limiter, billCfg, logger)

	store := newChatStore()
	chatSvc := chat.New(store, ret, logger)
	pipe := pipeline.New(ret, gen, chatSvc, enforcer, pipeline.Config{
		Model:          "test-model",
		PersistTimeout: 2 * time.Second,
	}, logger)

	s := server.New(server.ServerConfig{
		DB:                  nil,
		AuthMgr:             mgr,
		Pipeline:            pipe,
		ChatSvc:             chatSvc,
		Enforcer:            enforcer,
		Logger:              logger,
		Lister:              fakeLister{},
		Ingester:            fakeIngester{},
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store, bills: bills}
}

func defaultEnv(t *testing.T) *testEnv {
	return envWithBilling(t, billing.Config{Enabled: false})
}

// envWithBilling builds the standard env with a chosen enforcement config.
func envWithBilling(t *testing.T, billCfg billing.Config) *testEnv {
	ret := &fakeRetriever{result: retrieval.Result{
		Passages: []model.Ranked{{
			Passage: model.Passage{ID: uuid.NewString(), Text: "virtue is knowledge", Collection: "plato"},
			Score:   0.9,
		}},
		ModalitiesUsed: []string{"dense", "sparse"},
	}}
	return newTestEnv(t, ret, &fakeLLM{
		text: "Socrates holds that virtue is knowledge.",
		chunks: []llm.StreamChunk{
			{Delta: "Virtue "},
			{Delta: "is knowledge."},
			{Done: true, Finish: llm.FinishNormal, TokensUsed: 5},
		},
	}, billCfg)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	resp, err = http.Get(env.srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := defaultEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestQueryRejectsMalformedBody(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Post(env.srv.URL+"/v1/query", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var prob model.Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prob))
	assert.Equal(t, http.StatusBadRequest, prob.Status)
	assert.NotEmpty(t, prob.RequestID)
}

func TestQueryValidatesRequest(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "",
		"collection": "plato",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "what is virtue",
		"collection": "9-bad-name!",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryBlocking(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "what is virtue",
		"collection": "plato",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[model.QueryResponse](t, resp)

	assert.Equal(t, "Socrates holds that virtue is knowledge.", body.Response)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, "virtue is knowledge", body.Sources[0].Passage.Text)
	assert.Equal(t, []string{"dense", "sparse"}, body.Metadata.ModalitiesUsed)
}

func TestQueryStreamSSE(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "what is virtue",
		"collection": "plato",
		"stream":     true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.GreaterOrEqual(t, len(frames), 4)

	// First frame carries sources and metadata.
	assert.Contains(t, frames[0], "sources")
	// Middle frames carry text deltas.
	assert.Equal(t, "Virtue ", frames[1]["chunk"])
	assert.Equal(t, "is knowledge.", frames[2]["chunk"])
	// Final frame signals completion.
	last := frames[len(frames)-1]
	assert.Equal(t, true, last["done"])
}

func TestChatAppendAndHistory(t *testing.T) {
	env := defaultEnv(t)
	session := "sess-" + uuid.NewString()

	resp := postJSON(t, env.srv.URL+"/v1/chat/messages", map[string]any{
		"session_id": session,
		"role":       "user",
		"content":    "tell me about the forms",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[model.Message](t, resp)
	assert.Equal(t, model.RoleUser, msg.Role)

	resp = postJSON(t, env.srv.URL+"/v1/chat/messages", map[string]any{
		"session_id": session,
		"role":       "assistant",
		"content":    "the theory of forms holds that...",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	hresp, err := http.Get(fmt.Sprintf("%s/v1/chat/conversations/%s/messages", env.srv.URL, session))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, hresp.StatusCode)
	page := decodeBody[model.CollectionPage[model.Message]](t, hresp)
	require.Len(t, page.Data, 2)
	assert.Equal(t, model.RoleUser, page.Data[0].Role)
	assert.Equal(t, model.RoleAssistant, page.Data[1].Role)
	assert.False(t, page.HasMore)
}

func TestChatHistoryPagination(t *testing.T) {
	env := defaultEnv(t)
	session := "sess-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		resp := postJSON(t, env.srv.URL+"/v1/chat/messages", map[string]any{
			"session_id": session,
			"role":       "user",
			"content":    fmt.Sprintf("turn %d", i),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/chat/conversations/%s/messages?limit=2", env.srv.URL, session))
	require.NoError(t, err)
	page := decodeBody[model.CollectionPage[model.Message]](t, resp)
	require.Len(t, page.Data, 2)
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	resp, err = http.Get(fmt.Sprintf("%s/v1/chat/conversations/%s/messages?limit=2&cursor=%s",
		env.srv.URL, session, *page.NextCursor))
	require.NoError(t, err)
	page = decodeBody[model.CollectionPage[model.Message]](t, resp)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "turn 2", page.Data[0].Content)
	assert.False(t, page.HasMore)
}

func TestChatAppendRejectsUnknownRole(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/messages", map[string]any{
		"session_id": "sess-1",
		"role":       "oracle",
		"content":    "prophecy",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatHistoryUnknownSession(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/chat/conversations/nope/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatSearchOwnerScopeRequiresAuth(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/search", map[string]any{
		"query": "virtue",
		"scope": map[string]any{"owner": "socrates"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatSearchSessionScope(t *testing.T) {
	env := defaultEnv(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/search", map[string]any{
		"query": "virtue",
		"scope": map[string]any{"session": "sess-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCollectionsEndpoint(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/collections")
	require.NoError(t, err)
	page := decodeBody[model.CollectionPage[string]](t, resp)
	assert.Equal(t, []string{"aristotle", "chat_messages", "plato"}, page.Data)
}

func TestDocumentUploadRequiresAuth(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Post(env.srv.URL+"/v1/documents", "multipart/form-data", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMalformedBearerToken(t *testing.T) {
	env := defaultEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	env := defaultEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuerySuccessCarriesRateLimitHeaders(t *testing.T) {
	env := envWithBilling(t, billing.Config{Enabled: true})

	resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "what is virtue",
		"collection": "plato",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Anonymous principals run on FREE limits: 10 requests per minute.
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestQueryRateLimitExhaustion(t *testing.T) {
	env := envWithBilling(t, billing.Config{Enabled: true})

	// FREE allows 10 requests per fixed one-minute window. Requests may
	// straddle a window boundary, so keep going until the limiter trips.
	var denied *http.Response
	for i := 0; i < 25; i++ {
		resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
			"query":      "what is virtue",
			"collection": "plato",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			denied = resp
			break
		}
		resp.Body.Close()
	}
	require.NotNil(t, denied, "per-minute limit never tripped")
	defer denied.Body.Close()

	assert.NotEmpty(t, denied.Header.Get("Retry-After"))
	assert.Equal(t, "0", denied.Header.Get("X-RateLimit-Remaining"))

	var prob model.Problem
	require.NoError(t, json.NewDecoder(denied.Body).Decode(&prob))
	assert.Equal(t, "Rate Limit Exceeded", prob.Title)
	assert.Equal(t, http.StatusTooManyRequests, prob.Status)
	assert.Equal(t, model.ProblemQuotaExceeded, prob.Type)
}

func TestQueryPersistsSessionTurns(t *testing.T) {
	env := defaultEnv(t)
	session := "sess-" + uuid.NewString()

	resp := postJSON(t, env.srv.URL+"/v1/query", map[string]any{
		"query":      "what is justice",
		"collection": "plato",
		"session_id": session,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		conv, ok := env.store.convs[session]
		return ok && len(env.store.messages[conv.ID]) == 2
	}, 2*time.Second, 10*time.Millisecond, "user and assistant turns persisted")
}
