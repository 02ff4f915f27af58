package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arete-ai/arete/internal/model"
	"github.com/arete-ai/arete/internal/retrieval"
	"github.com/arete-ai/arete/internal/search"
	"github.com/arete-ai/arete/internal/storage"
)

type fakeStore struct {
	appended []storage.AppendMessageParams
	appendFn func(storage.AppendMessageParams) (model.Message, error)

	conversation model.Conversation
	convErr      error

	messages  []model.Message
	lastAfter *storage.HistoryCursor
	lastLimit int

	byID map[uuid.UUID]model.Message
}

func (f *fakeStore) AppendMessage(_ context.Context, p storage.AppendMessageParams) (model.Message, error) {
	f.appended = append(f.appended, p)
	if f.appendFn != nil {
		return f.appendFn(p)
	}
	return model.Message{ID: uuid.New(), Role: p.Role, Content: p.Content}, nil
}

func (f *fakeStore) GetConversationBySession(context.Context, string) (model.Conversation, error) {
	return f.conversation, f.convErr
}

func (f *fakeStore) ListMessages(_ context.Context, _ uuid.UUID, after *storage.HistoryCursor, limit int) ([]model.Message, error) {
	f.lastAfter = after
	f.lastLimit = limit
	if len(f.messages) > limit {
		return f.messages[:limit], nil
	}
	return f.messages, nil
}

func (f *fakeStore) ListRecentMessages(_ context.Context, _ uuid.UUID, limit int) ([]model.Message, error) {
	if n := len(f.messages); n > limit {
		return f.messages[n-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeStore) GetMessages(_ context.Context, ids []uuid.UUID) ([]model.Message, error) {
	var out []model.Message
	for _, id := range ids {
		if m, ok := f.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeRetriever struct {
	result   retrieval.Result
	err      error
	lastOpts retrieval.Options
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, opts retrieval.Options) (retrieval.Result, error) {
	f.lastOpts = opts
	return f.result, f.err
}

func msgTime(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func TestAppendValidates(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil)

	_, err := svc.Append(context.Background(), AppendParams{Role: model.RoleUser, Content: "hi"})
	require.Error(t, err, "missing session id")

	_, err = svc.Append(context.Background(), AppendParams{SessionID: "s", Role: "robot", Content: "hi"})
	require.Error(t, err, "unknown role")

	_, err = svc.Append(context.Background(), AppendParams{SessionID: "s", Role: model.RoleUser})
	require.Error(t, err, "empty content")

	_, err = svc.Append(context.Background(), AppendParams{
		SessionID: "s", Role: model.RoleUser, Content: strings.Repeat("x", MaxContentLen+1),
	})
	require.Error(t, err, "oversized content")

	assert.Empty(t, store.appended, "invalid input never reaches storage")
}

func TestAppendMapsOptionalFields(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil)

	_, err := svc.Append(context.Background(), AppendParams{
		SessionID:   "s-1",
		Owner:       "alice",
		Role:        model.RoleUser,
		Content:     "what is eudaimonia",
		ClientMsgID: "c-9",
	})
	require.NoError(t, err)

	require.Len(t, store.appended, 1)
	p := store.appended[0]
	require.NotNil(t, p.OwnerUsername)
	assert.Equal(t, "alice", *p.OwnerUsername)
	require.NotNil(t, p.ClientMsgID)
	assert.Equal(t, "c-9", *p.ClientMsgID)
	assert.Nil(t, p.CollectionHint, "empty strings become NULLs")
}

func TestHistoryPagination(t *testing.T) {
	msgs := make([]model.Message, 3)
	for i := range msgs {
		msgs[i] = model.Message{ID: uuid.New(), Content: "m", CreatedAt: msgTime(i)}
	}
	store := &fakeStore{
		conversation: model.Conversation{ID: uuid.New(), SessionID: "s"},
		messages:     msgs,
	}
	svc := New(store, nil, nil)

	page, err := svc.History(context.Background(), "s", "", "", 2)
	require.NoError(t, err)

	assert.Equal(t, 3, store.lastLimit, "fetches one extra row to decide has_more")
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	// The cursor round-trips to the last returned message's position.
	after, err := decodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, msgs[1].ID, after.ID)
	assert.True(t, after.CreatedAt.Equal(msgs[1].CreatedAt))
}

func TestHistoryLastPage(t *testing.T) {
	store := &fakeStore{
		conversation: model.Conversation{ID: uuid.New()},
		messages:     []model.Message{{ID: uuid.New(), CreatedAt: msgTime(0)}},
	}
	svc := New(store, nil, nil)

	page, err := svc.History(context.Background(), "s", "", "", 10)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
	assert.Len(t, page.Messages, 1)
}

func TestHistoryOwnerMismatch(t *testing.T) {
	owner := "alice"
	store := &fakeStore{
		conversation: model.Conversation{ID: uuid.New(), OwnerUsername: &owner},
	}
	svc := New(store, nil, nil)

	_, err := svc.History(context.Background(), "s", "mallory", "", 10)
	require.ErrorIs(t, err, storage.ErrOwnerMismatch)
}

func TestHistoryUnknownSession(t *testing.T) {
	store := &fakeStore{convErr: storage.ErrNotFound}
	svc := New(store, nil, nil)

	_, err := svc.History(context.Background(), "nope", "", "", 10)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryRejectsGarbageCursor(t *testing.T) {
	store := &fakeStore{conversation: model.Conversation{ID: uuid.New()}}
	svc := New(store, nil, nil)

	_, err := svc.History(context.Background(), "s", "", "not-base64!!", 10)
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursorRoundTrip(t *testing.T) {
	c := storage.HistoryCursor{CreatedAt: msgTime(7), ID: uuid.New()}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
}

func TestSearchScopeValidation(t *testing.T) {
	svc := New(&fakeStore{}, &fakeRetriever{}, nil)

	_, err := svc.Search(context.Background(), "q", model.SearchScope{}, 10)
	require.Error(t, err, "empty scope")

	_, err = svc.Search(context.Background(), "q", model.SearchScope{SessionID: "s", Owner: "a"}, 10)
	require.Error(t, err, "ambiguous scope")

	_, err = svc.Search(context.Background(), "q", model.SearchScope{SessionID: "s", IncludeDocuments: true}, 10)
	require.Error(t, err, "documents need an owner")

	_, err = svc.Search(context.Background(), "", model.SearchScope{SessionID: "s"}, 10)
	require.Error(t, err, "empty query")
}

func TestSearchSessionScope(t *testing.T) {
	msgID := uuid.New()
	ret := &fakeRetriever{result: retrieval.Result{
		Passages: []model.Ranked{
			{Passage: model.Passage{ID: msgID.String(), Collection: search.ChatCollection}, Score: 0.9},
		},
	}}
	store := &fakeStore{byID: map[uuid.UUID]model.Message{
		msgID: {ID: msgID, Content: "the canonical row", Role: model.RoleUser},
	}}
	svc := New(store, ret, nil)

	res, err := svc.Search(context.Background(), "virtue", model.SearchScope{SessionID: "s-1"}, 5)
	require.NoError(t, err)

	assert.Equal(t, []string{search.ChatCollection}, ret.lastOpts.Collections)
	assert.Equal(t, search.Scope{SessionID: "s-1"}, ret.lastOpts.Scope)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "chat", res.Hits[0].Source)
	assert.Equal(t, "the canonical row", res.Hits[0].Message.Content, "hit text comes from Postgres, not the index")
}

func TestSearchOwnerWithDocuments(t *testing.T) {
	msgID := uuid.New()
	ret := &fakeRetriever{result: retrieval.Result{
		Passages: []model.Ranked{
			{Passage: model.Passage{ID: uuid.NewString(), Collection: search.UserDocsCollection, Text: "doc passage", SourceRef: "ethics.pdf#3"}, Score: 0.8},
			{Passage: model.Passage{ID: msgID.String(), Collection: search.ChatCollection}, Score: 0.7},
		},
	}}
	store := &fakeStore{byID: map[uuid.UUID]model.Message{msgID: {ID: msgID, Content: "turn"}}}
	svc := New(store, ret, nil)

	res, err := svc.Search(context.Background(), "virtue", model.SearchScope{Owner: "alice", IncludeDocuments: true}, 5)
	require.NoError(t, err)

	assert.Equal(t, []string{search.ChatCollection, search.UserDocsCollection}, ret.lastOpts.Collections)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "document", res.Hits[0].Source)
	assert.Equal(t, "doc passage", res.Hits[0].Message.Content)
	assert.Equal(t, "ethics.pdf#3", res.Hits[0].Message.Metadata["source_ref"])
	assert.Equal(t, "chat", res.Hits[1].Source)
}

func TestSearchDropsPurgedMessages(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{
		Passages: []model.Ranked{
			{Passage: model.Passage{ID: uuid.NewString(), Collection: search.ChatCollection}, Score: 0.9},
		},
	}}
	store := &fakeStore{byID: map[uuid.UUID]model.Message{}}
	svc := New(store, ret, nil)

	res, err := svc.Search(context.Background(), "q", model.SearchScope{SessionID: "s"}, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearchPropagatesRetrievalError(t *testing.T) {
	ret := &fakeRetriever{err: retrieval.ErrUnavailable}
	svc := New(&fakeStore{}, ret, nil)

	_, err := svc.Search(context.Background(), "q", model.SearchScope{SessionID: "s"}, 5)
	require.ErrorIs(t, err, retrieval.ErrUnavailable)
}
