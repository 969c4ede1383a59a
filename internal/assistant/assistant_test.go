package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/llm"
	"fieldhouse/api/internal/search"
	"fieldhouse/api/internal/session"
	"fieldhouse/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// draftStore is just enough of content.Store for staging and listing.
type draftStore struct {
	mu     sync.Mutex
	drafts map[string]store.Draft
}

func newDraftStore() *draftStore {
	return &draftStore{drafts: map[string]store.Draft{}}
}

func (s *draftStore) GetContent(context.Context, string) (store.ContentRecord, error) {
	return store.ContentRecord{}, sql.ErrNoRows
}
func (s *draftStore) ListContent(context.Context, string) ([]store.ContentRecord, error) {
	return nil, nil
}
func (s *draftStore) InsertContentIfMissing(context.Context, store.ContentRecord) (bool, error) {
	return false, nil
}
func (s *draftStore) GetDraft(context.Context, string) (store.Draft, error) {
	return store.Draft{}, sql.ErrNoRows
}
func (s *draftStore) GetDraftByPreviewToken(context.Context, string) (store.Draft, error) {
	return store.Draft{}, sql.ErrNoRows
}
func (s *draftStore) UpsertDraft(_ context.Context, d store.Draft) (store.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.ContentKey] = d
	return d, nil
}
func (s *draftStore) DeleteDraft(context.Context, string) (bool, error) { return false, nil }
func (s *draftStore) ListDrafts(context.Context) ([]store.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d)
	}
	return out, nil
}
func (s *draftStore) PurgeExpiredDrafts(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *draftStore) GetVersion(context.Context, string) (store.Version, error) {
	return store.Version{}, sql.ErrNoRows
}
func (s *draftStore) ListVersions(context.Context, string, int) ([]store.Version, error) {
	return nil, nil
}
func (s *draftStore) WithTx(context.Context, func(store.ContentTx) error) error {
	return errors.New("not supported")
}

func (s *draftStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

// scriptedModel returns canned responses in order and records what it saw.
type scriptedModel struct {
	responses []llm.ChatResponse
	err       error
	calls     [][]llm.ChatMessage
}

func (m *scriptedModel) ChatWithTools(_ context.Context, _ string, messages []llm.ChatMessage, _ []llm.Tool) (llm.ChatResponse, error) {
	m.calls = append(m.calls, append([]llm.ChatMessage(nil), messages...))
	if m.err != nil {
		return llm.ChatResponse{}, m.err
	}
	if len(m.calls) > len(m.responses) {
		return m.responses[len(m.responses)-1], nil
	}
	return m.responses[len(m.calls)-1], nil
}

func toolCall(id, name string, args any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolCallFunction{Name: name, Arguments: string(raw)}}
}

func newTestContent(t *testing.T, st content.Store) *content.Service {
	t.Helper()
	cat, err := catalog.New([]catalog.Entry{
		{Key: "home.hero.title", Type: store.TypeText, Page: "home", Section: "hero", Label: "Hero headline", MaxLength: 60, Default: store.Value{Text: "Play ball"}},
		{Key: "home.programs.visible", Type: store.TypeVisibility, Page: "home", Section: "programs", Label: "Programs", Default: store.Value{Visible: store.BoolPtr(true)}},
		{Key: "home.hero.image", Type: store.TypeImage, Page: "home", Section: "hero", Label: "Hero image"},
		{Key: catalog.AnnouncementKey, Type: store.TypeAnnouncement, Page: "site", Section: "announcement", Label: "Announcement bar"},
	})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return content.New(st, cat, content.Options{
		PreviewBaseURL: "https://league.example",
		Now:            func() time.Time { return now },
	})
}

func TestChatStagesDraftFromToolCall(t *testing.T) {
	st := newDraftStore()
	model := &scriptedModel{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", ToolUpdateText, map[string]string{"contentKey": "home.hero.title", "text": "Spring registration is open"})}},
		{Content: "I staged a new headline for you to preview."},
	}}
	a := New(model, newTestContent(t, st), nil, nil, Options{})

	reply, err := a.Chat(context.Background(), "usr_1", "Change the home headline to Spring registration is open")
	require.NoError(t, err)

	assert.Equal(t, "I staged a new headline for you to preview.", reply.Reply)
	assert.Equal(t, 2, reply.Rounds)
	assert.Equal(t, 1, reply.ToolCalls)
	require.Len(t, reply.Drafts, 1)
	ref := reply.Drafts[0]
	assert.Equal(t, "home.hero.title", ref.ContentKey)
	assert.Contains(t, ref.PreviewURL, "https://league.example/preview/")
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), ref.ExpiresAt)
	assert.Equal(t, 1, st.count())

	// The second request carries the assistant tool call and its result.
	require.Len(t, model.calls, 2)
	second := model.calls[1]
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleTool, second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCallID)

	var result DraftRef
	require.NoError(t, json.Unmarshal([]byte(second[2].Content), &result))
	assert.Equal(t, ref.DraftID, result.DraftID)
}

func TestChatReportsToolErrorsToModel(t *testing.T) {
	st := newDraftStore()
	model := &scriptedModel{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", ToolUpdateText, map[string]string{"contentKey": "home.footer", "text": "x"})}},
		{Content: "That key isn't editable."},
	}}
	a := New(model, newTestContent(t, st), nil, nil, Options{})

	reply, err := a.Chat(context.Background(), "usr_1", "edit the footer")
	require.NoError(t, err)
	assert.Empty(t, reply.Drafts)
	assert.Zero(t, st.count())
	assert.Contains(t, model.calls[1][2].Content, "Error:")
}

func TestChatStopsAtRoundLimit(t *testing.T) {
	st := newDraftStore()
	loop := llm.ChatResponse{ToolCalls: []llm.ToolCall{toolCall("c", ToolToggleSectionVisible, map[string]any{"page": "home", "section": "programs", "visible": false})}}
	model := &scriptedModel{responses: []llm.ChatResponse{loop}}
	a := New(model, newTestContent(t, st), nil, nil, Options{MaxToolRounds: 3})

	reply, err := a.Chat(context.Background(), "usr_1", "hide programs")
	require.NoError(t, err)
	assert.Len(t, model.calls, 3)
	assert.Equal(t, 3, reply.Rounds)
	require.Len(t, reply.Drafts, 1, "repeat drafts for one key collapse to the latest")
	assert.Equal(t, "home.programs.visible", reply.Drafts[0].ContentKey)
	assert.Contains(t, reply.Reply, "ran out of steps")
}

func TestChatModelErrorCreatesNoDraft(t *testing.T) {
	st := newDraftStore()
	model := &scriptedModel{err: llm.ErrUnavailable}
	a := New(model, newTestContent(t, st), nil, nil, Options{})

	_, err := a.Chat(context.Background(), "usr_1", "hello")
	require.ErrorIs(t, err, llm.ErrUnavailable)
	assert.Zero(t, st.count())
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	model := &scriptedModel{}
	a := New(model, newTestContent(t, newDraftStore()), nil, nil, Options{})
	_, err := a.Chat(context.Background(), "usr_1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, model.calls)
}

func TestChatKeepsTranscriptBetweenRequests(t *testing.T) {
	conversations := session.NewMemoryConversations()
	model := &scriptedModel{responses: []llm.ChatResponse{{Content: "Hi! What should we change?"}}}
	a := New(model, newTestContent(t, newDraftStore()), nil, conversations, Options{})
	ctx := context.Background()

	_, err := a.Chat(ctx, "usr_1", "hello")
	require.NoError(t, err)
	_, err = a.Chat(ctx, "usr_1", "the headline")
	require.NoError(t, err)

	require.Len(t, model.calls, 2)
	second := model.calls[1]
	require.Len(t, second, 3)
	assert.Equal(t, "hello", second[0].Content)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	assert.Equal(t, "the headline", second[2].Content)

	require.NoError(t, a.Reset(ctx, "usr_1"))
	history, err := conversations.LoadConversation(ctx, "usr_1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestToolHandlerAnnouncementDefaultsVisible(t *testing.T) {
	st := newDraftStore()
	h := NewToolHandler(newTestContent(t, st), nil, "usr_1")

	_, err := h.Execute(context.Background(), toolCall("c1", ToolUpdateAnnouncementBar, map[string]string{"text": "Fields closed today", "link": "/weather"}))
	require.NoError(t, err)

	drafts, err := st.ListDrafts(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, catalog.AnnouncementKey, drafts[0].ContentKey)
	assert.True(t, drafts[0].Value.IsVisible())
	assert.Equal(t, "/weather", drafts[0].Value.Link)
}

func TestToolHandlerToggleRequiresVisible(t *testing.T) {
	h := NewToolHandler(newTestContent(t, newDraftStore()), nil, "usr_1")
	_, err := h.Execute(context.Background(), toolCall("c1", ToolToggleSectionVisible, map[string]string{"page": "home", "section": "programs"}))
	require.Error(t, err)
}

func TestToolHandlerImageNeedsAlt(t *testing.T) {
	h := NewToolHandler(newTestContent(t, newDraftStore()), nil, "usr_1")
	_, err := h.Execute(context.Background(), toolCall("c1", ToolUpdateImage, map[string]string{"contentKey": "home.hero.image", "url": "https://cdn.example/a.jpg"}))
	require.ErrorIs(t, err, catalog.ErrInvalidValue)
}

func TestToolHandlerListEditableContent(t *testing.T) {
	st := newDraftStore()
	svc := newTestContent(t, st)
	_, err := svc.StageDraft(context.Background(), "home.hero.title", store.TypeText, store.Value{Text: "New"}, "usr_1")
	require.NoError(t, err)

	h := NewToolHandler(svc, nil, "usr_1")
	out, err := h.Execute(context.Background(), toolCall("c1", ToolListEditableContent, map[string]string{"page": "home"}))
	require.NoError(t, err)

	var items []editableItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 3)
	byKey := map[string]editableItem{}
	for _, item := range items {
		byKey[item.ContentKey] = item
	}
	assert.Equal(t, "Play ball", byKey["home.hero.title"].Current.Text)
	assert.True(t, byKey["home.hero.title"].HasDraft)
	assert.False(t, byKey["home.programs.visible"].HasDraft)

	_, err = h.Execute(context.Background(), toolCall("c2", ToolListEditableContent, map[string]string{"page": "tryouts"}))
	require.Error(t, err)
}

type stubSearch struct{ got search.Query }

func (s *stubSearch) Search(_ context.Context, q search.Query) search.Response {
	s.got = q
	return search.Response{Results: []search.Result{{Key: "home.hero.title", Title: "Hero headline", Snippet: "Play ball"}}, Total: 1}
}

func TestToolHandlerSearchContent(t *testing.T) {
	searcher := &stubSearch{}
	h := NewToolHandler(newTestContent(t, newDraftStore()), searcher, "usr_1")

	out, err := h.Execute(context.Background(), toolCall("c1", ToolSearchContent, map[string]string{"query": "ball"}))
	require.NoError(t, err)
	assert.Equal(t, "ball", searcher.got.Text)
	assert.Contains(t, out, "home.hero.title")

	_, err = h.Execute(context.Background(), toolCall("c2", "delete_site", map[string]string{}))
	require.EqualError(t, err, "unknown tool: delete_site")
}
