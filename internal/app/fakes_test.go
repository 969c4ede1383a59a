package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldhouse/api/internal/assistant"
	"fieldhouse/api/internal/auth"
	"fieldhouse/api/internal/authpw"
	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/config"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/media"
	"fieldhouse/api/internal/session"
	"fieldhouse/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memContentStore is a map-backed content.Store. WithTx holds the lock for
// the whole callback, which is enough for single-request tests.
type memContentStore struct {
	mu       sync.Mutex
	content  map[string]store.ContentRecord
	drafts   map[string]store.Draft
	versions []store.Version
}

func newMemContentStore() *memContentStore {
	return &memContentStore{content: map[string]store.ContentRecord{}, drafts: map[string]store.Draft{}}
}

func (m *memContentStore) GetContent(_ context.Context, key string) (store.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.content[key]
	if !ok {
		return store.ContentRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (m *memContentStore) ListContent(_ context.Context, page string) ([]store.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ContentRecord
	for _, record := range m.content {
		if page == "" || record.Page == page {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memContentStore) InsertContentIfMissing(_ context.Context, record store.ContentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[record.Key]; ok {
		return false, nil
	}
	m.content[record.Key] = record
	return true, nil
}

func (m *memContentStore) findDraft(match func(store.Draft) bool) (store.Draft, error) {
	for _, draft := range m.drafts {
		if match(draft) {
			return draft, nil
		}
	}
	return store.Draft{}, sql.ErrNoRows
}

func (m *memContentStore) GetDraft(_ context.Context, draftID string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findDraft(func(d store.Draft) bool { return d.ID == draftID })
}

func (m *memContentStore) GetDraftByPreviewToken(_ context.Context, token string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findDraft(func(d store.Draft) bool { return d.PreviewToken == token })
}

func (m *memContentStore) UpsertDraft(_ context.Context, draft store.Draft) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[draft.ContentKey] = draft
	return draft, nil
}

func (m *memContentStore) deleteDraft(draftID string) bool {
	for key, draft := range m.drafts {
		if draft.ID == draftID {
			delete(m.drafts, key)
			return true
		}
	}
	return false
}

func (m *memContentStore) DeleteDraft(_ context.Context, draftID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteDraft(draftID), nil
}

func (m *memContentStore) ListDrafts(_ context.Context) ([]store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Draft, 0, len(m.drafts))
	for _, draft := range m.drafts {
		out = append(out, draft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentKey < out[j].ContentKey })
	return out, nil
}

func (m *memContentStore) PurgeExpiredDrafts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key, draft := range m.drafts {
		if draft.Expired(now) {
			delete(m.drafts, key)
			purged++
		}
	}
	return purged, nil
}

func (m *memContentStore) GetVersion(_ context.Context, versionID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, version := range m.versions {
		if version.ID == versionID {
			return version, nil
		}
	}
	return store.Version{}, sql.ErrNoRows
}

func (m *memContentStore) ListVersions(_ context.Context, key string, limit int) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Version
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].ContentKey == key {
			out = append(out, m.versions[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memContentStore) WithTx(_ context.Context, fn func(store.ContentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memContentTx{m: m})
}

type memContentTx struct {
	m *memContentStore
}

func (t memContentTx) LockDraft(_ context.Context, draftID string) (store.Draft, error) {
	return t.m.findDraft(func(d store.Draft) bool { return d.ID == draftID })
}

func (t memContentTx) LockContent(_ context.Context, key string) (store.ContentRecord, error) {
	record, ok := t.m.content[key]
	if !ok {
		return store.ContentRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (t memContentTx) UpsertContent(_ context.Context, record store.ContentRecord) error {
	t.m.content[record.Key] = record
	return nil
}

func (t memContentTx) InsertVersion(_ context.Context, version store.Version) error {
	t.m.versions = append(t.m.versions, version)
	return nil
}

func (t memContentTx) DeleteDraft(_ context.Context, draftID string) (bool, error) {
	return t.m.deleteDraft(draftID), nil
}

// fakeUsers stands in for the admin user and revocation tables.
type fakeUsers struct {
	mu      sync.Mutex
	users   map[string]store.AdminUser
	revoked map[string]bool
	pingErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]store.AdminUser{}, revoked: map[string]bool{}}
}

func (f *fakeUsers) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeUsers) GetAdminUserByID(_ context.Context, id string) (store.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.AdminUser{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUsers) ListAdminUsers(context.Context) ([]store.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.AdminUser, 0, len(f.users))
	for _, user := range f.users {
		items = append(items, user)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeUsers) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeUsers) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeUsers) SignIn(_ context.Context, req authpw.SignInRequest) (store.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, req.Email) && user.PasswordHash == req.Password {
			return user, nil
		}
	}
	return store.AdminUser{}, authpw.ErrInvalidCredentials
}

func (f *fakeUsers) ChangePassword(_ context.Context, userID, current, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok || user.PasswordHash != current {
		return authpw.ErrInvalidCredentials
	}
	if len(next) < 10 {
		return authpw.ErrWeakPassword
	}
	user.PasswordHash = next
	f.users[userID] = user
	return nil
}

type fakeAssistant struct {
	mu     sync.Mutex
	calls  int
	userID string
	reply  assistant.Reply
	err    error
}

func (f *fakeAssistant) Chat(_ context.Context, userID, message string) (assistant.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.userID = userID
	if f.err != nil {
		return assistant.Reply{}, f.err
	}
	if strings.TrimSpace(message) == "" {
		return assistant.Reply{}, assistant.ErrEmptyMessage
	}
	return f.reply, nil
}

func (f *fakeAssistant) Reset(context.Context, string) error {
	return nil
}

func (f *fakeAssistant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUploader struct {
	gotType string
	gotBody string
}

func (f *fakeUploader) Upload(_ context.Context, contentType string, size int64, body io.Reader) (media.Upload, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return media.Upload{}, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return media.Upload{}, media.ErrUnsupportedType
	}
	f.gotType = contentType
	f.gotBody = string(raw)
	return media.Upload{Key: "uploads/2026/03/x.png", URL: "https://cdn.league.example/uploads/2026/03/x.png", ContentType: contentType, Size: size}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	server    *HTTPServer
	service   *Service
	content   *content.Service
	store     *memContentStore
	users     *fakeUsers
	clock     *testClock
	assistant *fakeAssistant
	redis     *miniredis.Miniredis
}

const testSecret = "test-secret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat, err := catalog.New([]catalog.Entry{
		{Key: "home.hero.title", Type: store.TypeText, Page: "home", Section: "hero", Label: "Hero headline", MaxLength: 80, Default: store.Value{Text: "Welcome"}},
		{Key: "home.programs.visible", Type: store.TypeVisibility, Page: "home", Section: "programs", Default: store.Value{Visible: store.BoolPtr(true)}},
		{Key: catalog.AnnouncementKey, Type: store.TypeAnnouncement, Page: content.SitePage, Section: "announcement", Default: store.Value{Text: "Hello"}},
	})
	require.NoError(t, err)

	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := newMemContentStore()
	contentSvc := content.New(st, cat, content.Options{
		DraftTTL:       30 * time.Minute,
		PreviewBaseURL: "https://league.example",
		Now:            clk.Now,
	})
	_, err = contentSvc.SeedDefaults(context.Background())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	refresh := session.NewRedisStoreWithClient(client)

	users := newFakeUsers()
	bot := &fakeAssistant{reply: assistant.Reply{Reply: "Staged it.", Drafts: []assistant.DraftRef{}, Rounds: 1}}
	svc := &Service{
		cfg:       config.Config{JWTSecret: testSecret, AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		store:     users,
		content:   contentSvc,
		assistant: bot,
		passwords: users,
		refresh:   refresh,
		checks:    map[string]pinger{"database": users, "redis": refresh},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	return &testEnv{
		server:    NewHTTPServer(svc, "*", zap.NewNop()),
		service:   svc,
		content:   contentSvc,
		store:     st,
		users:     users,
		clock:     clk,
		assistant: bot,
		redis:     mr,
	}
}

// login registers a user with role and returns an access token for them.
func (e *testEnv) login(t *testing.T, role string) Session {
	t.Helper()
	id := "usr_" + role
	e.users.mu.Lock()
	e.users.users[id] = store.AdminUser{ID: id, Email: role + "@league.example", DisplayName: "Coach " + role, Role: role, PasswordHash: "pw-" + role}
	e.users.mu.Unlock()
	sess, err := e.service.issueSession(context.Background(), auth.Identity{UserID: id, Name: "Coach " + role, Email: role + "@league.example", Role: role})
	require.NoError(t, err)
	return sess
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) stage(t *testing.T, key, text string) store.Draft {
	t.Helper()
	draft, err := e.content.StageDraft(context.Background(), key, store.TypeText, store.Value{Text: text}, "usr_editor")
	require.NoError(t, err)
	return draft
}

var errBoom = errors.New("boom")
