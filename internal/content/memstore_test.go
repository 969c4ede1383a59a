package content

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"fieldhouse/api/internal/store"
)

type memState struct {
	content  map[string]store.ContentRecord
	drafts   map[string]store.Draft
	versions []store.Version
}

func (m memState) clone() memState {
	out := memState{
		content:  make(map[string]store.ContentRecord, len(m.content)),
		drafts:   make(map[string]store.Draft, len(m.drafts)),
		versions: append([]store.Version(nil), m.versions...),
	}
	for k, v := range m.content {
		out.content[k] = v
	}
	for k, v := range m.drafts {
		out.drafts[k] = v
	}
	return out
}

// memStore keeps everything in maps. Transactions work on a copy that is
// swapped in on success.
type memStore struct {
	mu    sync.Mutex
	state memState

	failInsertVersion error
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		content: map[string]store.ContentRecord{},
		drafts:  map[string]store.Draft{},
	}}
}

func (m *memStore) GetContent(_ context.Context, key string) (store.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.state.content[key]
	if !ok {
		return store.ContentRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (m *memStore) ListContent(_ context.Context, page string) ([]store.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ContentRecord
	for _, record := range m.state.content {
		if page == "" || record.Page == page {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) InsertContentIfMissing(_ context.Context, record store.ContentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.content[record.Key]; ok {
		return false, nil
	}
	m.state.content[record.Key] = record
	return true, nil
}

func (m *memStore) GetDraft(_ context.Context, draftID string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, draft := range m.state.drafts {
		if draft.ID == draftID {
			return draft, nil
		}
	}
	return store.Draft{}, sql.ErrNoRows
}

func (m *memStore) GetDraftByPreviewToken(_ context.Context, token string) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, draft := range m.state.drafts {
		if draft.PreviewToken == token {
			return draft, nil
		}
	}
	return store.Draft{}, sql.ErrNoRows
}

// UpsertDraft keys drafts by content key, mirroring the unique index.
func (m *memStore) UpsertDraft(_ context.Context, draft store.Draft) (store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.drafts[draft.ContentKey] = draft
	return draft, nil
}

func (m *memStore) DeleteDraft(_ context.Context, draftID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.deleteDraft(draftID), nil
}

func (s *memState) deleteDraft(draftID string) bool {
	for key, draft := range s.drafts {
		if draft.ID == draftID {
			delete(s.drafts, key)
			return true
		}
	}
	return false
}

func (m *memStore) ListDrafts(_ context.Context) ([]store.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Draft
	for _, draft := range m.state.drafts {
		out = append(out, draft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentKey < out[j].ContentKey })
	return out, nil
}

func (m *memStore) PurgeExpiredDrafts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key, draft := range m.state.drafts {
		if draft.Expired(now) {
			delete(m.state.drafts, key)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) GetVersion(_ context.Context, versionID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, version := range m.state.versions {
		if version.ID == versionID {
			return version, nil
		}
	}
	return store.Version{}, sql.ErrNoRows
}

func (m *memStore) ListVersions(_ context.Context, key string, limit int) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Version
	for i := len(m.state.versions) - 1; i >= 0; i-- {
		if m.state.versions[i].ContentKey == key {
			out = append(out, m.state.versions[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(store.ContentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state.clone(), failInsertVersion: m.failInsertVersion}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	state             memState
	failInsertVersion error
}

func (t *memTx) LockDraft(_ context.Context, draftID string) (store.Draft, error) {
	for _, draft := range t.state.drafts {
		if draft.ID == draftID {
			return draft, nil
		}
	}
	return store.Draft{}, sql.ErrNoRows
}

func (t *memTx) LockContent(_ context.Context, key string) (store.ContentRecord, error) {
	record, ok := t.state.content[key]
	if !ok {
		return store.ContentRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (t *memTx) UpsertContent(_ context.Context, record store.ContentRecord) error {
	t.state.content[record.Key] = record
	return nil
}

func (t *memTx) InsertVersion(_ context.Context, version store.Version) error {
	if t.failInsertVersion != nil {
		return t.failInsertVersion
	}
	for _, existing := range t.state.versions {
		if existing.ID == version.ID {
			return errors.New("duplicate version id")
		}
	}
	t.state.versions = append(t.state.versions, version)
	return nil
}

func (t *memTx) DeleteDraft(_ context.Context, draftID string) (bool, error) {
	return t.state.deleteDraft(draftID), nil
}
