// Package content implements the draft, publish, cancel and rollback workflow
// over published site content.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/store"
	"fieldhouse/api/internal/util"

	"go.uber.org/zap"
)

var (
	ErrDraftNotFound   = errors.New("draft not found")
	ErrDraftExpired    = errors.New("draft has expired")
	ErrVersionNotFound = errors.New("version not found")
	ErrContentNotFound = errors.New("content not found")
)

const DefaultDraftTTL = time.Hour

// Store is the persistence the workflow needs. *store.PostgresStore satisfies it.
type Store interface {
	GetContent(ctx context.Context, key string) (store.ContentRecord, error)
	ListContent(ctx context.Context, page string) ([]store.ContentRecord, error)
	InsertContentIfMissing(ctx context.Context, record store.ContentRecord) (bool, error)
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
	GetDraftByPreviewToken(ctx context.Context, token string) (store.Draft, error)
	UpsertDraft(ctx context.Context, draft store.Draft) (store.Draft, error)
	DeleteDraft(ctx context.Context, draftID string) (bool, error)
	ListDrafts(ctx context.Context) ([]store.Draft, error)
	PurgeExpiredDrafts(ctx context.Context, now time.Time) (int64, error)
	GetVersion(ctx context.Context, versionID string) (store.Version, error)
	ListVersions(ctx context.Context, key string, limit int) ([]store.Version, error)
	WithTx(ctx context.Context, fn func(store.ContentTx) error) error
}

// Change describes a committed write to published content.
type Change struct {
	Record  store.ContentRecord
	Version *store.Version
	Reason  string
	Actor   string
}

// Listener is told about every publish and rollback after it commits.
// Errors are logged and never undo the change.
type Listener interface {
	ContentChanged(ctx context.Context, change Change) error
}

type Options struct {
	DraftTTL       time.Duration
	PreviewBaseURL string
	Now            func() time.Time
	Logger         *zap.Logger
	Listeners      []Listener
}

type Service struct {
	store      Store
	catalog    *catalog.Catalog
	draftTTL   time.Duration
	previewURL string
	now        func() time.Time
	log        *zap.Logger
	listeners  []Listener
}

func New(st Store, cat *catalog.Catalog, opts Options) *Service {
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = DefaultDraftTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		catalog:    cat,
		draftTTL:   opts.DraftTTL,
		previewURL: strings.TrimRight(opts.PreviewBaseURL, "/"),
		now:        opts.Now,
		log:        opts.Logger,
		listeners:  opts.Listeners,
	}
}

func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// PreviewURL is the public link an admin follows to see a draft in place.
func (s *Service) PreviewURL(draft store.Draft) string {
	return s.previewURL + "/preview/" + draft.PreviewToken
}

// StageDraft validates value against the catalog and writes it as the pending
// draft for key. An existing draft for the same key is replaced.
func (s *Service) StageDraft(ctx context.Context, key, draftType string, value store.Value, actor string) (store.Draft, error) {
	if _, err := s.catalog.Validate(key, draftType, value); err != nil {
		return store.Draft{}, err
	}
	value.Text = strings.TrimSpace(value.Text)
	value.URL = strings.TrimSpace(value.URL)
	value.Alt = strings.TrimSpace(value.Alt)
	value.Link = strings.TrimSpace(value.Link)

	now := s.now().UTC()
	draft, err := s.store.UpsertDraft(ctx, store.Draft{
		ID:           util.NewID("drf"),
		ContentKey:   key,
		Type:         draftType,
		Value:        value,
		CreatedBy:    actor,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.draftTTL),
		PreviewToken: util.NewToken(),
	})
	if err != nil {
		return store.Draft{}, fmt.Errorf("stage draft: %w", err)
	}
	s.log.Info("draft staged",
		zap.String("draft_id", draft.ID),
		zap.String("content_key", key),
		zap.String("actor", actor),
		zap.Time("expires_at", draft.ExpiresAt),
	)
	return draft, nil
}

type PublishResult struct {
	Record  store.ContentRecord `json:"record"`
	Version *store.Version      `json:"version,omitempty"`
}

// Publish copies a live draft into published content, records the value it
// replaces in version history and deletes the draft, all in one transaction.
func (s *Service) Publish(ctx context.Context, draftID, actor string) (PublishResult, error) {
	var result PublishResult
	err := s.store.WithTx(ctx, func(tx store.ContentTx) error {
		draft, err := tx.LockDraft(ctx, draftID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDraftNotFound
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if draft.Expired(now) {
			return ErrDraftExpired
		}

		entry, _ := s.catalog.Lookup(draft.ContentKey)
		current, err := tx.LockContent(ctx, draft.ContentKey)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			version := store.Version{
				ID:          util.NewID("ver"),
				ContentKey:  current.Key,
				ContentType: current.Type,
				Value:       current.Value,
				Reason:      store.ReasonPublish,
				DraftID:     &draft.ID,
				ChangedBy:   actor,
				ChangedAt:   now,
			}
			if err := tx.InsertVersion(ctx, version); err != nil {
				return err
			}
			result.Version = &version
		}

		record := store.ContentRecord{
			Key:       draft.ContentKey,
			Type:      draft.Type,
			Value:     draft.Value,
			Page:      entry.Page,
			Section:   entry.Section,
			UpdatedBy: actor,
			UpdatedAt: now,
		}
		if record.Page == "" {
			record.Page, record.Section = current.Page, current.Section
		}
		if err := tx.UpsertContent(ctx, record); err != nil {
			return err
		}
		if _, err := tx.DeleteDraft(ctx, draft.ID); err != nil {
			return err
		}
		result.Record = record
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}

	s.log.Info("draft published",
		zap.String("draft_id", draftID),
		zap.String("content_key", result.Record.Key),
		zap.String("actor", actor),
	)
	s.notify(ctx, Change{Record: result.Record, Version: result.Version, Reason: store.ReasonPublish, Actor: actor})
	return result, nil
}

// Cancel discards a live draft without touching published content.
func (s *Service) Cancel(ctx context.Context, draftID, actor string) error {
	draft, err := s.store.GetDraft(ctx, draftID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDraftNotFound
	}
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if draft.Expired(s.now().UTC()) {
		return ErrDraftExpired
	}
	deleted, err := s.store.DeleteDraft(ctx, draftID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrDraftNotFound
	}
	s.log.Info("draft cancelled",
		zap.String("draft_id", draftID),
		zap.String("content_key", draft.ContentKey),
		zap.String("actor", actor),
	)
	return nil
}

type RollbackResult struct {
	Record  store.ContentRecord `json:"record"`
	Version store.Version       `json:"version"`
}

// Rollback restores the value held by a history entry. The value it
// overwrites is appended to history first so the rollback can itself be undone.
func (s *Service) Rollback(ctx context.Context, versionID, actor string) (RollbackResult, error) {
	source, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return RollbackResult{}, ErrVersionNotFound
	}
	if err != nil {
		return RollbackResult{}, fmt.Errorf("load version: %w", err)
	}

	var result RollbackResult
	err = s.store.WithTx(ctx, func(tx store.ContentTx) error {
		now := s.now().UTC()
		current, err := tx.LockContent(ctx, source.ContentKey)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}

		sourceID := source.ID
		version := store.Version{
			ID:              util.NewID("ver"),
			ContentKey:      current.Key,
			ContentType:     current.Type,
			Value:           current.Value,
			Reason:          store.ReasonRollback,
			SourceVersionID: &sourceID,
			ChangedBy:       actor,
			ChangedAt:       now,
		}
		if err := tx.InsertVersion(ctx, version); err != nil {
			return err
		}

		record := current
		record.Type = source.ContentType
		record.Value = source.Value
		record.UpdatedBy = actor
		record.UpdatedAt = now
		if err := tx.UpsertContent(ctx, record); err != nil {
			return err
		}
		result = RollbackResult{Record: record, Version: version}
		return nil
	})
	if err != nil {
		return RollbackResult{}, err
	}

	s.log.Info("content rolled back",
		zap.String("version_id", versionID),
		zap.String("content_key", result.Record.Key),
		zap.String("actor", actor),
	)
	version := result.Version
	s.notify(ctx, Change{Record: result.Record, Version: &version, Reason: store.ReasonRollback, Actor: actor})
	return result, nil
}

// ListDrafts returns drafts that can still be published. Expired rows waiting
// for the sweeper are left out.
func (s *Service) ListDrafts(ctx context.Context) ([]store.Draft, error) {
	drafts, err := s.store.ListDrafts(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	live := make([]store.Draft, 0, len(drafts))
	for _, draft := range drafts {
		if !draft.Expired(now) {
			live = append(live, draft)
		}
	}
	return live, nil
}

func (s *Service) History(ctx context.Context, key string, limit int) ([]store.Version, error) {
	if _, ok := s.catalog.Lookup(key); !ok {
		if _, err := s.store.GetContent(ctx, key); errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContentNotFound
		}
	}
	return s.store.ListVersions(ctx, key, limit)
}

func (s *Service) PurgeExpiredDrafts(ctx context.Context) (int64, error) {
	purged, err := s.store.PurgeExpiredDrafts(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.log.Info("expired drafts purged", zap.Int64("count", purged))
	}
	return purged, nil
}

// SeedDefaults writes catalog defaults for keys that have never been published.
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	seeded := 0
	for _, entry := range s.catalog.Entries("") {
		inserted, err := s.store.InsertContentIfMissing(ctx, store.ContentRecord{
			Key:       entry.Key,
			Type:      entry.Type,
			Value:     entry.Default,
			Page:      entry.Page,
			Section:   entry.Section,
			UpdatedBy: "system",
			UpdatedAt: s.now().UTC(),
		})
		if err != nil {
			return seeded, err
		}
		if inserted {
			seeded++
		}
	}
	if seeded > 0 {
		s.log.Info("catalog defaults seeded", zap.Int("count", seeded))
	}
	return seeded, nil
}

func (s *Service) notify(ctx context.Context, change Change) {
	for _, l := range s.listeners {
		if err := l.ContentChanged(ctx, change); err != nil {
			s.log.Warn("content listener failed",
				zap.String("content_key", change.Record.Key),
				zap.String("reason", change.Reason),
				zap.Error(err),
			)
		}
	}
}
