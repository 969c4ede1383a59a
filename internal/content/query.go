package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldhouse/api/internal/diff"
	"fieldhouse/api/internal/store"
)

// SitePage holds content shown on every page, such as the announcement bar.
const SitePage = "site"

type Page struct {
	Page     string                 `json:"page"`
	Values   map[string]store.Value `json:"values"`
	Sections map[string]bool        `json:"sections"`
}

// GetContent returns the published record for key. Catalog keys that were
// never written fall back to their default value.
func (s *Service) GetContent(ctx context.Context, key string) (store.ContentRecord, error) {
	record, err := s.store.GetContent(ctx, key)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.ContentRecord{}, fmt.Errorf("get content: %w", err)
	}
	entry, ok := s.catalog.Lookup(key)
	if !ok {
		return store.ContentRecord{}, ErrContentNotFound
	}
	return store.ContentRecord{
		Key:     entry.Key,
		Type:    entry.Type,
		Value:   entry.Default,
		Page:    entry.Page,
		Section: entry.Section,
	}, nil
}

// PageContent returns published values for page plus site-wide content.
// Drafts are never included.
func (s *Service) PageContent(ctx context.Context, page string) (Page, error) {
	out := Page{Page: page, Values: map[string]store.Value{}, Sections: map[string]bool{}}

	pages := []string{page}
	if page != SitePage {
		pages = append(pages, SitePage)
	}
	for _, p := range pages {
		for _, entry := range s.catalog.Entries(p) {
			out.Values[entry.Key] = entry.Default
			out.setSection(entry.Type, entry.Page, entry.Section, entry.Default)
		}
		records, err := s.store.ListContent(ctx, p)
		if err != nil {
			return Page{}, fmt.Errorf("page content: %w", err)
		}
		for _, record := range records {
			out.Values[record.Key] = record.Value
			out.setSection(record.Type, record.Page, record.Section, record.Value)
		}
	}
	return out, nil
}

func (p *Page) setSection(contentType, page, section string, value store.Value) {
	if contentType != store.TypeVisibility || page != p.Page || section == "" {
		return
	}
	p.Sections[section] = value.IsVisible()
}

type Preview struct {
	Draft      store.Draft   `json:"draft"`
	PreviewURL string        `json:"previewUrl"`
	Current    *store.Value  `json:"current,omitempty"`
	Changes    []diff.Change `json:"changes"`
	Page       Page          `json:"page"`
}

// Preview resolves a preview token to its draft and renders the draft's page
// with the draft value overlaid on published content.
func (s *Service) Preview(ctx context.Context, token string) (Preview, error) {
	draft, err := s.store.GetDraftByPreviewToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return Preview{}, ErrDraftNotFound
	}
	if err != nil {
		return Preview{}, fmt.Errorf("load preview: %w", err)
	}
	if draft.Expired(s.now().UTC()) {
		return Preview{}, ErrDraftExpired
	}

	current, err := s.GetContent(ctx, draft.ContentKey)
	var before store.Value
	var currentValue *store.Value
	switch {
	case err == nil:
		before = current.Value
		currentValue = &before
	case errors.Is(err, ErrContentNotFound):
	default:
		return Preview{}, err
	}

	pageName := current.Page
	if entry, ok := s.catalog.Lookup(draft.ContentKey); ok {
		pageName = entry.Page
	}
	page, err := s.PageContent(ctx, pageName)
	if err != nil {
		return Preview{}, err
	}
	page.Values[draft.ContentKey] = draft.Value
	if entry, ok := s.catalog.Lookup(draft.ContentKey); ok {
		page.setSection(draft.Type, entry.Page, entry.Section, draft.Value)
	}

	return Preview{
		Draft:      draft,
		PreviewURL: s.PreviewURL(draft),
		Current:    currentValue,
		Changes:    diff.Values(before, draft.Value),
		Page:       page,
	}, nil
}
