package search

import (
	"context"
	"strings"

	"fieldhouse/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Key     string `json:"contentKey"`
	Type    string `json:"type"`
	Page    string `json:"page"`
	Section string `json:"section,omitempty"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Page  string // empty = all pages
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search over published content.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// ContentDocument is the data we index for one published content record.
type ContentDocument struct {
	ID         string `json:"id"`
	ContentKey string `json:"contentKey"`
	Type       string `json:"type"`
	Page       string `json:"page"`
	Section    string `json:"section"`
	Label      string `json:"label"`
	Text       string `json:"text"`
	Alt        string `json:"alt"`
	Link       string `json:"link"`
}

// DocumentID maps a dotted content key onto the characters Meilisearch
// accepts in a primary key.
func DocumentID(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}

// NewContentDocument builds the index document for a published record.
func NewContentDocument(record store.ContentRecord, label string) ContentDocument {
	return ContentDocument{
		ID:         DocumentID(record.Key),
		ContentKey: record.Key,
		Type:       record.Type,
		Page:       record.Page,
		Section:    record.Section,
		Label:      label,
		Text:       record.Value.Text,
		Alt:        record.Value.Alt,
		Link:       record.Value.Link,
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
