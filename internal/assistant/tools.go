package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/llm"
	"fieldhouse/api/internal/search"
	"fieldhouse/api/internal/store"
)

const (
	ToolListEditableContent   = "list_editable_content"
	ToolSearchContent         = "search_content"
	ToolUpdateText            = "update_text"
	ToolUpdateAnnouncementBar = "update_announcement_bar"
	ToolToggleSectionVisible  = "toggle_section_visibility"
	ToolUpdateImage           = "update_image"
)

// Tools defines the functions the model may call during an admin chat.
var Tools = []llm.Tool{
	llm.NewFunctionTool(ToolListEditableContent,
		"List the content the admin can edit, with each key's current published value. Call this before editing to find the right content key.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"page": {"type": "string", "description": "Only list content for this page (for example home, sponsorship, donation, site)"}
			},
			"required": []
		}`)),
	llm.NewFunctionTool(ToolSearchContent,
		"Search published site content by words it contains. Returns matching content keys with snippets.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Words to search for"}
			},
			"required": ["query"]
		}`)),
	llm.NewFunctionTool(ToolUpdateText,
		"Stage a draft replacing the text of a content key. The change is not live until the admin publishes it.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"contentKey": {"type": "string", "description": "Content key from list_editable_content"},
				"text": {"type": "string", "description": "New text"}
			},
			"required": ["contentKey", "text"]
		}`)),
	llm.NewFunctionTool(ToolUpdateAnnouncementBar,
		"Stage a draft for the site-wide announcement bar. Set visible to false to hide the bar.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Announcement text"},
				"link": {"type": "string", "description": "Optional link, either a site path like /register or an http(s) URL"},
				"visible": {"type": "boolean", "description": "Whether the bar is shown; defaults to true"}
			},
			"required": ["text"]
		}`)),
	llm.NewFunctionTool(ToolToggleSectionVisible,
		"Stage a draft that shows or hides a page section.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"page": {"type": "string", "description": "Page name"},
				"section": {"type": "string", "description": "Section name on that page"},
				"visible": {"type": "boolean", "description": "true to show the section, false to hide it"}
			},
			"required": ["page", "section", "visible"]
		}`)),
	llm.NewFunctionTool(ToolUpdateImage,
		"Stage a draft replacing an image. The url must already be hosted; alt text is required.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"contentKey": {"type": "string", "description": "Image content key"},
				"url": {"type": "string", "description": "Image URL"},
				"alt": {"type": "string", "description": "Alternative text describing the image"}
			},
			"required": ["contentKey", "url", "alt"]
		}`)),
}

// DraftRef is what a mutating tool reports back to the model and the caller.
type DraftRef struct {
	DraftID    string    `json:"draftId"`
	ContentKey string    `json:"contentKey"`
	PreviewURL string    `json:"previewUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ContentSearcher is satisfied by *search.Service.
type ContentSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// ToolHandler executes tool calls on behalf of one admin.
type ToolHandler struct {
	content *content.Service
	search  ContentSearcher
	actor   string
	drafts  []DraftRef
}

func NewToolHandler(svc *content.Service, searcher ContentSearcher, actor string) *ToolHandler {
	return &ToolHandler{content: svc, search: searcher, actor: actor}
}

// Drafts returns the drafts staged by this handler, latest per key last.
func (h *ToolHandler) Drafts() []DraftRef {
	return append([]DraftRef(nil), h.drafts...)
}

// Execute runs a tool call and returns the result as a string.
func (h *ToolHandler) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Function.Name {
	case ToolListEditableContent:
		return h.listEditableContent(ctx, call.Function.Arguments)
	case ToolSearchContent:
		return h.searchContent(ctx, call.Function.Arguments)
	case ToolUpdateText:
		return h.updateText(ctx, call.Function.Arguments)
	case ToolUpdateAnnouncementBar:
		return h.updateAnnouncementBar(ctx, call.Function.Arguments)
	case ToolToggleSectionVisible:
		return h.toggleSectionVisibility(ctx, call.Function.Arguments)
	case ToolUpdateImage:
		return h.updateImage(ctx, call.Function.Arguments)
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Function.Name)
	}
}

func decodeArgs(argsJSON string, v any) error {
	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}
	if err := json.Unmarshal([]byte(argsJSON), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type editableItem struct {
	ContentKey  string      `json:"contentKey"`
	ContentType string      `json:"contentType"`
	Page        string      `json:"page"`
	Section     string      `json:"section"`
	Label       string      `json:"label"`
	Description string      `json:"description,omitempty"`
	MaxLength   int         `json:"maxLength,omitempty"`
	Current     store.Value `json:"current"`
	HasDraft    bool        `json:"hasDraft,omitempty"`
}

func (h *ToolHandler) listEditableContent(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Page string `json:"page"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	page := strings.TrimSpace(args.Page)

	drafts, err := h.content.ListDrafts(ctx)
	if err != nil {
		return "", err
	}
	drafted := make(map[string]bool, len(drafts))
	for _, d := range drafts {
		drafted[d.ContentKey] = true
	}

	entries := h.content.Catalog().Entries(page)
	if page != "" && len(entries) == 0 {
		return "", fmt.Errorf("unknown page %q; pages are %s", page, strings.Join(h.content.Catalog().Pages(), ", "))
	}
	items := make([]editableItem, 0, len(entries))
	for _, entry := range entries {
		record, err := h.content.GetContent(ctx, entry.Key)
		if err != nil {
			return "", err
		}
		items = append(items, editableItem{
			ContentKey:  entry.Key,
			ContentType: entry.Type,
			Page:        entry.Page,
			Section:     entry.Section,
			Label:       entry.Label,
			Description: entry.Description,
			MaxLength:   maxLengthFor(entry),
			Current:     record.Value,
			HasDraft:    drafted[entry.Key],
		})
	}
	return marshalResult(items)
}

func maxLengthFor(entry catalog.Entry) int {
	if entry.Type == store.TypeText || entry.Type == store.TypeAnnouncement {
		return entry.MaxLength
	}
	return 0
}

func (h *ToolHandler) searchContent(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", errors.New("query is required")
	}
	if h.search == nil {
		return "", errors.New("search is not available; use list_editable_content instead")
	}
	resp := h.search.Search(ctx, search.Query{Text: args.Query, Limit: 10})
	return marshalResult(resp.Results)
}

func (h *ToolHandler) updateText(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		ContentKey string `json:"contentKey"`
		Text       string `json:"text"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	return h.stage(ctx, args.ContentKey, store.TypeText, store.Value{Text: args.Text})
}

func (h *ToolHandler) updateAnnouncementBar(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Text    string `json:"text"`
		Link    string `json:"link"`
		Visible *bool  `json:"visible"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	visible := true
	if args.Visible != nil {
		visible = *args.Visible
	}
	return h.stage(ctx, catalog.AnnouncementKey, store.TypeAnnouncement, store.Value{
		Text:    args.Text,
		Link:    args.Link,
		Visible: store.BoolPtr(visible),
	})
}

func (h *ToolHandler) toggleSectionVisibility(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Page    string `json:"page"`
		Section string `json:"section"`
		Visible *bool  `json:"visible"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if args.Visible == nil {
		return "", errors.New("visible is required")
	}
	key := catalog.VisibilityKey(strings.TrimSpace(args.Page), strings.TrimSpace(args.Section))
	return h.stage(ctx, key, store.TypeVisibility, store.Value{Visible: store.BoolPtr(*args.Visible)})
}

func (h *ToolHandler) updateImage(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		ContentKey string `json:"contentKey"`
		URL        string `json:"url"`
		Alt        string `json:"alt"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", err
	}
	return h.stage(ctx, args.ContentKey, store.TypeImage, store.Value{URL: args.URL, Alt: args.Alt})
}

func (h *ToolHandler) stage(ctx context.Context, key, contentType string, value store.Value) (string, error) {
	draft, err := h.content.StageDraft(ctx, strings.TrimSpace(key), contentType, value, h.actor)
	if err != nil {
		return "", err
	}
	ref := DraftRef{
		DraftID:    draft.ID,
		ContentKey: draft.ContentKey,
		PreviewURL: h.content.PreviewURL(draft),
		ExpiresAt:  draft.ExpiresAt,
	}
	h.remember(ref)
	return marshalResult(ref)
}

// remember keeps one ref per key, since a second draft replaces the first.
func (h *ToolHandler) remember(ref DraftRef) {
	for i, existing := range h.drafts {
		if existing.ContentKey == ref.ContentKey {
			h.drafts = append(h.drafts[:i], h.drafts[i+1:]...)
			break
		}
	}
	h.drafts = append(h.drafts, ref)
}
