// Package catalog describes which content keys the admin assistant may edit.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"fieldhouse/api/internal/store"

	"gopkg.in/yaml.v3"
)

const (
	AnnouncementKey  = "site.announcement"
	defaultMaxLength = 500
)

var (
	ErrUnknownKey   = errors.New("content key is not editable")
	ErrTypeMismatch = errors.New("content type does not match catalog")
	ErrInvalidValue = errors.New("invalid content value")
)

type Entry struct {
	Key         string      `yaml:"key" json:"contentKey"`
	Type        string      `yaml:"type" json:"contentType"`
	Page        string      `yaml:"page" json:"page"`
	Section     string      `yaml:"section" json:"section"`
	Label       string      `yaml:"label" json:"label"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	MaxLength   int         `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Default     store.Value `yaml:"default" json:"-"`
}

type file struct {
	Entries []Entry `yaml:"entries"`
}

type Catalog struct {
	entries []Entry
	byKey   map[string]Entry
}

// Load reads a catalog YAML file, rejecting unknown fields and duplicate keys.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var parsed file
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(parsed.Entries)
}

func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		entry.Key = strings.TrimSpace(entry.Key)
		if entry.Key == "" {
			return nil, errors.New("catalog entry missing key")
		}
		if _, exists := c.byKey[entry.Key]; exists {
			return nil, fmt.Errorf("duplicate catalog key %q", entry.Key)
		}
		if !knownType(entry.Type) {
			return nil, fmt.Errorf("catalog key %q: unknown type %q", entry.Key, entry.Type)
		}
		if entry.Page == "" {
			return nil, fmt.Errorf("catalog key %q: missing page", entry.Key)
		}
		if entry.MaxLength <= 0 {
			entry.MaxLength = defaultMaxLength
		}
		c.entries = append(c.entries, entry)
		c.byKey[entry.Key] = entry
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].Page != c.entries[j].Page {
			return c.entries[i].Page < c.entries[j].Page
		}
		return c.entries[i].Key < c.entries[j].Key
	})
	return c, nil
}

func (c *Catalog) Lookup(key string) (Entry, bool) {
	entry, ok := c.byKey[key]
	return entry, ok
}

// Entries returns catalog entries for page, or all entries when page is empty.
func (c *Catalog) Entries(page string) []Entry {
	if page == "" {
		return append([]Entry(nil), c.entries...)
	}
	var out []Entry
	for _, entry := range c.entries {
		if entry.Page == page {
			out = append(out, entry)
		}
	}
	return out
}

func (c *Catalog) Pages() []string {
	seen := map[string]bool{}
	var pages []string
	for _, entry := range c.entries {
		if !seen[entry.Page] {
			seen[entry.Page] = true
			pages = append(pages, entry.Page)
		}
	}
	return pages
}

// VisibilityKey names the visibility flag for a page section.
func VisibilityKey(page, section string) string {
	return page + "." + section + ".visible"
}

// Validate checks that key is editable as contentType and that value is
// well formed for it. Returned errors wrap one of the package sentinels.
func (c *Catalog) Validate(key, contentType string, value store.Value) (Entry, error) {
	entry, ok := c.byKey[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if entry.Type != contentType {
		return Entry{}, fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, key, entry.Type, contentType)
	}

	switch contentType {
	case store.TypeText:
		if err := checkText(value.Text, entry.MaxLength, true); err != nil {
			return Entry{}, err
		}
	case store.TypeAnnouncement:
		// hidden announcements may be blank
		if err := checkText(value.Text, entry.MaxLength, value.IsVisible()); err != nil {
			return Entry{}, err
		}
		if value.Link != "" {
			if err := checkLink(value.Link); err != nil {
				return Entry{}, err
			}
		}
	case store.TypeVisibility:
		if value.Visible == nil {
			return Entry{}, fmt.Errorf("%w: visible flag is required", ErrInvalidValue)
		}
	case store.TypeImage:
		if err := checkLink(value.URL); err != nil {
			return Entry{}, err
		}
		if strings.TrimSpace(value.Alt) == "" {
			return Entry{}, fmt.Errorf("%w: alt text is required for images", ErrInvalidValue)
		}
	}
	return entry, nil
}

func checkText(text string, maxLength int, required bool) error {
	trimmed := strings.TrimSpace(text)
	if required && trimmed == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidValue)
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidValue, maxLength)
	}
	return nil
}

func checkLink(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidValue)
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: %q must be an http(s) url or site path", ErrInvalidValue, raw)
	}
	return nil
}

func knownType(t string) bool {
	switch t {
	case store.TypeText, store.TypeAnnouncement, store.TypeVisibility, store.TypeImage:
		return true
	}
	return false
}
