package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"fieldhouse/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
entries:
  - key: home.hero.title
    type: text
    page: home
    section: hero
    label: Hero headline
    maxLength: 10
    default:
      text: Play
  - key: site.announcement
    type: announcement
    page: site
    section: announcement
    label: Announcement bar
  - key: home.programs.visible
    type: visibility
    page: home
    section: programs
    label: Programs
  - key: home.hero.image
    type: image
    page: home
    section: hero
    label: Hero image
`

func TestParseOrdersByPageThenKey(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	entries := c.Entries("")
	require.Len(t, entries, 4)
	assert.Equal(t, "home.hero.image", entries[0].Key)
	assert.Equal(t, "site.announcement", entries[3].Key)
	assert.Equal(t, []string{"home", "site"}, c.Pages())
	assert.Len(t, c.Entries("home"), 3)

	entry, ok := c.Lookup("home.hero.title")
	require.True(t, ok)
	assert.Equal(t, "Play", entry.Default.Text)
	assert.Equal(t, 10, entry.MaxLength)

	announcement, _ := c.Lookup(AnnouncementKey)
	assert.Equal(t, defaultMaxLength, announcement.MaxLength)
}

func TestParseRejectsUnknownFieldsAndDuplicates(t *testing.T) {
	_, err := Parse([]byte("entries:\n  - key: a\n    typo: text\n"))
	assert.Error(t, err)

	_, err = New([]Entry{
		{Key: "a.b", Type: store.TypeText, Page: "a"},
		{Key: "a.b", Type: store.TypeText, Page: "a"},
	})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]Entry{{Key: "a.b", Type: "video", Page: "a"}})
	assert.ErrorContains(t, err, "unknown type")
}

func TestValidate(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	cases := []struct {
		name  string
		key   string
		typ   string
		value store.Value
		want  error
	}{
		{"text ok", "home.hero.title", store.TypeText, store.Value{Text: "Go team"}, nil},
		{"text empty", "home.hero.title", store.TypeText, store.Value{Text: "  "}, ErrInvalidValue},
		{"text too long", "home.hero.title", store.TypeText, store.Value{Text: "far too long for this"}, ErrInvalidValue},
		{"unknown key", "home.footer.text", store.TypeText, store.Value{Text: "x"}, ErrUnknownKey},
		{"type mismatch", "home.hero.title", store.TypeImage, store.Value{URL: "/a.png", Alt: "a"}, ErrTypeMismatch},
		{"announcement with link", AnnouncementKey, store.TypeAnnouncement, store.Value{Text: "Tryouts Saturday", Link: "https://league.org/tryouts"}, nil},
		{"announcement bad link", AnnouncementKey, store.TypeAnnouncement, store.Value{Text: "Tryouts", Link: "javascript:alert(1)"}, ErrInvalidValue},
		{"hidden announcement blank", AnnouncementKey, store.TypeAnnouncement, store.Value{Visible: store.BoolPtr(false)}, nil},
		{"visibility needs flag", "home.programs.visible", store.TypeVisibility, store.Value{}, ErrInvalidValue},
		{"visibility ok", "home.programs.visible", store.TypeVisibility, store.Value{Visible: store.BoolPtr(false)}, nil},
		{"image ok", "home.hero.image", store.TypeImage, store.Value{URL: "/images/x.jpg", Alt: "Kids"}, nil},
		{"image protocol relative", "home.hero.image", store.TypeImage, store.Value{URL: "//evil.example/x.jpg", Alt: "Kids"}, ErrInvalidValue},
		{"image missing alt", "home.hero.image", store.TypeImage, store.Value{URL: "https://cdn.league.org/x.jpg"}, ErrInvalidValue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Validate(tc.key, tc.typ, tc.value)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
		})
	}
}

func TestShippedCatalogLoads(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "content", "catalog.yaml"))
	require.NoError(t, err)

	_, ok := c.Lookup(AnnouncementKey)
	assert.True(t, ok)
	for _, entry := range c.Entries("") {
		_, err := c.Validate(entry.Key, entry.Type, entry.Default)
		assert.NoError(t, err, entry.Key)
	}
	_, ok = c.Lookup(VisibilityKey("home", "programs"))
	assert.True(t, ok)
}
