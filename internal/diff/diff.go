// Package diff renders a field-by-field comparison of a published value and a
// staged draft for the preview page.
package diff

import (
	"strconv"

	"fieldhouse/api/internal/store"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	OpEqual  = "equal"
	OpInsert = "insert"
	OpDelete = "delete"
)

type Segment struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

type Change struct {
	Field    string    `json:"field"`
	Before   string    `json:"before"`
	After    string    `json:"after"`
	Segments []Segment `json:"segments"`
}

// Values compares before and after and returns one Change per field that
// differs. Unchanged fields are omitted.
func Values(before, after store.Value) []Change {
	fields := []struct {
		name          string
		before, after string
	}{
		{"text", before.Text, after.Text},
		{"url", before.URL, after.URL},
		{"alt", before.Alt, after.Alt},
		{"link", before.Link, after.Link},
		{"visible", visibleString(before), visibleString(after)},
	}

	var changes []Change
	for _, f := range fields {
		if f.before == f.after {
			continue
		}
		changes = append(changes, Change{
			Field:    f.name,
			Before:   f.before,
			After:    f.after,
			Segments: Text(f.before, f.after),
		})
	}
	return changes
}

// Text returns a semantic character diff of two strings.
func Text(before, after string) []Segment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			segments = append(segments, Segment{Op: OpEqual, Text: d.Text})
		case diffmatchpatch.DiffInsert:
			segments = append(segments, Segment{Op: OpInsert, Text: d.Text})
		case diffmatchpatch.DiffDelete:
			segments = append(segments, Segment{Op: OpDelete, Text: d.Text})
		}
	}
	return segments
}

func visibleString(v store.Value) string {
	return strconv.FormatBool(v.IsVisible())
}
