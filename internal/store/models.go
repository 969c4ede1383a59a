package store

import "time"

const (
	TypeText         = "text"
	TypeAnnouncement = "announcement"
	TypeVisibility   = "visibility"
	TypeImage        = "image"
)

const (
	ReasonPublish  = "publish"
	ReasonRollback = "rollback"
)

// Value is the jsonb payload shared by content records, drafts and history.
// Which fields are meaningful depends on the content type.
type Value struct {
	Text    string `json:"text,omitempty"`
	URL     string `json:"url,omitempty"`
	Alt     string `json:"alt,omitempty"`
	Link    string `json:"link,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
}

// IsVisible reports the visibility flag, treating an unset flag as visible.
func (v Value) IsVisible() bool {
	return v.Visible == nil || *v.Visible
}

func BoolPtr(b bool) *bool {
	return &b
}

type ContentRecord struct {
	Key       string
	Type      string
	Value     Value
	Page      string
	Section   string
	UpdatedBy string
	UpdatedAt time.Time
}

type Draft struct {
	ID           string
	ContentKey   string
	Type         string
	Value        Value
	CreatedBy    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	PreviewToken string
}

// Expired reports whether the draft can no longer be published or cancelled.
func (d Draft) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

type Version struct {
	ID              string
	ContentKey      string
	ContentType     string
	Value           Value
	Reason          string
	DraftID         *string
	SourceVersionID *string
	ChangedBy       string
	ChangedAt       time.Time
}

type AdminUser struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
