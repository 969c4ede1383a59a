package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionDraft       Action = "draft"
	ActionUpload      Action = "upload"
	ActionPublish     Action = "publish"
	ActionRollback    Action = "rollback"
	ActionManageUsers Action = "manage_users"
)

// Can reports whether role may perform action. Editors stage, upload and
// publish; rollback and account management stay with admins.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionDraft || action == ActionUpload || action == ActionPublish
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r
	default:
		return RoleViewer
	}
}

// Valid reports whether role names one of the known roles.
func Valid(role string) bool {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
