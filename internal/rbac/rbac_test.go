package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer draft", role: RoleViewer, action: ActionDraft, allow: false},
		{name: "viewer publish", role: RoleViewer, action: ActionPublish, allow: false},
		{name: "editor draft", role: RoleEditor, action: ActionDraft, allow: true},
		{name: "editor publish", role: RoleEditor, action: ActionPublish, allow: true},
		{name: "editor rollback", role: RoleEditor, action: ActionRollback, allow: false},
		{name: "editor manage users", role: RoleEditor, action: ActionManageUsers, allow: false},
		{name: "admin rollback", role: RoleAdmin, action: ActionRollback, allow: true},
		{name: "unknown role", role: Role("coach"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Fatal("expected admin to be kept")
	}
	if Normalize("commenter") != RoleViewer {
		t.Fatal("expected unknown roles to fall back to viewer")
	}
}

func TestValid(t *testing.T) {
	for _, role := range []string{"viewer", "Editor", " admin "} {
		if !Valid(role) {
			t.Fatalf("Valid(%q) = false", role)
		}
	}
	if Valid("coach") {
		t.Fatal("expected coach to be rejected")
	}
	if Normalize(" Editor") != RoleEditor {
		t.Fatal("expected case and spacing to be ignored")
	}
}
