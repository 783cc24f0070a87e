package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer view", role: RoleViewer, action: ActionView, allow: true},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "viewer edit", role: RoleViewer, action: ActionEditStructure, allow: false},
		{name: "commenter comment", role: RoleCommenter, action: ActionComment, allow: true},
		{name: "commenter edit", role: RoleCommenter, action: ActionEditStructure, allow: false},
		{name: "editor edit", role: RoleEditor, action: ActionEditStructure, allow: true},
		{name: "editor invite", role: RoleEditor, action: ActionInvite, allow: true},
		{name: "editor change role", role: RoleEditor, action: ActionChangeRole, allow: false},
		{name: "editor sharing", role: RoleEditor, action: ActionManageSharing, allow: true},
		{name: "editor delete deck", role: RoleEditor, action: ActionDeleteDeck, allow: false},
		{name: "owner change role", role: RoleOwner, action: ActionChangeRole, allow: true},
		{name: "owner remove", role: RoleOwner, action: ActionRemove, allow: true},
		{name: "owner delete deck", role: RoleOwner, action: ActionDeleteDeck, allow: true},
		{name: "no role view", role: RoleNone, action: ActionView, allow: false},
		{name: "no role comment", role: RoleNone, action: ActionComment, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%v, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestCanAssign(t *testing.T) {
	cases := []struct {
		name    string
		actor   Role
		granted Role
		allow   bool
	}{
		{name: "owner grants editor", actor: RoleOwner, granted: RoleEditor, allow: true},
		{name: "owner grants owner", actor: RoleOwner, granted: RoleOwner, allow: false},
		{name: "editor grants viewer", actor: RoleEditor, granted: RoleViewer, allow: true},
		{name: "editor grants editor", actor: RoleEditor, granted: RoleEditor, allow: true},
		{name: "editor grants owner", actor: RoleEditor, granted: RoleOwner, allow: false},
		{name: "commenter grants viewer", actor: RoleCommenter, granted: RoleViewer, allow: true},
		{name: "viewer grants commenter", actor: RoleViewer, granted: RoleCommenter, allow: false},
		{name: "granting none", actor: RoleOwner, granted: RoleNone, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAssign(tc.actor, tc.granted); got != tc.allow {
				t.Fatalf("CanAssign(%v, %v) = %v, want %v", tc.actor, tc.granted, got, tc.allow)
			}
		})
	}
}

func TestCanRemove(t *testing.T) {
	cases := []struct {
		name   string
		actor  Role
		target Role
		self   bool
		allow  bool
	}{
		{name: "owner removes editor", actor: RoleOwner, target: RoleEditor, allow: true},
		{name: "owner removes owner", actor: RoleOwner, target: RoleOwner, allow: false},
		{name: "owner removes self", actor: RoleOwner, target: RoleOwner, self: true, allow: false},
		{name: "editor removes viewer", actor: RoleEditor, target: RoleViewer, allow: false},
		{name: "viewer removes self", actor: RoleViewer, target: RoleViewer, self: true, allow: true},
		{name: "commenter removes self", actor: RoleCommenter, target: RoleCommenter, self: true, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanRemove(tc.actor, tc.target, tc.self); got != tc.allow {
				t.Fatalf("CanRemove(%v, %v, self=%v) = %v, want %v", tc.actor, tc.target, tc.self, got, tc.allow)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		input string
		role  Role
		ok    bool
	}{
		{"viewer", RoleViewer, true},
		{"EDITOR", RoleEditor, true},
		{" Owner ", RoleOwner, true},
		{"commenter", RoleCommenter, true},
		{"admin", RoleNone, false},
		{"", RoleNone, false},
	}

	for _, tc := range cases {
		role, ok := ParseRole(tc.input)
		if role != tc.role || ok != tc.ok {
			t.Fatalf("ParseRole(%q) = (%v, %v), want (%v, %v)", tc.input, role, ok, tc.role, tc.ok)
		}
	}
}

func TestRoleOrdering(t *testing.T) {
	order := []Role{RoleNone, RoleViewer, RoleCommenter, RoleEditor, RoleOwner}
	for i := 1; i < len(order); i++ {
		if !order[i].AtLeast(order[i-1]) {
			t.Fatalf("%v should rank at least %v", order[i], order[i-1])
		}
		if order[i-1].AtLeast(order[i]) {
			t.Fatalf("%v should not rank at least %v", order[i-1], order[i])
		}
	}
}
