// Package rbac decides whether a collaborator role may perform an action
// on a deck. It is a pure lookup with no I/O; existence checks and the
// self-removal special case live in the calling service.
package rbac

import "strings"

// Role is a collaborator's privilege level on one deck. The integer values
// define the total order used for assignment ceilings; never reorder them.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleCommenter
	RoleEditor
	RoleOwner
)

type Action string

const (
	ActionView          Action = "view"
	ActionComment       Action = "comment"
	ActionEditStructure Action = "edit-structure"
	ActionInvite        Action = "invite-collaborator"
	ActionChangeRole    Action = "change-role"
	ActionRemove        Action = "remove-collaborator"
	ActionDeleteDeck    Action = "delete-document"
	ActionManageSharing Action = "manage-sharing"
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "VIEWER"
	case RoleCommenter:
		return "COMMENTER"
	case RoleEditor:
		return "EDITOR"
	case RoleOwner:
		return "OWNER"
	default:
		return "NONE"
	}
}

// ParseRole maps a wire-format role name to a Role. Unknown names parse to
// RoleNone with ok=false so callers can reject them explicitly.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VIEWER":
		return RoleViewer, true
	case "COMMENTER":
		return RoleCommenter, true
	case "EDITOR":
		return RoleEditor, true
	case "OWNER":
		return RoleOwner, true
	default:
		return RoleNone, false
	}
}

// AtLeast reports whether r holds at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return r >= other
}

// Can reports whether a role is allowed to perform an action.
func Can(role Role, action Action) bool {
	switch action {
	case ActionView:
		return role >= RoleViewer
	case ActionComment:
		return role >= RoleCommenter
	case ActionEditStructure:
		return role >= RoleEditor
	case ActionInvite:
		return role >= RoleEditor
	case ActionChangeRole:
		return role == RoleOwner
	case ActionRemove:
		return role == RoleOwner
	case ActionDeleteDeck:
		return role == RoleOwner
	case ActionManageSharing:
		return role >= RoleEditor
	default:
		return false
	}
}

// CanAssign reports whether an actor may grant the given role to someone
// else. The granted role must not exceed the actor's own, and the OWNER
// role is never assignable; a deck has exactly one owner.
func CanAssign(actor, granted Role) bool {
	if granted == RoleNone || granted == RoleOwner {
		return false
	}
	return granted <= actor
}

// CanRemove reports whether an actor may remove a collaborator holding
// target. Owners are never removable, not even by themselves; any
// collaborator may remove their own (non-owner) membership.
func CanRemove(actor, target Role, isSelf bool) bool {
	if target == RoleOwner {
		return false
	}
	if isSelf {
		return true
	}
	return actor == RoleOwner
}
