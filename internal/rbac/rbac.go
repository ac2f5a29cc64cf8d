// Package rbac is the view-side policy for what each participant role may do.
// Transports do not enforce it.
package rbac

type Role string
type Action string

const (
	RoleCoordinator Role = "coordinator"
	RoleField       Role = "field"
)

const (
	ActionRead           Action = "read"
	ActionRefresh        Action = "refresh"
	ActionSetOwnStatus   Action = "set_own_status"
	ActionAppendLog      Action = "append_log"
	ActionManageUnits    Action = "manage_units"
	ActionManageIncident Action = "manage_incident"
	ActionAssign         Action = "assign"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleCoordinator:
		return true
	case RoleField:
		return action == ActionRead || action == ActionRefresh || action == ActionSetOwnStatus || action == ActionAppendLog
	default:
		return false
	}
}

// Normalize maps unknown roles to field, the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleCoordinator, RoleField:
		return Role(role)
	default:
		return RoleField
	}
}
