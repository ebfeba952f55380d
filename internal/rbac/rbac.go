package rbac

type Role string
type Action string

const (
	RoleStudent    Role = "student"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionComment  Action = "comment"
	ActionMarkRead Action = "mark_read"
	ActionExport   Action = "export"
	ActionAdmin    Action = "admin"
)

// Can reports whether role may perform action on a chapter it is attached to.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return action == ActionRead || action == ActionComment || action == ActionExport
	case RoleStudent:
		return action == ActionRead || action == ActionWrite || action == ActionMarkRead || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}

// Chapter is the part of a chapter that decides who is attached to it.
type Chapter struct {
	OwnerID      string
	SupervisorID string
}

// Allowed combines Can with the chapter relationship: students act on
// chapters they own, supervisors on chapters they supervise.
func Allowed(userID string, role Role, ch Chapter, action Action) bool {
	if !Can(role, action) {
		return false
	}
	switch role {
	case RoleAdmin:
		return true
	case RoleStudent:
		return userID != "" && ch.OwnerID == userID
	case RoleSupervisor:
		return userID != "" && ch.SupervisorID == userID
	default:
		return false
	}
}
