package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsMonitor allows watching the live proctoring feed of an exam.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionViolationsRead allows reading the persisted violation audit.
	PermissionViolationsRead Permission = "violations:read"

	// PermissionSubmissionsRead allows reading submission attempt outcomes.
	PermissionSubmissionsRead Permission = "submissions:read"
)

// AllPermissions lists the permission codes the gateway checks.
var AllPermissions = []Permission{
	PermissionExamsMonitor,
	PermissionViolationsRead,
	PermissionSubmissionsRead,
}
