// Package rbac defines FinMark's fixed roles and permissions and the
// static grant table mapping one to the other. Both sets are closed:
// roles and permissions are not user-extensible, and every check is a
// pure lookup with no storage access.
package rbac

// Role is a system-wide privilege level held by a user.
type Role string

const (
	RoleRootAdmin Role = "root_admin"
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RoleAnalyst   Role = "analyst"
	RoleViewer    Role = "viewer"
)

// Permission is a named capability granted to roles.
type Permission string

const (
	PermViewDashboards      Permission = "view_dashboards"
	PermExportData          Permission = "export_data"
	PermEditFinancialData   Permission = "edit_financial_data"
	PermManageUsers         Permission = "manage_users"
	PermManageOrganizations Permission = "manage_organizations"
	PermManageAdmins        Permission = "manage_admins"
	PermViewAuditLog        Permission = "view_audit_log"
)

// Roles lists all roles from most to least privileged.
func Roles() []Role {
	return []Role{RoleRootAdmin, RoleAdmin, RoleManager, RoleAnalyst, RoleViewer}
}

// Permissions lists all defined permissions.
func Permissions() []Permission {
	return []Permission{
		PermViewDashboards,
		PermExportData,
		PermEditFinancialData,
		PermManageUsers,
		PermManageOrganizations,
		PermManageAdmins,
		PermViewAuditLog,
	}
}

// grants is the static role -> permission table. Each role's set must
// contain every set below it in the role order; rbac_test verifies
// this since nothing in the type system enforces it.
var grants = map[Role]map[Permission]bool{
	RoleViewer: {
		PermViewDashboards: true,
	},
	RoleAnalyst: {
		PermViewDashboards: true,
		PermExportData:     true,
	},
	RoleManager: {
		PermViewDashboards:    true,
		PermExportData:        true,
		PermEditFinancialData: true,
	},
	RoleAdmin: {
		PermViewDashboards:      true,
		PermExportData:          true,
		PermEditFinancialData:   true,
		PermManageUsers:         true,
		PermManageOrganizations: true,
		PermViewAuditLog:        true,
	},
	RoleRootAdmin: {
		PermViewDashboards:      true,
		PermExportData:          true,
		PermEditFinancialData:   true,
		PermManageUsers:         true,
		PermManageOrganizations: true,
		PermManageAdmins:        true,
		PermViewAuditLog:        true,
	},
}

// HasPermission reports whether the role is granted the permission.
// Unknown roles and unknown permissions always yield false.
func HasPermission(role Role, perm Permission) bool {
	return grants[role][perm]
}

// CanManageUsers reports whether the role may invite, edit, or delete users.
func CanManageUsers(role Role) bool {
	return HasPermission(role, PermManageUsers)
}

// CanEditFinancialData reports whether the role may modify financial records.
func CanEditFinancialData(role Role) bool {
	return HasPermission(role, PermEditFinancialData)
}

// CanExportData reports whether the role may export dashboard data.
func CanExportData(role Role) bool {
	return HasPermission(role, PermExportData)
}

// CanManageAdmins reports whether the role may grant or revoke
// admin-class roles.
func CanManageAdmins(role Role) bool {
	return HasPermission(role, PermManageAdmins)
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRootAdmin, RoleAdmin, RoleManager, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// IsAdminClass reports whether r carries administrative privileges.
// Assigning or removing such roles requires the manage_admins permission.
func (r Role) IsAdminClass() bool {
	return r == RoleRootAdmin || r == RoleAdmin
}

// ParseRole validates a role string received from outside the process.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// MoreSenior reports whether a outranks b in the role order.
func MoreSenior(a, b Role) bool {
	return rank(a) > rank(b)
}

func rank(r Role) int {
	switch r {
	case RoleRootAdmin:
		return 5
	case RoleAdmin:
		return 4
	case RoleManager:
		return 3
	case RoleAnalyst:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

var roleLabels = map[Role][2]string{
	RoleRootAdmin: {"Root Administrator", "Full system control, including admin management."},
	RoleAdmin:     {"Administrator", "Manages users, organizations, and all dashboards."},
	RoleManager:   {"Manager", "Edits financial data and exports dashboards."},
	RoleAnalyst:   {"Analyst", "Views and exports dashboards."},
	RoleViewer:    {"Viewer", "Read-only dashboard access."},
}

// Label returns a human-readable role name for UI display.
func (r Role) Label() string { return roleLabels[r][0] }

// Description returns a one-line role description for UI display.
func (r Role) Description() string { return roleLabels[r][1] }

var permLabels = map[Permission][2]string{
	PermViewDashboards:      {"View dashboards", "Open any dashboard in assigned organizations."},
	PermExportData:          {"Export data", "Download dashboard data as CSV."},
	PermEditFinancialData:   {"Edit financial data", "Modify financial metric records."},
	PermManageUsers:         {"Manage users", "Invite, edit, and remove users."},
	PermManageOrganizations: {"Manage organizations", "Create and edit organizations and memberships."},
	PermManageAdmins:        {"Manage administrators", "Grant and revoke admin-class roles."},
	PermViewAuditLog:        {"View audit log", "Read the administrative audit trail."},
}

// Label returns a human-readable permission name for UI display.
func (p Permission) Label() string { return permLabels[p][0] }

// Description returns a one-line permission description for UI display.
func (p Permission) Description() string { return permLabels[p][1] }
