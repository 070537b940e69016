package scopes

// Scopes follow the "resource:action" convention carried in the token's scp
// claim and enforced by token.RequireScope. "*" grants everything.
const (
	All = "*"

	SessionsRead  = "sessions:read"
	SessionsWrite = "sessions:write"

	KeysManage = "keys:manage"

	TenantsRead  = "tenants:read"
	TenantsWrite = "tenants:write"

	AuthzCheck  = "authz:check"
	AuthzManage = "authz:manage"

	WebhooksManage = "webhooks:manage"

	UsersRead  = "users:read"
	UsersWrite = "users:write"

	AuditRead = "audit:read"
)

// Catalog maps every scope to its description. Middleware and token issuance
// only accept scopes listed here (or the wildcard).
var Catalog = map[string]string{
	SessionsRead:   "List the caller's sessions",
	SessionsWrite:  "Revoke sessions",
	KeysManage:     "Create, rotate and revoke API keys",
	TenantsRead:    "Read tenants, members and invitations",
	TenantsWrite:   "Mutate tenants, members and invitations",
	AuthzCheck:     "Run authorization checks",
	AuthzManage:    "Manage grants, roles and policies",
	WebhooksManage: "Manage webhook endpoints and deliveries",
	UsersRead:      "Read user profiles",
	UsersWrite:     "Mutate user profiles",
	AuditRead:      "Read audit logs",
}

// IsKnown reports whether the scope exists in the catalog.
func IsKnown(scope string) bool {
	if scope == All {
		return true
	}
	_, ok := Catalog[scope]
	return ok
}

// Groups maps the built-in tenant roles to their scope sets.
var Groups = map[string][]string{
	"owner": {All},
	"admin": {
		SessionsRead, SessionsWrite,
		KeysManage,
		TenantsRead, TenantsWrite,
		AuthzCheck, AuthzManage,
		WebhooksManage,
		UsersRead, UsersWrite,
		AuditRead,
	},
	"member": {
		SessionsRead, SessionsWrite,
		TenantsRead,
		AuthzCheck,
		UsersRead,
	},
	"viewer": {
		SessionsRead,
		TenantsRead,
		AuthzCheck,
	},
	"guest": {
		TenantsRead,
		AuthzCheck,
	},
}

// ForRole returns the scope set of a built-in role. Unknown roles fall back
// to the interactive default.
func ForRole(role string) []string {
	if group, ok := Groups[role]; ok {
		return append([]string(nil), group...)
	}
	return DefaultUser()
}

// DefaultUser is the baseline for an interactive login before any tenant
// role is resolved: enough to manage one's own sessions and navigate.
func DefaultUser() []string {
	return []string{SessionsRead, SessionsWrite, TenantsRead, AuthzCheck, UsersRead}
}
