package domain

// Role is carried in access tokens issued by the identity provider.
type Role string

const (
	RoleUser       Role = "USER"
	RoleStaff      Role = "STAFF"
	RoleDispatcher Role = "DISPATCHER"
	RoleAdmin      Role = "ADMIN"
	RoleService    Role = "SERVICE"
)

// Privileged roles may act on behalf of any identity.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleService
}
