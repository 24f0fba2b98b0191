// Package domain defines the accounts, payments and error taxonomy shared by
// the bot, the HTTP API and the background jobs.
package domain

// Role tags which account directory an account lives in.
type Role string

const (
	// RoleMember is a paying (or prospective) member gated by payment status.
	RoleMember Role = "member"
	// RoleAdmin is an administrator; always eligible and allowed to run admin commands.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}
