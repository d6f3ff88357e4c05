package accounts

import "time"

// ClaimCapable is implemented by entities that carry claims.
type ClaimCapable interface {
	Claims() []Claim
	AddClaim(claim Claim) error
	RemoveClaim(claimType, value string) int
}

// LoginCapable is implemented by entities bound to external logins.
type LoginCapable interface {
	Logins() []Login
	AddLogin(provider, providerKey string) error
	RemoveLogin(provider, providerKey string) int
	PendingLogins() []Login
	CommitLogins()
}

// RoleMembershipCapable is implemented by entities that belong to roles.
type RoleMembershipCapable interface {
	Roles() []string
	AddToRole(roleName string) error
	RemoveFromRole(roleName string) int
	IsInRole(roleName string) bool
}

// LockoutCapable is implemented by entities tracking failed sign-ins.
type LockoutCapable interface {
	AccessFailedCount() int
	IncrementAccessFailedCount() int
	ResetAccessFailedCount()
	LockoutEnabled() bool
	SetLockoutEnabled(enabled bool)
	LockoutEnd() (time.Time, bool)
	SetLockoutEnd(end time.Time)
}

var (
	_ ClaimCapable          = (*Account)(nil)
	_ LoginCapable          = (*Account)(nil)
	_ RoleMembershipCapable = (*Account)(nil)
	_ LockoutCapable        = (*Account)(nil)
)
