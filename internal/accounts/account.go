package accounts

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/google/uuid"
)

// Claim defaults applied by NewClaim.
const (
	DefaultClaimValueType = "http://www.w3.org/2001/XMLSchema#string"
	DefaultClaimIssuer    = "LOCAL AUTHORITY"
)

// Claim is a statement about an account.
type Claim struct {
	Type           string `json:"Type"`
	Value          string `json:"Value"`
	ValueType      string `json:"ValueType"`
	Issuer         string `json:"Issuer"`
	OriginalIssuer string `json:"OriginalIssuer"`
}

// NewClaim builds a locally issued string claim.
func NewClaim(claimType, value string) Claim {
	return Claim{
		Type:           claimType,
		Value:          value,
		ValueType:      DefaultClaimValueType,
		Issuer:         DefaultClaimIssuer,
		OriginalIssuer: DefaultClaimIssuer,
	}
}

// Login binds an account to an external provider's subject.
type Login struct {
	Provider    string `json:"LoginProvider"`
	ProviderKey string `json:"ProviderKey"`
}

func (l Login) key() string {
	return l.Provider + "\x00" + l.ProviderKey
}

// Account is the stored user aggregate. The email is the entity name.
// Collection mutators only change memory; Store.Update persists them.
type Account struct {
	entities.Entity

	PasswordHash         *string
	SecurityStamp        *string
	PhoneNumber          string
	PhoneNumberConfirmed bool
	EmailConfirmed       bool
	TwoFactorEnabled     bool

	lockoutEnabled    bool
	lockoutEndUTC     *time.Time
	accessFailedCount int

	roles          []string
	claims         []Claim
	logins         []Login
	originalLogins []Login
}

// NewAccount constructs an unsaved account for email.
func NewAccount(email string) (*Account, error) {
	entity, err := entities.NewEntity(email)
	if err != nil {
		return nil, err
	}
	return &Account{Entity: entity}, nil
}

// Email returns the account name.
func (a *Account) Email() string {
	return a.Name()
}

// SetEmail renames the account and returns the previous identity.
func (a *Account) SetEmail(email string) (string, error) {
	return a.Rename(email)
}

// HasPassword reports whether a password hash is set.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// SecurityStampOrEmpty returns the security stamp, or "" when unset.
func (a *Account) SecurityStampOrEmpty() string {
	if a.SecurityStamp == nil {
		return ""
	}
	return *a.SecurityStamp
}

// RotateSecurityStamp replaces the security stamp with a fresh random value.
func (a *Account) RotateSecurityStamp() string {
	stamp := uuid.NewString()
	a.SecurityStamp = &stamp
	return stamp
}

// Claims returns a copy of the claims in insertion order.
func (a *Account) Claims() []Claim {
	return append([]Claim(nil), a.claims...)
}

// AddClaim appends claim.
func (a *Account) AddClaim(claim Claim) error {
	if strings.TrimSpace(claim.Type) == "" {
		return fmt.Errorf("%w: claim type is required", entities.ErrInvalidArgument)
	}
	a.claims = append(a.claims, claim)
	return nil
}

// RemoveClaim removes every claim with the given type and value and returns
// how many were removed.
func (a *Account) RemoveClaim(claimType, value string) int {
	kept := a.claims[:0]
	removed := 0
	for _, claim := range a.claims {
		if claim.Type == claimType && claim.Value == value {
			removed++
			continue
		}
		kept = append(kept, claim)
	}
	a.claims = kept
	return removed
}

// Logins returns a copy of the logins in insertion order.
func (a *Account) Logins() []Login {
	return append([]Login(nil), a.logins...)
}

// AddLogin appends an external login.
func (a *Account) AddLogin(provider, providerKey string) error {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(providerKey) == "" {
		return fmt.Errorf("%w: login provider and key are required", entities.ErrInvalidArgument)
	}
	a.logins = append(a.logins, Login{Provider: provider, ProviderKey: providerKey})
	return nil
}

// RemoveLogin removes every matching login and returns how many were removed.
func (a *Account) RemoveLogin(provider, providerKey string) int {
	target := Login{Provider: provider, ProviderKey: providerKey}.key()
	kept := a.logins[:0]
	removed := 0
	for _, login := range a.logins {
		if login.key() == target {
			removed++
			continue
		}
		kept = append(kept, login)
	}
	a.logins = kept
	return removed
}

// PendingLogins returns the logins added since the last commit.
func (a *Account) PendingLogins() []Login {
	return subtractLogins(a.logins, a.originalLogins)
}

// CommitLogins marks the current logins as indexed.
func (a *Account) CommitLogins() {
	a.originalLogins = append([]Login(nil), a.logins...)
}

func (a *Account) droppedLogins() []Login {
	return subtractLogins(a.originalLogins, a.logins)
}

func (a *Account) retainedLogins() []Login {
	return subtractLogins(a.originalLogins, a.droppedLogins())
}

// Roles returns a copy of the role names in insertion order.
func (a *Account) Roles() []string {
	return append([]string(nil), a.roles...)
}

// AddToRole appends a role membership. Duplicates are kept.
func (a *Account) AddToRole(roleName string) error {
	if strings.TrimSpace(roleName) == "" {
		return fmt.Errorf("%w: role name is required", entities.ErrInvalidArgument)
	}
	a.roles = append(a.roles, roleName)
	return nil
}

// RemoveFromRole removes every membership named exactly roleName.
func (a *Account) RemoveFromRole(roleName string) int {
	kept := a.roles[:0]
	removed := 0
	for _, role := range a.roles {
		if role == roleName {
			removed++
			continue
		}
		kept = append(kept, role)
	}
	a.roles = kept
	return removed
}

// IsInRole reports membership, ignoring case.
func (a *Account) IsInRole(roleName string) bool {
	for _, role := range a.roles {
		if strings.EqualFold(role, roleName) {
			return true
		}
	}
	return false
}

// AccessFailedCount returns the number of consecutive failed sign-ins.
func (a *Account) AccessFailedCount() int {
	return a.accessFailedCount
}

// IncrementAccessFailedCount records a failed sign-in and returns the new count.
func (a *Account) IncrementAccessFailedCount() int {
	a.accessFailedCount++
	return a.accessFailedCount
}

// ResetAccessFailedCount clears the failed sign-in counter.
func (a *Account) ResetAccessFailedCount() {
	a.accessFailedCount = 0
}

// LockoutEnabled reports whether the account can be locked out.
func (a *Account) LockoutEnabled() bool {
	return a.lockoutEnabled
}

// SetLockoutEnabled toggles lockout.
func (a *Account) SetLockoutEnabled(enabled bool) {
	a.lockoutEnabled = enabled
}

// LockoutEnd returns the end of the current lockout; ok is false when none is set.
func (a *Account) LockoutEnd() (time.Time, bool) {
	if a.lockoutEndUTC == nil {
		return time.Time{}, false
	}
	return *a.lockoutEndUTC, true
}

// SetLockoutEnd sets the lockout end. The zero time clears the lockout.
func (a *Account) SetLockoutEnd(end time.Time) {
	if end.IsZero() {
		a.lockoutEndUTC = nil
		return
	}
	utc := end.UTC()
	a.lockoutEndUTC = &utc
}

// subtractLogins returns the logins of from not present in remove, keeping order.
func subtractLogins(from, remove []Login) []Login {
	excluded := make(map[string]struct{}, len(remove))
	for _, login := range remove {
		excluded[login.key()] = struct{}{}
	}
	var result []Login
	for _, login := range from {
		if _, skip := excluded[login.key()]; skip {
			continue
		}
		result = append(result, login)
	}
	return result
}
