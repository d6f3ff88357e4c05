package accounts

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/identitystore/internal/codec"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
)

// Account row properties.
const (
	PropertyPasswordHash         = "PasswordHash"
	PropertySecurityStamp        = "SecurityStamp"
	PropertyPhoneNumber          = "PhoneNumber"
	PropertyPhoneNumberConfirmed = "PhoneNumberConfirmed"
	PropertyEmailConfirmed       = "EmailConfirmed"
	PropertyTwoFactorEnabled     = "TwoFactorEnabled"
	PropertyLockoutEnabled       = "LockoutEnabled"
	PropertyLockoutEndDateUtc    = "LockoutEndDateUtc"
	PropertyAccessFailedCount    = "AccessFailedCount"
	PropertyClaims               = "Claims"
	PropertyRoles                = "Roles"
	PropertyLogins               = "Logins"

	// LegacyPropertyLogins is the name older rows store logins under.
	LegacyPropertyLogins = "_logins"
)

type rowCodec struct {
	claims codec.Codec[Claim]
	roles  codec.Codec[string]
	logins codec.Codec[Login]
}

func newRowCodec() rowCodec {
	return rowCodec{
		claims: codec.NewJSON[Claim](),
		roles:  codec.NewJSON[string](),
		logins: codec.NewJSON[Login](),
	}
}

func (rowCodec) New() *Account {
	return &Account{}
}

func (c rowCodec) WriteRow(account *Account) (tablestore.Properties, error) {
	properties := tablestore.Properties{
		PropertyPhoneNumber:          tablestore.StringValue(account.PhoneNumber),
		PropertyPhoneNumberConfirmed: tablestore.BoolValue(account.PhoneNumberConfirmed),
		PropertyEmailConfirmed:       tablestore.BoolValue(account.EmailConfirmed),
		PropertyTwoFactorEnabled:     tablestore.BoolValue(account.TwoFactorEnabled),
		PropertyLockoutEnabled:       tablestore.BoolValue(account.lockoutEnabled),
		PropertyAccessFailedCount:    tablestore.Int64Value(int64(account.accessFailedCount)),
	}
	if account.PasswordHash != nil {
		properties[PropertyPasswordHash] = tablestore.StringValue(*account.PasswordHash)
	}
	if account.SecurityStamp != nil {
		properties[PropertySecurityStamp] = tablestore.StringValue(*account.SecurityStamp)
	}
	if account.lockoutEndUTC != nil {
		properties[PropertyLockoutEndDateUtc] = tablestore.TimeValue(*account.lockoutEndUTC)
	}

	claims, err := c.claims.Encode(account.claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropertyClaims, err)
	}
	roles, err := c.roles.Encode(account.roles)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropertyRoles, err)
	}
	logins, err := c.logins.Encode(account.logins)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PropertyLogins, err)
	}
	properties[PropertyClaims] = tablestore.StringValue(claims)
	properties[PropertyRoles] = tablestore.StringValue(roles)
	properties[PropertyLogins] = tablestore.StringValue(logins)
	return properties, nil
}

// ReadRow appends the stored collections to those already on account.
func (c rowCodec) ReadRow(properties tablestore.Properties, account *Account) error {
	account.PasswordHash = properties.StringPtr(PropertyPasswordHash)
	account.SecurityStamp = properties.StringPtr(PropertySecurityStamp)
	account.PhoneNumber, _ = properties.String(PropertyPhoneNumber)

	var err error
	if account.PhoneNumberConfirmed, err = properties.Bool(PropertyPhoneNumberConfirmed); err != nil {
		return err
	}
	if account.EmailConfirmed, err = properties.Bool(PropertyEmailConfirmed); err != nil {
		return err
	}
	if account.TwoFactorEnabled, err = properties.Bool(PropertyTwoFactorEnabled); err != nil {
		return err
	}
	if account.lockoutEnabled, err = properties.Bool(PropertyLockoutEnabled); err != nil {
		return err
	}
	failed, err := properties.Int64(PropertyAccessFailedCount)
	if err != nil {
		return err
	}
	if failed < 0 {
		return fmt.Errorf("property %s: negative value %d", PropertyAccessFailedCount, failed)
	}
	account.accessFailedCount = int(failed)

	lockoutEnd, ok, err := properties.Time(PropertyLockoutEndDateUtc)
	if err != nil {
		return err
	}
	account.lockoutEndUTC = nil
	if ok {
		account.lockoutEndUTC = &lockoutEnd
	}

	claims, _, err := c.claims.Decode(properties.StringPtr(PropertyClaims))
	if err != nil {
		return fmt.Errorf("%s: %w", PropertyClaims, err)
	}
	roles, _, err := c.roles.Decode(properties.StringPtr(PropertyRoles))
	if err != nil {
		return fmt.Errorf("%s: %w", PropertyRoles, err)
	}
	loginsBlob := properties.StringPtr(PropertyLogins)
	if loginsBlob == nil {
		loginsBlob = properties.StringPtr(LegacyPropertyLogins)
	}
	logins, _, err := c.logins.Decode(loginsBlob)
	if err != nil {
		return fmt.Errorf("%s: %w", PropertyLogins, err)
	}

	account.claims = append(account.claims, claims...)
	account.roles = append(account.roles, roles...)
	account.logins = append(account.logins, logins...)
	account.originalLogins = append(account.originalLogins, logins...)
	return nil
}
