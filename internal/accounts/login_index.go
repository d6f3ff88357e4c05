package accounts

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
)

// PropertyUserID holds the owning account identity on a login index row.
const PropertyUserID = "UserId"

// LoginIndexRecord maps a login to the identity of the account that owns it.
// Rows are partitioned by provider and keyed by provider key.
type LoginIndexRecord struct {
	Provider        string
	ProviderKey     string
	AccountIdentity string
}

// NewLoginIndexRecord builds the index record binding login to accountIdentity.
func NewLoginIndexRecord(login Login, accountIdentity string) (LoginIndexRecord, error) {
	if strings.TrimSpace(login.Provider) == "" || strings.TrimSpace(login.ProviderKey) == "" {
		return LoginIndexRecord{}, fmt.Errorf("%w: login provider and key are required", entities.ErrInvalidArgument)
	}
	if strings.TrimSpace(accountIdentity) == "" {
		return LoginIndexRecord{}, fmt.Errorf("%w: account identity is required", entities.ErrInvalidArgument)
	}
	return LoginIndexRecord{
		Provider:        login.Provider,
		ProviderKey:     login.ProviderKey,
		AccountIdentity: accountIdentity,
	}, nil
}

func loginIndexRecordFromRow(row tablestore.Row) LoginIndexRecord {
	owner, _ := row.Properties.String(PropertyUserID)
	return LoginIndexRecord{
		Provider:        row.PartitionKey,
		ProviderKey:     row.RowKey,
		AccountIdentity: owner,
	}
}

// Login returns the login the record indexes.
func (r LoginIndexRecord) Login() Login {
	return Login{Provider: r.Provider, ProviderKey: r.ProviderKey}
}

func (r LoginIndexRecord) properties() tablestore.Properties {
	return tablestore.Properties{PropertyUserID: tablestore.StringValue(r.AccountIdentity)}
}

type providerLogins struct {
	provider string
	logins   []Login
}

// groupByProvider dedupes logins and groups them by provider, keeping first-seen order.
func groupByProvider(logins []Login) []providerLogins {
	var groups []providerLogins
	positions := map[string]int{}
	seen := map[string]struct{}{}
	for _, login := range logins {
		if _, duplicate := seen[login.key()]; duplicate {
			continue
		}
		seen[login.key()] = struct{}{}
		position, ok := positions[login.Provider]
		if !ok {
			position = len(groups)
			positions[login.Provider] = position
			groups = append(groups, providerLogins{provider: login.Provider})
		}
		groups[position].logins = append(groups[position].logins, login)
	}
	return groups
}
