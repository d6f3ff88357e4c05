package config

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "AspNet", cfg.TablePrefix)
	assert.Equal(t, "Users", cfg.AccountsTable)
	assert.Equal(t, "Roles", cfg.RolesTable)
	assert.Equal(t, "Logins", cfg.LoginsTable)
	assert.Equal(t, accounts.LoginIndexSync, cfg.LoginIndexPolicy)
	assert.Equal(t, time.Hour, cfg.AdminTokenTTL)
	assert.Equal(t, 100, cfg.ScanPageSize)
	assert.Error(t, cfg.RequireAdminSecret())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("IDENTITYSTORE_TABLES_PREFIX", "Blue")
	t.Setenv("IDENTITYSTORE_ACCOUNTS_LOGIN_INDEX_POLICY", "retain")
	t.Setenv("IDENTITYSTORE_ADMIN_SIGNING_SECRET", "secret")
	t.Setenv("IDENTITYSTORE_ADMIN_TOKEN_TTL_MINUTES", "5")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "Blue", cfg.TablePrefix)
	assert.Equal(t, accounts.LoginIndexRetain, cfg.LoginIndexPolicy)
	assert.Equal(t, 5*time.Minute, cfg.AdminTokenTTL)
	assert.NoError(t, cfg.RequireAdminSecret())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"policy":     {"accounts.login_index_policy", "purge"},
		"database":   {"database.path", " "},
		"page size":  {"storage.scan_page_size", "0"},
		"same table": {"tables.logins", "Users"},
	}
	for name, override := range cases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(override[0], override[1])
			_, err := Load(configViper)
			assert.Error(t, err)
		})
	}
}
