package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/MarcoPoloResearchLab/identitystore/internal/roles"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "IDENTITYSTORE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "identitystore.db"
	defaultLogLevel         = "info"
	defaultTablePrefix      = "AspNet"
	defaultTokenTTLMinutes  = 60
	defaultScanPageSize     = 100
	defaultLoginIndexPolicy = string(accounts.LoginIndexSync)
)

// AppConfig captures runtime configuration for the CLI and admin server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	TablePrefix        string
	AccountsTable      string
	RolesTable         string
	LoginsTable        string
	LoginIndexPolicy   accounts.LoginIndexPolicy
	AdminSigningSecret string
	AdminTokenTTL      time.Duration
	ScanPageSize       int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tables.prefix", defaultTablePrefix)
	configViper.SetDefault("tables.accounts", accounts.DefaultAccountsTable)
	configViper.SetDefault("tables.roles", roles.DefaultTable)
	configViper.SetDefault("tables.logins", accounts.DefaultLoginsTable)
	configViper.SetDefault("accounts.login_index_policy", defaultLoginIndexPolicy)
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.scan_page_size", defaultScanPageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy, err := accounts.ParseLoginIndexPolicy(configViper.GetString("accounts.login_index_policy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("accounts.login_index_policy: %w", err)
	}
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		TablePrefix:        configViper.GetString("tables.prefix"),
		AccountsTable:      configViper.GetString("tables.accounts"),
		RolesTable:         configViper.GetString("tables.roles"),
		LoginsTable:        configViper.GetString("tables.logins"),
		LoginIndexPolicy:   policy,
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		ScanPageSize:       configViper.GetInt("storage.scan_page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireAdminSecret reports an error when no admin signing secret is configured.
func (c AppConfig) RequireAdminSecret() error {
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AccountsTable) == "" {
		return fmt.Errorf("tables.accounts is required")
	}
	if strings.TrimSpace(c.RolesTable) == "" {
		return fmt.Errorf("tables.roles is required")
	}
	if strings.TrimSpace(c.LoginsTable) == "" {
		return fmt.Errorf("tables.logins is required")
	}
	if c.TablePrefix+c.AccountsTable == c.TablePrefix+c.LoginsTable {
		return fmt.Errorf("tables.accounts and tables.logins must differ")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.ScanPageSize <= 0 {
		return fmt.Errorf("storage.scan_page_size must be positive")
	}
	return nil
}
