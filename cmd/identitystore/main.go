package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/MarcoPoloResearchLab/identitystore/internal/auth"
	"github.com/MarcoPoloResearchLab/identitystore/internal/config"
	"github.com/MarcoPoloResearchLab/identitystore/internal/database"
	"github.com/MarcoPoloResearchLab/identitystore/internal/logging"
	"github.com/MarcoPoloResearchLab/identitystore/internal/roles"
	"github.com/MarcoPoloResearchLab/identitystore/internal/server"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "identitystore",
		Short: "Account and role store with an admin API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the schema, apply migrations and create the entity tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Subject recorded in the admin token")

	rootCmd.AddCommand(serveCmd, initCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("table-prefix", defaults.GetString("tables.prefix"), "Prefix prepended to every table name")
	cmd.PersistentFlags().String("login-index-policy", defaults.GetString("accounts.login_index_policy"), "Login index policy (sync, retain)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("admin.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().Int("scan-page-size", defaults.GetInt("storage.scan_page_size"), "Rows fetched per scan page")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tables.prefix", "table-prefix")
	bindFlag(cmd, "accounts.login_index_policy", "login-index-policy")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "storage.scan_page_size", "scan-page-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type stores struct {
	accounts *accounts.Store
	roles    *roles.Store
	close    func() error
}

func openStores(appConfig config.AppConfig, logger *zap.Logger) (stores, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return stores{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return stores{}, err
	}
	built, err := buildStores(db, appConfig, logger)
	if err != nil {
		sqlDB.Close()
		return stores{}, err
	}
	built.close = sqlDB.Close
	return built, nil
}

func buildStores(db *gorm.DB, appConfig config.AppConfig, logger *zap.Logger) (stores, error) {
	client, err := tablestore.NewSQLClient(tablestore.ClientConfig{
		Database: db,
		Clock:    time.Now,
		PageSize: appConfig.ScanPageSize,
		Logger:   logger,
	})
	if err != nil {
		return stores{}, err
	}
	accountStore, err := accounts.NewStore(accounts.StoreConfig{
		Client:           client,
		TablePrefix:      appConfig.TablePrefix,
		AccountsTable:    appConfig.AccountsTable,
		LoginsTable:      appConfig.LoginsTable,
		LoginIndexPolicy: appConfig.LoginIndexPolicy,
		Logger:           logger,
	})
	if err != nil {
		return stores{}, err
	}
	roleStore, err := roles.NewStore(roles.StoreConfig{
		Client:      client,
		TablePrefix: appConfig.TablePrefix,
		Table:       appConfig.RolesTable,
		Logger:      logger,
	})
	if err != nil {
		return stores{}, err
	}
	return stores{accounts: accountStore, roles: roleStore}, nil
}

func ensureTables(ctx context.Context, built stores) error {
	if err := built.accounts.EnsureTables(ctx); err != nil {
		return err
	}
	return built.roles.EnsureTable(ctx)
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireAdminSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		TokenTTL:      appConfig.AdminTokenTTL,
	})
}

func runInit(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	built, err := openStores(appConfig, logger)
	if err != nil {
		return err
	}
	defer built.close()

	if err := ensureTables(ctx, built); err != nil {
		return err
	}
	logger.Info("tables ready",
		zap.String("database", appConfig.DatabasePath),
		zap.String("prefix", appConfig.TablePrefix))
	return nil
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(tokenSubject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	built, err := openStores(appConfig, logger)
	if err != nil {
		return err
	}
	defer built.close()

	if err := ensureTables(ctx, built); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: built.accounts,
		Roles:    built.roles,
		Tokens:   issuer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("login_index_policy", string(appConfig.LoginIndexPolicy)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
