// Package accounts stores user accounts and maintains the login index that
// maps external logins to account identities.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	"go.uber.org/zap"
)

const (
	opStoreNew    = "accounts.store.new"
	opEnsure      = "accounts.ensure_login_table"
	opCreate      = "accounts.create"
	opUpdate      = "accounts.update"
	opDelete      = "accounts.delete"
	opFindByLogin = "accounts.find_by_login"

	// DefaultAccountsTable and DefaultLoginsTable are appended to the table prefix.
	DefaultAccountsTable = "Users"
	DefaultLoginsTable   = "Logins"
)

// ErrLoginExists indicates a login is already indexed for another account.
var ErrLoginExists = fmt.Errorf("accounts: login is registered to another account: %w", entities.ErrEntityExists)

var (
	errMissingClient = errors.New("accounts: table client is required")
	noOpLogger       = zap.NewNop()
)

// LoginIndexPolicy selects how index rows are maintained when logins are
// dropped, accounts are renamed, or accounts are deleted.
type LoginIndexPolicy string

const (
	// LoginIndexSync removes or re-points index rows the account owns.
	LoginIndexSync LoginIndexPolicy = "sync"
	// LoginIndexRetain only ever adds index rows. Deleting an account rewrites
	// the rows of its stored logins and leaves them in place.
	LoginIndexRetain LoginIndexPolicy = "retain"
)

// ParseLoginIndexPolicy parses a policy name; empty selects LoginIndexSync.
func ParseLoginIndexPolicy(value string) (LoginIndexPolicy, error) {
	switch LoginIndexPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", LoginIndexSync:
		return LoginIndexSync, nil
	case LoginIndexRetain:
		return LoginIndexRetain, nil
	default:
		return "", fmt.Errorf("unknown login index policy %q", value)
	}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Client           tablestore.Client
	TablePrefix      string
	AccountsTable    string
	LoginsTable      string
	LoginIndexPolicy LoginIndexPolicy
	Logger           *zap.Logger
}

// Store persists accounts and their login index. Multi-row operations are not
// atomic: a failure part way leaves the rows written so far in place.
type Store struct {
	accounts *entities.Store[*Account]
	logins   tablestore.Table
	policy   LoginIndexPolicy
	logger   *zap.Logger

	loginsMu    sync.Mutex
	loginsReady bool
}

// NewStore validates cfg and constructs a store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, entities.NewStoreError(opStoreNew, "missing_client", errMissingClient)
	}
	policy, err := ParseLoginIndexPolicy(string(cfg.LoginIndexPolicy))
	if err != nil {
		return nil, entities.NewStoreError(opStoreNew, "invalid_policy", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	accountsTable := cfg.AccountsTable
	if accountsTable == "" {
		accountsTable = DefaultAccountsTable
	}
	loginsTable := cfg.LoginsTable
	if loginsTable == "" {
		loginsTable = DefaultLoginsTable
	}
	accounts, err := entities.NewStore(entities.StoreConfig[*Account]{
		Client:    cfg.Client,
		TableName: cfg.TablePrefix + accountsTable,
		Codec:     newRowCodec(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		accounts: accounts,
		logins:   cfg.Client.Table(cfg.TablePrefix + loginsTable),
		policy:   policy,
		logger:   logger,
	}, nil
}

// Policy returns the login index policy in effect.
func (s *Store) Policy() LoginIndexPolicy {
	return s.policy
}

// EnsureTables creates the account and login index tables if missing.
func (s *Store) EnsureTables(ctx context.Context) error {
	if err := s.accounts.EnsureTable(ctx); err != nil {
		return err
	}
	return s.ensureLoginTable(ctx)
}

// All lazily scans every account.
func (s *Store) All(ctx context.Context) iter.Seq2[*Account, error] {
	return s.accounts.All(ctx)
}

// FindByID loads the account stored under identity.
func (s *Store) FindByID(ctx context.Context, identity string) (*Account, bool, error) {
	return s.accounts.FindByID(ctx, identity)
}

// FindByName loads the account with the given name.
func (s *Store) FindByName(ctx context.Context, name string) (*Account, bool, error) {
	return s.accounts.FindByName(ctx, name)
}

// FindByEmail loads the account with the given email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*Account, bool, error) {
	return s.accounts.FindByName(ctx, email)
}

// Create stores a new account and indexes all of its logins, one batch per provider.
func (s *Store) Create(ctx context.Context, account *Account) error {
	if err := checkProviderGroups(opCreate, account.Logins()); err != nil {
		return err
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return err
	}
	if err := s.ensureLoginTable(ctx); err != nil {
		return err
	}
	if err := s.indexLogins(ctx, opCreate, account.Identity(), account.Logins()); err != nil {
		return err
	}
	account.CommitLogins()
	return nil
}

// Update persists account and indexes the logins added since it was loaded.
// Under LoginIndexSync it also removes index rows for dropped logins and
// re-points retained logins after a rename.
func (s *Store) Update(ctx context.Context, account *Account) error {
	renamed := account.Renamed()
	previousIdentity := account.OriginalIdentity()
	if err := checkProviderGroups(opUpdate, account.Logins()); err != nil {
		return err
	}
	if err := s.accounts.Update(ctx, account); err != nil {
		return err
	}
	if err := s.ensureLoginTable(ctx); err != nil {
		return err
	}
	if err := s.indexLogins(ctx, opUpdate, account.Identity(), account.PendingLogins()); err != nil {
		return err
	}
	if s.policy == LoginIndexSync {
		if err := s.unindexLogins(ctx, opUpdate, []string{previousIdentity, account.Identity()}, account.droppedLogins()); err != nil {
			return err
		}
		if renamed {
			if err := s.repointLogins(ctx, opUpdate, previousIdentity, account.Identity(), account.retainedLogins()); err != nil {
				return err
			}
		}
	}
	account.CommitLogins()
	return nil
}

// Delete removes the account row. Index handling follows the store policy and
// happens before the account row is removed.
func (s *Store) Delete(ctx context.Context, account *Account) error {
	if err := s.ensureLoginTable(ctx); err != nil {
		return err
	}
	owner := account.OriginalIdentity()
	switch s.policy {
	case LoginIndexRetain:
		if err := s.retainLogins(ctx, opDelete, owner, account.originalLogins); err != nil {
			return err
		}
	default:
		known := append(account.Logins(), account.originalLogins...)
		if err := s.unindexLogins(ctx, opDelete, []string{owner}, known); err != nil {
			return err
		}
	}
	return s.accounts.Delete(ctx, account)
}

// FindByLogin resolves a login through the index. An index row whose account
// no longer exists reads as absent.
func (s *Store) FindByLogin(ctx context.Context, provider, providerKey string) (*Account, bool, error) {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(providerKey) == "" {
		return nil, false, entities.NewStoreError(opFindByLogin, "invalid_argument",
			fmt.Errorf("%w: login provider and key are required", entities.ErrInvalidArgument))
	}
	if err := s.ensureLoginTable(ctx); err != nil {
		return nil, false, err
	}
	row, found, err := s.logins.Get(ctx, provider, providerKey)
	if err != nil {
		s.logError(opFindByLogin, "get_failed", err, zap.String("provider", provider))
		return nil, false, entities.NewStoreError(opFindByLogin, "get_failed", err)
	}
	if !found {
		return nil, false, nil
	}
	record := loginIndexRecordFromRow(row)
	if record.AccountIdentity == "" {
		return nil, false, nil
	}
	return s.accounts.FindByID(ctx, record.AccountIdentity)
}

func (s *Store) ensureLoginTable(ctx context.Context) error {
	s.loginsMu.Lock()
	defer s.loginsMu.Unlock()
	if s.loginsReady {
		return nil
	}
	if err := s.logins.CreateIfNotExists(ctx); err != nil {
		s.logError(opEnsure, "create_table_failed", err)
		return entities.NewStoreError(opEnsure, "create_table_failed", err)
	}
	s.loginsReady = true
	return nil
}

// indexLogins inserts index rows owned by owner. Rows already owned by owner
// are left untouched; rows owned by another account fail with ErrLoginExists.
func (s *Store) indexLogins(ctx context.Context, operation, owner string, logins []Login) error {
	for _, group := range groupByProvider(logins) {
		operations, err := indexOperations(group, owner, tablestore.BatchInsert)
		if err != nil {
			return entities.NewStoreError(operation, "invalid_login", err)
		}
		if err := s.insertIndexBatch(ctx, operation, owner, group.provider, operations); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertIndexBatch(ctx context.Context, operation, owner, provider string, operations []tablestore.BatchOperation) error {
	remaining := operations
	for attempt := 0; len(remaining) > 0; attempt++ {
		err := s.logins.ExecuteBatch(ctx, provider, remaining)
		if err == nil {
			return nil
		}
		var batchErr *tablestore.BatchError
		if !errors.As(err, &batchErr) || !errors.Is(err, tablestore.ErrConflict) || attempt > len(operations) {
			s.logError(operation, "index_failed", err, zap.String("provider", provider))
			return entities.NewStoreError(operation, "index_failed", err)
		}
		conflicting := remaining[batchErr.Index]
		row, found, getErr := s.logins.Get(ctx, provider, conflicting.RowKey)
		if getErr != nil {
			s.logError(operation, "index_failed", getErr, zap.String("provider", provider))
			return entities.NewStoreError(operation, "index_failed", getErr)
		}
		if !found {
			continue
		}
		current := loginIndexRecordFromRow(row).AccountIdentity
		if current == owner {
			next := make([]tablestore.BatchOperation, 0, len(remaining)-1)
			next = append(next, remaining[:batchErr.Index]...)
			remaining = append(next, remaining[batchErr.Index+1:]...)
			continue
		}
		live, err := s.accountExists(ctx, current)
		if err != nil {
			s.logError(operation, "index_failed", err, zap.String("provider", provider))
			return entities.NewStoreError(operation, "index_failed", err)
		}
		if live {
			return entities.NewStoreError(operation, "login_exists",
				fmt.Errorf("%w: %s/%s", ErrLoginExists, provider, conflicting.RowKey))
		}
		// The row belongs to an account that no longer exists; take it over.
		next := append([]tablestore.BatchOperation(nil), remaining...)
		next[batchErr.Index] = tablestore.BatchOperation{
			Kind:       tablestore.BatchReplace,
			RowKey:     conflicting.RowKey,
			Properties: conflicting.Properties,
			ETag:       row.ETag,
		}
		remaining = next
	}
	return nil
}

func (s *Store) accountExists(ctx context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, nil
	}
	_, found, err := s.accounts.FindByID(ctx, identity)
	return found, err
}

// retainLogins writes index rows for logins that are missing or still owned by
// owner. Rows owned by another account are left untouched.
func (s *Store) retainLogins(ctx context.Context, operation, owner string, logins []Login) error {
	return s.rewriteIndex(ctx, operation, []string{owner}, logins, func(login Login, row *tablestore.Row) (tablestore.BatchOperation, error) {
		record, err := NewLoginIndexRecord(login, owner)
		if err != nil {
			return tablestore.BatchOperation{}, err
		}
		if row == nil {
			return tablestore.BatchOperation{Kind: tablestore.BatchInsert, RowKey: record.ProviderKey, Properties: record.properties()}, nil
		}
		return tablestore.BatchOperation{Kind: tablestore.BatchReplace, RowKey: row.RowKey, Properties: record.properties(), ETag: row.ETag}, nil
	})
}

// unindexLogins deletes the index rows of logins still owned by one of owners.
func (s *Store) unindexLogins(ctx context.Context, operation string, owners []string, logins []Login) error {
	return s.rewriteOwned(ctx, operation, owners, logins, func(row tablestore.Row) tablestore.BatchOperation {
		return tablestore.BatchOperation{Kind: tablestore.BatchDelete, RowKey: row.RowKey, ETag: row.ETag}
	})
}

// repointLogins moves index rows owned by from to the identity to.
func (s *Store) repointLogins(ctx context.Context, operation, from, to string, logins []Login) error {
	if from == "" || from == to {
		return nil
	}
	return s.rewriteOwned(ctx, operation, []string{from}, logins, func(row tablestore.Row) tablestore.BatchOperation {
		record := loginIndexRecordFromRow(row)
		record.AccountIdentity = to
		return tablestore.BatchOperation{
			Kind:       tablestore.BatchReplace,
			RowKey:     row.RowKey,
			Properties: record.properties(),
			ETag:       row.ETag,
		}
	})
}

// rewriteOwned reads the index rows of logins and applies build to those owned
// by one of owners. Each row is written under the version tag it was read with.
func (s *Store) rewriteOwned(ctx context.Context, operation string, owners []string, logins []Login, build func(tablestore.Row) tablestore.BatchOperation) error {
	return s.rewriteIndex(ctx, operation, owners, logins, func(_ Login, row *tablestore.Row) (tablestore.BatchOperation, error) {
		if row == nil {
			return tablestore.BatchOperation{}, nil
		}
		return build(*row), nil
	})
}

// rewriteIndex reads the index row of each login and passes it to build when
// it is missing (nil row) or owned by one of owners. Rows owned by any other
// account are skipped. An operation with an empty row key is dropped.
func (s *Store) rewriteIndex(ctx context.Context, operation string, owners []string, logins []Login, build func(Login, *tablestore.Row) (tablestore.BatchOperation, error)) error {
	owned := make(map[string]struct{}, len(owners))
	for _, owner := range owners {
		if owner != "" {
			owned[owner] = struct{}{}
		}
	}
	for _, group := range groupByProvider(logins) {
		var operations []tablestore.BatchOperation
		for _, login := range group.logins {
			row, found, err := s.logins.Get(ctx, group.provider, login.ProviderKey)
			if err != nil {
				s.logError(operation, "index_read_failed", err, zap.String("provider", group.provider))
				return entities.NewStoreError(operation, "index_read_failed", err)
			}
			var current *tablestore.Row
			if found {
				if _, ok := owned[loginIndexRecordFromRow(row).AccountIdentity]; !ok {
					continue
				}
				current = &row
			}
			op, err := build(login, current)
			if err != nil {
				return entities.NewStoreError(operation, "invalid_login", err)
			}
			if op.RowKey == "" {
				continue
			}
			operations = append(operations, op)
		}
		if err := s.executeBatch(ctx, operation, group.provider, operations); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) executeBatch(ctx context.Context, operation, provider string, operations []tablestore.BatchOperation) error {
	err := s.logins.ExecuteBatch(ctx, provider, operations)
	if errors.Is(err, tablestore.ErrPreconditionFailed) || errors.Is(err, tablestore.ErrNotFound) || errors.Is(err, tablestore.ErrConflict) {
		return entities.NewStoreError(operation, "index_conflict",
			fmt.Errorf("%w: login index for %s changed concurrently: %v", entities.ErrConcurrencyConflict, provider, err))
	}
	if err != nil {
		s.logError(operation, "index_failed", err, zap.String("provider", provider))
		return entities.NewStoreError(operation, "index_failed", err)
	}
	return nil
}

// checkProviderGroups rejects logins that cannot be indexed in one atomic
// batch per provider.
func checkProviderGroups(operation string, logins []Login) error {
	for _, group := range groupByProvider(logins) {
		if len(group.logins) > tablestore.MaxBatchOperations {
			return entities.NewStoreError(operation, "too_many_logins",
				fmt.Errorf("%w: %d logins for provider %q: %w",
					entities.ErrInvalidArgument, len(group.logins), group.provider, tablestore.ErrBatchTooLarge))
		}
	}
	return nil
}

func indexOperations(group providerLogins, owner string, kind tablestore.BatchKind) ([]tablestore.BatchOperation, error) {
	operations := make([]tablestore.BatchOperation, 0, len(group.logins))
	for _, login := range group.logins {
		record, err := NewLoginIndexRecord(login, owner)
		if err != nil {
			return nil, err
		}
		operations = append(operations, tablestore.BatchOperation{
			Kind:       kind,
			RowKey:     record.ProviderKey,
			Properties: record.properties(),
		})
	}
	return operations, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fields...)
	}
	s.logger.Error("account store operation failed", attrs...)
}
