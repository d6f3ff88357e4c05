package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/MarcoPoloResearchLab/identitystore/internal/roles"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type claimPayload struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	ValueType string `json:"value_type,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

type loginPayload struct {
	Provider    string `json:"provider"`
	ProviderKey string `json:"provider_key"`
}

type accountPayload struct {
	ID                   string         `json:"id"`
	Email                string         `json:"email"`
	Partition            string         `json:"partition"`
	Version              string         `json:"version"`
	IsActive             bool           `json:"is_active"`
	EmailConfirmed       bool           `json:"email_confirmed"`
	PhoneNumber          string         `json:"phone_number"`
	PhoneNumberConfirmed bool           `json:"phone_number_confirmed"`
	TwoFactorEnabled     bool           `json:"two_factor_enabled"`
	HasPassword          bool           `json:"has_password"`
	LockoutEnabled       bool           `json:"lockout_enabled"`
	LockoutEndUTC        *time.Time     `json:"lockout_end_utc,omitempty"`
	AccessFailedCount    int            `json:"access_failed_count"`
	Roles                []string       `json:"roles"`
	Claims               []claimPayload `json:"claims"`
	Logins               []loginPayload `json:"logins"`
}

type createAccountRequest struct {
	Email        string         `json:"email"`
	IsActive     bool           `json:"is_active"`
	PasswordHash *string        `json:"password_hash"`
	PhoneNumber  string         `json:"phone_number"`
	Roles        []string       `json:"roles"`
	Claims       []claimPayload `json:"claims"`
	Logins       []loginPayload `json:"logins"`
}

type renameRequest struct {
	Email string `json:"email"`
}

type roleRequest struct {
	Name string `json:"name"`
}

type rolePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Partition string `json:"partition"`
	IsActive  bool   `json:"is_active"`
}

func newAccountPayload(account *accounts.Account) accountPayload {
	payload := accountPayload{
		ID:                   account.Identity(),
		Email:                account.Email(),
		Partition:            account.PartitionID(),
		Version:              account.VersionTag(),
		IsActive:             account.IsActive,
		EmailConfirmed:       account.EmailConfirmed,
		PhoneNumber:          account.PhoneNumber,
		PhoneNumberConfirmed: account.PhoneNumberConfirmed,
		TwoFactorEnabled:     account.TwoFactorEnabled,
		HasPassword:          account.HasPassword(),
		LockoutEnabled:       account.LockoutEnabled(),
		AccessFailedCount:    account.AccessFailedCount(),
		Roles:                append([]string{}, account.Roles()...),
		Claims:               []claimPayload{},
		Logins:               []loginPayload{},
	}
	if end, ok := account.LockoutEnd(); ok {
		payload.LockoutEndUTC = &end
	}
	for _, claim := range account.Claims() {
		payload.Claims = append(payload.Claims, claimPayload{
			Type:      claim.Type,
			Value:     claim.Value,
			ValueType: claim.ValueType,
			Issuer:    claim.Issuer,
		})
	}
	for _, login := range account.Logins() {
		payload.Logins = append(payload.Logins, loginPayload{Provider: login.Provider, ProviderKey: login.ProviderKey})
	}
	return payload
}

func newRolePayload(role *roles.Role) rolePayload {
	return rolePayload{
		ID:        role.Identity(),
		Name:      role.Name(),
		Partition: role.PartitionID(),
		IsActive:  role.IsActive,
	}
}

func (h *httpHandler) handleListAccounts(c *gin.Context) {
	response := []accountPayload{}
	for account, err := range h.accounts.All(c.Request.Context()) {
		if err != nil {
			h.respondError(c, "list accounts", err)
			return
		}
		response = append(response, newAccountPayload(account))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateAccount(c *gin.Context) {
	var request createAccountRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := accounts.NewAccount(request.Email)
	if err != nil {
		h.respondError(c, "create account", err)
		return
	}
	account.IsActive = request.IsActive
	account.PasswordHash = request.PasswordHash
	account.PhoneNumber = request.PhoneNumber
	account.RotateSecurityStamp()
	for _, role := range request.Roles {
		if err := account.AddToRole(role); err != nil {
			h.respondError(c, "create account", err)
			return
		}
	}
	for _, claim := range request.Claims {
		value := accounts.NewClaim(claim.Type, claim.Value)
		if claim.ValueType != "" {
			value.ValueType = claim.ValueType
		}
		if claim.Issuer != "" {
			value.Issuer = claim.Issuer
			value.OriginalIssuer = claim.Issuer
		}
		if err := account.AddClaim(value); err != nil {
			h.respondError(c, "create account", err)
			return
		}
	}
	for _, login := range request.Logins {
		if err := account.AddLogin(login.Provider, login.ProviderKey); err != nil {
			h.respondError(c, "create account", err)
			return
		}
	}
	if err := h.accounts.Create(c.Request.Context(), account); err != nil {
		h.respondError(c, "create account", err)
		return
	}
	h.logger.Info("account created",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("identity", account.Identity()))
	c.JSON(http.StatusCreated, newAccountPayload(account))
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	account, ok := h.loadAccount(c, "get account")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	account, ok := h.loadAccount(c, "delete account")
	if !ok {
		return
	}
	if err := h.accounts.Delete(c.Request.Context(), account); err != nil {
		h.respondError(c, "delete account", err)
		return
	}
	h.logger.Info("account deleted",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("identity", account.Identity()))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRenameAccount(c *gin.Context) {
	var request renameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, ok := h.loadAccount(c, "rename account")
	if !ok {
		return
	}
	if _, err := account.SetEmail(request.Email); err != nil {
		h.respondError(c, "rename account", err)
		return
	}
	account.RotateSecurityStamp()
	h.saveAccount(c, "rename account", account)
}

func (h *httpHandler) handleAddLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, ok := h.loadAccount(c, "add login")
	if !ok {
		return
	}
	if err := account.AddLogin(request.Provider, request.ProviderKey); err != nil {
		h.respondError(c, "add login", err)
		return
	}
	h.saveAccount(c, "add login", account)
}

func (h *httpHandler) handleRemoveLogin(c *gin.Context) {
	account, ok := h.loadAccount(c, "remove login")
	if !ok {
		return
	}
	if account.RemoveLogin(c.Param("provider"), c.Param("key")) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "login_not_found"})
		return
	}
	h.saveAccount(c, "remove login", account)
}

func (h *httpHandler) handleAddRole(c *gin.Context) {
	var request roleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, ok := h.loadAccount(c, "add role")
	if !ok {
		return
	}
	if account.IsInRole(request.Name) {
		c.JSON(http.StatusOK, newAccountPayload(account))
		return
	}
	if err := account.AddToRole(request.Name); err != nil {
		h.respondError(c, "add role", err)
		return
	}
	h.saveAccount(c, "add role", account)
}

func (h *httpHandler) handleFindByLogin(c *gin.Context) {
	account, found, err := h.accounts.FindByLogin(c.Request.Context(), c.Param("provider"), c.Param("key"))
	if err != nil {
		h.respondError(c, "find by login", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) handleListRoles(c *gin.Context) {
	response := []rolePayload{}
	for role, err := range h.roles.All(c.Request.Context()) {
		if err != nil {
			h.respondError(c, "list roles", err)
			return
		}
		response = append(response, newRolePayload(role))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateRole(c *gin.Context) {
	var request roleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := roles.NewRole(request.Name)
	if err != nil {
		h.respondError(c, "create role", err)
		return
	}
	role.IsActive = true
	if err := h.roles.Create(c.Request.Context(), role); err != nil {
		h.respondError(c, "create role", err)
		return
	}
	c.JSON(http.StatusCreated, newRolePayload(role))
}

func (h *httpHandler) handleDeleteRole(c *gin.Context) {
	role, found, err := h.roles.FindByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, "delete role", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := h.roles.Delete(c.Request.Context(), role); err != nil {
		h.respondError(c, "delete role", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) loadAccount(c *gin.Context, action string) (*accounts.Account, bool) {
	account, found, err := h.accounts.FindByEmail(c.Request.Context(), c.Param("email"))
	if err != nil {
		h.respondError(c, action, err)
		return nil, false
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return nil, false
	}
	return account, true
}

func (h *httpHandler) saveAccount(c *gin.Context, action string, account *accounts.Account) {
	if err := h.accounts.Update(c.Request.Context(), account); err != nil {
		h.respondError(c, action, err)
		return
	}
	h.logger.Info("account updated",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("action", action),
		zap.String("identity", account.Identity()))
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	status := statusForError(err)
	code := "internal_error"
	var storeErr *entities.StoreError
	if errors.As(err, &storeErr) {
		code = storeErr.Code()
	} else if status == http.StatusBadRequest {
		code = "invalid_argument"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", zap.String("action", action), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, entities.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, entities.ErrEntityExists):
		return http.StatusConflict
	case errors.Is(err, entities.ErrConcurrencyConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, entities.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
