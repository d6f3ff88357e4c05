package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/MarcoPoloResearchLab/identitystore/internal/roles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const operatorContextKey = "identitystore_operator"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingAccountStore   = errors.New("account store dependency required")
	errMissingRoleStore      = errors.New("role store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks an admin bearer token and returns its subject.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Dependencies are the collaborators of the admin API.
type Dependencies struct {
	Accounts *accounts.Store
	Roles    *roles.Store
	Tokens   TokenValidator
	Logger   *zap.Logger
}

// NewHTTPHandler builds the admin API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountStore
	}
	if deps.Roles == nil {
		return nil, errMissingRoleStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts: deps.Accounts,
		roles:    deps.Roles,
		tokens:   deps.Tokens,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.GET("/accounts", handler.handleListAccounts)
	admin.POST("/accounts", handler.handleCreateAccount)
	admin.GET("/accounts/:email", handler.handleGetAccount)
	admin.DELETE("/accounts/:email", handler.handleDeleteAccount)
	admin.POST("/accounts/:email/rename", handler.handleRenameAccount)
	admin.POST("/accounts/:email/logins", handler.handleAddLogin)
	admin.DELETE("/accounts/:email/logins/:provider/:key", handler.handleRemoveLogin)
	admin.POST("/accounts/:email/roles", handler.handleAddRole)
	admin.GET("/logins/:provider/:key", handler.handleFindByLogin)
	admin.GET("/roles", handler.handleListRoles)
	admin.POST("/roles", handler.handleCreateRole)
	admin.DELETE("/roles/:name", handler.handleDeleteRole)

	return router, nil
}

type httpHandler struct {
	accounts *accounts.Store
	roles    *roles.Store
	tokens   TokenValidator
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}
