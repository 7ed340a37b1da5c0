package server

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/auth"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/backupcodes"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/gate"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "switchtrack_identity"

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingCallerResolver  = errors.New("caller resolver dependency required")
	errMissingTokenIssuer     = errors.New("session token issuer dependency required")
	errMissingBackupCodes     = errors.New("backup code manager dependency required")
	errMissingMigrations      = errors.New("migration coordinator dependency required")
	errMissingGate            = errors.New("sensitive action gate dependency required")
)

// IdentityService creates anonymous identities and authenticates them.
type IdentityService interface {
	CreateAnonymous(ctx context.Context, handle string) (users.Identity, string, error)
	CheckHandleAvailable(ctx context.Context, handle string) (bool, error)
	LoginWithSecretKey(ctx context.Context, handle, secretKey string) (users.Identity, error)
	SuggestHandle(ctx context.Context) (string, error)
}

// CallerResolver maps an authenticated request to its identity.
type CallerResolver interface {
	Resolve(r *http.Request) (users.Identity, error)
}

// SessionTokenIssuer mints session tokens after login, registration and migration.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, subject auth.SessionSubject) (string, int64, error)
}

// BackupCodeManager manages the single backup code batch of an identity.
type BackupCodeManager interface {
	GenerateBatch(ctx context.Context, identityID string) ([]string, error)
	Verify(ctx context.Context, identityID, code string, action backupcodes.Action) error
	Status(ctx context.Context, identityID string) (backupcodes.Summary, error)
}

// MigrationCoordinator upgrades anonymous identities through a provider credential.
type MigrationCoordinator interface {
	MigrateWithProvider(ctx context.Context, identityID, provider, credential string) (users.Identity, error)
}

// SensitiveActionGate runs export and deletion behind a backup code.
type SensitiveActionGate interface {
	ExportData(ctx context.Context, identityID, backupCode string) (gate.ExportFile, error)
	DeleteAccount(ctx context.Context, identityID, backupCode string) error
}

type Dependencies struct {
	Identities     IdentityService
	Callers        CallerResolver
	Tokens         SessionTokenIssuer
	BackupCodes    BackupCodeManager
	Migrations     MigrationCoordinator
	Gate           SensitiveActionGate
	CookieName     string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Identities == nil:
		return nil, errMissingIdentityService
	case deps.Callers == nil:
		return nil, errMissingCallerResolver
	case deps.Tokens == nil:
		return nil, errMissingTokenIssuer
	case deps.BackupCodes == nil:
		return nil, errMissingBackupCodes
	case deps.Migrations == nil:
		return nil, errMissingMigrations
	case deps.Gate == nil:
		return nil, errMissingGate
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		identities:  deps.Identities,
		callers:     deps.Callers,
		tokens:      deps.Tokens,
		backupCodes: deps.BackupCodes,
		migrations:  deps.Migrations,
		gate:        deps.Gate,
		cookieName:  strings.TrimSpace(deps.CookieName),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/identities/anonymous", handler.handleRegisterAnonymous)
	router.POST("/sessions/secret-key", handler.handleSecretKeyLogin)
	router.GET("/handles/suggestion", handler.handleSuggestHandle)
	router.GET("/handles/:handle/availability", handler.handleHandleAvailability)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/backup-codes", handler.handleGenerateBackupCodes)
	protected.GET("/backup-codes", handler.handleBackupCodeStatus)
	protected.POST("/backup-codes/verify", handler.handleVerifyBackupCode)
	protected.POST("/migrations", handler.handleMigrate)
	protected.POST("/exports", handler.handleExport)
	protected.DELETE("/account", handler.handleDeleteAccount)

	return router, nil
}

// corsMiddleware allows credentialed (cookie) requests only from configured origins. Without a
// list any origin may call the API, but only with a bearer token.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(startedAt)),
		)
	}
}

type httpHandler struct {
	identities  IdentityService
	callers     CallerResolver
	tokens      SessionTokenIssuer
	backupCodes BackupCodeManager
	migrations  MigrationCoordinator
	gate        SensitiveActionGate
	cookieName  string
	logger      *zap.Logger
}

type identityPayload struct {
	ID                  string     `json:"id"`
	Handle              string     `json:"handle"`
	Kind                string     `json:"kind"`
	Role                string     `json:"role"`
	Points              int64      `json:"points"`
	Level               int64      `json:"level"`
	SwitchCount         int64      `json:"switch_count"`
	BackupCodesIssued   bool       `json:"backup_codes_issued"`
	ExternalProviderRef string     `json:"external_provider_ref,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastAuthAt          time.Time  `json:"last_auth_at"`
	RegisteredAt        *time.Time `json:"registered_at,omitempty"`
}

func newIdentityPayload(identity users.Identity) identityPayload {
	progress := identity.Progress()
	return identityPayload{
		ID:                  identity.ID,
		Handle:              identity.Handle,
		Kind:                string(identity.Kind),
		Role:                string(identity.Role),
		Points:              progress.Points,
		Level:               progress.Level,
		SwitchCount:         progress.SwitchCount,
		BackupCodesIssued:   identity.BackupCodesIssuedAt != nil,
		ExternalProviderRef: identity.ProviderRef(),
		CreatedAt:           identity.CreatedAt,
		LastAuthAt:          identity.LastAuthAt,
		RegisteredAt:        identity.RegisteredAt,
	}
}

type registerRequestPayload struct {
	Handle string `json:"handle"`
}

type loginRequestPayload struct {
	Handle    string `json:"handle"`
	SecretKey string `json:"secret_key"`
}

type sessionResponsePayload struct {
	Identity    identityPayload `json:"identity"`
	SecretKey   string          `json:"secret_key,omitempty"`
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	TokenType   string          `json:"token_type"`
}

type availabilityResponsePayload struct {
	Handle    string `json:"handle"`
	Available bool   `json:"available"`
}

type backupCodesResponsePayload struct {
	Codes []string `json:"codes"`
}

type verifyCodeRequestPayload struct {
	Code   string `json:"code"`
	Action string `json:"action"`
}

type migrateRequestPayload struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
}

type sensitiveActionRequestPayload struct {
	BackupCode string `json:"backup_code"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegisterAnonymous(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, secretKey, err := h.identities.CreateAnonymous(c.Request.Context(), request.Handle)
	if err != nil {
		h.writeError(c, "register_anonymous", err)
		return
	}
	h.respondWithSession(c, http.StatusCreated, identity, secretKey)
}

func (h *httpHandler) handleSecretKeyLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.identities.LoginWithSecretKey(c.Request.Context(), request.Handle, request.SecretKey)
	if err != nil {
		h.writeError(c, "login_secret_key", err)
		return
	}
	h.respondWithSession(c, http.StatusOK, identity, "")
}

func (h *httpHandler) handleHandleAvailability(c *gin.Context) {
	handle := c.Param("handle")
	available, err := h.identities.CheckHandleAvailable(c.Request.Context(), handle)
	if err != nil {
		h.writeError(c, "check_handle", err)
		return
	}
	c.JSON(http.StatusOK, availabilityResponsePayload{Handle: handle, Available: available})
}

func (h *httpHandler) handleSuggestHandle(c *gin.Context) {
	handle, err := h.identities.SuggestHandle(c.Request.Context())
	if err != nil {
		h.writeError(c, "suggest_handle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": newIdentityPayload(identity)})
}

func (h *httpHandler) handleGenerateBackupCodes(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	codes, err := h.backupCodes.GenerateBatch(c.Request.Context(), identity.ID)
	if err != nil {
		h.writeError(c, "generate_backup_codes", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, backupCodesResponsePayload{Codes: codes})
}

func (h *httpHandler) handleBackupCodeStatus(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	summary, err := h.backupCodes.Status(c.Request.Context(), identity.ID)
	if err != nil {
		h.writeError(c, "backup_code_status", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleVerifyBackupCode(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	var request verifyCodeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := backupcodes.ParseAction(request.Action)
	if err != nil {
		h.writeError(c, "verify_backup_code", err)
		return
	}
	if err := h.backupCodes.Verify(c.Request.Context(), identity.ID, request.Code, action); err != nil {
		h.writeError(c, "verify_backup_code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": string(action)})
}

func (h *httpHandler) handleMigrate(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	var request migrateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	provider := request.Provider
	if strings.TrimSpace(provider) == "" {
		provider = auth.GoogleProvider
	}

	migrated, err := h.migrations.MigrateWithProvider(c.Request.Context(), identity.ID, provider, request.IDToken)
	if err != nil {
		h.writeError(c, "migrate", err)
		return
	}
	h.respondWithSession(c, http.StatusOK, migrated, "")
}

func (h *httpHandler) handleExport(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	var request sensitiveActionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	file, err := h.gate.ExportData(c.Request.Context(), identity.ID, request.BackupCode)
	if err != nil {
		h.writeError(c, "export_data", err)
		return
	}
	c.Header("Content-Disposition", attachmentDisposition(file.FileName))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Body)
}

// attachmentDisposition renders a Content-Disposition value; non-ASCII names use RFC 2231 filename*.
func attachmentDisposition(fileName string) string {
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": fileName}); disposition != "" {
		return disposition
	}
	return "attachment"
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	identity, ok := callerIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	var request sensitiveActionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.gate.DeleteAccount(c.Request.Context(), identity.ID, request.BackupCode); err != nil {
		h.writeError(c, "delete_account", err)
		return
	}
	h.clearSessionCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondWithSession(c *gin.Context, status int, identity users.Identity, secretKey string) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionSubject{
		IdentityID: identity.ID,
		Kind:       string(identity.Kind),
		Role:       string(identity.Role),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("identity_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if h.cookieName != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	}
	if secretKey != "" {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(status, sessionResponsePayload{
		Identity:    newIdentityPayload(identity),
		SecretKey:   secretKey,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) clearSessionCookie(c *gin.Context) {
	if h.cookieName == "" {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", c.Request.TLS != nil, true)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.callers.Resolve(c.Request)
	if err != nil {
		if users.KindOf(err) != users.KindUnauthenticated {
			h.writeError(c, "authorize", err)
			c.Abort()
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(users.KindUnauthenticated)})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func callerIdentity(c *gin.Context) (users.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return users.Identity{}, false
	}
	identity, ok := value.(users.Identity)
	return identity, ok && identity.ID != ""
}
