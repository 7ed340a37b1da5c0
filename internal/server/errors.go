package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/migration"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByKind = map[users.ErrorKind]int{
	users.KindHandleTaken:               http.StatusConflict,
	users.KindBatchAlreadyExists:        http.StatusConflict,
	users.KindMigrationAlreadyCompleted: http.StatusConflict,
	users.KindProviderAlreadyLinked:     http.StatusConflict,
	users.KindInvalidCredentials:        http.StatusUnauthorized,
	users.KindUnauthenticated:           http.StatusUnauthorized,
	users.KindInvalidBackupCode:         http.StatusForbidden,
	users.KindInvalidHandle:             http.StatusBadRequest,
	users.KindInvalidAction:             http.StatusBadRequest,
	users.KindIdentityNotFound:          http.StatusNotFound,
	users.KindStoreUnavailable:          http.StatusServiceUnavailable,
}

// writeError maps a failure to a stable {"error": code} body. Causes are logged, never returned.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("error_code", code),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		h.logger.Info("request rejected", fields...)
	default:
		h.logger.Debug("request rejected", fields...)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	if kind := users.KindOf(err); kind != "" {
		if status, ok := statusByKind[kind]; ok {
			return status, string(kind)
		}
	}
	switch {
	case errors.Is(err, migration.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, migration.ErrInvalidProviderRef):
		return http.StatusBadRequest, "invalid_provider_ref"
	case errors.Is(err, migration.ErrProviderRejected):
		return http.StatusUnauthorized, "provider_credential_rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
