package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/models"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/utils"
)

// Business codes shared by the controllers.
const (
	codeValidation      = 40001
	codeMissingFile     = 40002
	codeInvalidToken    = 40101
	codeNotFound        = 40401
	codeTooLarge        = 41301
	codeUploadQuota     = 42901
	codeSessionCapacity = 50301
	codeServerBusy      = 50302
	codeInternal        = 50000
)

// writeError maps a core error to an HTTP status and business code. Expired
// and unknown shares share one message, as do all credential failures.
func writeError(ctx *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrPayloadTooLarge):
		utils.Error(ctx, http.StatusRequestEntityTooLarge, codeTooLarge, "file too large")
	case errors.Is(err, models.ErrValidation):
		utils.Error(ctx, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, models.ErrInvalidCredential):
		log.Info("token rejected", zap.Error(err), zap.String("client_ip", ctx.ClientIP()))
		utils.Error(ctx, http.StatusUnauthorized, codeInvalidToken, "invalid or expired token")
	case errors.Is(err, models.ErrNotFound):
		utils.Error(ctx, http.StatusNotFound, codeNotFound, "share not found or expired")
	case errors.Is(err, registry.ErrSessionCapacity):
		utils.Error(ctx, http.StatusServiceUnavailable, codeSessionCapacity, "too many active sessions, try again later")
	case errors.Is(err, models.ErrCapacityExhausted):
		utils.Error(ctx, http.StatusServiceUnavailable, codeServerBusy, "server busy, try again later")
	default:
		log.Error("unexpected error", zap.Error(err), zap.String("path", ctx.FullPath()))
		utils.Error(ctx, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
