package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

// AdminHandler agrupa endpoints de la superficie de administracion que no son del router.
type AdminHandler struct {
	logger *zap.Logger
	tokens *service.AdminTokenService
}

func NewAdminHandler(logger *zap.Logger, tokens *service.AdminTokenService) *AdminHandler {
	return &AdminHandler{logger: logger, tokens: tokens}
}

// RevokeToken maneja POST /v1/admin/revoke: revoca el token con el que se llama.
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	claims, ok := GetAdminClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	if err := h.tokens.Revoke(claims); err != nil {
		h.logger.Warn("admin token revoke failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not revoke token"})
		return
	}
	h.logger.Info("admin token revoked", zap.String("subject", claims.Subject), zap.String("jti", claims.ID))
	c.Status(http.StatusNoContent)
}
