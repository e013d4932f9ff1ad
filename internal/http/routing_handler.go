package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

const maxDeadline = 30 * time.Second

// RouteService es lo que el handler necesita del router de escenarios.
type RouteService interface {
	Route(ctx context.Context, req service.RouteRequest) (domain.RoutingDecision, error)
	Invalidate(ctx context.Context, tenantID string) (uint64, error)
}

// RoutingHandler expone route() e invalidate() sobre HTTP.
type RoutingHandler struct {
	logger      *zap.Logger
	router      RouteService
	apologyText string
}

func NewRoutingHandler(logger *zap.Logger, router RouteService, apologyText string) *RoutingHandler {
	if strings.TrimSpace(apologyText) == "" {
		apologyText = "I'm sorry, I'm having trouble right now. One moment please."
	}
	return &RoutingHandler{logger: logger, router: router, apologyText: apologyText}
}

type routeRequest struct {
	TenantID    string               `json:"tenant_id" binding:"required"`
	Utterance   string               `json:"utterance"`
	Channel     string               `json:"channel" binding:"omitempty,oneof=voice sms chat any"`
	RecentTurns []domain.Turn        `json:"recent_turns"`
	Slots       map[string]string    `json:"slots"`
	RecentFires map[string]time.Time `json:"recent_fires"`
	DeadlineMs  int                  `json:"deadline_ms" binding:"gte=0"`
}

// Route maneja POST /v1/route.
func (h *RoutingHandler) Route(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid route request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	in := service.RouteRequest{
		TenantID:  req.TenantID,
		Utterance: req.Utterance,
		Context: domain.TurnContext{
			Channel:     domain.Channel(req.Channel),
			RecentTurns: req.RecentTurns,
			Slots:       req.Slots,
			RecentFires: req.RecentFires,
		},
	}
	if req.DeadlineMs > 0 {
		d := time.Duration(req.DeadlineMs) * time.Millisecond
		if d > maxDeadline {
			d = maxDeadline
		}
		in.Deadline = time.Now().Add(d)
	}

	decision, err := h.router.Route(c.Request.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRouteRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		case errors.Is(err, domain.ErrStoreUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scenario store unavailable", "text": h.apologyText})
		default:
			h.logger.Error("route failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not route utterance", "text": h.apologyText})
		}
		return
	}

	c.JSON(http.StatusOK, decision)
}

// Invalidate maneja POST /v1/tenants/:tenantID/invalidate.
func (h *RoutingHandler) Invalidate(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantID"))
	claims, ok := GetAdminClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	if !claims.AllowsTenant(tenantID) {
		h.logger.Warn("invalidate denied for tenant",
			zap.String("tenant_id", tenantID),
			zap.String("subject", claims.Subject),
		)
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant not allowed"})
		return
	}

	version, err := h.router.Invalidate(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRouteRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant"})
			return
		}
		h.logger.Error("invalidate failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not invalidate pool"})
		return
	}

	h.logger.Info("tenant pool invalidated",
		zap.String("tenant_id", tenantID),
		zap.String("subject", claims.Subject),
		zap.Uint64("pool_version", version),
	)
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "pool_version": version})
}

// Healthz maneja GET /healthz.
func (h *RoutingHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
