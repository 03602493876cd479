package settlement

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
)

// Handler serves the admin settlement endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdminRoutes sets up admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/settlements", h.ListUnresolved)
	r.GET("/settlements/:key", h.Get)
	r.POST("/settlements/:key/resolve", h.Resolve)
}

// ListUnresolved handles GET /v1/admin/settlements.
func (h *Handler) ListUnresolved(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.service.ListUnresolved(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": records, "count": len(records)})
}

// Get handles GET /v1/admin/settlements/:key.
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": r})
}

type resolveRequest struct {
	TxHash string `json:"txHash"`
	Detail string `json:"detail" binding:"required"`
}

// Resolve handles POST /v1/admin/settlements/:key/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r, err := h.service.Resolve(c.Request.Context(), c.Param("key"), req.TxHash, req.Detail)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": r})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("settlement request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
