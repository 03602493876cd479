package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
)

// Handler serves reconciliation admin endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdminRoutes sets up routes on a group guarded by RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Report)
	r.POST("/reconciliation/apply", h.Apply)
}

// Report handles GET /v1/admin/reconciliation.
func (h *Handler) Report(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

type applyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Apply handles POST /v1/admin/reconciliation/apply.
func (h *Handler) Apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	report, err := h.service.Apply(c.Request.Context(), auth.CallerID(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("reconciliation failed", "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
