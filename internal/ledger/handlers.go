package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
)

// Handler serves ledger HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up caller-scoped routes. The group must already
// require a caller id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.Register)
	r.GET("/users/by-handle/:handle", h.Lookup)
	r.GET("/me", h.Me)
	r.GET("/me/balance", h.GetBalance)
	r.GET("/me/events", h.ListEvents)
	r.POST("/me/pin", h.ChangePIN)
}

// RegisterAdminRoutes sets up admin override routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/block", h.SetBlocked)
	r.POST("/users/:id/arbitrator", h.SetArbitrator)
	r.GET("/overrides", h.ListOverrides)
}

// Register handles POST /v1/users. The registered id is always the caller.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	req.ID = auth.CallerID(c)
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.ID != auth.CallerID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "users can only register themselves"})
		return
	}

	u, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

// Lookup handles GET /v1/users/by-handle/:handle.
func (h *Handler) Lookup(c *gin.Context) {
	u, err := h.service.GetByHandle(c.Request.Context(), c.Param("handle"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "handle": u.Handle, "walletAddress": u.WalletAddress})
}

// Me handles GET /v1/me.
func (h *Handler) Me(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), auth.CallerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// GetBalance handles GET /v1/me/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.service.Balance(c.Request.Context(), auth.CallerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListEvents handles GET /v1/me/events.
func (h *Handler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.service.Events(c.Request.Context(), auth.CallerID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

type changePINRequest struct {
	OldPIN string `json:"oldPin" binding:"required"`
	NewPIN string `json:"newPin" binding:"required"`
}

// ChangePIN handles POST /v1/me/pin.
func (h *Handler) ChangePIN(c *gin.Context) {
	var req changePINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.ChangePIN(c.Request.Context(), auth.CallerID(c), req.OldPIN, req.NewPIN); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pin_changed"})
}

type flagRequest struct {
	Value  bool   `json:"value"`
	Reason string `json:"reason" binding:"required"`
}

// SetBlocked handles POST /v1/admin/users/:id/block.
func (h *Handler) SetBlocked(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u, err := h.service.SetBlocked(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.Value, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// SetArbitrator handles POST /v1/admin/users/:id/arbitrator.
func (h *Handler) SetArbitrator(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u, err := h.service.SetArbitrator(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.Value, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// ListOverrides handles GET /v1/admin/overrides.
func (h *Handler) ListOverrides(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	overrides, err := h.service.Overrides(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides, "count": len(overrides)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
