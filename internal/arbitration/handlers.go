package arbitration

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
)

// Handler serves arbitration HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new arbitration handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up arbitration routes. The group must already
// require a caller id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/arbitrations", h.Request)
	r.GET("/arbitrations", h.ListMine)
	r.GET("/arbitrations/queue", h.ListQueue)
	r.GET("/arbitrations/:id", h.Get)
	r.POST("/arbitrations/:id/assign", h.Assign)
	r.POST("/arbitrations/:id/resolve", h.Resolve)
	r.POST("/arbitrations/:id/cancel", h.Cancel)
}

// Request handles POST /v1/arbitrations.
func (h *Handler) Request(c *gin.Context) {
	var req RequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.service.Request(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitration": a})
}

// ListMine handles GET /v1/arbitrations and, with dealKind and dealId,
// the dispute history of one deal.
func (h *Handler) ListMine(c *gin.Context) {
	var (
		list []*Arbitration
		err  error
	)
	if dealID := c.Query("dealId"); dealID != "" {
		list, err = h.service.ListForDeal(c.Request.Context(), auth.CallerID(c), c.Query("dealKind"), dealID)
	} else {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		list, err = h.service.ListMine(c.Request.Context(), auth.CallerID(c), limit)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrations": list, "count": len(list)})
}

// ListQueue handles GET /v1/arbitrations/queue?status=pending.
func (h *Handler) ListQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListQueue(c.Request.Context(), auth.CallerID(c), Status(c.Query("status")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrations": list, "count": len(list)})
}

// Get handles GET /v1/arbitrations/:id.
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	h.respond(c, a, err)
}

// Assign handles POST /v1/arbitrations/:id/assign.
func (h *Handler) Assign(c *gin.Context) {
	var req AssignRequest
	// An empty body assigns the caller.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	a, err := h.service.Assign(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.ArbitratorID)
	h.respond(c, a, err)
}

// Resolve handles POST /v1/arbitrations/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.service.Resolve(c.Request.Context(), auth.CallerID(c), c.Param("id"), req)
	h.respond(c, a, err)
}

// Cancel handles POST /v1/arbitrations/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	a, err := h.service.Cancel(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	h.respond(c, a, err)
}

func (h *Handler) respond(c *gin.Context, a *Arbitration, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitration": a})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("arbitration request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
