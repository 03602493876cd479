package deals

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
)

// Handler serves dedicated deal HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up deal routes. The group must already require a
// caller id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.Create)
	r.GET("/deals", h.List)
	r.GET("/deals/:id", h.Get)
	r.GET("/deals/:id/fee", h.EstimateFee)
	r.POST("/deals/:id/accept", h.Accept)
	r.POST("/deals/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/deals/:id/fund", h.Fund)
	r.POST("/deals/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/deals/:id/complete", h.Complete)
	r.POST("/deals/:id/claim", h.ClaimCredentials)
	r.POST("/deals/:id/cancel", h.Cancel)
}

type pinRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// Create handles POST /v1/deals.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.Create(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// List handles GET /v1/deals.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.List(c.Request.Context(), auth.CallerID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": list, "count": len(list)})
}

// Get handles GET /v1/deals/:id.
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// EstimateFee handles GET /v1/deals/:id/fee.
func (h *Handler) EstimateFee(c *gin.Context) {
	fee, err := h.service.EstimateFee(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee": fee})
}

// Accept handles POST /v1/deals/:id/accept.
func (h *Handler) Accept(c *gin.Context) {
	h.respond(c, func() (*Deal, error) {
		return h.service.Accept(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	})
}

// ConfirmPayment handles POST /v1/deals/:id/confirm-payment.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.respond(c, func() (*Deal, error) {
		return h.service.ConfirmPayment(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	})
}

// Fund handles POST /v1/deals/:id/fund.
func (h *Handler) Fund(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.respond(c, func() (*Deal, error) {
		return h.service.Fund(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.PIN)
	})
}

// ConfirmReceipt handles POST /v1/deals/:id/confirm-receipt.
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	h.respond(c, func() (*Deal, error) {
		return h.service.ConfirmReceipt(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	})
}

// Complete handles POST /v1/deals/:id/complete.
func (h *Handler) Complete(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	creds, err := h.service.Complete(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.PIN)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// ClaimCredentials handles POST /v1/deals/:id/claim.
func (h *Handler) ClaimCredentials(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	creds, err := h.service.ClaimCredentials(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.PIN)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// Cancel handles POST /v1/deals/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	h.respond(c, func() (*Deal, error) {
		return h.service.Cancel(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	})
}

func (h *Handler) respond(c *gin.Context, fn func() (*Deal, error)) {
	d, err := fn()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("deal request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
