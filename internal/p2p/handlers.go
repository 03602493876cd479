package p2p

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
)

// Handler serves order book and P2P deal HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new P2P handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up P2P routes. The group must already require a
// caller id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/mine", h.ListMyOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/pause", h.PauseOrder)
	r.POST("/orders/:id/resume", h.ResumeOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)

	r.POST("/p2p/deals", h.StartDeal)
	r.GET("/p2p/deals", h.ListDeals)
	r.GET("/p2p/deals/:id", h.GetDeal)
	r.POST("/p2p/deals/:id/deposit", h.ConfirmDeposit)
	r.POST("/p2p/deals/:id/fiat-sent", h.MarkFiatSent)
	r.POST("/p2p/deals/:id/fiat-received", h.ConfirmFiatReceived)
	r.POST("/p2p/deals/:id/cancel", h.CancelDeal)
}

type pinRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// CreateOrder handles POST /v1/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	o, err := h.service.CreateOrder(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders?side=sell.
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := h.service.ListOrders(c.Request.Context(), Side(c.Query("side")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ListMyOrders handles GET /v1/orders/mine.
func (h *Handler) ListMyOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := h.service.ListMyOrders(c.Request.Context(), auth.CallerID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// PauseOrder handles POST /v1/orders/:id/pause.
func (h *Handler) PauseOrder(c *gin.Context) {
	h.respondOrder(c, h.service.PauseOrder)
}

// ResumeOrder handles POST /v1/orders/:id/resume.
func (h *Handler) ResumeOrder(c *gin.Context) {
	h.respondOrder(c, h.service.ResumeOrder)
}

// CancelOrder handles POST /v1/orders/:id/cancel.
func (h *Handler) CancelOrder(c *gin.Context) {
	h.respondOrder(c, h.service.CancelOrder)
}

// StartDeal handles POST /v1/p2p/deals.
func (h *Handler) StartDeal(c *gin.Context) {
	var req StartDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.StartDeal(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// ListDeals handles GET /v1/p2p/deals.
func (h *Handler) ListDeals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListDeals(c.Request.Context(), auth.CallerID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": list, "count": len(list)})
}

// GetDeal handles GET /v1/p2p/deals/:id.
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.GetDeal(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ConfirmDeposit handles POST /v1/p2p/deals/:id/deposit.
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.ConfirmDeposit(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.PIN)
	h.respondDeal(c, d, err)
}

// MarkFiatSent handles POST /v1/p2p/deals/:id/fiat-sent.
func (h *Handler) MarkFiatSent(c *gin.Context) {
	d, err := h.service.MarkFiatSent(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	h.respondDeal(c, d, err)
}

// ConfirmFiatReceived handles POST /v1/p2p/deals/:id/fiat-received.
func (h *Handler) ConfirmFiatReceived(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.ConfirmFiatReceived(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.PIN)
	h.respondDeal(c, d, err)
}

// CancelDeal handles POST /v1/p2p/deals/:id/cancel.
func (h *Handler) CancelDeal(c *gin.Context) {
	d, err := h.service.CancelDeal(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	h.respondDeal(c, d, err)
}

func (h *Handler) respondOrder(c *gin.Context, fn func(ctx context.Context, makerID, id string) (*Order, error)) {
	o, err := fn(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) respondDeal(c *gin.Context, d *Deal, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("p2p request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
