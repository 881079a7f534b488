package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hirelane/hirelane/internal/identity"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/validation"
	"github.com/hirelane/hirelane/internal/verification"
)

// Handler exposes the order lifecycle over HTTP. Buyer-only and
// provider-only transitions enforce the caller's identity in the service.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.create)
	r.GET("/orders", h.list)

	// Malformed order IDs are rejected at the group boundary, before any
	// handler runs.
	g := r.Group("/orders/:orderId", validation.IDParamMiddleware("orderId"))
	g.GET("", h.get)
	g.POST("/confirm-deposit", h.confirmDeposit)
	g.POST("/cancel", h.cancel)
	g.POST("/provider-cancel", h.cancelByProvider)
	g.POST("/start", h.start)
	g.POST("/complete", h.submitCompletion)
	g.POST("/verify", h.verify)
	g.POST("/rework", h.rework)
	g.POST("/rate", h.rate)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	o, err := h.service.Create(c.Request.Context(), identity.UserID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := h.service.ListByUser(c.Request.Context(), identity.UserID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (h *Handler) get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("orderId"), identity.UserID(c), identity.IsAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) confirmDeposit(c *gin.Context) {
	// Normally driven by the gateway webhook; kept callable for demo mode
	// and manual recovery.
	o, err := h.service.ConfirmDeposit(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) cancel(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("orderId"), identity.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) cancelByProvider(c *gin.Context) {
	o, err := h.service.CancelByProvider(c.Request.Context(), c.Param("orderId"), identity.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) start(c *gin.Context) {
	o, err := h.service.Start(c.Request.Context(), c.Param("orderId"), identity.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) submitCompletion(c *gin.Context) {
	o, err := h.service.SubmitCompletion(c.Request.Context(), c.Param("orderId"), identity.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) verify(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	o, err := h.service.Verify(c.Request.Context(), c.Param("orderId"), identity.UserID(c), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) rework(c *gin.Context) {
	o, err := h.service.Rework(c.Request.Context(), c.Param("orderId"), identity.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) rate(c *gin.Context) {
	var req struct {
		Rating  int      `json:"rating" binding:"required"`
		Comment string   `json:"comment"`
		Photos  []string `json:"photos"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	o, err := h.service.Rate(c.Request.Context(), c.Param("orderId"), identity.UserID(c), req.Rating, req.Comment, req.Photos)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// respondError maps domain errors onto HTTP statuses. Every distinct
// verification failure keeps its own error code so clients can show the
// right remediation.
func respondError(c *gin.Context, err error) {
	var gerr *payments.GatewayError
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "order not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not allowed for this user"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "order changed, refetch and retry"})
	case errors.Is(err, verification.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code", "message": "verification code incorrect"})
	case errors.Is(err, verification.ErrExpiredCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "expired_code", "message": "verification code expired"})
	case errors.Is(err, verification.ErrAlreadyConsumed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_consumed", "message": "verification code already used"})
	case errors.As(err, &gerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_error", "message": "payment processor failed, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
	}
}
