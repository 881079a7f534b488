package credits

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hirelane/hirelane/internal/identity"
	"github.com/hirelane/hirelane/internal/payments"
)

// Handler exposes credits routes.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/:userId", h.get)
	r.GET("/credits/:userId/history", h.history)
	r.POST("/credits/:userId/recharge", h.recharge)
	r.POST("/credits/:userId/signup-bonus", h.signupBonus)
	r.POST("/credits/:userId/subscription", h.subscribe)
	r.POST("/credits/:userId/consume/quote", h.consumeQuote)
	r.POST("/credits/:userId/consume/listing", h.consumeListing)
}

func (h *Handler) authorize(c *gin.Context) (string, bool) {
	userID := c.Param("userId")
	if userID != identity.UserID(c) && !identity.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not your credits account",
		})
		return "", false
	}
	return userID, true
}

func (h *Handler) get(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	sum, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load credits"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) history(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []*LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) recharge(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		Credits        int64  `json:"credits" binding:"required"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	entry, replayed, err := h.service.Recharge(c.Request.Context(), userID, req.Credits, req.IdempotencyKey)
	if err != nil {
		var gerr *payments.GatewayError
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.As(err, &gerr):
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_error", "message": "charge failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "recharge failed"})
		}
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"entry": entry, "replayed": replayed})
}

func (h *Handler) signupBonus(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	entry, err := h.service.GrantSignupBonus(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "bonus grant failed"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"granted": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"granted": true, "entry": entry})
}

func (h *Handler) subscribe(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	sub, err := h.service.Subscribe(c.Request.Context(), userID, req.Plan)
	if err != nil {
		if errors.Is(err, ErrUnknownPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "subscription failed"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) consumeQuote(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		Category string `json:"category" binding:"required"`
		QuoteID  string `json:"quoteId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	entry, err := h.service.ConsumeForQuote(c.Request.Context(), userID, req.Category, req.QuoteID)
	if err != nil {
		h.consumeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (h *Handler) consumeListing(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		ListingID string `json:"listingId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	entry, err := h.service.ConsumeForListing(c.Request.Context(), userID, req.ListingID)
	if err != nil {
		h.consumeError(c, err)
		return
	}
	// entry is nil when the listing came out of the subscription quota.
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "fromQuota": entry == nil})
}

func (h *Handler) consumeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_credits", "message": "not enough credits"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "consumption failed"})
	}
}
