package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hirelane/hirelane/internal/identity"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/validation"
)

// Handler exposes wallet routes.
type Handler struct {
	service         *Service
	defaultCurrency string
}

func NewHandler(service *Service, defaultCurrency string) *Handler {
	return &Handler{service: service, defaultCurrency: defaultCurrency}
}

// RegisterRoutes mounts wallet endpoints. Providers may only read their own
// wallet; admins may read any.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:providerId", h.getWallet)
	r.GET("/wallets/:providerId/history", h.getHistory)
	r.POST("/wallets/:providerId/withdrawals", h.withdraw)
	r.POST("/admin/wallets/reconcile", identity.RequireAdmin(), h.reconcile)
}

func (h *Handler) authorize(c *gin.Context) (string, bool) {
	providerID := c.Param("providerId")
	if providerID != identity.UserID(c) && !identity.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not your wallet",
		})
		return "", false
	}
	return providerID, true
}

func (h *Handler) currency(c *gin.Context) string {
	if cur := c.Query("currency"); cur != "" {
		return cur
	}
	return h.defaultCurrency
}

func (h *Handler) getWallet(c *gin.Context) {
	providerID, ok := h.authorize(c)
	if !ok {
		return
	}
	w, err := h.service.Get(c.Request.Context(), providerID, h.currency(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) getHistory(c *gin.Context) {
	providerID, ok := h.authorize(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), providerID, h.currency(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) withdraw(c *gin.Context) {
	providerID, ok := h.authorize(c)
	if !ok {
		return
	}
	var req struct {
		Amount             string `json:"amount" binding:"required"`
		Currency           string `json:"currency"`
		DestinationAccount string `json:"destinationAccount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	req.Currency = validation.SanitizeCurrency(req.Currency)
	if verrs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.Required("destinationAccount", req.DestinationAccount),
		validation.MaxLength("destinationAccount", req.DestinationAccount, 128),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verrs.Error()})
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}

	entry, err := h.service.Withdraw(c.Request.Context(), providerID, currency, req.Amount, req.DestinationAccount)
	if err != nil {
		var gerr *payments.GatewayError
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": "wallet balance too low"})
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet not found"})
		case errors.As(err, &gerr):
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_error", "message": "payout failed, funds returned"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "withdrawal failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) reconcile(c *gin.Context) {
	drifts, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
		return
	}
	if drifts == nil {
		drifts = []Drift{}
	}
	c.JSON(http.StatusOK, gin.H{"drifts": drifts, "count": len(drifts)})
}
