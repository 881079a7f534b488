package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hirelane/hirelane/internal/identity"
)

// Handler exposes the moderation trail.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:listingId/audit", identity.RequireAdmin(), h.record)
	r.GET("/listings/:listingId/audit", h.history)
}

func (h *Handler) record(c *gin.Context) {
	var req struct {
		Action         string            `json:"action" binding:"required"`
		RecordID       string            `json:"recordId"`
		PreviousStatus string            `json:"previousStatus"`
		NewStatus      string            `json:"newStatus"`
		ReasonCategory string            `json:"reasonCategory"`
		Note           string            `json:"note"`
		Metadata       map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	event, err := h.service.Record(c.Request.Context(), Decision{
		ListingID:      c.Param("listingId"),
		RecordID:       req.RecordID,
		ActorID:        identity.UserID(c),
		ActorRole:      identity.Role(c),
		Action:         req.Action,
		PreviousStatus: req.PreviousStatus,
		NewStatus:      req.NewStatus,
		ReasonCategory: req.ReasonCategory,
		Note:           req.Note,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidAction) || errors.Is(err, ErrInvalidReason) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record decision"})
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (h *Handler) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.service.History(c.Request.Context(), c.Param("listingId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
