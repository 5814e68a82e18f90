package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
)

type ReviewHandler struct {
	svc services.ReviewService
}

func NewReviewHandler(svc services.ReviewService) *ReviewHandler {
	return &ReviewHandler{svc: svc}
}

type recordReviewRequest struct {
	Score *float64 `json:"score" binding:"required"`
}

// POST /api/problems/:id/reviews
func (h *ReviewHandler) RecordReview(c *gin.Context) {
	problemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}
	var req recordReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}

	schedule, err := h.svc.RecordReview(c.Request.Context(), learnerID, problemID, *req.Score)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"schedule": schedule})
}

// GET /api/reviews/due
func (h *ReviewHandler) DueReviews(c *gin.Context) {
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}
	asOf := time.Now()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
			return
		}
		asOf = parsed
	}

	due, err := h.svc.DueReviews(c.Request.Context(), learnerID, asOf)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"due": due})
}

// GET /api/reviews
func (h *ReviewHandler) ListSchedules(c *gin.Context) {
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}
	schedules, err := h.svc.ListSchedules(c.Request.Context(), learnerID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"schedules": schedules})
}
