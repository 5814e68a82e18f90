package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
)

type RetentionHandler struct {
	svc services.RetentionService
}

func NewRetentionHandler(svc services.RetentionService) *RetentionHandler {
	return &RetentionHandler{svc: svc}
}

// GET /api/collections/:id/retention
func (h *RetentionHandler) CognitiveStrength(c *gin.Context) {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}

	report, err := h.svc.CognitiveStrength(c.Request.Context(), learnerID, collectionID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, report)
}
