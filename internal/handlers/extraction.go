package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/requestdata"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
)

type ExtractionHandler struct {
	svc services.ExtractionService
}

func NewExtractionHandler(svc services.ExtractionService) *ExtractionHandler {
	return &ExtractionHandler{svc: svc}
}

type extractRequest struct {
	CollectionID   string `json:"collection_id"`
	CollectionName string `json:"collection_name"`
	MaterialText   string `json:"material_text"`
	Force          bool   `json:"force"`
}

// POST /api/extractions
func (h *ExtractionHandler) Extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}

	in := services.ExtractGraphInput{
		CollectionName: req.CollectionName,
		MaterialText:   req.MaterialText,
		Force:          req.Force,
	}
	if req.CollectionID != "" {
		id, err := uuid.Parse(req.CollectionID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
			return
		}
		in.CollectionID = id
	}
	if rd := requestdata.GetRequestData(c.Request.Context()); rd != nil {
		in.LearnerID = rd.LearnerID
	}

	run, err := h.svc.Enqueue(c.Request.Context(), in)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

// GET /api/collections/:id/extractions/latest
func (h *ExtractionHandler) LatestRun(c *gin.Context) {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	run, err := h.svc.GetLatestRun(c.Request.Context(), collectionID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"run": run})
}

// GET /api/extractions/:id
func (h *ExtractionHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	run, err := h.svc.GetRun(c.Request.Context(), runID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"run": run})
}
