package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/requestdata"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
)

type GraphHandler struct {
	svc services.GraphService
}

func NewGraphHandler(svc services.GraphService) *GraphHandler {
	return &GraphHandler{svc: svc}
}

// GET /api/collections/:id/graph
func (h *GraphHandler) GetGraph(c *gin.Context) {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	includeOrphaned, _ := strconv.ParseBool(c.Query("include_orphaned"))

	graph, err := h.svc.GetGraph(c.Request.Context(), collectionID, includeOrphaned)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, graph)
}

type insertEdgeRequest struct {
	ConceptID      string `json:"concept_id" binding:"required"`
	PrerequisiteID string `json:"prerequisite_id" binding:"required"`
	Strength       string `json:"strength"`
	Reason         string `json:"reason"`
}

// POST /api/edges
func (h *GraphHandler) InsertEdge(c *gin.Context) {
	var req insertEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	conceptID, err := uuid.Parse(req.ConceptID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	prereqID, err := uuid.Parse(req.PrerequisiteID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}

	edge, err := h.svc.InsertEdge(c.Request.Context(), services.InsertEdgeInput{
		ConceptID:      conceptID,
		PrerequisiteID: prereqID,
		Strength:       req.Strength,
		Reason:         req.Reason,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"edge": edge})
}

// GET /api/collections/:id/unlocked
func (h *GraphHandler) UnlockedConcepts(c *gin.Context) {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.LearnerID == uuid.Nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}

	list, err := h.svc.UnlockedConcepts(c.Request.Context(), rd.LearnerID, collectionID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"concepts": list})
}
