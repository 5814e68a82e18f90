package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/requestdata"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
)

var errMissingLearner = errors.New("learner identity is required")

type PracticeHandler struct {
	practice services.PracticeService
	mastery  services.MasteryService
}

func NewPracticeHandler(practice services.PracticeService, mastery services.MasteryService) *PracticeHandler {
	return &PracticeHandler{practice: practice, mastery: mastery}
}

func learnerFrom(c *gin.Context) (uuid.UUID, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.LearnerID == uuid.Nil {
		return uuid.Nil, false
	}
	return rd.LearnerID, true
}

type generateProblemsRequest struct {
	Difficulty string `json:"difficulty"`
	Count      int    `json:"count"`
}

// POST /api/concepts/:id/problems
func (h *PracticeHandler) GenerateProblems(c *gin.Context) {
	conceptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	// Body is optional; absent fields fall back to the defaults.
	var req generateProblemsRequest
	_ = c.ShouldBindJSON(&req)

	problems, err := h.practice.GenerateProblems(c.Request.Context(), conceptID, req.Difficulty, req.Count)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"problems": problems})
}

// GET /api/concepts/:id/problems
func (h *PracticeHandler) ListProblems(c *gin.Context) {
	conceptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	problems, err := h.practice.ListProblems(c.Request.Context(), conceptID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"problems": problems})
}

type gradeRequest struct {
	Submission     string `json:"submission" binding:"required"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// POST /api/problems/:id/attempts
func (h *PracticeHandler) SubmitAttempt(c *gin.Context) {
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
	var req gradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}

	result, err := h.practice.Grade(c.Request.Context(), services.GradeInput{
		LearnerID:      learnerID,
		ProblemID:      problemID,
		Submission:     req.Submission,
		ElapsedSeconds: req.ElapsedSeconds,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GET /api/concepts/:id/mastery
func (h *PracticeHandler) GetMastery(c *gin.Context) {
	conceptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}
	status, err := h.mastery.GetMastery(c.Request.Context(), learnerID, conceptID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"mastery": status})
}

// GET /api/concepts/:id/attempts
func (h *PracticeHandler) AttemptHistory(c *gin.Context) {
	conceptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, err)
		return
	}
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}
	attempts, err := h.mastery.AttemptHistory(c.Request.Context(), learnerID, conceptID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"attempts": attempts})
}
