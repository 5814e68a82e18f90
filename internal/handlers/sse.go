package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/sse"
)

type SSEHandler struct {
	hub *sse.SSEHub
}

func NewSSEHandler(hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// GET /sse/stream?channels=collection:<id>,...
//
// Every stream is subscribed to the learner's own channel; additional channels
// (extraction progress per collection) come from the query string.
func (h *SSEHandler) Stream(c *gin.Context) {
	learnerID, ok := learnerFrom(c)
	if !ok {
		RespondError(c, http.StatusBadRequest, apierr.CodeBadRequest, errMissingLearner)
		return
	}

	client := h.hub.NewSSEClient(learnerID)
	h.hub.AddChannel(client, "learner:"+learnerID.String())
	for _, channel := range strings.Split(c.Query("channels"), ",") {
		h.hub.AddChannel(client, channel)
	}
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
