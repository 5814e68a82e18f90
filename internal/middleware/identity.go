package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlaslearn/masterygraph-backend/internal/requestdata"
)

// LearnerIdentity resolves the caller's learner ID from the X-Learner-ID
// header into the request context. Authentication happens upstream of the
// engine; this trusts the gateway-provided identity.
func LearnerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := &requestdata.RequestData{}
		if raw := c.GetHeader("X-Learner-ID"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				rd.LearnerID = id
			}
		}
		ctx := requestdata.WithRequestData(c.Request.Context(), rd)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
