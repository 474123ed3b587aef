package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stagecast/engine/internal/auth"
	"github.com/stagecast/engine/pkg/response"
)

const (
	// ContextParticipantID is the key for participant ID in gin context.
	ContextParticipantID = "participant_id"
	// ContextRole is the key for participant role in gin context.
	ContextRole = "participant_role"
	// ContextChannelID is the key for the token's channel binding in gin context.
	ContextChannelID = "channel_id"
)

// JWT returns a middleware that validates JWT and sets participant claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextParticipantID, claims.ParticipantID)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextChannelID, claims.ChannelID)
		c.Next()
	}
}
