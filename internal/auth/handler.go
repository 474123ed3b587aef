package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/pkg/response"
	"github.com/stagecast/engine/pkg/utils"
)

// TokenRequest is the body for POST /channels/:id/tokens. An empty stream_key
// mints a viewer token; a valid stream_key mints the host token.
type TokenRequest struct {
	ParticipantID string `json:"participant_id"`
	StreamKey     string `json:"stream_key"`
}

// TokenResponse carries the minted JWT and the identity it binds.
type TokenResponse struct {
	Token         string      `json:"token"`
	ParticipantID string      `json:"participant_id"`
	Role          models.Role `json:"role"`
	ChannelID     uuid.UUID   `json:"channel_id"`
}

// Handler mints connection tokens over HTTP.
type Handler struct {
	jwt           *JWTService
	streamKeyHash string
	logger        *zap.Logger
}

// NewHandler creates a token handler. streamKeyHash is the bcrypt hash of the
// host stream key; empty disables host tokens on this surface.
func NewHandler(jwt *JWTService, streamKeyHash string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jwt: jwt, streamKeyHash: streamKeyHash, logger: logger}
}

// Mint handles POST /channels/:id/tokens.
func (h *Handler) Mint(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	role := models.RoleViewer
	participantID := req.ParticipantID
	if req.StreamKey != "" {
		if h.streamKeyHash == "" || !utils.CheckStreamKey(req.StreamKey, h.streamKeyHash) {
			response.Unauthorized(c, "invalid stream key")
			return
		}
		role = models.RoleHost
		participantID = models.HostParticipantID
	} else if participantID == "" {
		// Fresh viewer identity; reconnecting viewers resend their old one to
		// keep their participant id stable.
		participantID = uuid.New().String()
	} else if _, err := uuid.Parse(participantID); err != nil {
		// Viewer ids are always UUIDs; this also keeps the reserved host id
		// out of viewer tokens.
		response.BadRequest(c, "invalid participant id")
		return
	}

	token, err := h.jwt.Generate(participantID, channelID, role)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, response.Body{Success: true, Data: TokenResponse{
		Token:         token,
		ParticipantID: participantID,
		Role:          role,
		ChannelID:     channelID,
	}})
}
