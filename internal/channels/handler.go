// Package channels exposes the read-side HTTP surface: chat history, live
// audience counts, and the moderation audit trail. The live path stays on the
// websocket; these endpoints serve page loads and dashboards.
package channels

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/chat"
	"github.com/stagecast/engine/internal/middleware"
	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/registry"
	"github.com/stagecast/engine/pkg/response"
)

const defaultHistoryLimit = 50

// Handler handles channel HTTP endpoints.
type Handler struct {
	registry *registry.Registry
	chat     *chat.Engine
	audits   *chat.AuditRepository
	logger   *zap.Logger
}

// NewHandler creates a channel handler. audits may be nil when no audit store
// is configured.
func NewHandler(reg *registry.Registry, chatEngine *chat.Engine, audits *chat.AuditRepository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: reg, chat: chatEngine, audits: audits, logger: logger}
}

// channelFromPath parses the :id path param and checks it against the token's
// channel binding. Tokens minted without a binding pass for any channel.
func channelFromPath(c *gin.Context) (uuid.UUID, bool) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return uuid.Nil, false
	}
	if v, ok := c.Get(middleware.ContextChannelID); ok {
		if bound, ok := v.(uuid.UUID); ok && bound != uuid.Nil && bound != channelID {
			response.Forbidden(c, "token not valid for this channel")
			return uuid.Nil, false
		}
	}
	return channelID, true
}

// History handles GET /channels/:id/history. Results are filtered to what the
// authenticated participant is allowed to see, same rule as the live path.
func (h *Handler) History(c *gin.Context) {
	channelID, ok := channelFromPath(c)
	if !ok {
		return
	}

	participantID := c.GetString(middleware.ContextParticipantID)
	roleVal, _ := c.Get(middleware.ContextRole)
	role, _ := roleVal.(models.Role)

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.chat.History(c.Request.Context(), channelID, limit, participantID, role == models.RoleHost)
	if err != nil {
		h.logger.Error("failed to load history", zap.Error(err), zap.String("channel_id", channelID.String()))
		response.Internal(c, "failed to load history")
		return
	}
	response.OK(c, gin.H{"messages": messages})
}

// AudienceCount handles GET /channels/:id/audience_count.
func (h *Handler) AudienceCount(c *gin.Context) {
	channelID, ok := channelFromPath(c)
	if !ok {
		return
	}
	if !h.registry.Exists(channelID) {
		response.NotFound(c, "no active channel")
		return
	}
	response.OK(c, gin.H{"audience_count": h.registry.Count(channelID)})
}

// Audit handles GET /channels/:id/audit (host only).
func (h *Handler) Audit(c *gin.Context) {
	channelID, ok := channelFromPath(c)
	if !ok {
		return
	}
	if h.audits == nil {
		response.ServiceUnavailable(c, "audit trail not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.audits.ListByChannel(c.Request.Context(), channelID, limit)
	if err != nil {
		h.logger.Error("failed to load audit trail", zap.Error(err), zap.String("channel_id", channelID.String()))
		response.Internal(c, "failed to load audit trail")
		return
	}
	response.OK(c, gin.H{"entries": entries})
}
