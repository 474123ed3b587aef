package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
	"github.com/stagecast/engine/internal/registry"
)

const (
	writeWait     = 10 * time.Second
	readLimit     = 65536
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator resolves a handshake token into the session identity. The
// participant id is stable across reconnects so prior private replies still
// resolve; the channel binding stops a token minted for one stream being
// replayed against another.
type TokenValidator func(token string) (participantID string, role models.Role, channelID uuid.UUID, err error)

// Client is one WebSocket connection attached to a channel.
type Client struct {
	ParticipantID string
	ChannelID     uuid.UUID
	Role          models.Role
	JoinedAt      time.Time

	hub      *Hub
	conn     *websocket.Conn
	send     chan protocol.Envelope
	logger   *zap.Logger
	pingWait time.Duration
	pongWait time.Duration
}

// Send enqueues an envelope without blocking. A full buffer drops the frame;
// the consumer's gap detection recovers via resync.
func (c *Client) Send(env protocol.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

var _ registry.Sender = (*Client)(nil)

// ServeWs handles the WebSocket upgrade, handshake, and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelIDStr := c.Query("channel_id")
		token := c.Query("token")
		if channelIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id and token required"})
			return
		}
		channelID, err := uuid.Parse(channelIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel_id"})
			return
		}
		participantID, role, tokenChannel, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if tokenChannel != uuid.Nil && tokenChannel != channelID {
			c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this channel"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ParticipantID: participantID,
			ChannelID:     channelID,
			Role:          role,
			JoinedAt:      time.Now(),
			hub:           hub,
			conn:          conn,
			send:          make(chan protocol.Envelope, sendQueueSize),
			logger:        logger,
			pingWait:      hub.cfg.Heartbeat,
			pongWait:      2 * hub.cfg.Heartbeat,
		}
		session := &registry.Session{
			ParticipantID: participantID,
			Role:          role,
			Sender:        client,
			JoinedAt:      client.JoinedAt,
		}
		if err := hub.Attach(channelID, session); err != nil {
			go client.writePump()
			client.writeError(err)
			close(client.send)
			return
		}
		go client.writePump()
		client.readPump(session)
	}
}

func (c *Client) readPump(session *registry.Session) {
	defer func() {
		c.hub.Detach(c.ChannelID, c.ParticipantID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		// Identity and channel come from the handshake, never from the frame.
		env.ChannelID = c.ChannelID
		env.SenderID = c.ParticipantID

		switch env.Type {
		case protocol.EventJoin:
			// Already attached during the handshake; treat as a resync request.
			c.hub.Resync(c.ChannelID, session)
		case protocol.EventLeave:
			if c.Role == models.RoleHost {
				c.hub.CloseChannel(c.ChannelID)
			}
			return
		default:
			if err := c.hub.Publish(c.ChannelID, session, env); err != nil {
				c.logger.Debug("publish rejected",
					zap.String("type", env.Type),
					zap.String("participant_id", c.ParticipantID),
					zap.Error(err))
				c.writeError(err)
			}
		}
	}
}

// writeError surfaces a request-terminal error to this session only.
func (c *Client) writeError(err error) {
	out := protocol.MarshalPayload(protocol.EventError, c.ChannelID, protocol.ErrorPayload{
		Kind:   protocol.KindOf(err),
		Detail: err.Error(),
	})
	c.Send(out)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingWait)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
