// Package registry tracks which sessions are connected to which channel: one
// studio session and zero or more viewers per channel.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

// Sender is the outbound side of a connected session. Send must not block;
// it reports false when the session's buffer is full and the frame was dropped.
type Sender interface {
	Send(env protocol.Envelope) bool
}

// Session is one connected participant of a channel.
type Session struct {
	ParticipantID string
	Role          models.Role
	Sender        Sender
	JoinedAt      time.Time
}

// AudienceChangeHandler is called with the new session count whenever a
// channel's audience changes (e.g. for peak tracking).
type AudienceChangeHandler func(channelID uuid.UUID, count int)

type channel struct {
	sessions map[string]*Session
	host     *Session
}

// Registry maps channel ids to their connected sessions. A channel exists from
// the studio's first attach until the studio explicitly leaves; a host
// disconnect without leave keeps the channel alive with a vacant host slot.
type Registry struct {
	mu         sync.RWMutex
	channels   map[uuid.UUID]*channel
	capacity   int
	logger     *zap.Logger
	onAudience AudienceChangeHandler
}

// New creates a registry. capacity limits sessions per channel; zero means
// unlimited.
func New(capacity int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		channels: make(map[uuid.UUID]*channel),
		capacity: capacity,
		logger:   logger,
	}
}

// SetAudienceChangeHandler sets the callback for audience count changes.
func (r *Registry) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAudience = fn
}

// Join attaches a session to a channel. A host attach creates the channel (or
// reclaims the vacant host slot). Viewers joining a channel with no studio
// history fail with ErrNoActiveChannel. A session reusing an existing
// participant id replaces the stale session, so reconnects do not double-count.
// The host participant id is reserved: a viewer session carrying it, or a
// rejoin under a different role, fails with ErrForbidden so no session can
// eclipse another identity.
func (r *Registry) Join(channelID uuid.UUID, s *Session) error {
	r.mu.Lock()
	if s.ParticipantID == models.HostParticipantID && s.Role != models.RoleHost {
		r.mu.Unlock()
		return fmt.Errorf("join %s as %s: %w", channelID, s.ParticipantID, protocol.ErrForbidden)
	}
	ch := r.channels[channelID]
	if ch == nil {
		if s.Role != models.RoleHost {
			r.mu.Unlock()
			return fmt.Errorf("join %s: %w", channelID, protocol.ErrNoActiveChannel)
		}
		ch = &channel{sessions: make(map[string]*Session)}
		r.channels[channelID] = ch
	}
	existing, rejoin := ch.sessions[s.ParticipantID]
	if rejoin && existing.Role != s.Role {
		r.mu.Unlock()
		return fmt.Errorf("join %s as %s: %w", channelID, s.ParticipantID, protocol.ErrForbidden)
	}
	if !rejoin && r.capacity > 0 && len(ch.sessions) >= r.capacity {
		r.mu.Unlock()
		return fmt.Errorf("join %s: %w", channelID, protocol.ErrChannelFull)
	}
	ch.sessions[s.ParticipantID] = s
	if s.Role == models.RoleHost {
		ch.host = s
	}
	count := len(ch.sessions)
	onAudience := r.onAudience
	r.mu.Unlock()

	if onAudience != nil {
		onAudience(channelID, count)
	}
	r.logger.Debug("session joined channel",
		zap.String("participant_id", s.ParticipantID),
		zap.String("role", string(s.Role)),
		zap.String("channel_id", channelID.String()))
	return nil
}

// Detach removes a session on connection loss. The channel survives a host
// detach so viewer chat and reactions keep flowing during transient host
// absence; only an explicit Close tears the channel down.
func (r *Registry) Detach(channelID uuid.UUID, participantID string) {
	r.mu.Lock()
	ch := r.channels[channelID]
	var count int
	if ch != nil {
		if s, ok := ch.sessions[participantID]; ok {
			delete(ch.sessions, participantID)
			if ch.host == s {
				ch.host = nil
			}
		}
		count = len(ch.sessions)
		if count == 0 && ch.host == nil {
			delete(r.channels, channelID)
		}
	}
	onAudience := r.onAudience
	r.mu.Unlock()

	if onAudience != nil && count > 0 {
		onAudience(channelID, count)
	}
	r.logger.Debug("session left channel",
		zap.String("participant_id", participantID),
		zap.String("channel_id", channelID.String()))
}

// Close destroys a channel when the studio session ends, returning the
// sessions that were still attached so the caller can notify them.
func (r *Registry) Close(channelID uuid.UUID) []*Session {
	r.mu.Lock()
	ch := r.channels[channelID]
	var remaining []*Session
	if ch != nil {
		for _, s := range ch.sessions {
			remaining = append(remaining, s)
		}
		delete(r.channels, channelID)
	}
	r.mu.Unlock()
	r.logger.Info("channel closed", zap.String("channel_id", channelID.String()))
	return remaining
}

// Host returns the channel's registered studio session, or nil while the host
// slot is vacant.
func (r *Registry) Host(channelID uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch := r.channels[channelID]; ch != nil {
		return ch.host
	}
	return nil
}

// Sessions returns a snapshot of the channel's connected sessions.
func (r *Registry) Sessions(channelID uuid.UUID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch := r.channels[channelID]
	if ch == nil {
		return nil
	}
	out := make([]*Session, 0, len(ch.sessions))
	for _, s := range ch.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of connected sessions in a channel.
func (r *Registry) Count(channelID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch := r.channels[channelID]; ch != nil {
		return len(ch.sessions)
	}
	return 0
}

// Exists reports whether the channel is live.
func (r *Registry) Exists(channelID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelID]
	return ok
}
