package chat

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/models"
)

const historyKeyPrefix = "stagecast:history:"

// CachedStore decorates a Store with a Redis cache of each channel's recent
// message window. The cache holds the unfiltered window; visibility is applied
// in-process through VisibleTo on every read, so the cache never needs a
// per-viewer variant. Cache failures fall through to the inner store.
//
// The window is all-or-nothing: a cold key is only ever populated whole from
// the inner store, never extended piecemeal, so a non-empty cache is always a
// complete window.
type CachedStore struct {
	inner  Store
	client *redis.Client
	window int
	logger *zap.Logger
}

// NewCachedStore wraps a store with a Redis recent-history cache holding up to
// window messages per channel. When the inner store supports atomic pin swaps
// the returned store does too, invalidating the cache around each swap.
func NewCachedStore(inner Store, client *redis.Client, window int, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cs := &CachedStore{inner: inner, client: client, window: window, logger: logger}
	if sw, ok := inner.(PinSwapper); ok {
		return &cachedSwapStore{CachedStore: cs, swapper: sw}
	}
	return cs
}

func historyKey(channelID uuid.UUID) string {
	return historyKeyPrefix + channelID.String()
}

// Append persists through the inner store and extends the cached window only
// when it is warm. RPushX never creates the key, so a cold window stays cold
// until the next read reloads it whole.
func (s *CachedStore) Append(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.inner.Append(ctx, msg); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	key := historyKey(msg.ChannelID)
	pipe := s.client.Pipeline()
	pipe.RPushX(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-s.window), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("history cache push failed", zap.Error(err), zap.String("channel_id", msg.ChannelID.String()))
	}
	return nil
}

// RecentHistory serves from the cached window when warm, filtering with
// VisibleTo. A cold or failing cache is reloaded whole from the inner store.
func (s *CachedStore) RecentHistory(ctx context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error) {
	if limit > s.window {
		// The window cannot satisfy this read; skip the cache entirely.
		return s.inner.RecentHistory(ctx, channelID, limit, viewerID, isHost)
	}
	raws, err := s.client.LRange(ctx, historyKey(channelID), 0, -1).Result()
	if err != nil || len(raws) == 0 {
		return s.reload(ctx, channelID, limit, viewerID, isHost)
	}
	window := make([]models.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		window = append(window, m)
	}
	return filterWindow(window, limit, viewerID, isHost), nil
}

// reload fetches the channel's full window from the inner store, reseeds the
// cache, and filters the result for the caller. The cache holds the
// host-visible window; per-viewer filtering stays in-process.
func (s *CachedStore) reload(ctx context.Context, channelID uuid.UUID, limit int, viewerID string, isHost bool) ([]models.ChatMessage, error) {
	window, err := s.inner.RecentHistory(ctx, channelID, s.window, models.HostParticipantID, true)
	if err != nil {
		return nil, err
	}
	if len(window) > 0 {
		key := historyKey(channelID)
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		for i := range window {
			raw, err := json.Marshal(window[i])
			if err != nil {
				continue
			}
			pipe.RPush(ctx, key, raw)
		}
		pipe.LTrim(ctx, key, int64(-s.window), -1)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("history cache reload failed", zap.Error(err), zap.String("channel_id", channelID.String()))
		}
	}
	return filterWindow(window, limit, viewerID, isHost), nil
}

func filterWindow(window []models.ChatMessage, limit int, viewerID string, isHost bool) []models.ChatMessage {
	role := models.RoleViewer
	if isHost {
		role = models.RoleHost
	}
	var out []models.ChatMessage
	for _, m := range window {
		if VisibleTo(m, role, viewerID) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Get reads through to the inner store.
func (s *CachedStore) Get(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error) {
	return s.inner.Get(ctx, channelID, messageID)
}

// UpdateStatus writes through and drops the cached window so stale statuses
// never serve; the window reloads whole on the next read.
func (s *CachedStore) UpdateStatus(ctx context.Context, channelID, messageID uuid.UUID, status models.MessageStatus) error {
	if err := s.inner.UpdateStatus(ctx, channelID, messageID, status); err != nil {
		return err
	}
	s.invalidate(ctx, channelID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, channelID uuid.UUID) {
	if err := s.client.Del(ctx, historyKey(channelID)).Err(); err != nil {
		s.logger.Warn("history cache invalidation failed", zap.Error(err),
			zap.String("channel_id", channelID.String()))
	}
}

// Pinned reads through to the inner store; the pinned pointer is always
// resolved against the source of truth.
func (s *CachedStore) Pinned(ctx context.Context, channelID uuid.UUID) (*models.ChatMessage, error) {
	return s.inner.Pinned(ctx, channelID)
}

// cachedSwapStore forwards atomic pin swaps to the inner store, invalidating
// the cached window around each status flip.
type cachedSwapStore struct {
	*CachedStore
	swapper PinSwapper
}

func (s *cachedSwapStore) SwapPinned(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, *models.ChatMessage, error) {
	demoted, pinned, err := s.swapper.SwapPinned(ctx, channelID, messageID)
	if err == nil && pinned != nil {
		s.invalidate(ctx, channelID)
	}
	return demoted, pinned, err
}

func (s *cachedSwapStore) ClearPinned(ctx context.Context, channelID, messageID uuid.UUID) (*models.ChatMessage, error) {
	cleared, err := s.swapper.ClearPinned(ctx, channelID, messageID)
	if err == nil && cleared != nil {
		s.invalidate(ctx, channelID)
	}
	return cleared, err
}

var _ Store = (*CachedStore)(nil)
var _ PinSwapper = (*cachedSwapStore)(nil)
