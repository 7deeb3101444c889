package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/metrics"
	"github.com/karian7/chatrelay/internal/models"
	"github.com/karian7/chatrelay/internal/store"
)

// History engine defaults.
const (
	DefaultPageSize    = 30
	DefaultPageCeiling = 50
)

// HistoryConfig tunes the retrieval engine. Zero values fall back to the
// defaults below.
type HistoryConfig struct {
	PageSize    int           // applied when the client sends no size
	PageCeiling int           // hard clamp on requested sizes
	RetryBase   time.Duration // first retry delay, doubled per attempt
	RetryCap    time.Duration // ceiling on the doubled delay
	MaxAttempts int           // total query attempts before giving up
	OpTimeout   time.Duration // deadline wrapping the whole retry loop
	SettleDelay time.Duration // guard lingers this long after a response
}

func (c HistoryConfig) withDefaults() HistoryConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageCeiling <= 0 {
		c.PageCeiling = DefaultPageCeiling
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	return c
}

// Membership answers whether a user currently belongs to a room. The room
// orchestrator implements it.
type Membership interface {
	IsParticipant(roomID, userID string) bool
}

type guardKey struct {
	roomID string
	userID string
}

// History serves paginated message pages with an in-flight guard per
// (room, user) pair and retry with backoff against transient store failures.
type History struct {
	cfg      HistoryConfig
	messages store.MessageStore
	members  Membership
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[guardKey]struct{}
}

// NewHistory creates a History engine. BindMembership must be called before
// Request is used.
func NewHistory(messages store.MessageStore, cfg HistoryConfig, log zerolog.Logger) *History {
	return &History{
		cfg:      cfg.withDefaults(),
		messages: messages,
		log:      log.With().Str("component", "history").Logger(),
		inflight: make(map[guardKey]struct{}),
	}
}

// BindMembership wires the participant check. Separate from the constructor
// because the orchestrator itself depends on History.
func (h *History) BindMembership(m Membership) {
	h.members = m
}

// Request serves one history page to conn. A request for a pair that is
// already loading is dropped without a response; the client treats "load
// started" as an implicit lock.
func (h *History) Request(ctx context.Context, roomID, userID string, conn Conn, pageSize int, before int64) error {
	if h.members == nil || !h.members.IsParticipant(roomID, userID) {
		return ErrAccessDenied
	}

	key := guardKey{roomID: roomID, userID: userID}
	h.mu.Lock()
	if _, loading := h.inflight[key]; loading {
		h.mu.Unlock()
		h.log.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("history load already in flight, dropping")
		return nil
	}
	h.inflight[key] = struct{}{}
	h.mu.Unlock()

	metrics.HistoryRequests.Inc()

	page, err := h.FetchPage(ctx, roomID, before, pageSize)

	// The guard outlives the response a little to absorb near-duplicate
	// requests from the client.
	time.AfterFunc(h.cfg.SettleDelay, func() {
		h.mu.Lock()
		delete(h.inflight, key)
		h.mu.Unlock()
	})

	if err != nil {
		metrics.HistoryFailures.Inc()
		h.log.Error().Str("room_id", roomID).Str("user_id", userID).Err(err).Msg("history load failed")
		sendErr := conn.Send(models.Event{
			Type: models.EventHistoryError,
			Data: models.ProtocolError{Code: ErrorCode(err), Message: "could not load history"},
		})
		if sendErr != nil {
			return sendErr
		}
		return nil
	}

	h.markReadAsync(roomID, userID, page.Messages)

	return conn.Send(models.Event{Type: models.EventHistoryPage, Data: page})
}

// FetchPage queries one page with retry/backoff under the engine's overall
// timeout. The result is chronological (oldest first) with the next cursor
// set to the oldest timestamp, or nil for an empty page.
func (h *History) FetchPage(ctx context.Context, roomID string, before int64, pageSize int) (models.HistoryPage, error) {
	if pageSize <= 0 {
		pageSize = h.cfg.PageSize
	}
	if pageSize > h.cfg.PageCeiling {
		pageSize = h.cfg.PageCeiling
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.OpTimeout)
	defer cancel()

	// Probe one past the page size to learn whether older messages remain.
	msgs, err := h.queryWithRetry(ctx, roomID, before, pageSize+1)
	if err != nil {
		return models.HistoryPage{}, err
	}

	hasMore := len(msgs) > pageSize
	if hasMore {
		msgs = msgs[:pageSize]
	}

	// Store order is newest first; clients render oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := models.HistoryPage{
		RoomID:   roomID,
		Messages: msgs,
		HasMore:  hasMore,
	}
	if len(msgs) > 0 {
		oldest := msgs[0].Timestamp
		page.NextCursor = &oldest
	}
	return page, nil
}

// queryWithRetry retries transient store failures with a doubling, capped
// delay. Context expiry terminates the loop early.
func (h *History) queryWithRetry(ctx context.Context, roomID string, before int64, limit int) ([]models.Message, error) {
	delay := h.cfg.RetryBase
	var lastErr error

	for attempt := 0; attempt < h.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.HistoryRetries.Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: history load: %v", ErrTimeout, lastErr)
			case <-time.After(delay):
			}
			delay *= 2
			if delay > h.cfg.RetryCap {
				delay = h.cfg.RetryCap
			}
		}

		msgs, err := h.messages.QueryPage(ctx, roomID, before, limit)
		if err == nil {
			return msgs, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: history load: %v", ErrTimeout, err)
		}
		lastErr = err
		h.log.Warn().Str("room_id", roomID).Int("attempt", attempt+1).Err(err).Msg("history query failed")
	}

	return nil, fmt.Errorf("%w: history load: %v", ErrTransientIO, lastErr)
}

// MarkRead records read receipts for messageIDs on behalf of userID. Only
// participants of the room may mark its messages.
func (h *History) MarkRead(ctx context.Context, roomID, userID string, messageIDs []string) error {
	if h.members == nil || !h.members.IsParticipant(roomID, userID) {
		return ErrAccessDenied
	}
	if len(messageIDs) == 0 {
		return nil
	}
	if _, err := h.messages.MarkRead(ctx, messageIDs, roomID, userID); err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrTransientIO, err)
	}
	return nil
}

// markReadAsync records the reader on the returned messages without holding
// up the response. Messages the user already read are skipped by the store.
func (h *History) markReadAsync(roomID, userID string, msgs []models.Message) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		already := false
		for _, r := range m.Readers {
			if r == userID {
				already = true
				break
			}
		}
		if !already {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.messages.MarkRead(ctx, ids, roomID, userID); err != nil {
			h.log.Warn().Str("room_id", roomID).Str("user_id", userID).Err(err).Msg("mark read failed")
		}
	}()
}
