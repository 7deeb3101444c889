package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/karian7/chatrelay/internal/models"
)

const messageTTL = 30 * 24 * time.Hour

// RedisStore handles Redis operations for the message log. Message bodies
// live in a hash per room; a sorted set indexes ids by timestamp for
// cursor pagination.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomIndexKey returns the key for a room's message id sorted set.
func roomIndexKey(roomID string) string {
	return fmt.Sprintf("room:%s:msgindex", roomID)
}

// roomDataKey returns the key for a room's message body hash.
func roomDataKey(roomID string) string {
	return fmt.Sprintf("room:%s:msgdata", roomID)
}

// readersKey returns the key for a message's reader set.
func readersKey(roomID, msgID string) string {
	return fmt.Sprintf("room:%s:readers:%s", roomID, msgID)
}

// Append stores a message, assigning a ULID and timestamp when unset.
func (s *RedisStore) Append(ctx context.Context, msg *models.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, roomDataKey(msg.RoomID), msg.ID, string(data))
	pipe.ZAdd(ctx, roomIndexKey(msg.RoomID), redis.Z{
		Score:  float64(msg.Timestamp),
		Member: msg.ID,
	})
	pipe.Expire(ctx, roomDataKey(msg.RoomID), messageTTL)
	pipe.Expire(ctx, roomIndexKey(msg.RoomID), messageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	return msg.ID, nil
}

// QueryPage returns up to limit non-deleted messages strictly older than
// before (Unix ms; before <= 0 means now), newest first. Reader sets are
// merged into the returned messages.
func (s *RedisStore) QueryPage(ctx context.Context, roomID string, before int64, limit int) ([]models.Message, error) {
	maxScore := "+inf"
	if before > 0 {
		maxScore = fmt.Sprintf("(%d", before) // exclusive
	}

	// Fetch extra ids so tombstoned messages don't shrink the page.
	ids, err := s.client.ZRevRangeByScore(ctx, roomIndexKey(roomID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit * 2),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	raw, err := s.client.HMGet(ctx, roomDataKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, limit)
	for _, v := range raw {
		data, ok := v.(string)
		if !ok {
			continue // expired body
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.Deleted {
			continue
		}
		readers, err := s.client.SMembers(ctx, readersKey(roomID, msg.ID)).Result()
		if err == nil && len(readers) > 0 {
			msg.Readers = readers
		}
		messages = append(messages, msg)
		if len(messages) >= limit {
			break
		}
	}

	return messages, nil
}

// GetMessage retrieves a specific message by ID, or nil if absent.
func (s *RedisStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	data, err := s.client.HGet(ctx, roomDataKey(roomID), msgID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead records readerID on the given messages. Ids the reader already
// marked are skipped; the count of newly marked messages is returned.
func (s *RedisStore) MarkRead(ctx context.Context, ids []string, roomID, readerID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	adds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		adds[i] = pipe.SAdd(ctx, readersKey(roomID, id), readerID)
		pipe.Expire(ctx, readersKey(roomID, id), messageTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	marked := 0
	for _, cmd := range adds {
		marked += int(cmd.Val())
	}
	return marked, nil
}

// ToggleReaction adds or removes userID from one emoji's reaction set and
// returns the message's new reaction state.
func (s *RedisStore) ToggleReaction(ctx context.Context, roomID, messageID, emoji, userID string) (map[string][]string, error) {
	msg, err := s.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	users := msg.Reactions[emoji]
	removed := false
	for i, u := range users {
		if u == userID {
			msg.Reactions[emoji] = append(users[:i], users[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		msg.Reactions[emoji] = append(users, userID)
	}
	if len(msg.Reactions[emoji]) == 0 {
		delete(msg.Reactions, emoji)
	}

	if err := s.putMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg.Reactions, nil
}

// SoftDelete tombstones a message so it stops appearing in pages.
func (s *RedisStore) SoftDelete(ctx context.Context, roomID, messageID string) error {
	msg, err := s.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}
	msg.Deleted = true
	return s.putMessage(ctx, msg)
}

// putMessage rewrites an existing message body in place.
func (s *RedisStore) putMessage(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, roomDataKey(msg.RoomID), msg.ID, string(data)).Err()
}
