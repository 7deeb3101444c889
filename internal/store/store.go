package store

import (
	"context"
	"errors"

	"github.com/karian7/chatrelay/internal/models"
)

// ErrNotFound is returned when an operation targets a message that does not
// exist (or has expired). Callers distinguish it from transport failures.
var ErrNotFound = errors.New("not found")

// MessageStore is the message log consumed by the core. RedisStore
// implements it for production.
type MessageStore interface {
	// Append persists msg, assigning an id and timestamp when unset, and
	// returns the id.
	Append(ctx context.Context, msg *models.Message) (string, error)
	// QueryPage returns up to limit non-deleted messages strictly older
	// than before (Unix ms; before <= 0 means "now"), newest first.
	QueryPage(ctx context.Context, roomID string, before int64, limit int) ([]models.Message, error)
	// MarkRead records readerID as having read the given messages, skipping
	// ids already recorded, and returns how many were newly marked.
	MarkRead(ctx context.Context, ids []string, roomID, readerID string) (int, error)
	// ToggleReaction adds or removes userID from the emoji's reaction set
	// on one message and returns the message's new reaction state.
	ToggleReaction(ctx context.Context, roomID, messageID, emoji, userID string) (map[string][]string, error)
	// SoftDelete tombstones a message; it stops appearing in QueryPage.
	SoftDelete(ctx context.Context, roomID, messageID string) error
}

// DataStore defines the interface for persistent storage of rooms and
// profiles. Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Room operations
	CreateRoom(ctx context.Context, name string) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	RoomExists(ctx context.Context, id string) (bool, error)
	ListRooms(ctx context.Context, limit, offset int) ([]models.Room, int, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, id string) error

	// Profile operations
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error)
	UpsertProfile(ctx context.Context, p *models.Profile) error
}
