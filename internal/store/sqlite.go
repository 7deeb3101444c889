package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/karian7/chatrelay/internal/models"
)

// SQLiteStore handles SQLite storage of rooms and profiles, used for
// development when no PostgreSQL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_participants_user ON room_participants(user_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom creates a new room record.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{ID: uuid.NewString(), Name: name, Participants: []string{}}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name) VALUES (?, ?)
	`, room.ID, name)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT created_at FROM rooms WHERE id = ?
	`, room.ID).Scan(&room.CreatedAt)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room and its participant set, or nil if absent.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{Participants: []string{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM rooms WHERE id = ?
	`, id).Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY joined_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, userID)
	}
	return room, rows.Err()
}

// RoomExists reports whether a room record exists.
func (s *SQLiteStore) RoomExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM rooms WHERE id = ?)
	`, id).Scan(&exists)
	return exists == 1, err
}

// ListRooms returns a page of rooms with the total count.
func (s *SQLiteStore) ListRooms(ctx context.Context, limit, offset int) ([]models.Room, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM rooms
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room := models.Room{Participants: []string{}}
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, 0, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for i := range rooms {
		full, err := s.GetRoom(ctx, rooms[i].ID)
		if err != nil {
			return nil, 0, err
		}
		if full != nil {
			rooms[i].Participants = full.Participants
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return rooms, total, nil
}

// AddParticipant atomically adds userID to the room's participant set.
// Safe to repeat.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)
	`, roomID, userID)
	return err
}

// RemoveParticipant removes userID from the room's participant set.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_participants WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	return err
}

// DeleteRoom removes a room; participants cascade.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	return err
}

// GetProfile retrieves one profile, or nil if absent.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p := &models.Profile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfiles resolves a set of userIds to profiles. Users without a stored
// profile fall back to their id as display name.
func (s *SQLiteStore) GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	if len(userIDs) == 0 {
		return []models.Profile{}, nil
	}

	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]models.Profile, len(userIDs))
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		found[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]models.Profile, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := found[id]; ok {
			profiles = append(profiles, p)
		} else {
			profiles = append(profiles, models.Profile{UserID: id, DisplayName: id})
		}
	}
	return profiles, nil
}

// UpsertProfile creates or refreshes a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = excluded.display_name,
		    avatar_url = excluded.avatar_url,
		    updated_at = CURRENT_TIMESTAMP
	`, p.UserID, p.DisplayName, p.AvatarURL)
	return err
}
