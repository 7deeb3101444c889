package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karian7/chatrelay/internal/models"
)

// PostgresStore handles PostgreSQL storage of rooms and profiles.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		joined_at TIMESTAMPTZ DEFAULT now(),
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		updated_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_participants_user ON room_participants(user_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRoom creates a new room record.
func (s *PostgresStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{ID: uuid.NewString(), Name: name, Participants: []string{}}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, name)
		VALUES ($1, $2)
		RETURNING created_at
	`, room.ID, name).Scan(&room.CreatedAt)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room and its participant set, or nil if absent.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{Participants: []string{}}
	err := s.pool.QueryRow(ctx, `
		SELECT r.id, r.name, r.created_at,
		       COALESCE(array_agg(p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id
		WHERE r.id = $1
		GROUP BY r.id
	`, id).Scan(&room.ID, &room.Name, &room.CreatedAt, &room.Participants)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// RoomExists reports whether a room record exists.
func (s *PostgresStore) RoomExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)
	`, id).Scan(&exists)
	return exists, err
}

// ListRooms returns a page of rooms with the total count.
func (s *PostgresStore) ListRooms(ctx context.Context, limit, offset int) ([]models.Room, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.created_at,
		       COALESCE(array_agg(p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room := models.Room{Participants: []string{}}
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.Participants); err != nil {
			return nil, 0, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return rooms, total, nil
}

// AddParticipant atomically adds userID to the room's participant set.
// Safe to repeat.
func (s *PostgresStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	return err
}

// RemoveParticipant removes userID from the room's participant set.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	return err
}

// DeleteRoom removes a room; participants cascade.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	return err
}

// GetProfile retrieves one profile, or nil if absent.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p := &models.Profile{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProfiles resolves a set of userIds to profiles. Users without a stored
// profile fall back to their id as display name.
func (s *PostgresStore) GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	if len(userIDs) == 0 {
		return []models.Profile{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ANY($1)
	`, userIDs)
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
func (s *PostgresStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url = EXCLUDED.avatar_url,
		    updated_at = now()
	`, p.UserID, p.DisplayName, p.AvatarURL)
	return err
}
