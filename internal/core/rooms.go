package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/metrics"
	"github.com/karian7/chatrelay/internal/models"
	"github.com/karian7/chatrelay/internal/store"
)

// Rooms orchestrates join/leave sequences. Mutations within one room are
// serialized through a per-room keyed mutex, which is what pins the
// broadcast order; the membership index guarantees a user belongs to at
// most one room at any settled instant.
type Rooms struct {
	locks    *KeyedMutex
	data     store.DataStore
	messages store.MessageStore
	history  *History
	relay    *Relay
	bcast    *Broadcaster
	registry *Registry
	log      zerolog.Logger

	mu         sync.RWMutex
	membership map[string]string // userId -> roomId
}

// NewRooms creates the orchestrator and binds it as the history engine's
// membership authority.
func NewRooms(data store.DataStore, messages store.MessageStore, history *History, relay *Relay, bcast *Broadcaster, registry *Registry, log zerolog.Logger) *Rooms {
	r := &Rooms{
		locks:      NewKeyedMutex(),
		data:       data,
		messages:   messages,
		history:    history,
		relay:      relay,
		bcast:      bcast,
		registry:   registry,
		log:        log.With().Str("component", "rooms").Logger(),
		membership: make(map[string]string),
	}
	history.BindMembership(r)
	return r
}

// IsParticipant reports whether userID is currently mapped to roomID.
func (r *Rooms) IsParticipant(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membership[userID] == roomID
}

// CurrentRoom returns the room userID is mapped to, if any.
func (r *Rooms) CurrentRoom(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.membership[userID]
	return roomID, ok
}

// Join moves userID into roomID. Joining the current room is a pure
// re-subscribe: the connection is re-attached and acknowledged, with no new
// system message. Joining while in another room leaves that room first,
// fully, before the new join proceeds.
func (r *Rooms) Join(ctx context.Context, userID string, conn Conn, roomID string) error {
	if current, ok := r.CurrentRoom(userID); ok {
		if current == roomID {
			return r.resubscribe(ctx, userID, conn, roomID)
		}
		if err := r.Leave(ctx, userID, current); err != nil {
			return err
		}
	}

	unlock := r.locks.Lock(roomID)
	defer unlock()

	exists, err := r.data.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: room lookup: %v", ErrTransientIO, err)
	}
	if !exists {
		return ErrRoomNotFound
	}

	// Set-union add: safe if a previous attempt already inserted the row.
	if err := r.data.AddParticipant(ctx, roomID, userID); err != nil {
		return fmt.Errorf("%w: add participant: %v", ErrTransientIO, err)
	}

	r.bcast.Subscribe(roomID, conn)
	r.mu.Lock()
	r.membership[userID] = roomID
	r.mu.Unlock()

	sysMsg, err := r.persistSystemMessage(ctx, roomID, userID, "joined")
	if err != nil {
		// All-or-nothing: undo the shared-state mutations of this attempt.
		r.rollbackJoin(ctx, roomID, userID, conn)
		return err
	}

	// A failed initial page degrades to an empty ack rather than undoing
	// the join; the client can re-fetch.
	page, err := r.history.FetchPage(ctx, roomID, 0, 0)
	if err != nil {
		r.log.Warn().Str("room_id", roomID).Str("user_id", userID).Err(err).Msg("initial history page failed")
		page = models.HistoryPage{RoomID: roomID}
	}

	profiles := r.participantProfiles(ctx, roomID)

	if err := conn.Send(models.Event{
		Type: models.EventJoinAck,
		Data: models.JoinAck{
			RoomID:       roomID,
			Participants: profiles,
			Messages:     page.Messages,
			HasMore:      page.HasMore,
			NextCursor:   page.NextCursor,
		},
	}); err != nil {
		r.log.Warn().Str("user_id", userID).Err(err).Msg("join ack not delivered")
	}

	r.bcast.Broadcast(roomID, models.Event{Type: models.EventSystemMessage, Data: sysMsg})
	r.bcast.Broadcast(roomID, models.Event{
		Type: models.EventPresence,
		Data: models.PresenceUpdate{RoomID: roomID, Participants: profiles},
	})

	metrics.RoomJoins.Inc()
	r.log.Info().Str("room_id", roomID).Str("user_id", userID).Msg("user joined room")
	return nil
}

// Leave removes userID from roomID. A no-op unless the user is currently
// mapped to that room. An in-flight AI generation owned by the user in this
// room is canceled without completion.
func (r *Rooms) Leave(ctx context.Context, userID, roomID string) error {
	unlock := r.locks.Lock(roomID)
	defer unlock()

	r.mu.Lock()
	if r.membership[userID] != roomID {
		r.mu.Unlock()
		return nil
	}
	delete(r.membership, userID)
	r.mu.Unlock()

	if err := r.data.RemoveParticipant(ctx, roomID, userID); err != nil {
		// Restore the index so state stays consistent with the store.
		r.mu.Lock()
		r.membership[userID] = roomID
		r.mu.Unlock()
		return fmt.Errorf("%w: remove participant: %v", ErrTransientIO, err)
	}

	if conn, ok := r.registry.Owner(userID); ok {
		r.bcast.Unsubscribe(roomID, conn.ID())
	}

	r.relay.CancelOwned(roomID, userID)

	if sysMsg, err := r.persistSystemMessage(ctx, roomID, userID, "left"); err != nil {
		r.log.Error().Str("room_id", roomID).Str("user_id", userID).Err(err).Msg("leave notice not persisted")
	} else {
		r.bcast.Broadcast(roomID, models.Event{Type: models.EventSystemMessage, Data: sysMsg})
	}

	profiles := r.participantProfiles(ctx, roomID)
	r.bcast.Broadcast(roomID, models.Event{
		Type: models.EventPresence,
		Data: models.PresenceUpdate{RoomID: roomID, Participants: profiles},
	})

	if len(profiles) == 0 {
		if err := r.data.DeleteRoom(ctx, roomID); err != nil {
			r.log.Error().Str("room_id", roomID).Err(err).Msg("empty room not deleted")
		} else {
			r.bcast.DropRoom(roomID)
			r.log.Info().Str("room_id", roomID).Msg("empty room deleted")
		}
	}

	metrics.RoomLeaves.Inc()
	r.log.Info().Str("room_id", roomID).Str("user_id", userID).Msg("user left room")
	return nil
}

// LeaveCurrent leaves whatever room the user is in, used when the last
// connection for a user goes away.
func (r *Rooms) LeaveCurrent(ctx context.Context, userID string) error {
	roomID, ok := r.CurrentRoom(userID)
	if !ok {
		return nil
	}
	return r.Leave(ctx, userID, roomID)
}

// resubscribe re-attaches the connection to a room the user already
// occupies and acknowledges with current state. No system message.
func (r *Rooms) resubscribe(ctx context.Context, userID string, conn Conn, roomID string) error {
	r.bcast.Subscribe(roomID, conn)

	page, err := r.history.FetchPage(ctx, roomID, 0, 0)
	if err != nil {
		page = models.HistoryPage{RoomID: roomID}
	}

	return conn.Send(models.Event{
		Type: models.EventJoinAck,
		Data: models.JoinAck{
			RoomID:       roomID,
			Participants: r.participantProfiles(ctx, roomID),
			Messages:     page.Messages,
			HasMore:      page.HasMore,
			NextCursor:   page.NextCursor,
		},
	})
}

// rollbackJoin undoes the participant-set, subscription, and index changes
// of a join attempt that failed midway.
func (r *Rooms) rollbackJoin(ctx context.Context, roomID, userID string, conn Conn) {
	if err := r.data.RemoveParticipant(ctx, roomID, userID); err != nil {
		r.log.Error().Str("room_id", roomID).Str("user_id", userID).Err(err).Msg("join rollback failed")
	}
	r.bcast.Unsubscribe(roomID, conn.ID())
	r.mu.Lock()
	if r.membership[userID] == roomID {
		delete(r.membership, userID)
	}
	r.mu.Unlock()
}

// persistSystemMessage stores a join/leave notice and returns it.
func (r *Rooms) persistSystemMessage(ctx context.Context, roomID, userID, action string) (*models.Message, error) {
	name := userID
	if p, err := r.data.GetProfile(ctx, userID); err == nil && p != nil && p.DisplayName != "" {
		name = p.DisplayName
	}

	msg := &models.Message{
		RoomID:   roomID,
		SenderID: userID,
		Type:     models.MessageSystem,
		Content:  fmt.Sprintf("%s %s the room.", name, action),
	}
	if _, err := r.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: system message: %v", ErrTransientIO, err)
	}
	metrics.MessagesPosted.WithLabelValues(string(models.MessageSystem)).Inc()
	return msg, nil
}

// participantProfiles resolves the room's current participant set to
// profiles. Store failures degrade to bare userIds rather than failing the
// sequence.
func (r *Rooms) participantProfiles(ctx context.Context, roomID string) []models.Profile {
	room, err := r.data.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		r.log.Warn().Str("room_id", roomID).Err(err).Msg("participant lookup failed")
		return []models.Profile{}
	}

	profiles, err := r.data.GetProfiles(ctx, room.Participants)
	if err != nil {
		profiles = make([]models.Profile, 0, len(room.Participants))
		for _, id := range room.Participants {
			profiles = append(profiles, models.Profile{UserID: id, DisplayName: id})
		}
	}
	return profiles
}
