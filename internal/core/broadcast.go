package core

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/models"
)

// Broadcaster fans events out to every connection subscribed to a room.
// Subscriptions are keyed by connection id so re-subscribing the same
// connection is idempotent.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // roomId -> connId -> conn
	log   zerolog.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]map[string]Conn),
		log:   log.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe adds conn to the room's broadcast set.
func (b *Broadcaster) Subscribe(roomID string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[string]Conn)
	}
	b.rooms[roomID][conn.ID()] = conn
}

// Unsubscribe removes the connection from the room's broadcast set.
func (b *Broadcaster) Unsubscribe(roomID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(b.rooms, roomID)
		}
	}
}

// DropRoom removes the whole subscription set for a deleted room.
func (b *Broadcaster) DropRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, roomID)
}

// Broadcast delivers ev to every subscriber of the room. Connections that
// cannot keep up are skipped; the transport reaps them on its own.
func (b *Broadcaster) Broadcast(roomID string, ev models.Event) {
	b.mu.RLock()
	conns := make([]Conn, 0, len(b.rooms[roomID]))
	for _, c := range b.rooms[roomID] {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(ev); err != nil {
			b.log.Warn().
				Str("room_id", roomID).
				Str("conn_id", c.ID()).
				Str("event", string(ev.Type)).
				Err(err).
				Msg("dropping event for slow connection")
		}
	}
}
