package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/ai"
	"github.com/karian7/chatrelay/internal/metrics"
	"github.com/karian7/chatrelay/internal/models"
	"github.com/karian7/chatrelay/internal/store"
)

// StreamSession is one in-flight AI generation bound to a room. Content only
// grows until the session is discarded.
type StreamSession struct {
	MessageID string
	RoomID    string
	UserID    string
	Persona   ai.Persona
	Query     string
	StartedAt time.Time

	content strings.Builder
	inFence bool
	cancel  context.CancelFunc
}

// Content returns the text accumulated so far.
func (s *StreamSession) Content() string {
	return s.content.String()
}

// InCodeFence reports whether accumulated content currently sits inside a
// markdown code block.
func (s *StreamSession) InCodeFence() bool {
	return s.inFence
}

type ownerKey struct {
	roomID string
	userID string
}

// Relay manages ephemeral AI streaming sessions: one goroutine per session
// pulls increments from the generator and fans chunk events out to the room.
// The next increment is requested only after the previous chunk has been
// handed to the broadcaster, so unconsumed output never piles up.
type Relay struct {
	gen      ai.Generator
	personas *ai.Personas
	messages store.MessageStore
	bcast    *Broadcaster
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*StreamSession // messageId -> session
	owners   map[ownerKey]string       // (roomId, userId) -> messageId
}

// NewRelay creates a Relay.
func NewRelay(gen ai.Generator, personas *ai.Personas, messages store.MessageStore, bcast *Broadcaster, log zerolog.Logger) *Relay {
	return &Relay{
		gen:      gen,
		personas: personas,
		messages: messages,
		bcast:    bcast,
		log:      log.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*StreamSession),
		owners:   make(map[ownerKey]string),
	}
}

// Start validates the persona, announces the generation to the room, and
// begins relaying. A user starting a second generation in the same room
// cancels their first.
func (r *Relay) Start(ctx context.Context, roomID, userID, persona, query string) error {
	p, known := r.personas.Lookup(persona)
	if !known {
		return ErrUnknownPersona
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &StreamSession{
		MessageID: ulid.Make().String(),
		RoomID:    roomID,
		UserID:    userID,
		Persona:   p,
		Query:     query,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	key := ownerKey{roomID: roomID, userID: userID}
	r.mu.Lock()
	if prevID, ok := r.owners[key]; ok {
		if prev, live := r.sessions[prevID]; live {
			prev.cancel()
			delete(r.sessions, prevID)
			metrics.StreamSessions.WithLabelValues("canceled").Inc()
		}
	}
	r.sessions[session.MessageID] = session
	r.owners[key] = session.MessageID
	r.mu.Unlock()

	r.bcast.Broadcast(roomID, models.Event{
		Type: models.EventStreamStarted,
		Data: models.StreamStarted{
			MessageID: session.MessageID,
			RoomID:    roomID,
			Persona:   p.Name,
			StartedAt: session.StartedAt.UnixMilli(),
		},
	})

	r.log.Info().
		Str("room_id", roomID).
		Str("user_id", userID).
		Str("persona", p.Name).
		Str("message_id", session.MessageID).
		Msg("generation started")

	go r.consume(sctx, session)
	return nil
}

// CancelOwned cancels the session owned by (roomID, userID), if any. No
// completion is emitted; already-streamed content is left as-is.
func (r *Relay) CancelOwned(roomID, userID string) {
	key := ownerKey{roomID: roomID, userID: userID}

	r.mu.Lock()
	id, ok := r.owners[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.owners, key)
	session, live := r.sessions[id]
	if live {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !live {
		return
	}
	session.cancel()
	metrics.StreamSessions.WithLabelValues("canceled").Inc()
	r.log.Info().
		Str("room_id", roomID).
		Str("message_id", id).
		Msg("generation canceled on room leave")
}

// Live reports whether the session with the given streaming message id is
// still tracked.
func (r *Relay) Live(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[messageID]
	return ok
}

// consume drives one session: open the upstream stream, relay increments in
// order, then settle with complete or error.
func (r *Relay) consume(ctx context.Context, session *StreamSession) {
	stream, err := r.gen.Generate(ctx, session.Persona, session.Query)
	if err != nil {
		r.fail(session, err)
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.complete(ctx, session)
			} else if ctx.Err() != nil {
				// Canceled; the session was already discarded.
			} else {
				r.fail(session, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.relayChunk(session, delta)
	}
}

// relayChunk appends one increment and broadcasts it. Fence state toggles
// once per ``` occurrence and persists across increments, since a fence
// pair may straddle a chunk boundary.
func (r *Relay) relayChunk(session *StreamSession, delta string) {
	session.content.WriteString(delta)
	if n := strings.Count(delta, "```"); n%2 == 1 {
		session.inFence = !session.inFence
	}

	metrics.StreamChunks.Inc()
	r.bcast.Broadcast(session.RoomID, models.Event{
		Type: models.EventStreamChunk,
		Data: models.StreamChunk{
			MessageID:   session.MessageID,
			RoomID:      session.RoomID,
			Delta:       delta,
			Content:     session.content.String(),
			InCodeFence: session.inFence,
			Complete:    false,
		},
	})
}

// complete persists the final message and reconciles the streaming id with
// the persisted one.
func (r *Relay) complete(ctx context.Context, session *StreamSession) {
	if !r.discard(session) {
		return
	}

	msg := &models.Message{
		RoomID:   session.RoomID,
		SenderID: session.Persona.Name,
		Type:     models.MessageAI,
		Content:  session.content.String(),
		Metadata: &models.AIMetadata{
			Query:      session.Query,
			Persona:    session.Persona.Name,
			DurationMS: time.Since(session.StartedAt).Milliseconds(),
		},
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	persistedID, err := r.messages.Append(persistCtx, msg)
	if err != nil {
		metrics.StreamSessions.WithLabelValues("error").Inc()
		r.log.Error().Str("message_id", session.MessageID).Err(err).Msg("could not persist generated message")
		r.bcast.Broadcast(session.RoomID, models.Event{
			Type: models.EventStreamError,
			Data: models.StreamError{
				MessageID: session.MessageID,
				RoomID:    session.RoomID,
				Persona:   session.Persona.Name,
				Cause:     "persist failed",
			},
		})
		return
	}

	metrics.StreamSessions.WithLabelValues("complete").Inc()
	metrics.MessagesPosted.WithLabelValues(string(models.MessageAI)).Inc()
	r.bcast.Broadcast(session.RoomID, models.Event{
		Type: models.EventStreamComplete,
		Data: models.StreamComplete{
			MessageID:   session.MessageID,
			PersistedID: persistedID,
			RoomID:      session.RoomID,
			Message:     *msg,
		},
	})

	r.log.Info().
		Str("message_id", session.MessageID).
		Str("persisted_id", persistedID).
		Dur("duration", time.Since(session.StartedAt)).
		Msg("generation complete")
}

// fail reports a generation error to the room and discards the session
// without persisting.
func (r *Relay) fail(session *StreamSession, cause error) {
	if !r.discard(session) {
		return
	}

	metrics.StreamSessions.WithLabelValues("error").Inc()
	r.log.Warn().Str("message_id", session.MessageID).Err(cause).Msg("generation failed")
	r.bcast.Broadcast(session.RoomID, models.Event{
		Type: models.EventStreamError,
		Data: models.StreamError{
			MessageID: session.MessageID,
			RoomID:    session.RoomID,
			Persona:   session.Persona.Name,
			Cause:     cause.Error(),
		},
	})
}

// discard removes the session from both indexes. It returns false when the
// session was already removed, so exactly one of cancel/complete/fail wins.
func (r *Relay) discard(session *StreamSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.sessions[session.MessageID]; !live {
		return false
	}
	delete(r.sessions, session.MessageID)
	key := ownerKey{roomID: session.RoomID, userID: session.UserID}
	if r.owners[key] == session.MessageID {
		delete(r.owners, key)
	}
	return true
}
