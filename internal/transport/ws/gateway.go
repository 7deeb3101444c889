package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/ai"
	"github.com/karian7/chatrelay/internal/core"
	"github.com/karian7/chatrelay/internal/crypto"
	"github.com/karian7/chatrelay/internal/metrics"
	"github.com/karian7/chatrelay/internal/models"
	"github.com/karian7/chatrelay/internal/store"
)

// mentionRegex matches @persona tokens in message content.
var mentionRegex = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_]*)`)

// Gateway upgrades websocket connections and dispatches their command
// stream into the core. Identity arrives pre-verified from the identity
// provider as (uid, name, proof) on the upgrade request; the proof is
// re-validated here and again on arbitration commands.
type Gateway struct {
	upgrader websocket.Upgrader
	verifier *crypto.Verifier
	registry *core.Registry
	rooms    *core.Rooms
	history  *core.History
	relay    *core.Relay
	bcast    *core.Broadcaster
	personas *ai.Personas
	messages store.MessageStore
	data     store.DataStore
	log      zerolog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(
	verifier *crypto.Verifier,
	registry *core.Registry,
	rooms *core.Rooms,
	history *core.History,
	relay *core.Relay,
	bcast *core.Broadcaster,
	personas *ai.Personas,
	messages store.MessageStore,
	data store.DataStore,
	log zerolog.Logger,
) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from anywhere; identity is proven by
			// the session proof, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		verifier: verifier,
		registry: registry,
		rooms:    rooms,
		history:  history,
		relay:    relay,
		bcast:    bcast,
		personas: personas,
		messages: messages,
		data:     data,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// HandleWS is the websocket entry point: authenticate, upgrade, register,
// then pump commands until disconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("uid")
	displayName := r.URL.Query().Get("name")
	proof := r.URL.Query().Get("proof")

	if userID == "" || proof == "" {
		http.Error(w, `{"error":"missing identity"}`, http.StatusUnauthorized)
		return
	}
	if err := g.verifier.Verify(userID, proof); err != nil {
		http.Error(w, `{"error":"invalid session proof"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	if displayName != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := g.data.UpsertProfile(ctx, &models.Profile{UserID: userID, DisplayName: displayName}); err != nil {
			g.log.Warn().Str("user_id", userID).Err(err).Msg("profile upsert failed")
		}
		cancel()
	}

	client := newClient(crypto.NewUUIDv7().String(), userID, conn, models.ConnMeta{
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		ConnectedAt: time.Now().UnixMilli(),
	}, g.log)

	g.registry.Connect(userID, client)

	go client.writePump()
	client.readPump(func(raw []byte) {
		g.dispatch(client, raw)
	})

	// Read pump exit means the socket is gone. Membership is released only
	// when no other connection holds the user (arbitration hand-over keeps
	// the room).
	if uid, stillOwned := g.registry.Disconnect(client.ID()); uid != "" && !stillOwned {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.rooms.LeaveCurrent(ctx, uid); err != nil {
			g.log.Warn().Str("user_id", uid).Err(err).Msg("leave on disconnect failed")
		}
	}
}

// dispatch decodes one frame and routes it to the matching handler.
// Failures produce protocol error events, never a disconnect.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	cmd, err := DecodeCommand(raw)
	if err != nil {
		g.sendError(c, "invalid_input", "unrecognized command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd.Type {
	case CmdJoinRoom:
		err = g.rooms.Join(ctx, c.UserID(), c, cmd.Join.RoomID)
	case CmdLeaveRoom:
		err = g.rooms.Leave(ctx, c.UserID(), cmd.Leave.RoomID)
	case CmdFetchHistory:
		err = g.history.Request(ctx, cmd.History.RoomID, c.UserID(), c, cmd.History.PageSize, cmd.History.Before)
	case CmdSendMessage:
		err = g.handleSend(ctx, c, cmd.Message)
	case CmdMarkRead:
		err = g.history.MarkRead(ctx, cmd.MarkRead.RoomID, c.UserID(), cmd.MarkRead.MessageIDs)
	case CmdReact:
		err = g.handleReact(ctx, c, cmd.React)
	case CmdForceLogin:
		err = g.registry.ResolveForceLogin(c.UserID(), cmd.Arbitration.Proof)
	case CmdKeepExisting:
		err = g.registry.ResolveKeepExisting(c.UserID(), cmd.Arbitration.Proof)
	}

	if err != nil {
		g.log.Debug().Str("command", string(cmd.Type)).Str("user_id", c.UserID()).Err(err).Msg("command failed")
		g.sendError(c, core.ErrorCode(err), err.Error())
	}
}

// handleSend persists and broadcasts a chat message, then kicks off an AI
// generation when the content mentions a known persona. Blank content is
// silently dropped.
func (g *Gateway) handleSend(ctx context.Context, c *Client, p *MessagePayload) error {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return nil
	}
	if !g.rooms.IsParticipant(p.RoomID, c.UserID()) {
		return core.ErrAccessDenied
	}

	msg := &models.Message{
		RoomID:   p.RoomID,
		SenderID: c.UserID(),
		Type:     models.MessageChat,
		Content:  content,
	}
	if _, err := g.messages.Append(ctx, msg); err != nil {
		return core.ErrTransientIO
	}
	metrics.MessagesPosted.WithLabelValues(string(models.MessageChat)).Inc()

	g.bcast.Broadcast(p.RoomID, models.Event{Type: models.EventChatMessage, Data: msg})

	if persona, query, ok := g.parseMention(content); ok {
		return g.relay.Start(ctx, p.RoomID, c.UserID(), persona, query)
	}
	return nil
}

// parseMention finds the first @token naming a known persona. Unknown
// tokens are plain text.
func (g *Gateway) parseMention(content string) (persona, query string, ok bool) {
	for _, m := range mentionRegex.FindAllStringSubmatch(content, -1) {
		if _, known := g.personas.Lookup(m[1]); known {
			query = strings.TrimSpace(strings.Replace(content, m[0], "", 1))
			return m[1], query, true
		}
	}
	return "", "", false
}

// handleReact toggles a reaction and broadcasts the new state to the room.
func (g *Gateway) handleReact(ctx context.Context, c *Client, p *ReactPayload) error {
	if !g.rooms.IsParticipant(p.RoomID, c.UserID()) {
		return core.ErrAccessDenied
	}
	if p.Emoji == "" || p.MessageID == "" {
		return core.ErrInvalidInput
	}

	reactions, err := g.messages.ToggleReaction(ctx, p.RoomID, p.MessageID, p.Emoji, c.UserID())
	if err != nil {
		return reactionError(err)
	}

	g.bcast.Broadcast(p.RoomID, models.Event{
		Type: models.EventReaction,
		Data: models.ReactionUpdate{RoomID: p.RoomID, MessageID: p.MessageID, Reactions: reactions},
	})
	return nil
}

// reactionError maps a reaction store failure to the protocol error surfaced
// to the client. Only a genuinely missing message reports not_found; store
// outages stay transient.
func reactionError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return core.ErrMessageNotFound
	}
	return fmt.Errorf("%w: toggle reaction: %v", core.ErrTransientIO, err)
}

// sendError delivers a protocol-level error event to one connection.
func (g *Gateway) sendError(c *Client, code, message string) {
	_ = c.Send(models.Event{
		Type: models.EventProtocolError,
		Data: models.ProtocolError{Code: code, Message: message},
	})
}
