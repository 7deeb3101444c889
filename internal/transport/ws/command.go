package ws

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies an inbound command on the wire.
type CommandType string

const (
	CmdJoinRoom     CommandType = "room:join"
	CmdLeaveRoom    CommandType = "room:leave"
	CmdFetchHistory CommandType = "history:fetch"
	CmdSendMessage  CommandType = "message:send"
	CmdMarkRead     CommandType = "message:read"
	CmdReact        CommandType = "message:react"
	CmdForceLogin   CommandType = "session:force_login"
	CmdKeepExisting CommandType = "session:keep_existing"
)

// Command is the decoded inbound command: a closed union with exactly one
// populated payload matching Type. The envelope is resolved once here, at
// the transport boundary; everything past this point switches on Type.
type Command struct {
	Type CommandType

	Join        *JoinPayload
	Leave       *LeavePayload
	History     *HistoryPayload
	Message     *MessagePayload
	MarkRead    *MarkReadPayload
	React       *ReactPayload
	Arbitration *ArbitrationPayload
}

// JoinPayload asks to enter a room.
type JoinPayload struct {
	RoomID string `json:"room_id"`
}

// LeavePayload asks to exit a room.
type LeavePayload struct {
	RoomID string `json:"room_id"`
}

// HistoryPayload requests an older page of messages.
type HistoryPayload struct {
	RoomID   string `json:"room_id"`
	PageSize int    `json:"page_size,omitempty"`
	Before   int64  `json:"before,omitempty"` // Unix ms cursor; 0 means now
}

// MessagePayload posts a chat message, optionally mentioning a persona.
type MessagePayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// MarkReadPayload records read receipts for a set of messages.
type MarkReadPayload struct {
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
}

// ReactPayload toggles an emoji reaction on one message.
type ReactPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// ArbitrationPayload resolves a duplicate-login race. The proof must bind
// to the caller's userId.
type ArbitrationPayload struct {
	Proof string `json:"proof"`
}

// envelope is the raw wire shape before variant resolution.
type envelope struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeCommand parses a raw frame into a Command. Unknown types and
// malformed payloads are errors; the caller answers with a protocol error
// event rather than closing the connection.
func DecodeCommand(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("malformed frame: %w", err)
	}

	cmd := Command{Type: env.Type}
	var err error

	switch env.Type {
	case CmdJoinRoom:
		cmd.Join = &JoinPayload{}
		err = unmarshalPayload(env.Data, cmd.Join)
	case CmdLeaveRoom:
		cmd.Leave = &LeavePayload{}
		err = unmarshalPayload(env.Data, cmd.Leave)
	case CmdFetchHistory:
		cmd.History = &HistoryPayload{}
		err = unmarshalPayload(env.Data, cmd.History)
	case CmdSendMessage:
		cmd.Message = &MessagePayload{}
		err = unmarshalPayload(env.Data, cmd.Message)
	case CmdMarkRead:
		cmd.MarkRead = &MarkReadPayload{}
		err = unmarshalPayload(env.Data, cmd.MarkRead)
	case CmdReact:
		cmd.React = &ReactPayload{}
		err = unmarshalPayload(env.Data, cmd.React)
	case CmdForceLogin, CmdKeepExisting:
		cmd.Arbitration = &ArbitrationPayload{}
		err = unmarshalPayload(env.Data, cmd.Arbitration)
	default:
		return Command{}, fmt.Errorf("unknown command type %q", env.Type)
	}

	if err != nil {
		return Command{}, fmt.Errorf("payload for %s: %w", env.Type, err)
	}
	return cmd, nil
}

func unmarshalPayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
