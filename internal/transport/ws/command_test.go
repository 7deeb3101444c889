package ws

import "testing"

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, cmd Command)
	}{
		{
			name: "join",
			raw:  `{"type":"room:join","data":{"room_id":"r1"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Join == nil || cmd.Join.RoomID != "r1" {
					t.Fatalf("bad join payload: %+v", cmd)
				}
			},
		},
		{
			name: "leave",
			raw:  `{"type":"room:leave","data":{"room_id":"r1"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Leave == nil || cmd.Leave.RoomID != "r1" {
					t.Fatalf("bad leave payload: %+v", cmd)
				}
			},
		},
		{
			name: "history with cursor",
			raw:  `{"type":"history:fetch","data":{"room_id":"r1","page_size":20,"before":174000}}`,
			check: func(t *testing.T, cmd Command) {
				h := cmd.History
				if h == nil || h.RoomID != "r1" || h.PageSize != 20 || h.Before != 174000 {
					t.Fatalf("bad history payload: %+v", h)
				}
			},
		},
		{
			name: "history defaults",
			raw:  `{"type":"history:fetch","data":{"room_id":"r1"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.History.PageSize != 0 || cmd.History.Before != 0 {
					t.Fatalf("omitted fields must be zero: %+v", cmd.History)
				}
			},
		},
		{
			name: "send message",
			raw:  `{"type":"message:send","data":{"room_id":"r1","content":"hi @wayneAI"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Message == nil || cmd.Message.Content != "hi @wayneAI" {
					t.Fatalf("bad message payload: %+v", cmd.Message)
				}
			},
		},
		{
			name: "mark read",
			raw:  `{"type":"message:read","data":{"room_id":"r1","message_ids":["m1","m2"]}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.MarkRead == nil || len(cmd.MarkRead.MessageIDs) != 2 {
					t.Fatalf("bad mark-read payload: %+v", cmd.MarkRead)
				}
			},
		},
		{
			name: "react",
			raw:  `{"type":"message:react","data":{"room_id":"r1","message_id":"m1","emoji":"👍"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.React == nil || cmd.React.Emoji != "👍" {
					t.Fatalf("bad react payload: %+v", cmd.React)
				}
			},
		},
		{
			name: "force login",
			raw:  `{"type":"session:force_login","data":{"proof":"abc"}}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Arbitration == nil || cmd.Arbitration.Proof != "abc" {
					t.Fatalf("bad arbitration payload: %+v", cmd.Arbitration)
				}
			},
		},
		{
			name: "keep existing without data",
			raw:  `{"type":"session:keep_existing"}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Arbitration == nil || cmd.Arbitration.Proof != "" {
					t.Fatalf("bad arbitration payload: %+v", cmd.Arbitration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, cmd)
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"room:burn","data":{}}`},
		{"not json", `not json at all`},
		{"payload type mismatch", `{"type":"room:join","data":{"room_id":42}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCommand([]byte(tt.raw)); err == nil {
				t.Fatal("expected a decode error")
			}
		})
	}
}
