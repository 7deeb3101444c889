package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/karian7/chatrelay/internal/models"
)

func TestStartRejectsUnknownPersona(t *testing.T) {
	tc := newTestCore(t, nil, "room1")

	err := tc.relay.Start(context.Background(), "room1", "alice", "nobody", "hi")
	if err != ErrUnknownPersona {
		t.Fatalf("expected ErrUnknownPersona, got %v", err)
	}
}

func TestStreamChunksArriveInOrderWithAccumulation(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"one ", "two ", "three"}}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "count"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamComplete)) == 1
	}, "stream completion")

	chunks := conn.eventsOfType(models.EventStreamChunk)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantContent := []string{"one ", "one two ", "one two three"}
	for i, ev := range chunks {
		c := ev.Data.(models.StreamChunk)
		if c.Content != wantContent[i] {
			t.Fatalf("chunk %d content = %q, want %q", i, c.Content, wantContent[i])
		}
		if c.Complete {
			t.Fatalf("chunk %d flagged complete", i)
		}
	}

	started := conn.eventsOfType(models.EventStreamStarted)
	if len(started) != 1 {
		t.Fatalf("expected 1 start event, got %d", len(started))
	}
}

func TestStreamCompletePersistsWithMetadata(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"the answer"}}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "consultingAI", "question"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamComplete)) == 1
	}, "stream completion")

	done := conn.eventsOfType(models.EventStreamComplete)[0].Data.(models.StreamComplete)
	if done.PersistedID == "" || done.MessageID == done.PersistedID {
		t.Fatalf("completion must carry a distinct persisted id, got %+v", done)
	}

	var persisted *models.Message
	for _, m := range tc.messages.roomMessages("room1") {
		if m.Type == models.MessageAI {
			mm := m
			persisted = &mm
		}
	}
	if persisted == nil {
		t.Fatal("completed generation must be persisted")
	}
	if persisted.Content != "the answer" || persisted.SenderID != "consultingAI" {
		t.Fatalf("unexpected persisted message %+v", persisted)
	}
	if persisted.Metadata == nil || persisted.Metadata.Query != "question" || persisted.Metadata.Persona != "consultingAI" {
		t.Fatalf("unexpected metadata %+v", persisted.Metadata)
	}

	if tc.relay.Live(done.MessageID) {
		t.Fatal("completed session must be discarded")
	}
}

func TestCodeFenceStateSpansChunks(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"Hello ```go\nfmt.Println", "(\"hi\")``` done"}}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "code"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamComplete)) == 1
	}, "stream completion")

	chunks := conn.eventsOfType(models.EventStreamChunk)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if c := chunks[0].Data.(models.StreamChunk); !c.InCodeFence {
		t.Fatal("first chunk opens a fence and must report inside")
	}
	if c := chunks[1].Data.(models.StreamChunk); c.InCodeFence {
		t.Fatal("second chunk closes the fence and must report outside")
	}
}

func TestStreamErrorEmitsErrorEventWithoutPersisting(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"partial"}, err: fmt.Errorf("upstream gone")}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "hi"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamError)) == 1
	}, "stream error event")

	if got := len(conn.eventsOfType(models.EventStreamComplete)); got != 0 {
		t.Fatalf("failed session must not complete, got %d completions", got)
	}
	for _, m := range tc.messages.roomMessages("room1") {
		if m.Type == models.MessageAI {
			t.Fatal("failed session must not persist a message")
		}
	}
}

func TestCancelOwnedSilencesSession(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"partial "}, hold: true}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "hi"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamChunk)) == 1
	}, "first chunk")

	msgID := conn.eventsOfType(models.EventStreamChunk)[0].Data.(models.StreamChunk).MessageID
	tc.relay.CancelOwned("room1", "alice")

	if tc.relay.Live(msgID) {
		t.Fatal("canceled session must be discarded")
	}
	time.Sleep(50 * time.Millisecond)
	for _, typ := range []models.EventType{models.EventStreamComplete, models.EventStreamError} {
		if got := len(conn.eventsOfType(typ)); got != 0 {
			t.Fatalf("canceled session must stay silent, got %d %s events", got, typ)
		}
	}
}

func TestSecondStartCancelsOwnersFirstSession(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"first "}, hold: true}
	tc := newTestCore(t, gen, "room1")
	conn := joinRoom(t, tc, "alice", "room1")

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "first"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType(models.EventStreamChunk)) == 1
	}, "chunk from the first session")
	firstID := conn.eventsOfType(models.EventStreamChunk)[0].Data.(models.StreamChunk).MessageID

	if err := tc.relay.Start(context.Background(), "room1", "alice", "wayneAI", "second"); err != nil {
		t.Fatal(err)
	}

	if tc.relay.Live(firstID) {
		t.Fatal("starting a second generation must cancel the first")
	}
	if got := len(conn.eventsOfType(models.EventStreamStarted)); got != 2 {
		t.Fatalf("expected 2 start events, got %d", got)
	}
}
