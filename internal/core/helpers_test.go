package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/ai"
	"github.com/karian7/chatrelay/internal/crypto"
	"github.com/karian7/chatrelay/internal/models"
	"github.com/karian7/chatrelay/internal/store"
)

// fakeConn records every event and close reason it receives.
type fakeConn struct {
	mu       sync.Mutex
	id       string
	open     bool
	failSend bool
	events   []models.Event
	closes   []string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return ErrSlowConsumer
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closes = append(c.closes, reason)
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Meta() models.ConnMeta {
	return models.ConnMeta{RemoteAddr: "127.0.0.1:1234", ConnectedAt: time.Now().UnixMilli()}
}

func (c *fakeConn) eventsOfType(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) closeReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closes...)
}

// fakeMessageStore is an in-memory MessageStore with fault injection for
// the retry paths.
type fakeMessageStore struct {
	mu          sync.Mutex
	seq         int
	msgs        map[string][]models.Message // roomID -> chronological
	readers     map[string]map[string]bool  // msgID -> readerIds
	queryCalls  int
	failQueries int // fail this many queries before succeeding
	queryGate   chan struct{} // when set, QueryPage blocks until it closes
	appendErr   error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		msgs:    make(map[string][]models.Message),
		readers: make(map[string]map[string]bool),
	}
}

func (s *fakeMessageStore) Append(ctx context.Context, msg *models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return "", s.appendErr
	}
	s.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%03d", s.seq)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = int64(1000 + s.seq)
	}
	s.msgs[msg.RoomID] = append(s.msgs[msg.RoomID], *msg)
	return msg.ID, nil
}

func (s *fakeMessageStore) QueryPage(ctx context.Context, roomID string, before int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	s.queryCalls++
	gate := s.queryGate
	shouldFail := s.failQueries > 0
	if shouldFail {
		s.failQueries--
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if shouldFail {
		return nil, fmt.Errorf("store unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	all := s.msgs[roomID]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		m := all[i]
		if m.Deleted {
			continue
		}
		if before > 0 && m.Timestamp >= before {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeMessageStore) MarkRead(ctx context.Context, ids []string, roomID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for _, id := range ids {
		if s.readers[id] == nil {
			s.readers[id] = make(map[string]bool)
		}
		if !s.readers[id][readerID] {
			s.readers[id][readerID] = true
			marked++
		}
	}
	return marked, nil
}

func (s *fakeMessageStore) ToggleReaction(ctx context.Context, roomID, messageID, emoji, userID string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs[roomID] {
		m := &s.msgs[roomID][i]
		if m.ID != messageID {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		users := m.Reactions[emoji]
		for j, u := range users {
			if u == userID {
				m.Reactions[emoji] = append(users[:j], users[j+1:]...)
				if len(m.Reactions[emoji]) == 0 {
					delete(m.Reactions, emoji)
				}
				return m.Reactions, nil
			}
		}
		m.Reactions[emoji] = append(users, userID)
		return m.Reactions, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeMessageStore) SoftDelete(ctx context.Context, roomID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs[roomID] {
		if s.msgs[roomID][i].ID == messageID {
			s.msgs[roomID][i].Deleted = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeMessageStore) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls
}

func (s *fakeMessageStore) roomMessages(roomID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs[roomID]...)
}

// fakeDataStore is an in-memory DataStore.
type fakeDataStore struct {
	mu       sync.Mutex
	rooms    map[string]*models.Room
	profiles map[string]models.Profile
}

func newFakeDataStore(roomIDs ...string) *fakeDataStore {
	s := &fakeDataStore{
		rooms:    make(map[string]*models.Room),
		profiles: make(map[string]models.Profile),
	}
	for _, id := range roomIDs {
		s.rooms[id] = &models.Room{ID: id, Name: id, Participants: []string{}}
	}
	return s
}

func (s *fakeDataStore) Close()                         {}
func (s *fakeDataStore) Ping(ctx context.Context) error { return nil }

func (s *fakeDataStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := &models.Room{ID: name, Name: name, Participants: []string{}}
	s.rooms[room.ID] = room
	return room, nil
}

func (s *fakeDataStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *room
	cp.Participants = append([]string(nil), room.Participants...)
	return &cp, nil
}

func (s *fakeDataStore) RoomExists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok, nil
}

func (s *fakeDataStore) ListRooms(ctx context.Context, limit, offset int) ([]models.Room, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Room
	for _, r := range s.rooms {
		out = append(out, *r)
	}
	return out, len(out), nil
}

func (s *fakeDataStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room not found")
	}
	if !room.HasParticipant(userID) {
		room.Participants = append(room.Participants, userID)
	}
	return nil
}

func (s *fakeDataStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	for i, id := range room.Participants {
		if id == userID {
			room.Participants = append(room.Participants[:i], room.Participants[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeDataStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	return nil
}

func (s *fakeDataStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *fakeDataStore) GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Profile, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		} else {
			out = append(out, models.Profile{UserID: id, DisplayName: id})
		}
	}
	return out, nil
}

func (s *fakeDataStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = *p
	return nil
}

func (s *fakeDataStore) hasRoom(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok
}

func (s *fakeDataStore) participants(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		return append([]string(nil), room.Participants...)
	}
	return nil
}

// scriptedGenerator yields a fixed chunk sequence. With hold set, the
// stream blocks after the scripted chunks until the context is canceled.
type scriptedGenerator struct {
	chunks []string
	err    error // returned after chunks instead of EOF
	hold   bool
}

func (g *scriptedGenerator) Generate(ctx context.Context, persona ai.Persona, query string) (ai.Stream, error) {
	return &scriptedStream{ctx: ctx, chunks: g.chunks, err: g.err, hold: g.hold}, nil
}

type scriptedStream struct {
	ctx    context.Context
	chunks []string
	pos    int
	err    error
	hold   bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.hold {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// testCore wires a full core around in-memory fakes.
type testCore struct {
	data     *fakeDataStore
	messages *fakeMessageStore
	registry *Registry
	rooms    *Rooms
	history  *History
	relay    *Relay
	bcast    *Broadcaster
	verifier *crypto.Verifier
}

func newTestCore(t *testing.T, gen ai.Generator, roomIDs ...string) *testCore {
	t.Helper()

	verifier, err := crypto.NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}

	log := zerolog.Nop()
	data := newFakeDataStore(roomIDs...)
	messages := newFakeMessageStore()
	bcast := NewBroadcaster(log)
	registry := NewRegistry(verifier, 50*time.Millisecond, log)
	history := NewHistory(messages, HistoryConfig{
		RetryBase:   time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	}, log)

	if gen == nil {
		gen = &scriptedGenerator{chunks: []string{"ok"}}
	}
	relay := NewRelay(gen, ai.DefaultPersonas("test-model"), messages, bcast, log)
	rooms := NewRooms(data, messages, history, relay, bcast, registry, log)

	return &testCore{
		data:     data,
		messages: messages,
		registry: registry,
		rooms:    rooms,
		history:  history,
		relay:    relay,
		bcast:    bcast,
		verifier: verifier,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
