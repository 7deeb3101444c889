package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/core"
	"github.com/karian7/chatrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection. It implements core.Conn: events are
// queued on a buffered channel drained by the write pump, and a connection
// whose buffer is full is reported as a slow consumer instead of blocking
// the broadcaster.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan models.Event
	meta   models.ConnMeta
	log    zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// newClient wraps an upgraded connection.
func newClient(id, userID string, conn *websocket.Conn, meta models.ConnMeta, log zerolog.Logger) *Client {
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan models.Event, sendBuffer),
		meta:   meta,
		log:    log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user this connection belongs to.
func (c *Client) UserID() string { return c.userID }

// Meta describes where the connection came from.
func (c *Client) Meta() models.ConnMeta { return c.meta }

// IsOpen reports whether the connection can still deliver events.
func (c *Client) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Send queues an event for the write pump. It never blocks: a full buffer
// means the consumer is too slow and the event is dropped with an error.
func (c *Client) Send(ev models.Event) error {
	select {
	case <-c.closed:
		return core.ErrSlowConsumer
	default:
	}

	select {
	case c.send <- ev:
		return nil
	default:
		return core.ErrSlowConsumer
	}
}

// Close terminates the connection with a close frame carrying the reason.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		deadline := time.Now().Add(writeWait)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug().Err(err).Msg("close frame not written")
		}
		c.conn.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. One writePump per connection; gorilla
// permits a single concurrent writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close("write pump exit")
	}()

	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(ev)
			if err != nil {
				c.log.Error().Str("event", string(ev.Type)).Err(err).Msg("event not serializable")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to handle until the connection dies.
// Commands from one connection are processed in arrival order.
func (c *Client) readPump(handle func(raw []byte)) {
	defer c.Close("read pump exit")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
		handle(raw)
	}
}
