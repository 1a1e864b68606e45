// Package api exposes the downstream surfaces: the viewer WebSocket endpoint
// speaking the event protocol, and a small HTTP API for health and
// operational stats.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"golang-tick-streamer/internal/fanout"
	"golang-tick-streamer/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
)

// envelope is the JSON frame exchanged with viewers.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// subscribeRequest is the payload of a request_initial_data event.
type subscribeRequest struct {
	Symbol string `json:"symbol"`
}

// Client is one viewer connection. It implements fanout.Session: Send queues
// the event and never blocks; a full queue marks the client dead and the
// connection is torn down (a slow viewer simply misses ticks).
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *fanout.Hub
	log  *logger.Entry

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, hub *fanout.Hub, log *logger.Log) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		hub:  hub,
		log:  log.WithComponent("viewer").WithFields(logger.Fields{"session": id}),
		send: make(chan outbound, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues one event for delivery. Send-and-forget: on overflow the event
// is dropped and the connection closed.
func (c *Client) Send(event string, data interface{}) {
	select {
	case c.send <- outbound{Event: event, Data: data}:
	case <-c.done:
	default:
		c.log.Warn("send queue full, dropping viewer")
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all writes to the connection and keeps it alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes viewer events until the connection drops, then revokes
// the session from the hub.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.OnViewerDisconnected(c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("viewer connection error")
			}
			return
		}
		c.handle(msg)
	}
}

// handle dispatches one viewer event. A panic in a handler drops the event
// and keeps the connection alive.
func (c *Client) handle(msg envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logger.Fields{"event": msg.Event, "panic": r}).Error("viewer event handler panicked")
		}
	}()

	switch msg.Event {
	case "request_initial_data":
		var req subscribeRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.log.WithError(err).Warn("bad request_initial_data payload")
				return
			}
		}
		// An empty symbol is silently ignored, per the viewer protocol.
		c.hub.OnViewerSubscribeRequest(c.id, req.Symbol)
	default:
		c.log.WithFields(logger.Fields{"event": msg.Event}).Debug("ignoring unknown viewer event")
	}
}

// WebSocketHandler upgrades viewer connections and binds them to the hub.
type WebSocketHandler struct {
	hub      *fanout.Hub
	log      *logger.Log
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the viewer endpoint handler.
func NewWebSocketHandler(hub *fanout.Hub, log *logger.Log) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleViewerStream is the entry point for one viewer session.
func (h *WebSocketHandler) HandleViewerStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("viewer").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(conn, h.hub, h.log)
	h.hub.OnViewerConnected(client)

	go client.writePump()
	client.readPump()
}
