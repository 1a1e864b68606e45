// Package upstream owns the connection to the market-data feed: the Streamer
// boundary (the wire protocol is external), a gorilla/websocket
// implementation of it, and the Manager state machine that supervises the
// connection for the life of the process.
package upstream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"golang-tick-streamer/internal/logger"
)

// Callbacks are the four event handlers a Streamer invokes. The upstream
// forgets subscriptions across reconnects, so OnOpen is where replay happens.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Streamer is the upstream streaming-connection boundary. Subscribe may be
// called only while connected; the Manager queues keys in the registry
// otherwise.
type Streamer interface {
	// Connect dials the feed with the given access token, fires OnOpen and
	// starts delivering messages. It returns an error if the dial fails.
	Connect(accessToken string, cb Callbacks) error
	// Subscribe requests the given field mode for the given instrument keys.
	Subscribe(instrumentKeys []string, mode string) error
	// Disconnect closes the current connection, if any.
	Disconnect() error
}

// WSStreamer is the production Streamer over a WebSocket feed.
type WSStreamer struct {
	url string
	log *logger.Log

	mu   sync.Mutex
	conn *websocket.Conn
}

type subscribeFrame struct {
	GUID   string        `json:"guid"`
	Method string        `json:"method"`
	Data   subscribeData `json:"data"`
}

type subscribeData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// NewWSStreamer creates a streamer for the given feed URL.
func NewWSStreamer(url string, log *logger.Log) *WSStreamer {
	return &WSStreamer{url: url, log: log}
}

// Connect dials the feed with a bearer token and starts the read loop in a
// background goroutine. OnOpen fires before the first message can arrive.
func (s *WSStreamer) Connect(accessToken string, cb Callbacks) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}

	go s.readLoop(conn, cb)
	return nil
}

func (s *WSStreamer) readLoop(conn *websocket.Conn, cb Callbacks) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if cb.OnClose != nil {
					cb.OnClose(closeErr.Code, closeErr.Text)
				}
			} else if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}

		if cb.OnMessage != nil {
			cb.OnMessage(raw)
		}
	}
}

// Subscribe sends one subscribe frame for the given keys.
func (s *WSStreamer) Subscribe(instrumentKeys []string, mode string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	frame := subscribeFrame{
		GUID:   uuid.NewString(),
		Method: "sub",
		Data: subscribeData{
			Mode:           mode,
			InstrumentKeys: instrumentKeys,
		},
	}

	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}
	return nil
}

// Disconnect closes the current connection.
func (s *WSStreamer) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
