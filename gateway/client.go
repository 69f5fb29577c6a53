package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/whisper-relay/protocol"
)

const writeTimeout = 10 * time.Second

// client is one websocket connection. It implements presence.Conn so the
// routing layers can write frames without depending on this package.
type client struct {
	socketID string
	conn     *websocket.Conn

	// writeMu serializes writes; gorilla connections allow at most one
	// concurrent writer.
	writeMu sync.Mutex

	// whisperID is set once the challenge proof verifies.
	mu        sync.Mutex
	whisperID string
}

func newClient(socketID string, conn *websocket.Conn) *client {
	return &client{socketID: socketID, conn: conn}
}

// SocketID returns the server-assigned socket identifier.
func (c *client) SocketID() string { return c.socketID }

// WhisperID returns the authenticated identity, or "" before auth.
func (c *client) WhisperID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.whisperID
}

func (c *client) setWhisperID(id string) {
	c.mu.Lock()
	c.whisperID = id
	c.mu.Unlock()
}

// Send serializes one outbound frame. Safe for concurrent use.
func (c *client) Send(frameType string, payload any) error {
	raw, err := protocol.Marshal(frameType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// CloseWith writes a close control frame and tears the socket down.
func (c *client) CloseWith(code int, reason string) error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// sendError emits an error frame; write failures are ignored because the
// read pump will notice a dead socket on its own.
func (c *client) sendError(code, message string) {
	_ = c.Send(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}
