package chat

import (
	"github.com/gorilla/websocket"
)

// Client represents one authenticated realtime connection.
// A single user may have multiple devices/tabs, each maintained separately.
type Client struct {
	ConnID   string          // Unique connection ID (unique within the local gateway)
	UserID   string          // User ID (verified at the handshake)
	DeviceID string          // Optional verified device ID
	WS       *websocket.Conn // WebSocket connection object
	Send     chan []byte     // Outbound queue (consumed by a single writer goroutine)

	quit chan struct{} // closed once on teardown; stops the writer
}

// NewClient creates a new client connection object.
func NewClient(connID, userID, deviceID string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		DeviceID: deviceID,
		WS:       ws,
		Send:     make(chan []byte, sendQueueSize),
		quit:     make(chan struct{}),
	}
}

// UserRoom / DeviceRoom 连接固定加入的两个房间。
func (c *Client) UserRoom() string { return "user:" + c.UserID }

func (c *Client) DeviceRoom() string {
	if c.DeviceID == "" {
		return ""
	}
	return "device:" + c.DeviceID
}
