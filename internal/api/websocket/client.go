package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Upper bound for applying one edit
	processTimeout = 30 * time.Second
)

type Client struct {
	ID           string
	UserID       uint
	Username     string
	FlowID       uint
	Color        string
	Hub          *Hub
	Conn         *websocket.Conn
	Send         chan Message
	Processor    *MessageProcessor
	ProcessQueue chan Message
	Logger       zerolog.Logger

	sendMu sync.Mutex
	closed bool
}

func NewClient(id string, userID uint, username string, flowID uint, hub *Hub, conn *websocket.Conn, processor *MessageProcessor, logger zerolog.Logger) *Client {
	client := &Client{
		ID:           id,
		UserID:       userID,
		Username:     username,
		FlowID:       flowID,
		Color:        generateUserColor(userID),
		Hub:          hub,
		Conn:         conn,
		Send:         make(chan Message, 256),
		Processor:    processor,
		ProcessQueue: make(chan Message, 100),
		Logger:       logger,
	}

	// Edits of one connection are applied in the order they were received
	go client.processWorker()

	return client
}

// deliver queues message without blocking. It reports false when the buffer
// is full or the hub already closed Send.
func (c *Client) deliver(message Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) Info() UserInfo {
	return UserInfo{UserID: c.UserID, Username: c.Username, Color: c.Color}
}

func (c *Client) ReadPump() {
	defer func() {
		close(c.ProcessQueue)
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Logger.Error().Err(err).Str("clientId", c.ID).Msg("WebSocket read error")
			}
			break
		}
		c.receive(messageBytes)
	}
}

// receive stamps an inbound message with the connection identity and routes
// it to the room or to the process queue.
func (c *Client) receive(messageBytes []byte) {
	var msg Message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		c.Logger.Error().Err(err).Str("clientId", c.ID).Msg("Failed to unmarshal message")
		c.sendError("Invalid message format", err)
		return
	}

	if !c.validateMessage(&msg) {
		return
	}

	msg.UserID = c.UserID
	msg.Username = c.Username
	msg.FlowID = c.FlowID
	msg.Timestamp = time.Now()

	if !c.requiresProcessing(msg.Type) {
		c.Hub.Publish(msg)
		return
	}

	select {
	case c.ProcessQueue <- msg:
	default:
		c.Logger.Warn().
			Str("type", string(msg.Type)).
			Msg("Process queue full, dropping message")
		c.sendError("Server is busy, please try again")
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			messageBytes, err := json.Marshal(message)
			if err != nil {
				c.Logger.Error().Err(err).Msg("Failed to marshal message")
				w.Close()
				continue
			}
			w.Write(messageBytes)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.Send
				if !ok {
					break
				}
				msgBytes, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(msgBytes)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// validateMessage rejects messages addressed to another flow or of a type
// only the server may send.
func (c *Client) validateMessage(msg *Message) bool {
	if msg.FlowID != 0 && msg.FlowID != c.FlowID {
		c.sendError("Message flow ID does not match connection flow ID")
		return false
	}

	switch msg.Type {
	case MessageTypeNodeResult, MessageTypeUserJoin, MessageTypeUserLeave, MessageTypeError:
		c.sendError("Message type " + string(msg.Type) + " cannot be sent by clients")
		return false
	case "":
		c.sendError("Message type is required")
		return false
	}
	return true
}

// sendError sends an error message to this client only
func (c *Client) sendError(errorMsg string, errs ...error) {
	if !c.deliver(NewErrorMessage(c.FlowID, c.UserID, c.Username, errorMsg, errs...)) {
		c.Logger.Warn().Str("clientId", c.ID).Msg("Error message dropped")
	}
}

// processWorker applies queued edits sequentially
func (c *Client) processWorker() {
	c.Logger.Debug().Str("clientId", c.ID).Msg("Process worker started")

	for msg := range c.ProcessQueue {
		if c.Processor == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		processedMsg, err := c.Processor.ProcessMessage(ctx, &msg)
		cancel()
		if err != nil {
			c.Logger.Error().
				Err(err).
				Str("type", string(msg.Type)).
				Uint("userId", msg.UserID).
				Msg("Failed to process message")

			c.sendError(err.Error())
			continue
		}

		c.Hub.Publish(*processedMsg)

		c.Logger.Debug().
			Str("type", string(msg.Type)).
			Uint("userId", msg.UserID).
			Msg("Message processed successfully")
	}

	c.Logger.Debug().Str("clientId", c.ID).Msg("Process worker stopped")
}

// requiresProcessing checks if a message type edits the flow
func (c *Client) requiresProcessing(msgType MessageType) bool {
	switch msgType {
	case MessageTypeNodeAdd, MessageTypeNodeDelete, MessageTypeEdgeAdd, MessageTypeEdgeDelete,
		MessageTypeParamsSet, MessageTypeNodeRetry:
		return true
	default:
		return false
	}
}

// generateUserColor generates a consistent color for a user based on their ID
func generateUserColor(userID uint) string {
	colors := []string{
		"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
		"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
		"#F8B739", "#52B788", "#E76F51", "#2A9D8F",
	}
	return colors[userID%uint(len(colors))]
}
