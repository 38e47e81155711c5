package websocket

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Room is the set of clients editing one flow.
type Room struct {
	FlowID  uint
	Clients map[string]*Client
	mu      sync.RWMutex
	Logger  zerolog.Logger
}

func NewRoom(flowID uint, logger zerolog.Logger) *Room {
	return &Room{
		FlowID:  flowID,
		Clients: make(map[string]*Client),
		Logger:  logger,
	}
}

// AddClient adds a client to the room
func (r *Room) AddClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Clients[client.ID] = client
	r.Logger.Info().
		Uint("flowId", r.FlowID).
		Str("clientId", client.ID).
		Uint("userId", client.UserID).
		Int("totalClients", len(r.Clients)).
		Msg("Client joined room")

	r.broadcastUserJoin(client)
}

// RemoveClient removes a client from the room
func (r *Room) RemoveClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.Clients[client.ID]; exists {
		delete(r.Clients, client.ID)
		r.Logger.Info().
			Uint("flowId", r.FlowID).
			Str("clientId", client.ID).
			Uint("userId", client.UserID).
			Int("remainingClients", len(r.Clients)).
			Msg("Client left room")

		r.broadcastUserLeave(client)
	}
}

// Broadcast sends a message to all clients in the room
func (r *Room) Broadcast(message Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, client := range r.Clients {
		if !client.deliver(message) {
			r.Logger.Warn().
				Str("clientId", client.ID).
				Msg("Client send buffer full, message dropped")
		}
	}
}

// GetActiveUsers returns a list of active users in the room
func (r *Room) GetActiveUsers() []UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeUsers()
}

func (r *Room) activeUsers() []UserInfo {
	users := make([]UserInfo, 0, len(r.Clients))
	seen := make(map[uint]bool)

	for _, client := range r.Clients {
		if !seen[client.UserID] {
			users = append(users, UserInfo{
				UserID:   client.UserID,
				Username: client.Username,
				Color:    client.Color,
			})
			seen[client.UserID] = true
		}
	}
	return users
}

func (r *Room) Has(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.Clients[clientID]
	return ok
}

// IsEmpty returns true if the room has no clients
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Clients) == 0
}

// ClientCount returns the number of clients in the room
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Clients)
}

// broadcastUserJoin notifies all clients that a user joined and sends the
// newcomer the list of users already present. Called with r.mu held.
func (r *Room) broadcastUserJoin(client *Client) {
	message := NewUserJoinMessage(r.FlowID, client.UserID, client.Username, client.Info())
	for _, c := range r.Clients {
		c.deliver(message)
	}

	usersMessage := Message{
		Type:      MessageTypeUserJoin,
		FlowID:    r.FlowID,
		Username:  "system",
		Timestamp: time.Now(),
		Data: map[string]any{
			"activeUsers": r.activeUsers(),
		},
	}
	client.deliver(usersMessage)
}

// broadcastUserLeave notifies all clients that a user left. Called with r.mu
// held.
func (r *Room) broadcastUserLeave(client *Client) {
	message := NewUserLeaveMessage(r.FlowID, client.UserID, client.Username, client.Info())
	for _, c := range r.Clients {
		c.deliver(message)
	}
}
