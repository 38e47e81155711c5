package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imgflow/internal/api/models"
)

// Hub maintains the set of active clients and broadcasts messages to clients
type Hub struct {
	// Rooms indexed by flow ID
	Rooms map[uint]*Room

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Broadcast messages to clients in a specific room
	Broadcast chan Message

	done chan struct{}

	// Mutex for thread-safe operations
	mu sync.RWMutex

	Logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		Rooms:      make(map[uint]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan Message, 256),
		done:       make(chan struct{}),
		Logger:     logger,
	}
}

// Run starts the hub's main event loop. It returns when ctx is done, after
// closing every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	// Cleanup ticker for removing empty rooms
	cleanupTicker := time.NewTicker(5 * time.Minute)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case message := <-h.Broadcast:
			h.broadcastMessage(message)

		case <-cleanupTicker.C:
			h.cleanupEmptyRooms()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Publish queues message for its room. It drops the message once the hub has
// stopped.
func (h *Hub) Publish(message Message) {
	select {
	case h.Broadcast <- message:
	case <-h.done:
	}
}

// OnFlowResult pushes result changes to the room of the flow.
func (h *Hub) OnFlowResult(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool) {
	h.mu.RLock()
	_, open := h.Rooms[flowID]
	h.mu.RUnlock()
	if !open {
		return
	}
	h.Publish(NewNodeResultMessage(flowID, nodeID, entry, cleared))
}

// registerClient registers a new client to a room
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.Rooms[client.FlowID]
	if !exists {
		room = NewRoom(client.FlowID, h.Logger)
		h.Rooms[client.FlowID] = room
		h.Logger.Info().Uint("flowId", client.FlowID).Msg("Created new room")
	}

	room.AddClient(client)
}

// unregisterClient unregisters a client from a room
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.Rooms[client.FlowID]
	if !exists {
		return
	}
	if !room.Has(client.ID) {
		return
	}

	room.RemoveClient(client)
	client.closeSend()

	if room.IsEmpty() {
		delete(h.Rooms, client.FlowID)
		h.Logger.Info().Uint("flowId", client.FlowID).Msg("Removed empty room")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for flowID, room := range h.Rooms {
		for _, client := range room.Clients {
			client.closeSend()
		}
		delete(h.Rooms, flowID)
	}
}

// broadcastMessage broadcasts a message to the appropriate room
func (h *Hub) broadcastMessage(message Message) {
	h.mu.RLock()
	room, exists := h.Rooms[message.FlowID]
	h.mu.RUnlock()

	if !exists {
		h.Logger.Debug().
			Uint("flowId", message.FlowID).
			Str("type", string(message.Type)).
			Msg("Room not found for broadcast")
		return
	}

	room.Broadcast(message)

	h.Logger.Debug().
		Str("type", string(message.Type)).
		Uint("flowId", message.FlowID).
		Uint("userId", message.UserID).
		Msg("Broadcasted message")
}

// cleanupEmptyRooms removes empty rooms
func (h *Hub) cleanupEmptyRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()

	emptyRooms := make([]uint, 0)
	for flowID, room := range h.Rooms {
		if room.IsEmpty() {
			emptyRooms = append(emptyRooms, flowID)
		}
	}

	for _, flowID := range emptyRooms {
		delete(h.Rooms, flowID)
	}

	if len(emptyRooms) > 0 {
		h.Logger.Info().
			Int("cleanedRooms", len(emptyRooms)).
			Int("activeRooms", len(h.Rooms)).
			Msg("Room cleanup completed")
	}
}

// GetRoomStats returns statistics about active rooms
func (h *Hub) GetRoomStats() map[uint]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[uint]int)
	for flowID, room := range h.Rooms {
		stats[flowID] = room.ClientCount()
	}
	return stats
}

// GetActiveUsersInRoom returns active users in a specific room
func (h *Hub) GetActiveUsersInRoom(flowID uint) []UserInfo {
	h.mu.RLock()
	room, exists := h.Rooms[flowID]
	h.mu.RUnlock()

	if !exists {
		return []UserInfo{}
	}

	return room.GetActiveUsers()
}
