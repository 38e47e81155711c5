package realtime

import (
	"context"

	"github.com/rs/zerolog"
)

// Hub manages WebSocket clients and routes messages by flowID.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// flowID -> set of subscribed clients
	subscriptions map[uint]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscribeMsg
	unsubscribe chan subscribeMsg
	broadcast   chan broadcastMsg
	done        chan struct{}

	logger zerolog.Logger
}

type subscribeMsg struct {
	client *Client
	flowID uint
}

type broadcastMsg struct {
	flowID  uint
	payload []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[uint]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscribe:     make(chan subscribeMsg),
		unsubscribe:   make(chan subscribeMsg),
		broadcast:     make(chan broadcastMsg, 256),
		done:          make(chan struct{}),
		logger:        logger,
	}
}

// Publish queues payload for every subscriber of flowID. It returns without
// delivering once the hub has stopped.
func (h *Hub) Publish(flowID uint, payload []byte) {
	select {
	case h.broadcast <- broadcastMsg{flowID: flowID, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.subscriptions = make(map[uint]map[*Client]bool)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Int("total", len(h.clients)).Msg("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug().Int("total", len(h.clients)).Msg("client unregistered")
			}

		case msg := <-h.subscribe:
			if !h.clients[msg.client] {
				continue
			}
			if _, ok := h.subscriptions[msg.flowID]; !ok {
				h.subscriptions[msg.flowID] = make(map[*Client]bool)
			}
			h.subscriptions[msg.flowID][msg.client] = true
			h.logger.Debug().Uint("flowId", msg.flowID).Int("subscribers", len(h.subscriptions[msg.flowID])).Msg("client subscribed")

		case msg := <-h.unsubscribe:
			if subs, ok := h.subscriptions[msg.flowID]; ok {
				delete(subs, msg.client)
				if len(subs) == 0 {
					delete(h.subscriptions, msg.flowID)
				}
			}

		case msg := <-h.broadcast:
			for client := range h.subscriptions[msg.flowID] {
				select {
				case client.send <- msg.payload:
				default:
					// Client buffer full, remove it
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	for flowID, subs := range h.subscriptions {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, flowID)
		}
	}
}
