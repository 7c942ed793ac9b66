package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	name string
	log  *slog.Logger

	// Only the Run goroutine mutates clients; mu guards reads from outside.
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Greeting, if set, produces the first message for a new client.
	Greeting func() (Message, bool)

	running atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// New creates a new Hub.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		log:        logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done. All client
// send channels are closed on return. Run must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer close(h.done)
	defer h.running.Store(false)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			if h.Greeting != nil {
				if msg, ok := h.Greeting(); ok {
					h.deliver(client, msg)
				}
			}
			h.log.Info("client connected", "clients", count)

		case client := <-h.unregister:
			h.remove(client)
			h.log.Info("client disconnected", "clients", h.ClientCount())

		case message := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				targets = append(targets, client)
			}
			h.mu.RUnlock()
			for _, client := range targets {
				h.deliver(client, message)
			}
		}
	}
}

// deliver queues msg for client, evicting it if its buffer is full.
func (h *Hub) deliver(client *Client, msg Message) {
	select {
	case client.send <- msg:
		h.sent.Add(1)
	default:
		h.evicted.Add(1)
		h.remove(client)
		h.log.Warn("dropped slow client")
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast queues msg for every connected client. It never blocks; when
// the broadcast queue is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.log.Warn("broadcast queue full, dropping message")
	}
}

// BroadcastJSON encodes and broadcasts a JSON message.
func (h *Hub) BroadcastJSON(v any) error {
	msg, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// BroadcastBinary broadcasts binary data.
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning returns whether the hub loop is running.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Stats counts hub activity.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Evicted uint64 `json:"evicted"`
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
		Evicted: h.evicted.Load(),
	}
}
