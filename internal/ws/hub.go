package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const snapshotInterval = 5 * time.Second

// Hub manages WebSocket clients and streams fleet status: registry events as
// they happen plus a periodic full snapshot.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	store    *registry.Store
	monitor  *health.Monitor
	breaker  *breaker.Breaker
	balancer *balancer.Balancer
	queue    *queue.Queue
	pool     *worker.Pool

	stopCh  chan struct{}
	stopped sync.Once
}

// NewHub creates a new WebSocket hub over the runtime's components.
func NewHub(store *registry.Store, monitor *health.Monitor, cb *breaker.Breaker, lb *balancer.Balancer, q *queue.Queue, pool *worker.Pool) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		store:      store,
		monitor:    monitor,
		breaker:    cb,
		balancer:   lb,
		queue:      q,
		pool:       pool,
		stopCh:     make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Call in a goroutine.
func (h *Hub) Run() {
	events := h.store.Subscribe()
	defer h.store.Unsubscribe(events)

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", total)

		case event := <-events:
			h.handleStoreEvent(event)

		case <-ticker.C:
			h.broadcastSnapshot()
		}
	}
}

// Stop shuts down the hub. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })
}

// ServeWS handles the WebSocket upgrade and creates a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(h, conn)
	select {
	case h.register <- client:
	case <-h.stopCh:
		// Hub already stopped; nobody will service this client.
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// HandleClientMessage processes a parsed message from a client.
func (h *Hub) HandleClientMessage(client *Client, env Envelope) {
	switch env.Type {
	case TypeSubscribe:
		var payload SubscribePayload
		if err := unmarshalPayload(env.Payload, &payload); err != nil {
			return
		}
		client.Subscribe(payload.Channel)

		// Send an initial snapshot to new status subscribers
		if payload.Channel == ChannelStatus {
			if msg := h.buildSnapshot(); msg != nil {
				client.send <- msg
			}
		}

	case TypeUnsubscribe:
		var payload UnsubscribePayload
		if err := unmarshalPayload(env.Payload, &payload); err != nil {
			return
		}
		client.Unsubscribe(payload.Channel)
	}
}

func (h *Hub) handleStoreEvent(event registry.StoreEvent) {
	var msgType string
	switch event.Type {
	case registry.EventAgentRegistered:
		msgType = TypeAgentRegistered
	case registry.EventAgentDeregistered:
		msgType = TypeAgentDeregistered
	case registry.EventAgentExpired:
		msgType = TypeAgentExpired
	case registry.EventAgentRenewed:
		msgType = TypeAgentRenewed
	default:
		return
	}

	payload := AgentEventPayload{AgentID: event.AgentID}
	if event.Agent != nil {
		snap := h.agentSnapshot(event.Agent)
		payload.Agent = &snap
	}

	msg, err := MakeEnvelope(msgType, payload)
	if err != nil {
		return
	}
	h.broadcastToStatusSubscribers(msg)
}

func (h *Hub) broadcastToStatusSubscribers(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.IsSubscribed(ChannelStatus) {
			select {
			case client.send <- msg:
			default:
				// Client too slow, will be cleaned up
			}
		}
	}
}

func (h *Hub) broadcastSnapshot() {
	if msg := h.buildSnapshot(); msg != nil {
		h.broadcastToStatusSubscribers(msg)
	}
}

func (h *Hub) buildSnapshot() []byte {
	regs := h.store.List()
	agents := make([]AgentSnapshot, 0, len(regs))
	for _, reg := range regs {
		agents = append(agents, h.agentSnapshot(reg))
	}

	msg, err := MakeEnvelope(TypeStatusSnapshot, StatusSnapshotPayload{
		Agents:  agents,
		Tasks:   h.queue.Stats(),
		Workers: h.pool.GetStats(),
	})
	if err != nil {
		return nil
	}
	return msg
}

func (h *Hub) agentSnapshot(reg *registry.AgentRegistration) AgentSnapshot {
	return AgentSnapshot{
		AgentID:     reg.AgentID,
		Name:        reg.Name,
		Host:        reg.Host,
		Port:        reg.Port,
		Status:      string(reg.Status),
		Health:      h.monitor.Status(reg.AgentID),
		Breaker:     h.breaker.State(reg.AgentID),
		Connections: h.balancer.Connections(reg.AgentID),
	}
}
