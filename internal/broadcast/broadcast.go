// Package broadcast implements the Dashboard Broadcaster: a WebSocket
// fan-out server with per-client subscription filters and bounded
// per-client send queues.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wezterm-parallel/core/internal/metrics"
)

// Subscription names a class of events a client wants delivered.
type Subscription string

const (
	SubAll       Subscription = "All"
	SubSystem    Subscription = "System"
	SubTasks     Subscription = "Tasks"
	SubAlerts    Subscription = "Alerts"
	subWorkspace              = "Workspace:"
	subProcess                = "Process:"
)

// SubWorkspace and SubProcess build parameterized subscription values.
func SubWorkspace(name string) Subscription { return Subscription(subWorkspace + name) }
func SubProcess(id string) Subscription     { return Subscription(subProcess + id) }

// EnvelopeType is the outbound message's payload.type discriminator.
type EnvelopeType string

const (
	TypeMetricsUpdate   EnvelopeType = "MetricsUpdate"
	TypeAlert           EnvelopeType = "Alert"
	TypeStatusChange    EnvelopeType = "StatusChange"
	TypeTaskBoardUpdate EnvelopeType = "TaskBoardUpdate"
	TypeTaskUpdate      EnvelopeType = "TaskUpdate"
	TypeTaskMoved       EnvelopeType = "TaskMoved"
	TypeTaskProgress    EnvelopeType = "TaskProgress"
	TypeError           EnvelopeType = "Error"
)

// Envelope is the outbound WebSocket message shape.
type Envelope struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// Payload is the tagged union carried by an Envelope.
type Payload struct {
	Type EnvelopeType `json:"type"`
	Data interface{}  `json:"data"`
}

// inbound client message kinds.
type inboundMessage struct {
	Type          string         `json:"type"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Command       string         `json:"command"`
	Params        json.RawMessage `json:"params,omitempty"`
}

const (
	inSubscribe         = "Subscribe"
	inUnsubscribe       = "Unsubscribe"
	inRequestFullUpdate = "RequestFullUpdate"
	inCommand           = "Command"
)

// CommandHandler runs a whitelisted pass-through command from a connected
// dashboard client, typically delegating into the IPC dispatcher.
type CommandHandler func(command string, params json.RawMessage) (interface{}, error)

// SnapshotProvider supplies the current-state snapshot sent in response to
// RequestFullUpdate.
type SnapshotProvider func() []Envelope

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub is the WebSocket fan-out server.
type Hub struct {
	queueDepth int
	logger     *slog.Logger
	onCommand  CommandHandler
	onSnapshot SnapshotProvider

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueDepth overrides the default 256-message per-client queue.
func WithQueueDepth(n int) Option { return func(h *Hub) { h.queueDepth = n } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithCommandHandler wires Command pass-through messages.
func WithCommandHandler(f CommandHandler) Option { return func(h *Hub) { h.onCommand = f } }

// WithSnapshotProvider wires RequestFullUpdate responses.
func WithSnapshotProvider(f SnapshotProvider) Option { return func(h *Hub) { h.onSnapshot = f } }

// New constructs a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		queueDepth: 256,
		logger:     slog.Default(),
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type client struct {
	conn    *websocket.Conn
	send    chan Envelope
	subs    map[Subscription]struct{}
	mu      sync.Mutex
	closed  bool
}

func newClient(conn *websocket.Conn, depth int) *client {
	return &client{
		conn: conn,
		send: make(chan Envelope, depth),
		subs: make(map[Subscription]struct{}),
	}
}

func (c *client) wants(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[SubAll]; ok {
		return true
	}
	_, ok := c.subs[sub]
	return ok
}

// ServeHTTP upgrades the connection and runs the client's read/write loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("broadcast: upgrade failed", "error", err)
		return
	}
	c := newClient(conn, h.queueDepth)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendOne(c, Envelope{Payload: Payload{Type: TypeError, Data: "malformed message"}})
			continue
		}
		switch msg.Type {
		case inSubscribe:
			c.mu.Lock()
			for _, s := range msg.Subscriptions {
				c.subs[s] = struct{}{}
			}
			c.mu.Unlock()
		case inUnsubscribe:
			c.mu.Lock()
			for _, s := range msg.Subscriptions {
				delete(c.subs, s)
			}
			c.mu.Unlock()
		case inRequestFullUpdate:
			if h.onSnapshot != nil {
				for _, env := range h.onSnapshot() {
					h.sendOne(c, env)
				}
			}
		case inCommand:
			if h.onCommand == nil {
				h.sendOne(c, Envelope{Payload: Payload{Type: TypeError, Data: "commands not enabled"}})
				continue
			}
			result, err := h.onCommand(msg.Command, msg.Params)
			if err != nil {
				h.sendOne(c, Envelope{Payload: Payload{Type: TypeError, Data: err.Error()}})
				continue
			}
			h.sendOne(c, Envelope{Payload: Payload{Type: TypeStatusChange, Data: result}})
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// sendOne enqueues env for a single client without blocking; overflow
// disconnects the client with a 1013 Try Again Later close code, since
// the hub never blocks on a slow consumer.
func (h *Hub) sendOne(c *client, env Envelope) {
	select {
	case c.send <- env:
	default:
		h.disconnectOverflowed(c)
	}
}

func (h *Hub) disconnectOverflowed(c *client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(1013, "slow consumer")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	close(c.send)
}

// Broadcast delivers env to every subscribed client whose subscription
// set matches sub. Sends happen after h.mu is released, so an overflow
// disconnect can remove the client from the hub.
func (h *Hub) Broadcast(sub Subscription, env Envelope) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(sub) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendOne(c, env)
	}
}

// PublishMetrics satisfies metrics.Publisher, fanning each workspace's
// aggregate out to System and per-workspace subscribers. StatusChange
// envelopes for the same subject are always enqueued before the
// MetricsUpdate that follows it, since both traverse this single
// per-client queue in call order.
func (h *Hub) PublishMetrics(aggregates []metrics.WorkspaceAggregate) {
	for _, a := range aggregates {
		env := Envelope{Payload: Payload{Type: TypeMetricsUpdate, Data: a}}
		h.Broadcast(SubSystem, env)
		h.Broadcast(SubWorkspace(a.Workspace), env)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
