package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/tenancy"
)

// Event is a real-time message pushed to dashboard clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Every topic lives under its tenant's prefix so a client can only ever be
// subscribed to topics of the tenant it connected as.
func TenantTopic(tenantID uuid.UUID) string { return "tenant/" + tenantID.String() }
func DoctorTopic(tenantID, doctorID uuid.UUID) string {
	return TenantTopic(tenantID) + "/doctor/" + doctorID.String()
}

type Client struct {
	ID       string
	TenantID uuid.UUID
	Topics   []string
	Send     chan []byte
}

// Allowed reports whether topic belongs to the client's tenant.
func (c *Client) Allowed(topic string) bool {
	if c.TenantID == uuid.Nil {
		return false
	}
	own := TenantTopic(c.TenantID)
	return topic == own || strings.HasPrefix(topic, own+"/")
}

func (c *Client) partition(topics []string) (allowed, rejected []string) {
	for _, t := range topics {
		if c.Allowed(t) {
			allowed = append(allowed, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	return allowed, rejected
}

// Hub tracks connected clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds the client and subscribes it to those of its Topics that
// belong to its tenant. The others are dropped.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	allowed, rejected := client.partition(client.Topics)
	h.logRejected(client, rejected)
	client.Topics = allowed
	h.all[client] = struct{}{}
	h.subscribeLocked(client, allowed)
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe ignores topics outside the client's tenant.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	allowed, rejected := client.partition(topics)
	h.logRejected(client, rejected)
	for _, t := range allowed {
		if !slices.Contains(client.Topics, t) {
			client.Topics = append(client.Topics, t)
		}
	}
	h.subscribeLocked(client, allowed)
}

func (h *Hub) logRejected(client *Client, topics []string) {
	if len(topics) == 0 {
		return
	}
	h.logger.Warn().
		Str("client_id", client.ID).
		Str("tenant_id", client.TenantID.String()).
		Strs("topics", topics).
		Msg("ignoring websocket topics outside client tenant")
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client, topics)

	remove := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		remove[t] = struct{}{}
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := remove[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast delivers event once to every client subscribed to any of topics.
// A client whose buffer is full misses the event.
func (h *Hub) Broadcast(event Event, topics ...string) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal websocket event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, done := delivered[client]; done {
				continue
			}
			delivered[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Msg("websocket client buffer full, dropping event")
			}
		}
	}
	return len(delivered)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the request and subscribes the connection to the
// comma-separated topics query parameter, or to the whole tenant when none
// are given. The tenant comes from the request context; a topic of any
// other tenant fails the request with 403 before the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Send:     make(chan []byte, 256),
	}
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			client.Topics = append(client.Topics, t)
		}
	}
	if _, rejected := client.partition(client.Topics); len(rejected) > 0 {
		h.logRejected(client, rejected)
		http.Error(w, "topic outside tenant", http.StatusForbidden)
		return
	}
	if len(client.Topics) == 0 {
		client.Topics = []string{TenantTopic(tenantID)}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
}

func (h *Hub) readPump(client *Client, ws *websocket.Conn) {
	defer func() {
		h.Unregister(client)
		_ = ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.ProcessMessage(client, msg)
	}
}

func (h *Hub) writePump(client *Client, ws *websocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// HubNotifier pushes committed bookings to the tenant and doctor topics.
type HubNotifier struct {
	hub *Hub
}

func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

type bookedPayload struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Guest           bool      `json:"guest"`
}

func (n *HubNotifier) AppointmentBooked(_ context.Context, b appointment.BookingNotice) error {
	data, err := json.Marshal(bookedPayload{
		AppointmentID:   b.AppointmentID,
		DoctorID:        b.DoctorID,
		ScheduledAt:     b.ScheduledAt,
		DurationMinutes: b.DurationMinutes,
		Guest:           b.Guest,
	})
	if err != nil {
		return err
	}

	tenantTopic := TenantTopic(b.TenantID)
	n.hub.Broadcast(Event{
		Type:      "appointment.booked",
		Topic:     tenantTopic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, tenantTopic, DoctorTopic(b.TenantID, b.DoctorID))
	return nil
}
