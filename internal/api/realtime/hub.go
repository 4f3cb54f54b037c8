// Package realtime pushes notifications to live websocket connections. Clients
// subscribe to topics; a patient is always subscribed to its own topic and a
// doctor to its own, and a doctor may add the topics of assigned patients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// ClientMessage is an inbound control message.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one live connection.
type Client struct {
	ID        string
	Principal middleware.Principal
	Send      chan []byte

	topics map[string]struct{}
}

func newClient(id string, p middleware.Principal, buffer int) *Client {
	return &Client{
		ID:        id,
		Principal: p,
		Send:      make(chan []byte, buffer),
		topics:    make(map[string]struct{}),
	}
}

// Authorizer decides whether p may follow patientID's topic.
type Authorizer func(ctx context.Context, p middleware.Principal, patientID string) error

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}

	authorize Authorizer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewHub creates a hub. authorize gates subscriptions beyond a client's own
// topic; nil denies them.
func NewHub(authorize Authorizer, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
		authorize: authorize,
		logger:    logger,
		metrics:   m,
	}
}

// OwnTopic is the topic a principal is subscribed to on connect.
func OwnTopic(p middleware.Principal) string {
	if p.Role == middleware.RoleDoctor {
		return notify.DoctorTopic(p.ID)
	}
	return notify.PatientTopic(p.ID)
}

// Register adds a client and subscribes it to its own topic.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.all[c] = struct{}{}
	if c.Principal.Role != middleware.RoleAdmin {
		h.subscribeLocked(c, OwnTopic(c.Principal))
	}
	n := len(h.all)
	h.mu.Unlock()

	h.metrics.Clients(n)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.all[c]; !ok {
		h.mu.Unlock()
		return
	}
	for topic := range c.topics {
		h.unsubscribeLocked(c, topic)
	}
	delete(h.all, c)
	close(c.Send)
	n := len(h.all)
	h.mu.Unlock()

	h.metrics.Clients(n)
}

// Subscribe adds topics to a registered client. Every topic is authorized
// before any is added.
func (h *Hub) Subscribe(ctx context.Context, c *Client, topics []string) error {
	for _, topic := range topics {
		if err := h.allowed(ctx, c.Principal, topic); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return nil
	}
	for _, topic := range topics {
		h.subscribeLocked(c, topic)
	}
	return nil
}

// Unsubscribe removes topics from a client. The client's own topic stays.
func (h *Hub) Unsubscribe(c *Client, topics []string) {
	own := OwnTopic(c.Principal)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if topic == own && c.Principal.Role != middleware.RoleAdmin {
			continue
		}
		h.unsubscribeLocked(c, topic)
	}
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(ctx context.Context, c *Client, msg ClientMessage) error {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(ctx, c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", dose.ErrInvalidInput, msg.Action)
	}
}

func (h *Hub) allowed(ctx context.Context, p middleware.Principal, topic string) error {
	if p.Role == middleware.RoleAdmin || topic == OwnTopic(p) {
		return nil
	}
	patientID, ok := patientOf(topic)
	if !ok || p.Role != middleware.RoleDoctor || h.authorize == nil {
		return fmt.Errorf("%w: cannot subscribe to %s", middleware.ErrForbidden, topic)
	}
	return h.authorize(ctx, p, patientID)
}

func patientOf(topic string) (string, bool) {
	const prefix = "patient/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}

func (h *Hub) subscribeLocked(c *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, c)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(c.topics, topic)
}

// Deliver implements notify.Sink. A client subscribed to several of the event's
// topics receives it once. Clients whose buffers are full are skipped.
func (h *Hub) Deliver(_ context.Context, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	dropped := 0
	for _, topic := range e.Topics() {
		for c := range h.clients[topic] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- data:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%d slow connection(s) skipped", dropped)
	}
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// PatientAuthorizer lets doctors follow the patients assigned to them.
func PatientAuthorizer(lookup func(ctx context.Context, patientID string) (dose.Patient, error)) Authorizer {
	return func(ctx context.Context, p middleware.Principal, patientID string) error {
		patient, err := lookup(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.CanRead(patient) {
			return fmt.Errorf("%w: not assigned to patient %s", middleware.ErrForbidden, patientID)
		}
		return nil
	}
}
