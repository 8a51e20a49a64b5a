package stream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType labels what a published payload carries.
type EventType string

const (
	EventMetrics     EventType = "metrics"
	EventAlert       EventType = "alert"
	EventHealthCheck EventType = "health_check"
)

// Event is one broadcast message for a target's topic.
type Event struct {
	Type      EventType   `json:"type"`
	TargetID  uint        `json:"target_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

const subscriberBuffer = 16

// Hub fans events out to subscribers of per-target topics. Delivery is
// best-effort at-most-once: a subscriber that cannot keep up has events
// dropped rather than blocking the publisher.
type Hub struct {
	log *zap.Logger

	mu     sync.RWMutex
	topics map[uint]map[chan Event]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:    log,
		topics: make(map[uint]map[chan Event]struct{}),
	}
}

// Subscribe joins the target's topic. The returned channel is closed by
// Unsubscribe.
func (h *Hub) Subscribe(targetID uint) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[targetID]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.topics[targetID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(targetID uint, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[targetID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.topics, targetID)
	}
}

// Publish delivers an event to every subscriber of the target's topic.
func (h *Hub) Publish(targetID uint, eventType EventType, payload interface{}) {
	event := Event{
		Type:      eventType,
		TargetID:  targetID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[targetID] {
		select {
		case ch <- event:
		default:
			h.log.Debug("dropping event for slow subscriber",
				zap.Uint("target_id", targetID),
				zap.String("type", string(eventType)))
		}
	}
}

// SubscriberCount reports the current size of a target's topic.
func (h *Hub) SubscriberCount(targetID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[targetID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades the request to a websocket subscribed to the target in the
// :targetId path parameter and pumps its topic until the client disconnects.
// Route wiring and authorization are the API layer's responsibility.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("targetId"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
			return
		}
		targetID := uint(id)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ch := h.Subscribe(targetID)
		defer h.Unsubscribe(targetID, ch)

		// Drain client frames so close is noticed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
