package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"piksel/internal/models"
)

// SendBuffer is the number of events queued per socket before new events
// are dropped for it.
const SendBuffer = 64

type subscriber struct {
	socketID string
	userID   string
	send     chan models.Event
}

// Hub routes events to sockets subscribed to typed topics. Every socket is
// subscribed to its user topic and the broadcast topic for its lifetime;
// conversation topics are joined explicitly.
type Hub struct {
	sockets map[string]*subscriber
	topics  map[models.Topic]map[string]*subscriber
	dropped atomic.Uint64

	log *slog.Logger
	mu  sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sockets: make(map[string]*subscriber),
		topics:  make(map[models.Topic]map[string]*subscriber),
		log:     logger,
	}
}

// Register adds a socket and returns the channel its events arrive on. The
// channel is closed by Unregister.
func (h *Hub) Register(socketID, userID string) <-chan models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sockets[socketID]; ok {
		h.removeLocked(old)
	}
	s := &subscriber{
		socketID: socketID,
		userID:   userID,
		send:     make(chan models.Event, SendBuffer),
	}
	h.sockets[socketID] = s
	h.subscribeLocked(models.UserTopic(userID), s)
	h.subscribeLocked(models.BroadcastTopic(), s)
	return s.send
}

func (h *Hub) Unregister(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sockets[socketID]; ok {
		h.removeLocked(s)
	}
}

// Subscribe adds a registered socket to topic. It reports false for unknown
// sockets.
func (h *Hub) Subscribe(topic models.Topic, socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return false
	}
	h.subscribeLocked(topic, s)
	return true
}

// Leave removes a single socket from topic.
func (h *Hub) Leave(topic models.Topic, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, socketID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Unsubscribe removes every socket of userID from topic.
func (h *Hub) Unsubscribe(topic models.Topic, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	for id, s := range subs {
		if s.userID == userID {
			delete(subs, id)
		}
	}
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) IsSubscribed(topic models.Topic, socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][socketID]
	return ok
}

// Publish delivers ev to every socket subscribed to topic. It never blocks:
// a socket whose buffer is full misses the event.
func (h *Hub) Publish(topic models.Topic, ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.topics[topic] {
		select {
		case s.send <- ev:
		default:
			h.dropped.Add(1)
			h.log.Warn("dropping event for slow socket", "socket_id", s.socketID, "user_id", s.userID, "topic", topic.String(), "type", ev.Type)
		}
	}
}

// Stats reports the number of live sockets, topics and dropped events.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"sockets": len(h.sockets),
		"topics":  len(h.topics),
		"dropped": int(h.dropped.Load()),
	}
}

func (h *Hub) subscribeLocked(topic models.Topic, s *subscriber) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*subscriber)
		h.topics[topic] = subs
	}
	subs[s.socketID] = s
}

func (h *Hub) removeLocked(s *subscriber) {
	for topic, subs := range h.topics {
		delete(subs, s.socketID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(h.sockets, s.socketID)
	close(s.send)
}
