package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fathima-sithara/realtime-service/internal/dispatch"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
)

// Relay forwards locally published frames to other instances.
type Relay interface {
	Forward(ctx context.Context, msg RelayMessage) error
}

// RelayMessage is a frame crossing instances. Exactly one of Topic and
// UserID is set.
type RelayMessage struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// sessionSet is one registry entry: the sessions of a topic or of a user.
// An emptied set is marked dead and removed; writers that raced with the
// removal retry on a fresh set.
type sessionSet struct {
	mu      sync.Mutex
	members map[string]*Session
	dead    bool
}

func (e *sessionSet) snapshot() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.members))
	for _, s := range e.members {
		out = append(out, s)
	}
	return out
}

func (e *sessionSet) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

func (e *sessionSet) has(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.members[sessionID]
	return ok
}

// registry maps a key to its sessionSet. Each key is updated under its own
// lock only.
type registry struct {
	sets sync.Map // key -> *sessionSet
}

func (r *registry) add(key string, s *Session) {
	for {
		v, _ := r.sets.LoadOrStore(key, &sessionSet{members: map[string]*Session{}})
		set := v.(*sessionSet)
		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.members[s.ID] = s
		set.mu.Unlock()
		return
	}
}

func (r *registry) remove(key, sessionID string) {
	v, ok := r.sets.Load(key)
	if !ok {
		return
	}
	set := v.(*sessionSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	delete(set.members, sessionID)
	if len(set.members) == 0 && !set.dead {
		set.dead = true
		r.sets.CompareAndDelete(key, set)
	}
}

func (r *registry) get(key string) (*sessionSet, bool) {
	v, ok := r.sets.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*sessionSet), true
}

func (r *registry) sessions(key string) []*Session {
	if set, ok := r.get(key); ok {
		return set.snapshot()
	}
	return nil
}

func (r *registry) size(key string) int {
	if set, ok := r.get(key); ok {
		return set.size()
	}
	return 0
}

// Hub is the session registry, the subscription registry and the local
// broadcast bus.
type Hub struct {
	instanceID string

	sessions sync.Map // session id -> *Session
	count    atomic.Int64
	byUser   registry
	topics   registry

	// serialises deliveries per topic so every subscriber sees one order
	topicLocks *dispatch.Stripes

	relay Relay
	log   *zap.Logger
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		instanceID: uuid.NewString(),
		topicLocks: dispatch.NewStripes(256),
		log:        log,
	}
}

func (h *Hub) InstanceID() string { return h.instanceID }

// SetRelay enables cross-instance delivery.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) Register(s *Session) {
	if _, loaded := h.sessions.LoadOrStore(s.ID, s); loaded {
		return
	}
	h.byUser.add(s.UserID, s)
	h.count.Add(1)
	metrics.Connections.Inc()
}

// Unregister removes the session and every subscription it holds. Frames
// published afterwards never reach it.
func (h *Hub) Unregister(s *Session) {
	if _, ok := h.sessions.LoadAndDelete(s.ID); !ok {
		s.shutdown()
		return
	}
	for _, topic := range s.close() {
		h.topics.remove(topic, s.ID)
	}
	h.byUser.remove(s.UserID, s.ID)
	s.shutdown()
	h.count.Add(-1)
	metrics.Connections.Dec()
}

func (h *Hub) session(sessionID string) (*Session, bool) {
	v, ok := h.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (h *Hub) Subscribe(sessionID, topic string) error {
	s, ok := h.session(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.subs[topic] = struct{}{}
	h.topics.add(topic, s)
	return nil
}

func (h *Hub) Unsubscribe(sessionID, topic string) {
	s, ok := h.session(sessionID)
	if !ok {
		h.topics.remove(topic, sessionID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, topic)
	h.topics.remove(topic, sessionID)
}

// IsSubscribed reports whether the session holds a subscription to topic.
func (h *Hub) IsSubscribed(sessionID, topic string) bool {
	set, ok := h.topics.get(topic)
	return ok && set.has(sessionID)
}

func (h *Hub) Subscribers(topic string) int { return h.topics.size(topic) }

func (h *Hub) SessionCount() int { return int(h.count.Load()) }

// IsOnline reports whether the user has a session on this instance.
func (h *Hub) IsOnline(userID string) bool { return h.byUser.size(userID) > 0 }

// deliver queues data on each session. A live session whose buffer is full
// has fallen behind the stream; it is evicted so the client reconnects and
// resyncs instead of silently missing frames.
func (h *Hub) deliver(sessions []*Session, data []byte) int {
	n := 0
	for _, s := range sessions {
		if s.enqueue(data) {
			n++
			continue
		}
		if s.isDone() {
			continue
		}
		metrics.DroppedDeliveries.Inc()
		h.log.Warn("evicting slow session", zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
		s.evicted.Store(true)
		h.Unregister(s)
	}
	return n
}

// Publish delivers env to every session subscribed to topic, then forwards
// it to other instances. Deliveries to one topic are serialised.
func (h *Hub) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.topicLocks.Do(topic, func() {
		h.deliver(h.topics.sessions(topic), data)
	})
	metrics.Broadcasts.WithLabelValues(env.Type).Inc()
	h.forward(ctx, RelayMessage{Origin: h.instanceID, Topic: topic, Data: data})
	return nil
}

// SendToUser delivers env to every session of userID only.
func (h *Hub) SendToUser(ctx context.Context, userID string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.topicLocks.Do("user:"+userID, func() {
		h.deliver(h.byUser.sessions(userID), data)
	})
	h.forward(ctx, RelayMessage{Origin: h.instanceID, UserID: userID, Data: data})
	return nil
}

// SendToSession delivers env to one local session. Used for receipts that
// concern a single connection.
func (h *Hub) SendToSession(sessionID string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s, ok := h.session(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if h.deliver([]*Session{s}, data) == 0 {
		return ErrSessionClosed
	}
	return nil
}

func (h *Hub) forward(ctx context.Context, msg RelayMessage) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Forward(ctx, msg); err != nil {
		h.log.Warn("relay forward failed", zap.String("topic", msg.Topic), zap.Error(err))
	}
}

// DeliverRemote hands a frame received from another instance to local
// sessions. Frames this instance originated are ignored.
func (h *Hub) DeliverRemote(msg RelayMessage) {
	if msg.Origin == h.instanceID {
		return
	}
	switch {
	case msg.Topic != "":
		h.topicLocks.Do(msg.Topic, func() {
			h.deliver(h.topics.sessions(msg.Topic), msg.Data)
		})
	case msg.UserID != "":
		h.topicLocks.Do("user:"+msg.UserID, func() {
			h.deliver(h.byUser.sessions(msg.UserID), msg.Data)
		})
	}
}
