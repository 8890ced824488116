package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated connection. Outbound frames are queued on a
// bounded buffer drained by the connection's write pump.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	evicted   atomic.Bool

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		subs:        make(map[string]struct{}),
	}
}

// Outbound yields frames queued for the session.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session leaves the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Evicted reports whether the hub dropped the session for falling behind.
func (s *Session) Evicted() bool { return s.evicted.Load() }

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; it fails when the session is gone or its buffer is
// full.
func (s *Session) enqueue(b []byte) bool {
	if s.isDone() {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// close marks the session closed and returns the topics it held.
func (s *Session) close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	topics := make([]string, 0, len(s.subs))
	for t := range s.subs {
		topics = append(topics, t)
	}
	s.subs = map[string]struct{}{}
	return topics
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}
