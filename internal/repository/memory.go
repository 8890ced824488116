package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
)

// MemoryStore keeps conversations and messages in process memory. It backs
// tests and single-node development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	convs     map[string]*models.Conversation
	direct    map[string]string // direct key -> conversation id
	msgs      map[string]*models.Message
	convMsgs  map[string][]string // conversation id -> message ids in insert order
	failNextN map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:     make(map[string]*models.Conversation),
		direct:    make(map[string]string),
		msgs:      make(map[string]*models.Message),
		convMsgs:  make(map[string][]string),
		failNextN: make(map[string]int),
	}
}

// FailNext makes the next n calls of the named operation return ErrInjected.
func (s *MemoryStore) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextN[op] = n
}

var ErrInjected = errors.New("injected failure")

func (s *MemoryStore) injected(op string) error {
	if s.failNextN[op] > 0 {
		s.failNextN[op]--
		return ErrInjected
	}
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.Attachments = append([]models.Attachment{}, m.Attachments...)
	out.Reactions = append([]models.Reaction{}, m.Reactions...)
	out.Mentions = append([]models.Mention{}, m.Mentions...)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return &out
}

func (s *MemoryStore) InsertConversation(_ context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertConversation"); err != nil {
		return err
	}
	if _, ok := s.convs[c.ID]; ok {
		return ErrDuplicate
	}
	if c.DirectKey != "" {
		if _, ok := s.direct[c.DirectKey]; ok {
			return ErrDuplicate
		}
		s.direct[c.DirectKey] = c.ID
	}
	s.convs[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemoryStore) FindConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryStore) FindDirectConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.direct[models.DirectKey(userA, userB)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.FindConversation(ctx, id)
}

func (s *MemoryStore) FindConversationsByParticipant(_ context.Context, userID string, includeArchived bool) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Conversation{}
	for _, c := range s.convs {
		if !c.IsParticipant(userID) {
			continue
		}
		if c.Settings.IsArchived && !includeArchived {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) withConversation(id string, op string, fn func(c *models.Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return err
	}
	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	return fn(c)
}

func (s *MemoryStore) RecordMessage(_ context.Context, convID string, lm models.LastMessage) error {
	return s.withConversation(convID, "RecordMessage", func(c *models.Conversation) error {
		c.LastMessage = &lm
		c.Metadata.MessageCount++
		c.Metadata.UnreadCount++
		c.UpdatedAt = lm.Timestamp
		return nil
	})
}

func (s *MemoryStore) SetMessageStats(_ context.Context, convID string, messageCount int64, lm *models.LastMessage) error {
	return s.withConversation(convID, "SetMessageStats", func(c *models.Conversation) error {
		c.Metadata.MessageCount = messageCount
		if lm != nil {
			copied := *lm
			c.LastMessage = &copied
		}
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) AddParticipant(_ context.Context, convID string, p models.Participant) error {
	return s.withConversation(convID, "AddParticipant", func(c *models.Conversation) error {
		if c.IsParticipant(p.UserID) {
			return nil
		}
		c.Participants = append(c.Participants, p)
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, convID, userID string) error {
	return s.withConversation(convID, "RemoveParticipant", func(c *models.Conversation) error {
		out := c.Participants[:0]
		for _, p := range c.Participants {
			if p.UserID != userID {
				out = append(out, p)
			}
		}
		c.Participants = out
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) UpdateParticipantRole(_ context.Context, convID, userID string, role models.Role) error {
	return s.withConversation(convID, "UpdateParticipantRole", func(c *models.Conversation) error {
		p, ok := c.Participant(userID)
		if !ok {
			return ErrNotFound
		}
		p.Role = role
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) UpdateSettings(_ context.Context, convID string, st models.Settings) error {
	return s.withConversation(convID, "UpdateSettings", func(c *models.Conversation) error {
		c.Settings = st
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) MarkRead(_ context.Context, convID, userID, messageID string, at time.Time, decrementUnread bool) error {
	return s.withConversation(convID, "MarkRead", func(c *models.Conversation) error {
		p, ok := c.Participant(userID)
		if !ok {
			return ErrNotFound
		}
		p.LastReadMessageID = messageID
		readAt := at
		p.LastReadAt = &readAt
		if decrementUnread && c.Metadata.UnreadCount > 0 {
			c.Metadata.UnreadCount--
		}
		return nil
	})
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertMessage"); err != nil {
		return err
	}
	if _, ok := s.msgs[m.ID]; ok {
		return ErrDuplicate
	}
	m.Normalize()
	s.msgs[m.ID] = cloneMessage(m)
	s.convMsgs[m.ConversationID] = append(s.convMsgs[m.ConversationID], m.ID)
	return nil
}

func (s *MemoryStore) FindMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// newestFirst walks a conversation's messages from the latest and collects
// up to limit matches, returned in chronological order.
func (s *MemoryStore) newestFirst(convID string, limit int64, match func(m *models.Message) bool) []*models.Message {
	ids := s.convMsgs[convID]
	out := []*models.Message{}
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.msgs[ids[i]]
		if !match(m) {
			continue
		}
		out = append(out, cloneMessage(m))
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *MemoryStore) ListMessages(_ context.Context, convID string, limit int64, before time.Time) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestFirst(convID, limit, func(m *models.Message) bool {
		if m.IsDeleted {
			return false
		}
		return before.IsZero() || m.CreatedAt.Before(before)
	}), nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, convID, query string, limit int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	return s.newestFirst(convID, limit, func(m *models.Message) bool {
		return !m.IsDeleted && strings.Contains(strings.ToLower(m.Content), q)
	}), nil
}

func (s *MemoryStore) CountMessages(_ context.Context, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.convMsgs[convID])), nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, convID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.convMsgs[convID]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return cloneMessage(s.msgs[ids[len(ids)-1]]), nil
}

func (s *MemoryStore) withMessage(id, op string, fn func(m *models.Message)) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return nil, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(m)
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, at time.Time) (*models.Message, error) {
	return s.withMessage(id, "UpdateContent", func(m *models.Message) {
		m.Content = content
		m.IsEdited = true
		editedAt := at
		m.EditedAt = &editedAt
		m.UpdatedAt = at
	})
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) (*models.Message, error) {
	return s.withMessage(id, "SoftDelete", func(m *models.Message) {
		m.IsDeleted = true
		deletedAt := at
		m.DeletedAt = &deletedAt
		m.UpdatedAt = at
	})
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, id string, status models.MessageStatus, at time.Time) (*models.Message, bool, error) {
	changed := false
	m, err := s.withMessage(id, "AdvanceStatus", func(m *models.Message) {
		if m.Status.CanAdvanceTo(status) {
			m.Status = status
			m.UpdatedAt = at
			changed = true
		}
	})
	return m, changed, err
}

func (s *MemoryStore) SetReaction(_ context.Context, id string, r models.Reaction) (*models.Message, error) {
	return s.withMessage(id, "SetReaction", func(m *models.Message) {
		m.SetReaction(r)
		m.UpdatedAt = r.Timestamp
	})
}

func (s *MemoryStore) RemoveReaction(_ context.Context, id, userID string, at time.Time) (*models.Message, error) {
	return s.withMessage(id, "RemoveReaction", func(m *models.Message) {
		m.RemoveReaction(userID)
		m.UpdatedAt = at
	})
}
