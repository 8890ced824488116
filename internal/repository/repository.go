package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type ConversationRepository interface {
	// InsertConversation returns ErrDuplicate when a DIRECT conversation for
	// the same pair already exists.
	InsertConversation(ctx context.Context, c *models.Conversation) error
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (*models.Conversation, error)
	FindConversationsByParticipant(ctx context.Context, userID string, includeArchived bool) ([]*models.Conversation, error)
	// RecordMessage stores lm as the last message and bumps message/unread counters.
	RecordMessage(ctx context.Context, convID string, lm models.LastMessage) error
	// SetMessageStats overwrites the counters derived from the message collection.
	SetMessageStats(ctx context.Context, convID string, messageCount int64, lm *models.LastMessage) error
	AddParticipant(ctx context.Context, convID string, p models.Participant) error
	RemoveParticipant(ctx context.Context, convID, userID string) error
	UpdateParticipantRole(ctx context.Context, convID, userID string, role models.Role) error
	UpdateSettings(ctx context.Context, convID string, s models.Settings) error
	// MarkRead sets the participant's read pointer; decrementUnread lowers the
	// conversation unread counter without letting it go negative.
	MarkRead(ctx context.Context, convID, userID, messageID string, at time.Time, decrementUnread bool) error
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, m *models.Message) error
	FindMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns non-deleted messages in chronological order.
	ListMessages(ctx context.Context, convID string, limit int64, before time.Time) ([]*models.Message, error)
	SearchMessages(ctx context.Context, convID, query string, limit int64) ([]*models.Message, error)
	CountMessages(ctx context.Context, convID string) (int64, error)
	LatestMessage(ctx context.Context, convID string) (*models.Message, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) (*models.Message, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (*models.Message, error)
	// AdvanceStatus moves a message forward to status. The bool is false when
	// the message already held status or a later one.
	AdvanceStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) (*models.Message, bool, error)
	SetReaction(ctx context.Context, id string, r models.Reaction) (*models.Message, error)
	RemoveReaction(ctx context.Context, id, userID string, at time.Time) (*models.Message, error)
}

type Store interface {
	ConversationRepository
	MessageRepository
}
