package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	previewLength     = 100
	defaultPageSize   = 50
	maxPageSize       = 200
	maxReactionLength = 32
)

type MessageService struct {
	repo  repository.Store
	convs *ConversationService
	log   *zap.Logger

	// conversations whose counters missed an update after a message insert
	dirty sync.Map
}

func NewMessageService(repo repository.Store, convs *ConversationService, log *zap.Logger) *MessageService {
	return &MessageService{repo: repo, convs: convs, log: log}
}

type SendInput struct {
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Content        string              `json:"content"`
	Type           models.MessageType  `json:"type"`
	ReplyTo        *models.ReplyTo     `json:"replyTo,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	Mentions       []models.Mention    `json:"mentions,omitempty"`
}

// validateContent holds message text to the same rules as socket frames,
// whichever surface it arrives on. Empty text is left to the caller.
func validateContent(content string) error {
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return apperror.Validation("content exceeds %d characters", models.MaxContentLength)
	}
	if content == "" {
		return nil
	}
	return pipeline.CheckContent(content)
}

// Send persists a message with status SENT and records it on the
// conversation. The two writes are not atomic: when the second fails the
// message stands, the conversation is marked dirty and the next successful
// send reconciles its counters.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*models.Message, *models.Conversation, error) {
	if in.ConversationID == "" {
		return nil, nil, apperror.Validation("conversationId is required")
	}
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return nil, nil, apperror.Validation("invalid message type %q", in.Type)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, nil, apperror.Validation("message content is required")
	}
	if err := validateContent(in.Content); err != nil {
		return nil, nil, err
	}

	conv, err := s.convs.GetForParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, nil, err
	}

	var reply *models.ReplyTo
	if in.ReplyTo != nil && in.ReplyTo.MessageID != "" {
		parent, err := s.repo.FindMessage(ctx, in.ReplyTo.MessageID)
		if err != nil {
			return nil, nil, storeErr(err, "reply target")
		}
		if parent.ConversationID != in.ConversationID {
			return nil, nil, apperror.Validation("reply target belongs to another conversation")
		}
		reply = &models.ReplyTo{
			MessageID: parent.ID,
			SenderID:  parent.SenderID,
			Content:   models.Preview(parent.Content, previewLength),
		}
	}

	now := time.Now().UTC()
	m := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Status:         models.StatusSent,
		ReplyTo:        reply,
		Attachments:    in.Attachments,
		Mentions:       in.Mentions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.Normalize()
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, nil, storeErr(err, "message")
	}

	lm := models.LastMessage{
		MessageID: m.ID,
		Content:   models.Preview(m.Content, previewLength),
		SenderID:  m.SenderID,
		Timestamp: now,
	}
	if err := s.repo.RecordMessage(ctx, conv.ID, lm); err != nil {
		s.dirty.Store(conv.ID, struct{}{})
		s.log.Warn("conversation drift after message insert",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", m.ID),
			zap.Error(err))
		return m, conv, nil
	}
	conv.LastMessage = &lm
	conv.Metadata.MessageCount++
	conv.Metadata.UnreadCount++

	if _, ok := s.dirty.Load(conv.ID); ok {
		if err := s.Reconcile(ctx, conv.ID); err != nil {
			s.log.Warn("reconcile failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
	return m, conv, nil
}

// Reconcile recomputes the conversation's message count and last message
// from the message collection.
func (s *MessageService) Reconcile(ctx context.Context, convID string) error {
	count, err := s.repo.CountMessages(ctx, convID)
	if err != nil {
		return storeErr(err, "messages")
	}
	var lm *models.LastMessage
	latest, err := s.repo.LatestMessage(ctx, convID)
	switch {
	case err == nil:
		lm = &models.LastMessage{
			MessageID: latest.ID,
			Content:   models.Preview(latest.Content, previewLength),
			SenderID:  latest.SenderID,
			Timestamp: latest.CreatedAt,
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return storeErr(err, "messages")
	}
	if err := s.repo.SetMessageStats(ctx, convID, count, lm); err != nil {
		return storeErr(err, "conversation")
	}
	s.dirty.Delete(convID)
	s.log.Info("conversation reconciled", zap.String("conversation_id", convID), zap.Int64("message_count", count))
	return nil
}

// IsDirty reports whether convID is waiting for reconciliation.
func (s *MessageService) IsDirty(convID string) bool {
	_, ok := s.dirty.Load(convID)
	return ok
}

// Get loads a message visible to actor.
func (s *MessageService) Get(ctx context.Context, actor, id string) (*models.Message, error) {
	m, err := s.repo.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if _, err := s.convs.GetForParticipant(ctx, m.ConversationID, actor); err != nil {
		return nil, err
	}
	return m, nil
}

func clampLimit(limit int64) int64 {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (s *MessageService) List(ctx context.Context, actor, convID string, limit int64, before time.Time) ([]*models.Message, error) {
	if _, err := s.convs.GetForParticipant(ctx, convID, actor); err != nil {
		return nil, err
	}
	out, err := s.repo.ListMessages(ctx, convID, clampLimit(limit), before)
	if err != nil {
		return nil, storeErr(err, "messages")
	}
	return out, nil
}

func (s *MessageService) Search(ctx context.Context, actor, convID, query string, limit int64) ([]*models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperror.Validation("search query is required")
	}
	if _, err := s.convs.GetForParticipant(ctx, convID, actor); err != nil {
		return nil, err
	}
	out, err := s.repo.SearchMessages(ctx, convID, query, clampLimit(limit))
	if err != nil {
		return nil, storeErr(err, "messages")
	}
	return out, nil
}

// Edit replaces the content of the actor's own message. Status and
// reactions are untouched.
func (s *MessageService) Edit(ctx context.Context, actor, id, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperror.Validation("message content is required")
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	m, err := s.repo.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if m.SenderID != actor {
		return nil, apperror.Forbidden("only the sender can edit a message")
	}
	if m.IsDeleted {
		return nil, apperror.Validation("message %s is deleted", id)
	}
	updated, err := s.repo.UpdateContent(ctx, id, content, time.Now().UTC())
	if err != nil {
		return nil, storeErr(err, "message")
	}
	return updated, nil
}

// Delete soft-deletes a message. The sender or a conversation admin may delete.
func (s *MessageService) Delete(ctx context.Context, actor, id string) (*models.Message, error) {
	m, err := s.repo.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if m.SenderID != actor {
		c, err := s.convs.Get(ctx, m.ConversationID)
		if err != nil {
			return nil, err
		}
		if !c.IsAdmin(actor) {
			return nil, apperror.Forbidden("only the sender or an admin can delete a message")
		}
	}
	if m.IsDeleted {
		return m, nil
	}
	deleted, err := s.repo.SoftDelete(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, storeErr(err, "message")
	}
	return deleted, nil
}

// AdvanceStatus moves a message forward; requests to move backwards or to
// the current status are no-ops reported by the bool.
func (s *MessageService) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (*models.Message, bool, error) {
	if status.Rank() == 0 {
		return nil, false, apperror.Validation("invalid status %q", status)
	}
	m, changed, err := s.repo.AdvanceStatus(ctx, id, status, time.Now().UTC())
	if err != nil {
		return nil, false, storeErr(err, "message")
	}
	return m, changed, nil
}

// participantMessage loads a message and checks the actor belongs to its conversation.
func (s *MessageService) participantMessage(ctx context.Context, actor, id string) (*models.Message, error) {
	m, err := s.repo.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if _, err := s.convs.GetForParticipant(ctx, m.ConversationID, actor); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkDelivered records a recipient's delivery acknowledgement.
func (s *MessageService) MarkDelivered(ctx context.Context, actor, id string) (*models.Message, bool, error) {
	m, err := s.participantMessage(ctx, actor, id)
	if err != nil {
		return nil, false, err
	}
	if m.SenderID == actor {
		return m, false, nil
	}
	return s.AdvanceStatus(ctx, id, models.StatusDelivered)
}

// MarkRead advances a message to SEEN on behalf of a recipient and moves the
// reader's read pointer. A sender reading their own message only moves the
// pointer.
func (s *MessageService) MarkRead(ctx context.Context, actor, id string) (*models.Message, bool, error) {
	m, err := s.participantMessage(ctx, actor, id)
	if err != nil {
		return nil, false, err
	}
	changed := false
	if m.SenderID != actor {
		m, changed, err = s.AdvanceStatus(ctx, id, models.StatusSeen)
		if err != nil {
			return nil, false, err
		}
	}
	if err := s.repo.MarkRead(ctx, m.ConversationID, actor, m.ID, time.Now().UTC(), changed); err != nil {
		return nil, false, storeErr(err, "participant")
	}
	return m, changed, nil
}

// React sets the actor's reaction, replacing any earlier one.
func (s *MessageService) React(ctx context.Context, actor, id, emoji string) (*models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperror.Validation("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > maxReactionLength {
		return nil, apperror.Validation("emoji too long")
	}
	m, err := s.participantMessage(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, apperror.Validation("message %s is deleted", id)
	}
	updated, err := s.repo.SetReaction(ctx, id, models.Reaction{UserID: actor, Emoji: emoji, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, storeErr(err, "message")
	}
	return updated, nil
}

func (s *MessageService) RemoveReaction(ctx context.Context, actor, id string) (*models.Message, error) {
	if _, err := s.participantMessage(ctx, actor, id); err != nil {
		return nil, err
	}
	updated, err := s.repo.RemoveReaction(ctx, id, actor, time.Now().UTC())
	if err != nil {
		return nil, storeErr(err, "message")
	}
	return updated, nil
}
