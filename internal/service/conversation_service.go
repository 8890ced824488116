package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ConversationService struct {
	repo repository.Store
	log  *zap.Logger
}

func NewConversationService(repo repository.Store, log *zap.Logger) *ConversationService {
	return &ConversationService{repo: repo, log: log}
}

// storeErr maps repository errors onto the application taxonomy.
func storeErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.NotFound("%s not found", what)
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperror.Persistence(err, what)
}

// CreateDirect returns the DIRECT conversation between initiator and other,
// creating it when missing. The bool reports whether it was created.
func (s *ConversationService) CreateDirect(ctx context.Context, initiator, other string) (*models.Conversation, bool, error) {
	if initiator == "" || other == "" {
		return nil, false, apperror.Validation("both participants are required")
	}
	if initiator == other {
		return nil, false, apperror.Validation("cannot start a conversation with yourself")
	}

	existing, err := s.repo.FindDirectConversation(ctx, initiator, other)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, storeErr(err, "conversation")
	}

	now := time.Now().UTC()
	c := &models.Conversation{
		ID:   uuid.NewString(),
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			{UserID: initiator, Role: models.RoleAdmin, JoinedAt: now},
			{UserID: other, Role: models.RoleMember, JoinedAt: now},
		},
		CreatedBy: initiator,
		Settings:  models.DefaultSettings(),
		DirectKey: models.DirectKey(initiator, other),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertConversation(ctx, c); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, storeErr(err, "conversation")
		}
		// lost a concurrent creation race
		existing, ferr := s.repo.FindDirectConversation(ctx, initiator, other)
		if ferr != nil {
			return nil, false, storeErr(ferr, "conversation")
		}
		return existing, false, nil
	}
	s.log.Info("direct conversation created", zap.String("conversation_id", c.ID), zap.String("created_by", initiator))
	return c, true, nil
}

type GroupInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Avatar       string   `json:"avatar"`
	Participants []string `json:"participants"`
}

func (s *ConversationService) CreateGroup(ctx context.Context, creator string, in GroupInput) (*models.Conversation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperror.Validation("group name is required")
	}
	now := time.Now().UTC()
	participants := []models.Participant{{UserID: creator, Role: models.RoleAdmin, JoinedAt: now}}
	seen := map[string]bool{creator: true}
	for _, uid := range in.Participants {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		participants = append(participants, models.Participant{UserID: uid, Role: models.RoleMember, JoinedAt: now})
	}

	c := &models.Conversation{
		ID:           uuid.NewString(),
		Type:         models.ConversationGroup,
		Name:         name,
		Description:  in.Description,
		Avatar:       in.Avatar,
		Participants: participants,
		CreatedBy:    creator,
		Settings:     models.DefaultSettings(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertConversation(ctx, c); err != nil {
		return nil, storeErr(err, "conversation")
	}
	s.log.Info("group conversation created",
		zap.String("conversation_id", c.ID),
		zap.String("created_by", creator),
		zap.Int("participants", len(participants)))
	return c, nil
}

func (s *ConversationService) Get(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := s.repo.FindConversation(ctx, id)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	return c, nil
}

// GetForParticipant loads a conversation the user belongs to.
func (s *ConversationService) GetForParticipant(ctx context.Context, id, userID string) (*models.Conversation, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, apperror.Forbidden("not a participant of conversation %s", id)
	}
	return c, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]*models.Conversation, error) {
	out, err := s.repo.FindConversationsByParticipant(ctx, userID, includeArchived)
	if err != nil {
		return nil, storeErr(err, "conversations")
	}
	return out, nil
}

func (s *ConversationService) AddParticipant(ctx context.Context, convID, actor, userID string) (*models.Conversation, error) {
	c, err := s.GetForParticipant(ctx, convID, actor)
	if err != nil {
		return nil, err
	}
	if c.Type != models.ConversationGroup {
		return nil, apperror.Validation("participants can only be added to group conversations")
	}
	if !c.IsAdmin(actor) && !c.Settings.AllowMemberInvite {
		return nil, apperror.Forbidden("only admins can add participants")
	}
	if userID == "" {
		return nil, apperror.Validation("userId is required")
	}
	if c.IsParticipant(userID) {
		return c, nil
	}
	p := models.Participant{UserID: userID, Role: models.RoleMember, JoinedAt: time.Now().UTC()}
	if err := s.repo.AddParticipant(ctx, convID, p); err != nil {
		return nil, storeErr(err, "conversation")
	}
	return s.Get(ctx, convID)
}

// RemoveParticipant removes userID. Admins may remove anyone; members may
// only remove themselves when the conversation allows leaving.
func (s *ConversationService) RemoveParticipant(ctx context.Context, convID, actor, userID string) (*models.Conversation, error) {
	c, err := s.GetForParticipant(ctx, convID, actor)
	if err != nil {
		return nil, err
	}
	if c.Type != models.ConversationGroup {
		return nil, apperror.Validation("participants can only be removed from group conversations")
	}
	if !c.IsParticipant(userID) {
		return nil, apperror.NotFound("participant %s not found", userID)
	}
	self := actor == userID
	switch {
	case c.IsAdmin(actor):
	case self && c.Settings.AllowMemberLeave:
	default:
		return nil, apperror.Forbidden("not allowed to remove participant %s", userID)
	}
	if err := s.repo.RemoveParticipant(ctx, convID, userID); err != nil {
		return nil, storeErr(err, "conversation")
	}
	return s.Get(ctx, convID)
}

func (s *ConversationService) UpdateRole(ctx context.Context, convID, actor, userID string, role models.Role) (*models.Conversation, error) {
	if !role.Valid() {
		return nil, apperror.Validation("invalid role %q", role)
	}
	c, err := s.GetForParticipant(ctx, convID, actor)
	if err != nil {
		return nil, err
	}
	if !c.IsAdmin(actor) {
		return nil, apperror.Forbidden("only admins can change roles")
	}
	if err := s.repo.UpdateParticipantRole(ctx, convID, userID, role); err != nil {
		return nil, storeErr(err, "participant")
	}
	return s.Get(ctx, convID)
}

type SettingsPatch struct {
	IsArchived        *bool `json:"isArchived"`
	IsMuted           *bool `json:"isMuted"`
	AllowMemberInvite *bool `json:"allowMemberInvite"`
	AllowMemberLeave  *bool `json:"allowMemberLeave"`
}

// UpdateSettings applies archive/mute toggles for any participant; member
// policy flags require an admin.
func (s *ConversationService) UpdateSettings(ctx context.Context, convID, actor string, patch SettingsPatch) (*models.Conversation, error) {
	c, err := s.GetForParticipant(ctx, convID, actor)
	if err != nil {
		return nil, err
	}
	st := c.Settings
	if patch.IsArchived != nil {
		st.IsArchived = *patch.IsArchived
	}
	if patch.IsMuted != nil {
		st.IsMuted = *patch.IsMuted
	}
	if patch.AllowMemberInvite != nil || patch.AllowMemberLeave != nil {
		if !c.IsAdmin(actor) {
			return nil, apperror.Forbidden("only admins can change member policy")
		}
		if patch.AllowMemberInvite != nil {
			st.AllowMemberInvite = *patch.AllowMemberInvite
		}
		if patch.AllowMemberLeave != nil {
			st.AllowMemberLeave = *patch.AllowMemberLeave
		}
	}
	if err := s.repo.UpdateSettings(ctx, convID, st); err != nil {
		return nil, storeErr(err, "conversation")
	}
	c.Settings = st
	return c, nil
}
