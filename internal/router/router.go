package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/dispatch"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"go.uber.org/zap"
)

// Bus delivers envelopes to topic subscribers and to a user's private queue.
type Bus interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	SendToUser(ctx context.Context, userID string, env protocol.Envelope) error
	IsOnline(userID string) bool
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type EventPublisher interface {
	PublishMessageSent(ctx context.Context, m *models.Message) error
}

type PresenceRecorder interface {
	SetStatus(ctx context.Context, userID, status string) error
}

// OnlineChecker answers whether a user is connected to any instance.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type Router struct {
	convs    *service.ConversationService
	msgs     *service.MessageService
	bus      Bus
	notifier Notifier
	events   EventPublisher
	presence PresenceRecorder
	online   OnlineChecker

	// held across persist and publish so topic order matches write order
	convLocks *dispatch.Stripes
	log       *zap.Logger
}

type Option func(*Router)

func WithNotifier(n Notifier) Option { return func(r *Router) { r.notifier = n } }
func WithEvents(e EventPublisher) Option { return func(r *Router) { r.events = e } }
func WithPresence(p PresenceRecorder) Option { return func(r *Router) { r.presence = p } }
func WithOnline(o OnlineChecker) Option { return func(r *Router) { r.online = o } }

func New(convs *service.ConversationService, msgs *service.MessageService, bus Bus, log *zap.Logger, opts ...Option) *Router {
	r := &Router{
		convs:     convs,
		msgs:      msgs,
		bus:       bus,
		convLocks: dispatch.NewStripes(256),
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type handlerFunc func(ctx context.Context, in *pipeline.Inbound) error

func (r *Router) handler(dest string) handlerFunc {
	switch dest {
	case protocol.DestSend:
		return r.handleSend
	case protocol.DestTyping:
		return r.handleTyping
	case protocol.DestRead:
		return r.handleRead
	case protocol.DestReact:
		return r.handleReact
	case protocol.DestJoin:
		return r.handleJoin
	case protocol.DestLeave:
		return r.handleLeave
	case protocol.DestPresence:
		return r.handlePresence
	}
	return nil
}

// Handle routes one admitted SEND frame. Failures go to the sender's private
// error queue and are never broadcast.
func (r *Router) Handle(ctx context.Context, in *pipeline.Inbound) error {
	h := r.handler(in.Frame.Destination)
	if h == nil {
		err := apperror.Validation("destination %q is not allowed", in.Frame.Destination)
		r.SendError(ctx, in.UserID, in.Frame.ID, err)
		return err
	}
	if err := h(ctx, in); err != nil {
		r.SendError(ctx, in.UserID, in.Frame.ID, err)
		return err
	}
	return nil
}

// SendError writes err to userID's private error queue.
func (r *Router) SendError(ctx context.Context, userID, frameID string, err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindPersistence {
		r.log.Error("frame failed", zap.String("user_id", userID), zap.Error(err))
	}
	env := protocol.NewEnvelope(protocol.TypeError, protocol.QueueErrors, protocol.ErrorPayload{
		Kind:    string(kind),
		Message: apperror.Message(err),
		FrameID: frameID,
	})
	if serr := r.bus.SendToUser(ctx, userID, env); serr != nil {
		r.log.Warn("private error delivery failed", zap.String("user_id", userID), zap.Error(serr))
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return apperror.Validation("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperror.Validation("malformed payload")
	}
	return nil
}

// actingAs rejects payloads that claim to act for someone other than the
// connection's principal.
func actingAs(principal, claimed string) error {
	if claimed != "" && claimed != principal {
		return apperror.Forbidden("payload identity does not match the connection")
	}
	return nil
}

func (r *Router) publish(ctx context.Context, topic, typ string, payload any) {
	if err := r.bus.Publish(ctx, topic, protocol.NewEnvelope(typ, topic, payload)); err != nil {
		r.log.Warn("publish failed", zap.String("topic", topic), zap.String("type", typ), zap.Error(err))
	}
}

func (r *Router) handleSend(ctx context.Context, in *pipeline.Inbound) error {
	var req service.SendInput
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.SenderID); err != nil {
		return err
	}
	_, err := r.SendMessage(ctx, in.UserID, req)
	return err
}

// SendMessage persists a message from actor, broadcasts MESSAGE_SENT and
// notifies offline recipients.
func (r *Router) SendMessage(ctx context.Context, actor string, req service.SendInput) (*models.Message, error) {
	req.SenderID = actor
	if req.ConversationID == "" {
		return nil, apperror.Validation("conversationId is required")
	}

	var (
		msg  *models.Message
		conv *models.Conversation
		err  error
	)
	r.convLocks.Do(req.ConversationID, func() {
		msg, conv, err = r.msgs.Send(ctx, req)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(conv.ID), protocol.TypeMessageSent, msg)
	})
	if err != nil {
		return nil, err
	}

	if r.events != nil {
		if err := r.events.PublishMessageSent(ctx, msg); err != nil {
			r.log.Warn("message event not published", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	r.notifyOffline(ctx, conv, msg)
	return msg, nil
}

// notifyOffline hands a notification to every recipient without a live
// session. Muted conversations are skipped.
func (r *Router) notifyOffline(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	if r.notifier == nil || conv.Settings.IsMuted {
		return
	}
	for _, uid := range conv.ParticipantIDs() {
		if uid == msg.SenderID || r.isOnline(ctx, uid) {
			continue
		}
		n := models.Notification{
			UserID: uid,
			Title:  msg.SenderID,
			Body:   models.Preview(msg.Content, 100),
			Data: map[string]string{
				"conversationId": conv.ID,
				"messageId":      msg.ID,
				"type":           string(msg.Type),
			},
		}
		if conv.Type == models.ConversationGroup {
			n.Title = conv.Name
		}
		if err := r.notifier.Notify(ctx, n); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			r.log.Warn("notification not delivered", zap.String("user_id", uid), zap.Error(err))
			continue
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}
}

// isOnline checks local sessions first, then the shared presence store.
// A failed lookup counts as offline so the notification still goes out.
func (r *Router) isOnline(ctx context.Context, userID string) bool {
	if r.bus.IsOnline(userID) {
		return true
	}
	if r.online == nil {
		return false
	}
	ok, err := r.online.IsOnline(ctx, userID)
	if err != nil {
		r.log.Warn("online lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

func (r *Router) handleTyping(ctx context.Context, in *pipeline.Inbound) error {
	var req protocol.TypingPayload
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.UserID); err != nil {
		return err
	}
	if _, err := r.convs.GetForParticipant(ctx, req.ConversationID, in.UserID); err != nil {
		return err
	}
	req.UserID = in.UserID
	r.publish(ctx, protocol.TypingTopic(req.ConversationID), protocol.TypeTyping, req)
	return nil
}

// messageConversation resolves the conversation of a message the actor can see.
func (r *Router) messageConversation(ctx context.Context, actor, messageID, claimedConv string) (string, error) {
	if messageID == "" {
		return "", apperror.Validation("messageId is required")
	}
	m, err := r.msgs.Get(ctx, actor, messageID)
	if err != nil {
		return "", err
	}
	if claimedConv != "" && claimedConv != m.ConversationID {
		return "", apperror.Validation("message %s is not in conversation %s", messageID, claimedConv)
	}
	return m.ConversationID, nil
}

func (r *Router) handleRead(ctx context.Context, in *pipeline.Inbound) error {
	var req protocol.ReadPayload
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.UserID); err != nil {
		return err
	}
	_, err := r.MarkRead(ctx, in.UserID, req.MessageID, req.ConversationID)
	return err
}

// MarkRead advances a message to SEEN for actor and broadcasts the receipt.
func (r *Router) MarkRead(ctx context.Context, actor, messageID, claimedConv string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, claimedConv)
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		m, _, err = r.msgs.MarkRead(ctx, actor, messageID)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageRead, protocol.ReadEvent{
			ConversationID: convID,
			MessageID:      m.ID,
			UserID:         actor,
			Status:         string(m.Status),
			ReadAt:         time.Now().UTC(),
		})
	})
	return m, err
}

// MarkDelivered advances a message to DELIVERED and broadcasts the new status
// when it changed.
func (r *Router) MarkDelivered(ctx context.Context, actor, messageID string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		var changed bool
		m, changed, err = r.msgs.MarkDelivered(ctx, actor, messageID)
		if err != nil || !changed {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageStatus, m)
	})
	return m, err
}

func (r *Router) handleReact(ctx context.Context, in *pipeline.Inbound) error {
	var req protocol.ReactPayload
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.UserID); err != nil {
		return err
	}
	_, err := r.React(ctx, in.UserID, req.MessageID, req.Emoji)
	return err
}

// React replaces actor's reaction and broadcasts the full reaction set.
func (r *Router) React(ctx context.Context, actor, messageID, emoji string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		m, err = r.msgs.React(ctx, actor, messageID, emoji)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageReaction, protocol.ReactionEvent{
			ConversationID: convID,
			MessageID:      m.ID,
			UserID:         actor,
			Emoji:          emoji,
			Reactions:      m.Reactions,
		})
	})
	return m, err
}

// RemoveReaction drops actor's reaction and broadcasts the remaining set.
func (r *Router) RemoveReaction(ctx context.Context, actor, messageID string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		m, err = r.msgs.RemoveReaction(ctx, actor, messageID)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageReaction, protocol.ReactionEvent{
			ConversationID: convID,
			MessageID:      m.ID,
			UserID:         actor,
			Reactions:      m.Reactions,
		})
	})
	return m, err
}

// EditMessage edits actor's message and broadcasts the new version.
func (r *Router) EditMessage(ctx context.Context, actor, messageID, content string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		m, err = r.msgs.Edit(ctx, actor, messageID, content)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageEdited, m)
	})
	return m, err
}

// DeleteMessage soft-deletes a message and broadcasts the tombstone.
func (r *Router) DeleteMessage(ctx context.Context, actor, messageID string) (*models.Message, error) {
	convID, err := r.messageConversation(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	var m *models.Message
	r.convLocks.Do(convID, func() {
		m, err = r.msgs.Delete(ctx, actor, messageID)
		if err != nil {
			return
		}
		r.publish(ctx, protocol.ConversationTopic(convID), protocol.TypeMessageDeleted, m)
	})
	return m, err
}

func (r *Router) membership(ctx context.Context, in *pipeline.Inbound, typ string) error {
	var req protocol.MembershipPayload
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.UserID); err != nil {
		return err
	}
	if req.ConversationID == "" {
		return apperror.Validation("conversationId is required")
	}
	if _, err := r.convs.GetForParticipant(ctx, req.ConversationID, in.UserID); err != nil {
		return err
	}
	r.convLocks.Do(req.ConversationID, func() {
		r.publish(ctx, protocol.ConversationTopic(req.ConversationID), typ, protocol.MembershipEvent{
			ConversationID: req.ConversationID,
			UserID:         in.UserID,
		})
	})
	return nil
}

func (r *Router) handleJoin(ctx context.Context, in *pipeline.Inbound) error {
	return r.membership(ctx, in, protocol.TypeUserJoined)
}

func (r *Router) handleLeave(ctx context.Context, in *pipeline.Inbound) error {
	return r.membership(ctx, in, protocol.TypeUserLeft)
}

// AnnounceParticipants broadcasts a conversation's participant list after a
// membership change made outside the socket.
func (r *Router) AnnounceParticipants(ctx context.Context, conv *models.Conversation) {
	r.convLocks.Do(conv.ID, func() {
		r.publish(ctx, protocol.ConversationTopic(conv.ID), protocol.TypeParticipants, conv)
	})
}

func (r *Router) handlePresence(ctx context.Context, in *pipeline.Inbound) error {
	var req protocol.PresencePayload
	if err := decode(in.Frame.Payload, &req); err != nil {
		return err
	}
	if err := actingAs(in.UserID, req.UserID); err != nil {
		return err
	}
	if req.Status == "" {
		req.Status = "online"
	}
	return r.PublishPresence(ctx, in.UserID, req.Status)
}

// PublishPresence records and broadcasts a user's presence status.
func (r *Router) PublishPresence(ctx context.Context, userID, status string) error {
	if r.presence != nil {
		if err := r.presence.SetStatus(ctx, userID, status); err != nil {
			r.log.Warn("presence not recorded", zap.String("user_id", userID), zap.Error(err))
		}
	}
	r.publish(ctx, protocol.TopicPresence, protocol.TypePresence, protocol.PresenceEvent{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	})
	return nil
}
