package api

import (
	"context"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/models"
	chatredis "github.com/fathima-sithara/realtime-service/internal/redis"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/gofiber/fiber/v2"
)

type ConversationHandler struct {
	convs  *service.ConversationService
	msgs   *service.MessageService
	router *router.Router
}

func NewConversationHandler(convs *service.ConversationService, msgs *service.MessageService, r *router.Router) *ConversationHandler {
	return &ConversationHandler{convs: convs, msgs: msgs, router: r}
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperror.Validation("invalid request body")
	}
	return nil
}

// CreateDirect returns the existing direct conversation with the other user
// or creates it.
func (h *ConversationHandler) CreateDirect(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, created, err := h.convs.CreateDirect(c.UserContext(), userID(c), req.UserID)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) CreateGroup(c *fiber.Ctx) error {
	var req service.GroupInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, err := h.convs.CreateGroup(c.UserContext(), userID(c), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) List(c *fiber.Ctx) error {
	convs, err := h.convs.ListForUser(c.UserContext(), userID(c), c.QueryBool("archived", false))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": convs})
}

func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	conv, err := h.convs.GetForParticipant(c.UserContext(), c.Params("id"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) AddParticipant(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, err := h.convs.AddParticipant(c.UserContext(), c.Params("id"), userID(c), req.UserID)
	if err != nil {
		return err
	}
	h.router.AnnounceParticipants(c.UserContext(), conv)
	return c.JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) RemoveParticipant(c *fiber.Ctx) error {
	conv, err := h.convs.RemoveParticipant(c.UserContext(), c.Params("id"), userID(c), c.Params("userId"))
	if err != nil {
		return err
	}
	h.router.AnnounceParticipants(c.UserContext(), conv)
	return c.JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) UpdateRole(c *fiber.Ctx) error {
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, err := h.convs.UpdateRole(c.UserContext(), c.Params("id"), userID(c), c.Params("userId"), req.Role)
	if err != nil {
		return err
	}
	h.router.AnnounceParticipants(c.UserContext(), conv)
	return c.JSON(fiber.Map{"data": conv})
}

func (h *ConversationHandler) UpdateSettings(c *fiber.Ctx) error {
	var req service.SettingsPatch
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, err := h.convs.UpdateSettings(c.UserContext(), c.Params("id"), userID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conv})
}

// Reconcile recomputes a conversation's counters from its messages.
func (h *ConversationHandler) Reconcile(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := h.convs.GetForParticipant(ctx, id, userID(c)); err != nil {
		return err
	}
	if err := h.msgs.Reconcile(ctx, id); err != nil {
		return err
	}
	conv, err := h.convs.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conv})
}

// Throttle admits or refuses one more message from key.
type Throttle interface {
	Allow(key string) bool
}

type MessageHandler struct {
	msgs     *service.MessageService
	router   *router.Router
	throttle Throttle
}

func NewMessageHandler(msgs *service.MessageService, r *router.Router, throttle Throttle) *MessageHandler {
	return &MessageHandler{msgs: msgs, router: r, throttle: throttle}
}

// Send posts a message outside a socket. It shares the per-user frame
// budget with the socket path.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	var req service.SendInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	uid := userID(c)
	if req.SenderID != "" && req.SenderID != uid {
		return apperror.Forbidden("senderId does not match the caller")
	}
	if h.throttle != nil && !h.throttle.Allow(uid) {
		return apperror.New(apperror.KindRateLimit, "message rate exceeded")
	}
	m, err := h.router.SendMessage(c.UserContext(), uid, req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": m})
}

func (h *MessageHandler) React(c *fiber.Ctx) error {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	m, err := h.router.React(c.UserContext(), userID(c), c.Params("id"), req.Emoji)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

// List returns non-deleted messages oldest first. before is an RFC 3339
// timestamp for paging back through history.
func (h *MessageHandler) List(c *fiber.Ctx) error {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return apperror.Validation("before must be an RFC 3339 timestamp")
		}
		before = t
	}
	msgs, err := h.msgs.List(c.UserContext(), userID(c), c.Params("id"), int64(c.QueryInt("limit", 0)), before)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

func (h *MessageHandler) Search(c *fiber.Ctx) error {
	msgs, err := h.msgs.Search(c.UserContext(), userID(c), c.Params("id"), c.Query("q"), int64(c.QueryInt("limit", 0)))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

func (h *MessageHandler) Get(c *fiber.Ctx) error {
	m, err := h.msgs.Get(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

func (h *MessageHandler) Edit(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	m, err := h.router.EditMessage(c.UserContext(), userID(c), c.Params("id"), req.Content)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

func (h *MessageHandler) Delete(c *fiber.Ctx) error {
	m, err := h.router.DeleteMessage(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

func (h *MessageHandler) Delivered(c *fiber.Ctx) error {
	m, err := h.router.MarkDelivered(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

func (h *MessageHandler) RemoveReaction(c *fiber.Ctx) error {
	m, err := h.router.RemoveReaction(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": m})
}

// PresenceReader is the shared presence store; when absent only local
// sessions are consulted.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (chatredis.Presence, error)
}

type PresenceHandler struct {
	reader PresenceReader
	hub    *hub.Hub
}

func NewPresenceHandler(reader PresenceReader, h *hub.Hub) *PresenceHandler {
	return &PresenceHandler{reader: reader, hub: h}
}

func (h *PresenceHandler) Get(c *fiber.Ctx) error {
	uid := c.Params("userId")
	if h.reader != nil {
		p, err := h.reader.GetPresence(c.UserContext(), uid)
		if err != nil {
			return apperror.Persistence(err, "presence lookup failed")
		}
		return c.JSON(fiber.Map{"data": fiber.Map{"userId": uid, "status": p.Status, "lastSeen": p.LastSeen}})
	}
	status := chatredis.StatusOffline
	if h.hub != nil && h.hub.IsOnline(uid) {
		status = chatredis.StatusOnline
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"userId": uid, "status": status}})
}
