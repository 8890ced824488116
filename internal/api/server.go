package api

import (
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/fathima-sithara/realtime-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

type Deps struct {
	Gate    *auth.Gatekeeper
	WS      *ws.Server
	Convs   *service.ConversationService
	Msgs    *service.MessageService
	Router  *router.Router
	Limiter *UpgradeLimiter
	Hub     *hub.Hub

	// Throttle is optional; when set REST sends count against it.
	Throttle Throttle

	// Presence is optional; nil falls back to local sessions.
	Presence PresenceReader

	// AccessLog enables fiber's request logger.
	AccessLog bool
}

func NewServer(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New())
	}

	v1 := app.Group("/v1")

	v1.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	promHandler := fasthttpadaptor.NewFastHTTPHandler(metrics.Handler())
	v1.Get("/metrics", func(c *fiber.Ctx) error {
		promHandler(c.Context())
		return nil
	})

	authn := RequireAuth(d.Gate)

	upgrade := []fiber.Handler{}
	if d.Limiter != nil {
		upgrade = append(upgrade, d.Limiter.Handler())
	}
	upgrade = append(upgrade,
		func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
		authn,
		websocket.New(d.WS.HandleWS()),
	)
	v1.Get("/ws", upgrade...)

	ch := NewConversationHandler(d.Convs, d.Msgs, d.Router)
	v1.Post("/conversations/direct", authn, ch.CreateDirect)
	v1.Post("/conversations/group", authn, ch.CreateGroup)
	v1.Get("/conversations", authn, ch.List)
	v1.Get("/conversations/:id", authn, ch.Get)
	v1.Post("/conversations/:id/participants", authn, ch.AddParticipant)
	v1.Delete("/conversations/:id/participants/:userId", authn, ch.RemoveParticipant)
	v1.Patch("/conversations/:id/participants/:userId", authn, ch.UpdateRole)
	v1.Patch("/conversations/:id/settings", authn, ch.UpdateSettings)
	v1.Post("/conversations/:id/reconcile", authn, ch.Reconcile)

	mh := NewMessageHandler(d.Msgs, d.Router, d.Throttle)
	v1.Post("/messages", authn, mh.Send)
	v1.Get("/conversations/:id/messages", authn, mh.List)
	v1.Get("/conversations/:id/messages/search", authn, mh.Search)
	v1.Get("/messages/:id", authn, mh.Get)
	v1.Patch("/messages/:id", authn, mh.Edit)
	v1.Delete("/messages/:id", authn, mh.Delete)
	v1.Post("/messages/:id/delivered", authn, mh.Delivered)
	v1.Post("/messages/:id/reactions", authn, mh.React)
	v1.Delete("/messages/:id/reactions", authn, mh.RemoveReaction)

	ph := NewPresenceHandler(d.Presence, d.Hub)
	v1.Get("/presence/:userId", authn, ph.Get)

	return app
}
