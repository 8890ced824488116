package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/dispatch"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// LocalPrincipal is the fiber Locals key holding the auth.Principal admitted
// before the upgrade.
const LocalPrincipal = "principal"

const (
	handlerTimeout  = 10 * time.Second
	presenceTimeout = 2 * time.Second
)

// Presence tracks which users hold live connections across instances.
type Presence interface {
	AddConnection(ctx context.Context, userID, sessionID string) error
	RemoveConnection(ctx context.Context, userID, sessionID string) error
	Touch(ctx context.Context, userID string) error
}

type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval + 5*time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Server owns the socket side of the engine: it registers sessions, runs
// inbound frames through the pipeline and hands admitted frames to the
// dispatcher, keyed by session so one connection's frames stay in order.
type Server struct {
	hub      *hub.Hub
	pipe     *pipeline.Pipeline
	router   *router.Router
	convs    *service.ConversationService
	pool     *dispatch.Pool
	audit    *pipeline.Auditor
	presence Presence
	opts     Options
	log      *zap.Logger
}

func NewServer(h *hub.Hub, pipe *pipeline.Pipeline, r *router.Router, convs *service.ConversationService,
	pool *dispatch.Pool, audit *pipeline.Auditor, opts Options, log *zap.Logger) *Server {
	return &Server{
		hub:    h,
		pipe:   pipe,
		router: r,
		convs:  convs,
		pool:   pool,
		audit:  audit,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

func (s *Server) SetPresence(p Presence) { s.presence = p }

// HandleWS serves one upgraded connection until it closes.
func (s *Server) HandleWS() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		p, ok := conn.Locals(LocalPrincipal).(auth.Principal)
		if !ok || p.UserID == "" {
			_ = conn.Close()
			return
		}

		sess := hub.NewSession(p.UserID, s.opts.SendBuffer)
		s.hub.Register(sess)
		s.audit.Connect(sess.ID, sess.UserID, conn.RemoteAddr().String())
		s.trackPresence(sess, true)

		c := newConnection(conn, sess, s)
		go c.writePump()
		reason := c.readPump()

		s.hub.Unregister(sess)
		<-c.writerDone
		s.trackPresence(sess, false)
		s.audit.Disconnect(sess.ID, sess.UserID, reason)
	}
}

func (s *Server) trackPresence(sess *hub.Session, connected bool) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	var err error
	if connected {
		err = s.presence.AddConnection(ctx, sess.UserID, sess.ID)
	} else {
		err = s.presence.RemoveConnection(ctx, sess.UserID, sess.ID)
	}
	if err != nil {
		s.log.Warn("presence update failed", zap.String("user_id", sess.UserID), zap.Bool("connected", connected), zap.Error(err))
	}
}

// heartbeat refreshes the user's presence keys on every pong.
func (s *Server) heartbeat(sess *hub.Session) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Touch(ctx, sess.UserID); err != nil {
		s.log.Debug("presence touch failed", zap.String("user_id", sess.UserID), zap.Error(err))
	}
}

// accept decodes and screens one raw frame. It returns false once the
// dispatcher has stopped and the connection should close.
func (s *Server) accept(sess *hub.Session, data []byte) bool {
	ctx := context.Background()

	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Command == "" {
		metrics.Frames.WithLabelValues("unknown", "malformed").Inc()
		s.router.SendError(ctx, sess.UserID, "", apperror.Validation("malformed frame"))
		return true
	}

	in := &pipeline.Inbound{SessionID: sess.ID, UserID: sess.UserID, Frame: f}
	if err := s.pipe.Run(ctx, in); err != nil {
		metrics.Frames.WithLabelValues(commandLabel(f.Command), "rejected").Inc()
		// throttled frames are dropped without a reply
		if apperror.KindOf(err) != apperror.KindRateLimit {
			s.router.SendError(ctx, in.UserID, f.ID, err)
		}
		return true
	}

	return s.pool.Submit(sess.ID, func() { s.process(in) })
}

func (s *Server) process(in *pipeline.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch in.Frame.Command {
	case protocol.CommandSend:
		err = s.router.Handle(ctx, in)
	case protocol.CommandSubscribe:
		if err = s.subscribe(ctx, in); err != nil {
			s.router.SendError(ctx, in.UserID, in.Frame.ID, err)
		}
	case protocol.CommandUnsubscribe:
		s.hub.Unsubscribe(in.SessionID, in.Frame.Destination)
		s.audit.Unsubscribe(in.SessionID, in.UserID, in.Frame.Destination)
		s.receipt(in)
	}

	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.Frames.WithLabelValues(commandLabel(in.Frame.Command), result).Inc()
}

// commandLabel bounds the metric label set to known commands.
func commandLabel(c protocol.Command) string {
	switch c {
	case protocol.CommandSend, protocol.CommandSubscribe, protocol.CommandUnsubscribe:
		return string(c)
	}
	return "unknown"
}

// subscribe attaches the session to a topic. Conversation and typing topics
// are open to participants only.
func (s *Server) subscribe(ctx context.Context, in *pipeline.Inbound) error {
	topic := in.Frame.Destination
	kind, convID, ok := protocol.ParseTopic(topic)
	if !ok {
		return apperror.Validation("invalid topic %q", topic)
	}
	if kind != protocol.TopicPresence {
		if _, err := s.convs.GetForParticipant(ctx, convID, in.UserID); err != nil {
			return err
		}
	}
	if err := s.hub.Subscribe(in.SessionID, topic); err != nil {
		return apperror.Validation("session is closed")
	}
	s.audit.Subscribe(in.SessionID, in.UserID, topic)
	s.receipt(in)
	return nil
}

func (s *Server) receipt(in *pipeline.Inbound) {
	if in.Frame.ID == "" {
		return
	}
	env := protocol.NewEnvelope(protocol.TypeReceipt, in.Frame.Destination, protocol.ReceiptPayload{FrameID: in.Frame.ID})
	if err := s.hub.SendToSession(in.SessionID, env); err != nil {
		s.log.Debug("receipt not delivered", zap.String("session_id", in.SessionID), zap.Error(err))
	}
}
