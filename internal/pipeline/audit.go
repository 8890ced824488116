package pipeline

import (
	"context"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"go.uber.org/zap"
)

// Auditor writes one structured record per connection lifecycle event and
// per admitted or rejected frame. It also runs as the last pipeline stage.
type Auditor struct {
	log *zap.Logger
}

func NewAuditor(log *zap.Logger) *Auditor {
	return &Auditor{log: log.Named("audit")}
}

func (a *Auditor) Name() string { return "audit" }

func (a *Auditor) Inspect(_ context.Context, in *Inbound) error {
	if in.Frame.Command == protocol.CommandSend {
		a.log.Info("send",
			zap.String("session_id", in.SessionID),
			zap.String("user_id", in.UserID),
			zap.String("destination", in.Frame.Destination),
			zap.Int("payload_bytes", len(in.Frame.Payload)))
	}
	return nil
}

func (a *Auditor) Connect(sessionID, userID, remote string) {
	a.log.Info("connect",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("remote", remote))
}

func (a *Auditor) Disconnect(sessionID, userID, reason string) {
	a.log.Info("disconnect",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("reason", reason))
}

func (a *Auditor) Subscribe(sessionID, userID, topic string) {
	a.log.Info("subscribe",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("topic", topic))
}

func (a *Auditor) Unsubscribe(sessionID, userID, topic string) {
	a.log.Info("unsubscribe",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("topic", topic))
}

// Reject is registered as the pipeline's reject hook.
func (a *Auditor) Reject(in *Inbound, stage string, err error) {
	a.log.Warn("reject",
		zap.String("session_id", in.SessionID),
		zap.String("user_id", in.UserID),
		zap.String("command", string(in.Frame.Command)),
		zap.String("destination", in.Frame.Destination),
		zap.String("stage", stage),
		zap.String("kind", string(apperror.KindOf(err))),
		zap.String("reason", apperror.Message(err)))
}
