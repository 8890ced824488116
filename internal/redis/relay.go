package redis

import (
	"context"
	"encoding/json"

	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay carries hub frames between instances over one pub/sub channel.
type Relay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRelay(client *redis.Client, channel string, log *zap.Logger) *Relay {
	return &Relay{client: client, channel: channel, log: log}
}

func (r *Relay) Forward(ctx context.Context, msg hub.RelayMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Run delivers frames from other instances into h until ctx is done.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decodeRelayMessage([]byte(m.Payload))
			if err != nil {
				r.log.Warn("relay: bad payload", zap.Error(err))
				continue
			}
			h.DeliverRemote(msg)
		}
	}
}

func decodeRelayMessage(b []byte) (hub.RelayMessage, error) {
	var msg hub.RelayMessage
	err := json.Unmarshal(b, &msg)
	return msg, err
}
