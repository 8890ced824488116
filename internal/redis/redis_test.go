package redis

import (
	"testing"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceKeys(t *testing.T) {
	s := NewPresenceStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "ws", time.Minute)
	assert.Equal(t, "ws:conn:alice", s.connKey("alice"))
	assert.Equal(t, "ws:presence:alice", s.presenceKey("alice"))
}

func TestDecodeRelayMessage(t *testing.T) {
	msg, err := decodeRelayMessage([]byte(`{"origin":"i1","topic":"conversation.c1","data":{"type":"MESSAGE_SENT"}}`))
	require.NoError(t, err)
	assert.Equal(t, hub.RelayMessage{
		Origin: "i1",
		Topic:  "conversation.c1",
		Data:   []byte(`{"type":"MESSAGE_SENT"}`),
	}, msg)

	_, err = decodeRelayMessage([]byte("not json"))
	assert.Error(t, err)
}
