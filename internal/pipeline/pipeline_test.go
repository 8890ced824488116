package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGovernor(perMinute, perHour int) (*Governor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewGovernor(Limits{
		PerMinute:    perMinute,
		PerHour:      perHour,
		MinuteWindow: time.Minute,
		HourWindow:   time.Hour,
	}, zap.NewNop())
	g.now = clock.Now
	return g, clock
}

func TestGovernorMinuteWindow(t *testing.T) {
	g, clock := newGovernor(60, 1000)

	for i := 0; i < 60; i++ {
		require.True(t, g.Allow("alice"), "frame %d", i)
	}
	assert.False(t, g.Allow("alice"))
	assert.True(t, g.Allow("bob"), "quota is per key")

	clock.Advance(61 * time.Second)
	assert.True(t, g.Allow("alice"))
}

func TestGovernorHourWindow(t *testing.T) {
	g, clock := newGovernor(60, 100)

	admitted := 0
	for minute := 0; minute < 5; minute++ {
		for i := 0; i < 60; i++ {
			if g.Allow("alice") {
				admitted++
			}
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 100, admitted)

	clock.Advance(time.Hour)
	assert.True(t, g.Allow("alice"))
}

func TestGovernorKeysOnIdentity(t *testing.T) {
	g, _ := newGovernor(2, 1000)
	ctx := context.Background()

	// two sessions of the same user share a quota
	require.NoError(t, g.Inspect(ctx, &Inbound{SessionID: "s1", UserID: "alice"}))
	require.NoError(t, g.Inspect(ctx, &Inbound{SessionID: "s2", UserID: "alice"}))
	err := g.Inspect(ctx, &Inbound{SessionID: "s3", UserID: "alice"})
	assert.Equal(t, apperror.KindRateLimit, apperror.KindOf(err))

	// anonymous frames fall back to the session id
	require.NoError(t, g.Inspect(ctx, &Inbound{SessionID: "anon"}))
}

func TestGovernorPurgesIdleCounters(t *testing.T) {
	g, clock := newGovernor(60, 1000)
	g.Allow("alice")
	clock.Advance(90 * time.Minute)
	g.Allow("bob")

	assert.Equal(t, 0, g.Purge())
	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, g.Purge())

	_, ok := g.entries.Load("alice")
	assert.False(t, ok)
	_, ok = g.entries.Load("bob")
	assert.True(t, ok)
}

func sendPayload(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"conversationId": "c1", "content": content})
	require.NoError(t, err)
	return b
}

func TestValidatorAcceptsOrdinaryText(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Check(sendPayload(t, "hello there\nsecond line\twith tab")))
	assert.NoError(t, v.Check(sendPayload(t, "ünïcödé 👋")))
}

func TestValidatorRejects(t *testing.T) {
	v := NewValidator()
	cases := map[string][]byte{
		"oversized":        sendPayload(t, strings.Repeat("a", 5000)),
		"script tag":       sendPayload(t, "hi <SCRIPT>alert(1)</script>"),
		"escaped script":   []byte(`{"content":"\u003cscript\u003e"}`),
		"javascript url":   sendPayload(t, "click JavaScript:void(0)"),
		"event handler":    sendPayload(t, `<img onerror=x>`),
		"cookie access":    sendPayload(t, "document.cookie"),
		"nul byte":         sendPayload(t, "a\x00b"),
		"bell":             []byte("ding\x07"),
		"c1 control":       sendPayload(t, "next\u0085line"),
		"raw c1 control":   []byte("csi\u009b2J"),
		"empty":            []byte(""),
		"whitespace only":  []byte("     \n\t  "),
		"mostly padding":   []byte("a" + strings.Repeat(" ", 50)),
		"invalid encoding": {0xff, 0xfe, 'a'},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.Check(payload)
			require.Error(t, err)
			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
		})
	}
}

func TestCheckContent(t *testing.T) {
	assert.NoError(t, CheckContent("see you at 5\tok?\n"))

	for _, content := range []string{
		"<script>alert(document.cookie)</script>",
		"hello\x00",
		"split\u0085here",
		"",
		"x" + strings.Repeat(" ", 40),
	} {
		err := CheckContent(content)
		require.Error(t, err, "%q", content)
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	}
}

func TestValidatorSkipsSubscriptions(t *testing.T) {
	v := NewValidator()
	in := &Inbound{Frame: protocol.Frame{Command: protocol.CommandSubscribe, Destination: "presence"}}
	assert.NoError(t, v.Inspect(context.Background(), in))
}

func TestFilter(t *testing.T) {
	f := NewFilter()
	ctx := context.Background()

	ok := []protocol.Frame{
		{Command: protocol.CommandSend, Destination: protocol.DestSend},
		{Command: protocol.CommandSend, Destination: protocol.DestPresence},
		{Command: protocol.CommandSubscribe, Destination: "conversation.c1"},
		{Command: protocol.CommandUnsubscribe, Destination: "typing.c1"},
	}
	for _, fr := range ok {
		assert.NoError(t, f.Inspect(ctx, &Inbound{Frame: fr}), fr.Destination)
	}

	bad := []protocol.Frame{
		{Command: protocol.CommandSend, Destination: "chat.admin"},
		{Command: protocol.CommandSend, Destination: "conversation.c1"},
		{Command: protocol.CommandSubscribe, Destination: "queue.errors"},
		{Command: "CONNECT", Destination: protocol.DestSend},
	}
	for _, fr := range bad {
		err := f.Inspect(ctx, &Inbound{Frame: fr})
		assert.ErrorIs(t, err, apperror.ErrBadRequest, fr.Destination)
	}
}

type countingStage struct{ calls int }

func (c *countingStage) Name() string { return "counting" }
func (c *countingStage) Inspect(context.Context, *Inbound) error {
	c.calls++
	return nil
}

func TestPipelineStopsAtFirstRejection(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	audit := NewAuditor(zap.New(core))
	after := &countingStage{}

	p := New(NewValidator(), NewFilter(), after, audit).OnReject(audit.Reject)

	in := &Inbound{SessionID: "s1", UserID: "alice", Frame: protocol.Frame{
		Command:     protocol.CommandSend,
		Destination: "chat.admin",
		Payload:     sendPayload(t, "hello"),
	}}
	err := p.Run(context.Background(), in)
	require.Error(t, err)

	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "filter", rej.Stage)
	assert.ErrorIs(t, err, apperror.ErrBadRequest)
	assert.Equal(t, 0, after.calls)

	entries := logs.FilterMessage("reject").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "filter", entries[0].ContextMap()["stage"])

	in.Frame.Destination = protocol.DestSend
	require.NoError(t, p.Run(context.Background(), in))
	assert.Equal(t, 1, after.calls)
	assert.Len(t, logs.FilterMessage("send").All(), 1)
}
