package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/dispatch"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/fathima-sithara/realtime-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type testEnv struct {
	app    *fiber.App
	issuer *auth.Issuer
	convs  *service.ConversationService
	msgs   *service.MessageService
	hub    *hub.Hub
}

func newTestEnv(t *testing.T, connectPerMinute int) *testEnv {
	t.Helper()
	return newTestEnvWithLimits(t, connectPerMinute, pipeline.DefaultLimits())
}

func newTestEnvWithLimits(t *testing.T, connectPerMinute int, limits pipeline.Limits) *testEnv {
	t.Helper()
	metrics.Init()
	log := zap.NewNop()

	v, err := auth.NewJWTValidatorHS256(testSecret)
	require.NoError(t, err)
	gate := auth.NewGatekeeper(v, log)

	store := repository.NewMemoryStore()
	convs := service.NewConversationService(store, log)
	msgs := service.NewMessageService(store, convs, log)
	h := hub.New(log)
	r := router.New(convs, msgs, h, log)

	governor := pipeline.NewGovernor(limits, log)
	audit := pipeline.NewAuditor(log)
	pipe := pipeline.New(
		governor,
		pipeline.NewValidator(),
		pipeline.NewFilter(),
		audit,
	).OnReject(audit.Reject)

	pool := dispatch.NewPool(4, 16, log)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	wsrv := ws.NewServer(h, pipe, r, convs, pool, audit, ws.Options{}, log)
	app := NewServer(Deps{
		Gate:     gate,
		WS:       wsrv,
		Convs:    convs,
		Msgs:     msgs,
		Router:   r,
		Limiter:  NewUpgradeLimiter(connectPerMinute, log),
		Hub:      h,
		Throttle: governor,
	})
	return &testEnv{app: app, issuer: auth.NewIssuer(testSecret, time.Hour), convs: convs, msgs: msgs, hub: h}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.issuer.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, 30)

	resp, body := e.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ws_active_connections")
}

func TestRESTRequiresCredential(t *testing.T) {
	e := newTestEnv(t, 30)
	resp, body := e.do(t, http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `"AuthenticationFailure"`, string(body["kind"]))
}

func TestDirectConversationLifecycle(t *testing.T) {
	e := newTestEnv(t, 30)

	resp, body := e.do(t, http.MethodPost, "/v1/conversations/direct", "alice", map[string]string{"userId": "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(body["data"], &conv))
	assert.Equal(t, models.ConversationDirect, conv.Type)

	resp, body = e.do(t, http.MethodPost, "/v1/conversations/direct", "bob", map[string]string{"userId": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again models.Conversation
	require.NoError(t, json.Unmarshal(body["data"], &again))
	assert.Equal(t, conv.ID, again.ID)

	resp, _ = e.do(t, http.MethodGet, "/v1/conversations/"+conv.ID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/conversations/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Conversation
	require.NoError(t, json.Unmarshal(body["data"], &list))
	assert.Len(t, list, 1)
}

func TestDeletedMessagesLeaveListings(t *testing.T) {
	e := newTestEnv(t, 30)
	ctx := context.Background()
	conv, _, err := e.convs.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	keep, _, err := e.msgs.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "keep"})
	require.NoError(t, err)
	drop, _, err := e.msgs.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "drop"})
	require.NoError(t, err)

	resp, _ := e.do(t, http.MethodDelete, "/v1/messages/"+drop.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/v1/messages/"+drop.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body["data"], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, keep.ID, msgs[0].ID)

	resp, _ = e.do(t, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?before=yesterday", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEditAndDeliveredOverREST(t *testing.T) {
	e := newTestEnv(t, 30)
	ctx := context.Background()
	conv, _, err := e.convs.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	m, _, err := e.msgs.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "typo"})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPatch, "/v1/messages/"+m.ID, "alice", map[string]string{"content": "fixed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited models.Message
	require.NoError(t, json.Unmarshal(body["data"], &edited))
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "fixed", edited.Content)

	resp, body = e.do(t, http.MethodPost, "/v1/messages/"+m.ID+"/delivered", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var delivered models.Message
	require.NoError(t, json.Unmarshal(body["data"], &delivered))
	assert.Equal(t, models.StatusDelivered, delivered.Status)
}

func nextEnvelope(t *testing.T, s *hub.Session) protocol.Envelope {
	t.Helper()
	select {
	case b := <-s.Outbound():
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return protocol.Envelope{}
}

func TestEditRejectsUnsafeContent(t *testing.T) {
	e := newTestEnv(t, 30)
	ctx := context.Background()
	conv, _, err := e.convs.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	m, _, err := e.msgs.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "typo"})
	require.NoError(t, err)
	bob := hub.NewSession("bob", 8)
	e.hub.Register(bob)
	require.NoError(t, e.hub.Subscribe(bob.ID, protocol.ConversationTopic(conv.ID)))

	for _, content := range []string{
		"<script>alert(document.cookie)</script>\u0000",
		"fine\u0007",
		"x" + strings.Repeat(" ", 40),
	} {
		resp, _ := e.do(t, http.MethodPatch, "/v1/messages/"+m.ID, "alice", map[string]string{"content": content})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%q", content)
	}

	resp, body := e.do(t, http.MethodGet, "/v1/messages/"+m.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored models.Message
	require.NoError(t, json.Unmarshal(body["data"], &stored))
	assert.Equal(t, "typo", stored.Content)
	assert.False(t, stored.IsEdited)
	assert.Len(t, bob.Outbound(), 0)
}

func TestSendAndReactOverREST(t *testing.T) {
	e := newTestEnv(t, 30)
	conv, _, err := e.convs.CreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	bob := hub.NewSession("bob", 8)
	e.hub.Register(bob)
	require.NoError(t, e.hub.Subscribe(bob.ID, protocol.ConversationTopic(conv.ID)))

	resp, body := e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"conversationId": conv.ID, "content": "posted"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent models.Message
	require.NoError(t, json.Unmarshal(body["data"], &sent))
	assert.Equal(t, "alice", sent.SenderID)
	assert.Equal(t, models.StatusSent, sent.Status)
	assert.Equal(t, protocol.TypeMessageSent, nextEnvelope(t, bob).Type)

	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"conversationId": conv.ID, "senderId": "bob", "content": "spoof"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"conversationId": conv.ID, "content": "javascript:void(0)"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "mallory", map[string]string{"conversationId": conv.ID, "content": "let me in"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Len(t, bob.Outbound(), 0)

	resp, body = e.do(t, http.MethodPost, "/v1/messages/"+sent.ID+"/reactions", "bob", map[string]string{"emoji": "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reacted models.Message
	require.NoError(t, json.Unmarshal(body["data"], &reacted))
	require.Len(t, reacted.Reactions, 1)
	assert.Equal(t, "bob", reacted.Reactions[0].UserID)
	assert.Equal(t, protocol.TypeMessageReaction, nextEnvelope(t, bob).Type)

	resp, _ = e.do(t, http.MethodPost, "/v1/messages/"+sent.ID+"/reactions", "mallory", map[string]string{"emoji": "👎"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRESTSendSharesMessageBudget(t *testing.T) {
	limits := pipeline.DefaultLimits()
	limits.PerMinute = 2
	e := newTestEnvWithLimits(t, 30, limits)
	conv, _, err := e.convs.CreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"conversationId": conv.ID, "content": "ping"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"conversationId": conv.ID, "content": "ping"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	got, err := e.convs.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Metadata.MessageCount)
}

func TestPresenceFallsBackToLocalSessions(t *testing.T) {
	e := newTestEnv(t, 30)
	sess := hub.NewSession("bob", 4)
	e.hub.Register(sess)

	resp, body := e.do(t, http.MethodGet, "/v1/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"userId":"bob","status":"online"}`, string(body["data"]))

	e.hub.Unregister(sess)
	_, body = e.do(t, http.MethodGet, "/v1/presence/bob", "alice", nil)
	assert.JSONEq(t, `{"userId":"bob","status":"offline"}`, string(body["data"]))
}

func TestUpgradeRefusals(t *testing.T) {
	e := newTestEnv(t, 30)

	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/v1/ws?token=garbage", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, e.hub.SessionCount())
}

func TestUpgradeLimiterThrottlesPerIP(t *testing.T) {
	e := newTestEnv(t, 6)

	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestUpgradeLimiterEvictsIdleVisitors(t *testing.T) {
	l := NewUpgradeLimiter(30, zap.NewNop())
	l.limiter("10.0.0.1")
	l.evict(time.Now().Add(time.Minute))
	_, ok := l.visitors.Load("10.0.0.1")
	assert.False(t, ok)
}

func readEnvelope(t *testing.T, conn *gorillaws.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketEndToEnd(t *testing.T) {
	e := newTestEnv(t, 600)
	conv, _, err := e.convs.CreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.app.Listener(ln) }()
	t.Cleanup(func() { _ = e.app.Shutdown() })

	base := "ws://" + ln.Addr().String() + "/v1/ws"

	_, resp, err := gorillaws.DefaultDialer.Dial(base+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, "bob"))
	bob, _, err := gorillaws.DefaultDialer.Dial(base, header)
	require.NoError(t, err)
	defer bob.Close()

	alice, _, err := gorillaws.DefaultDialer.Dial(base+"?token="+e.token(t, "alice"), nil)
	require.NoError(t, err)
	defer alice.Close()

	topic := protocol.ConversationTopic(conv.ID)
	require.NoError(t, bob.WriteJSON(protocol.Frame{Command: protocol.CommandSubscribe, Destination: topic, ID: "sub-1"}))
	env := readEnvelope(t, bob)
	assert.JSONEq(t, `"RECEIPT"`, string(env["type"]))

	payload, err := json.Marshal(map[string]string{"conversationId": conv.ID, "content": "over the wire"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(protocol.Frame{Command: protocol.CommandSend, Destination: protocol.DestSend, Payload: payload}))

	env = readEnvelope(t, bob)
	assert.JSONEq(t, `"MESSAGE_SENT"`, string(env["type"]))
	var m models.Message
	require.NoError(t, json.Unmarshal(env["payload"], &m))
	assert.Equal(t, "over the wire", m.Content)
	assert.Equal(t, "alice", m.SenderID)

	require.NoError(t, alice.WriteJSON(protocol.Frame{Command: protocol.CommandSend, Destination: "chat.delete_everything", ID: "bad-1"}))
	env = readEnvelope(t, alice)
	assert.JSONEq(t, `"ERROR"`, string(env["type"]))
	assert.JSONEq(t, `"queue.errors"`, string(env["destination"]))
}
