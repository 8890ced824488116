package repository

import (
	"context"
	"testing"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessage(t *testing.T, s *MemoryStore, id, convID, content string, at time.Time) {
	t.Helper()
	require.NoError(t, s.InsertMessage(context.Background(), &models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "u1",
		Content:        content,
		Type:           models.MessageText,
		Status:         models.StatusSent,
		CreatedAt:      at,
	}))
}

func TestMemoryStoreDirectKeyIsUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &models.Conversation{ID: "c1", Type: models.ConversationDirect, DirectKey: models.DirectKey("a", "b")}
	second := &models.Conversation{ID: "c2", Type: models.ConversationDirect, DirectKey: models.DirectKey("b", "a")}

	require.NoError(t, s.InsertConversation(ctx, first))
	assert.ErrorIs(t, s.InsertConversation(ctx, second), ErrDuplicate)

	found, err := s.FindDirectConversation(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ID)
}

func TestMemoryStoreListExcludesDeleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	seedMessage(t, s, "m1", "c1", "first", base)
	seedMessage(t, s, "m2", "c1", "second", base.Add(time.Second))
	seedMessage(t, s, "m3", "c1", "third", base.Add(2*time.Second))

	_, err := s.SoftDelete(ctx, "m2", base)
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "c1", 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	// deleted messages still exist and still count
	m, err := s.FindMessage(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted)
	n, err := s.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	limited, err := s.ListMessages(ctx, "c1", 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "m3", limited[0].ID)

	older, err := s.ListMessages(ctx, "c1", 10, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "m1", older[0].ID)
}

func TestMemoryStoreAdvanceStatusIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMessage(t, s, "m1", "c1", "hi", time.Now())

	m, changed, err := s.AdvanceStatus(ctx, "m1", models.StatusSeen, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusSeen, m.Status)

	m, changed, err = s.AdvanceStatus(ctx, "m1", models.StatusDelivered, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusSeen, m.Status)

	_, _, err = s.AdvanceStatus(ctx, "missing", models.StatusSeen, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSearchIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMessage(t, s, "m1", "c1", "Hello World", time.Now())
	seedMessage(t, s, "m2", "c1", "goodbye", time.Now())

	msgs, err := s.SearchMessages(ctx, "c1", "hello", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestMemoryStoreMarkReadNeverGoesNegative(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertConversation(ctx, &models.Conversation{
		ID:           "c1",
		Participants: []models.Participant{{UserID: "a"}, {UserID: "b"}},
	}))

	require.NoError(t, s.MarkRead(ctx, "c1", "b", "m1", time.Now(), true))
	c, err := s.FindConversation(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Metadata.UnreadCount)
	p, _ := c.Participant("b")
	assert.Equal(t, "m1", p.LastReadMessageID)

	assert.ErrorIs(t, s.MarkRead(ctx, "c1", "z", "m1", time.Now(), false), ErrNotFound)
}

func TestMemoryStoreFailNext(t *testing.T) {
	s := NewMemoryStore()
	s.FailNext("RecordMessage", 1)
	require.NoError(t, s.InsertConversation(context.Background(), &models.Conversation{ID: "c1"}))

	err := s.RecordMessage(context.Background(), "c1", models.LastMessage{MessageID: "m1"})
	assert.ErrorIs(t, err, ErrInjected)
	assert.NoError(t, s.RecordMessage(context.Background(), "c1", models.LastMessage{MessageID: "m1"}))
}
