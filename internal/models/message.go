package models

import "time"

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageVideo  MessageType = "VIDEO"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageSystem:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusSeen      MessageStatus = "SEEN"
)

// Rank orders statuses so that transitions can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

// StatusesBelow lists every status a message may hold before reaching s.
func StatusesBelow(s MessageStatus) []MessageStatus {
	out := []MessageStatus{}
	for _, c := range []MessageStatus{StatusSent, StatusDelivered, StatusSeen} {
		if c.Rank() < s.Rank() {
			out = append(out, c)
		}
	}
	return out
}

// MaxContentLength is the rune cap on stored message content.
const MaxContentLength = 5000

type ReplyTo struct {
	MessageID string `bson:"message_id" json:"messageId"`
	SenderID  string `bson:"sender_id" json:"senderId"`
	Content   string `bson:"content" json:"content"`
}

type Attachment struct {
	FileID       string `bson:"file_id" json:"fileId"`
	FileName     string `bson:"file_name" json:"fileName"`
	FileSize     int64  `bson:"file_size" json:"fileSize"`
	MimeType     string `bson:"mime_type" json:"mimeType"`
	URL          string `bson:"url" json:"url"`
	ThumbnailURL string `bson:"thumbnail_url,omitempty" json:"thumbnailUrl,omitempty"`
}

type Reaction struct {
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

type Mention struct {
	UserID   string `bson:"user_id" json:"userId"`
	Username string `bson:"username" json:"username"`
	Position int    `bson:"position" json:"position"`
}

type Message struct {
	ID             string        `bson:"_id" json:"id"`
	ConversationID string        `bson:"conversation_id" json:"conversationId"`
	SenderID       string        `bson:"sender_id" json:"senderId"`
	Content        string        `bson:"content" json:"content"`
	Type           MessageType   `bson:"type" json:"type"`
	Status         MessageStatus `bson:"status" json:"status"`
	ReplyTo        *ReplyTo      `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	Attachments    []Attachment  `bson:"attachments" json:"attachments"`
	Reactions      []Reaction    `bson:"reactions" json:"reactions"`
	Mentions       []Mention     `bson:"mentions" json:"mentions"`
	IsEdited       bool          `bson:"is_edited" json:"isEdited"`
	EditedAt       *time.Time    `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	IsDeleted      bool          `bson:"is_deleted" json:"isDeleted"`
	DeletedAt      *time.Time    `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
	CreatedAt      time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `bson:"updated_at" json:"updatedAt"`
}

// Normalize replaces nil slices so documents always carry arrays.
func (m *Message) Normalize() {
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
	if m.Mentions == nil {
		m.Mentions = []Mention{}
	}
}

// SetReaction keeps at most one reaction per user; the newest wins.
func (m *Message) SetReaction(r Reaction) {
	out := make([]Reaction, 0, len(m.Reactions)+1)
	for _, existing := range m.Reactions {
		if existing.UserID != r.UserID {
			out = append(out, existing)
		}
	}
	m.Reactions = append(out, r)
}

// RemoveReaction drops the user's reaction and reports whether one existed.
func (m *Message) RemoveReaction(userID string) bool {
	out := make([]Reaction, 0, len(m.Reactions))
	removed := false
	for _, existing := range m.Reactions {
		if existing.UserID == userID {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	m.Reactions = out
	return removed
}

// Preview truncates content for lastMessage and reply snippets.
func Preview(content string, n int) string {
	r := []rune(content)
	if len(r) <= n {
		return content
	}
	return string(r[:n])
}
