package models

import (
	"sort"
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

type Participant struct {
	UserID            string     `bson:"user_id" json:"userId"`
	Role              Role       `bson:"role" json:"role"`
	JoinedAt          time.Time  `bson:"joined_at" json:"joinedAt"`
	LastReadMessageID string     `bson:"last_read_message_id,omitempty" json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `bson:"last_read_at,omitempty" json:"lastReadAt,omitempty"`
}

type LastMessage struct {
	MessageID string    `bson:"message_id" json:"messageId"`
	Content   string    `bson:"content" json:"content"`
	SenderID  string    `bson:"sender_id" json:"senderId"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

type Settings struct {
	IsArchived        bool `bson:"is_archived" json:"isArchived"`
	IsMuted           bool `bson:"is_muted" json:"isMuted"`
	AllowMemberInvite bool `bson:"allow_member_invite" json:"allowMemberInvite"`
	AllowMemberLeave  bool `bson:"allow_member_leave" json:"allowMemberLeave"`
}

type Metadata struct {
	MessageCount int64 `bson:"message_count" json:"messageCount"`
	UnreadCount  int64 `bson:"unread_count" json:"unreadCount"`
}

type Conversation struct {
	ID           string           `bson:"_id" json:"id"`
	Type         ConversationType `bson:"type" json:"type"`
	Name         string           `bson:"name,omitempty" json:"name,omitempty"`
	Description  string           `bson:"description,omitempty" json:"description,omitempty"`
	Avatar       string           `bson:"avatar,omitempty" json:"avatar,omitempty"`
	Participants []Participant    `bson:"participants" json:"participants"`
	CreatedBy    string           `bson:"created_by" json:"createdBy"`
	LastMessage  *LastMessage     `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	Settings     Settings         `bson:"settings" json:"settings"`
	Metadata     Metadata         `bson:"metadata" json:"metadata"`
	// DirectKey is the sorted participant pair of a DIRECT conversation.
	DirectKey string    `bson:"direct_key,omitempty" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

func (c *Conversation) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Conversation) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Conversation) IsAdmin(userID string) bool {
	p, ok := c.Participant(userID)
	return ok && p.Role == RoleAdmin
}

func (c *Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

func DefaultSettings() Settings {
	return Settings{AllowMemberInvite: true, AllowMemberLeave: true}
}
