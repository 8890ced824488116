package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

type Command string

const (
	CommandSend        Command = "SEND"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
)

// Inbound destinations.
const (
	DestSend     = "chat.send"
	DestTyping   = "chat.typing"
	DestRead     = "chat.read"
	DestReact    = "chat.react"
	DestJoin     = "chat.join"
	DestLeave    = "chat.leave"
	DestPresence = "presence.update"
)

// InboundDestinations is the allow-list of SEND destinations.
var InboundDestinations = []string{DestSend, DestTyping, DestRead, DestReact, DestJoin, DestLeave, DestPresence}

// Outbound topics and queues.
const (
	TopicPresence = "presence"
	QueueErrors   = "queue.errors"

	conversationPrefix = "conversation."
	typingPrefix       = "typing."
)

// Envelope types.
const (
	TypeMessageSent     = "MESSAGE_SENT"
	TypeMessageEdited   = "MESSAGE_EDITED"
	TypeMessageDeleted  = "MESSAGE_DELETED"
	TypeMessageRead     = "MESSAGE_READ"
	TypeMessageStatus   = "MESSAGE_STATUS"
	TypeMessageReaction = "MESSAGE_REACTION"
	TypeTyping          = "TYPING_INDICATOR"
	TypeUserJoined      = "USER_JOINED"
	TypeUserLeft        = "USER_LEFT"
	TypeParticipants    = "PARTICIPANTS_UPDATED"
	TypePresence        = "PRESENCE_UPDATE"
	TypeError           = "ERROR"
	TypeReceipt         = "RECEIPT"
)

// Frame is a single inbound client frame.
type Frame struct {
	Command     Command         `json:"command"`
	Destination string          `json:"destination"`
	ID          string          `json:"id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Envelope is a single outbound server frame.
type Envelope struct {
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewEnvelope(typ, destination string, payload any) Envelope {
	return Envelope{Type: typ, Destination: destination, Payload: payload, Timestamp: time.Now().UTC()}
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	FrameID string `json:"frameId,omitempty"`
}

// ReceiptPayload acknowledges a subscription frame that carried an id.
type ReceiptPayload struct {
	FrameID string `json:"frameId"`
}

func ConversationTopic(id string) string { return conversationPrefix + id }
func TypingTopic(id string) string       { return typingPrefix + id }

// ParseTopic splits an outbound topic into its kind and conversation id.
// ok is false for malformed topics.
func ParseTopic(topic string) (kind, conversationID string, ok bool) {
	switch {
	case topic == TopicPresence:
		return TopicPresence, "", true
	case strings.HasPrefix(topic, conversationPrefix):
		id := strings.TrimPrefix(topic, conversationPrefix)
		return "conversation", id, validID(id)
	case strings.HasPrefix(topic, typingPrefix):
		id := strings.TrimPrefix(topic, typingPrefix)
		return "typing", id, validID(id)
	}
	return "", "", false
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, " .*#>\t\r\n")
}

func IsInboundDestination(dest string) bool {
	for _, d := range InboundDestinations {
		if d == dest {
			return true
		}
	}
	return false
}

// Payloads of inbound SEND frames.

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

type ReactPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type MembershipPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Payloads of outbound envelopes that are not whole models.

type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	Status         string    `json:"status"`
	ReadAt         time.Time `json:"readAt"`
}

type ReactionEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji,omitempty"`
	Reactions      any    `json:"reactions"`
}

type MembershipEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}
