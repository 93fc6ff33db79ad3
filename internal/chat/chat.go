// Package chat manages direct and trip-bound group conversations: finding or
// creating chats, appending messages with their chat preview, archiving on
// block and removing participants on trip leave.
package chat

import (
	"slices"
	"sort"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageLocation:
		return true
	}
	return false
}

// Chat is a direct or group conversation.
type Chat struct {
	ID                 string    `json:"id"`
	Participants       []string  `json:"participants"`
	IsGroupChat        bool      `json:"is_group_chat"`
	ChatName           string    `json:"chat_name,omitempty"`
	TripID             string    `json:"trip_id,omitempty"`
	GroupAdmin         string    `json:"group_admin,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview"`
	IsArchived         bool      `json:"is_archived"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// DirectKey identifies the unordered pair of a direct chat.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Message is one entry in a chat. An empty SenderID marks a system message.
type Message struct {
	ID       string      `json:"id"`
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id,omitempty"`
	Content  string      `json:"content"`
	Type     MessageType `json:"message_type"`
	MediaURL string      `json:"media_url,omitempty"`
	SentAt   time.Time   `json:"sent_at"`
	ReadBy   []string    `json:"read_by"`
	EditedAt *time.Time  `json:"edited_at,omitempty"`
}

// IsSystem reports whether the message was generated by the server.
func (m *Message) IsSystem() bool { return m.SenderID == "" }

// SortByActivity orders chats by last message, most recent first. Chats
// without messages fall back to creation time.
func SortByActivity(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].LastMessageAt.Equal(chats[j].LastMessageAt) {
			return chats[i].CreatedAt.After(chats[j].CreatedAt)
		}
		return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
	})
}
