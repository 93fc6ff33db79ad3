package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/moderation"
)

// Config holds chat manager settings.
type Config struct {
	PreviewLength  int `koanf:"preview_length" validate:"gte=10"`
	HistoryLimit   int `koanf:"history_limit" validate:"gte=1"`
	MaxGroupMember int `koanf:"max_group_members" validate:"gte=2"`
}

// DefaultConfig returns the default chat settings.
func DefaultConfig() Config {
	return Config{
		PreviewLength:  100,
		HistoryLimit:   50,
		MaxGroupMember: 64,
	}
}

// ContentFilter screens message text before it is stored.
type ContentFilter interface {
	Check(text string) moderation.FilterResult
}

// PostRequest is a message to append to a chat.
type PostRequest struct {
	ChatID   string
	SenderID string
	Content  string
	Type     MessageType
	MediaURL string
}

// GroupRequest describes a trip group chat.
type GroupRequest struct {
	Participants []string
	Name         string
	TripID       string
	AdminID      string
}

// Manager implements chat and message operations on top of a Store.
type Manager struct {
	store  Store
	tx     Transactor
	trips  TripGetter
	filter ContentFilter
	config Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. tx and filter may be nil.
func NewManager(store Store, tx Transactor, trips TripGetter, filter ContentFilter, config Config, logger zerolog.Logger) *Manager {
	if tx == nil {
		tx = noTx{}
	}
	def := DefaultConfig()
	if config.PreviewLength <= 0 {
		config.PreviewLength = def.PreviewLength
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	if config.MaxGroupMember <= 0 {
		config.MaxGroupMember = def.MaxGroupMember
	}
	return &Manager{
		store:  store,
		tx:     tx,
		trips:  trips,
		filter: filter,
		config: config,
		log:    logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// FindOrCreateDirect returns the active direct chat of the pair, creating it
// when none exists. created reports whether a new chat was made.
func (m *Manager) FindOrCreateDirect(ctx context.Context, userA, userB string) (*Chat, bool, error) {
	const op = "chat.find_or_create_direct"
	if err := apperr.CheckPair(op, userA, userB); err != nil {
		return nil, false, err
	}

	existing, err := m.store.FindDirect(ctx, userA, userB)
	if err != nil {
		return nil, false, fmt.Errorf("chat: find direct: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	now := m.now()
	c := &Chat{
		ID:           uuid.NewString(),
		Participants: []string{userA, userB},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateChat(ctx, c); err != nil {
		// Lost a race with a concurrent create for the same pair.
		if errors.Is(err, apperr.ErrConflict) {
			existing, ferr := m.store.FindDirect(ctx, userA, userB)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("chat: create direct: %w", err)
	}
	return c, true, nil
}

// CreateGroup creates a group chat bound to a trip.
func (m *Manager) CreateGroup(ctx context.Context, req GroupRequest) (*Chat, error) {
	const op = "chat.create_group"
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.BadInput(op, "chat name is required")
	}
	if err := apperr.CheckID(op, "trip_id", req.TripID); err != nil {
		return nil, err
	}

	participants := make([]string, 0, len(req.Participants))
	seen := make(map[string]bool, len(req.Participants))
	for _, id := range req.Participants {
		if err := apperr.CheckID(op, "participant", id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			participants = append(participants, id)
		}
	}
	if len(participants) < 2 {
		return nil, apperr.BadInput(op, "a group chat needs at least two participants")
	}
	if len(participants) > m.config.MaxGroupMember {
		return nil, apperr.BadInput(op, fmt.Sprintf("a group chat allows at most %d participants", m.config.MaxGroupMember))
	}
	admin := req.AdminID
	if admin == "" || !seen[admin] {
		admin = participants[0]
	}

	if m.trips != nil {
		if _, err := m.trips.GetTrip(ctx, req.TripID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	c := &Chat{
		ID:           uuid.NewString(),
		Participants: participants,
		IsGroupChat:  true,
		ChatName:     name,
		TripID:       req.TripID,
		GroupAdmin:   admin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateChat(ctx, c); err != nil {
		return nil, fmt.Errorf("chat: create group: %w", err)
	}
	return c, nil
}

// PostMessage appends a user message and moves the chat preview to it. The
// returned chat reflects the new preview. Archived chats reject messages.
func (m *Manager) PostMessage(ctx context.Context, req PostRequest) (*Chat, *Message, error) {
	const op = "chat.post_message"
	if err := apperr.CheckID(op, "chat_id", req.ChatID); err != nil {
		return nil, nil, err
	}
	if err := apperr.CheckID(op, "sender_id", req.SenderID); err != nil {
		return nil, nil, err
	}
	return m.post(ctx, op, req)
}

// PostSystemMessage appends a message without a sender.
func (m *Manager) PostSystemMessage(ctx context.Context, chatID, content string) (*Chat, *Message, error) {
	const op = "chat.post_system_message"
	if err := apperr.CheckID(op, "chat_id", chatID); err != nil {
		return nil, nil, err
	}
	return m.post(ctx, op, PostRequest{ChatID: chatID, Content: content, Type: MessageText})
}

func (m *Manager) post(ctx context.Context, op string, req PostRequest) (*Chat, *Message, error) {
	if req.Type == "" {
		req.Type = MessageText
	}
	if err := validatePost(req.Type, req.Content, req.MediaURL); err != nil {
		return nil, nil, apperr.BadInput(op, err.Error())
	}
	if req.SenderID != "" && m.filter != nil && req.Content != "" {
		if res := m.filter.Check(req.Content); res.Blocked {
			m.log.Info().Str("chat_id", req.ChatID).Str("sender_id", req.SenderID).
				Str("reason", res.Reason).Str("term", res.Term).Msg("message rejected by content filter")
			return nil, nil, apperr.BadInput(op, "message rejected by content filter")
		}
	}

	var (
		c   *Chat
		msg *Message
	)
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = m.store.GetChat(ctx, req.ChatID)
		if err != nil {
			return err
		}
		if c.IsArchived {
			return apperr.Conflict(op, "chat is archived")
		}
		if req.SenderID != "" && !c.HasParticipant(req.SenderID) {
			return apperr.Unauthorized(op, "sender is not a participant of this chat")
		}

		now := m.now()
		msg = &Message{
			ID:       uuid.NewString(),
			ChatID:   c.ID,
			SenderID: req.SenderID,
			Content:  req.Content,
			Type:     req.Type,
			MediaURL: req.MediaURL,
			SentAt:   now,
			ReadBy:   []string{},
		}
		if req.SenderID != "" {
			msg.ReadBy = []string{req.SenderID}
		}
		if err := m.store.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("chat: insert message: %w", err)
		}

		preview := m.preview(msg)
		if err := m.store.UpdatePreview(ctx, c.ID, preview, now); err != nil {
			return fmt.Errorf("chat: update preview: %w", err)
		}
		c.LastMessagePreview = preview
		c.LastMessageAt = now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	kind := "user"
	if msg.IsSystem() {
		kind = "system"
	}
	metrics.MessagesTotal.WithLabelValues(kind).Inc()
	return c, msg, nil
}

func (m *Manager) preview(msg *Message) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "[" + string(msg.Type) + "]"
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= m.config.PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:m.config.PreviewLength-1]) + "…"
}

// Archive soft-deletes a chat on behalf of one of its participants. Archiving
// an archived chat is a no-op.
func (m *Manager) Archive(ctx context.Context, chatID, actingUserID string) (*Chat, error) {
	const op = "chat.archive"
	c, err := m.participantChat(ctx, op, chatID, actingUserID)
	if err != nil {
		return nil, err
	}
	if c.IsArchived {
		return c, nil
	}
	if err := m.store.SetArchived(ctx, c.ID, true); err != nil {
		return nil, fmt.Errorf("chat: archive: %w", err)
	}
	c.IsArchived = true
	return c, nil
}

// RemoveParticipant drops userID from a group chat, keeping the chat and its
// history. If the admin leaves, the next remaining participant becomes admin.
func (m *Manager) RemoveParticipant(ctx context.Context, chatID, userID string) (*Chat, error) {
	const op = "chat.remove_participant"
	c, err := m.participantChat(ctx, op, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !c.IsGroupChat {
		return nil, apperr.BadInput(op, "participants can only be removed from group chats")
	}

	remaining := make([]string, 0, len(c.Participants)-1)
	for _, id := range c.Participants {
		if id != userID {
			remaining = append(remaining, id)
		}
	}
	admin := c.GroupAdmin
	if admin == userID {
		admin = ""
		if len(remaining) > 0 {
			admin = remaining[0]
		}
	}
	if err := m.store.SetParticipants(ctx, c.ID, remaining, admin); err != nil {
		return nil, fmt.Errorf("chat: remove participant: %w", err)
	}
	c.Participants = remaining
	c.GroupAdmin = admin
	return c, nil
}

func (m *Manager) participantChat(ctx context.Context, op, chatID, userID string) (*Chat, error) {
	if err := apperr.CheckID(op, "chat_id", chatID); err != nil {
		return nil, err
	}
	if err := apperr.CheckID(op, "user_id", userID); err != nil {
		return nil, err
	}
	c, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.NotFound(op, "user is not a participant of this chat")
	}
	return c, nil
}

// GetChat returns a chat by id.
func (m *Manager) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if err := apperr.CheckID("chat.get", "chat_id", chatID); err != nil {
		return nil, err
	}
	return m.store.GetChat(ctx, chatID)
}

// GetChatsByUser lists the user's non-archived chats, most recent first.
func (m *Manager) GetChatsByUser(ctx context.Context, userID string) ([]Chat, error) {
	if err := apperr.CheckID("chat.list", "user_id", userID); err != nil {
		return nil, err
	}
	chats, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list by user: %w", err)
	}
	return chats, nil
}

// ActiveTripChats lists non-archived group chats bound to a trip.
func (m *Manager) ActiveTripChats(ctx context.Context) ([]Chat, error) {
	chats, err := m.store.ListActiveTripChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list trip chats: %w", err)
	}
	return chats, nil
}

// Messages returns the most recent messages of a chat the user belongs to,
// newest first. limit <= 0 uses the configured history limit.
func (m *Manager) Messages(ctx context.Context, chatID, actingUserID string, before time.Time, limit int) ([]Message, error) {
	const op = "chat.messages"
	if _, err := m.participantChat(ctx, op, chatID, actingUserID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.config.HistoryLimit {
		limit = m.config.HistoryLimit
	}
	msgs, err := m.store.ListMessages(ctx, chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessage edits the content of a text message. Only the sender may edit.
func (m *Manager) UpdateMessage(ctx context.Context, messageID, actingUserID, content string) (*Message, error) {
	const op = "chat.update_message"
	msg, err := m.ownMessage(ctx, op, messageID, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := validatePost(msg.Type, content, msg.MediaURL); err != nil {
		return nil, apperr.BadInput(op, err.Error())
	}
	now := m.now()
	msg.Content = content
	msg.EditedAt = &now
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: update message: %w", err)
	}
	return msg, nil
}

// DeleteMessage removes a message. Only the sender may delete.
func (m *Manager) DeleteMessage(ctx context.Context, messageID, actingUserID string) error {
	const op = "chat.delete_message"
	if _, err := m.ownMessage(ctx, op, messageID, actingUserID); err != nil {
		return err
	}
	if err := m.store.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	return nil
}

func (m *Manager) ownMessage(ctx context.Context, op, messageID, actingUserID string) (*Message, error) {
	if err := apperr.CheckID(op, "message_id", messageID); err != nil {
		return nil, err
	}
	if err := apperr.CheckID(op, "user_id", actingUserID); err != nil {
		return nil, err
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actingUserID {
		return nil, apperr.Unauthorized(op, "only the sender can change this message")
	}
	return msg, nil
}

// MarkRead marks every message in the chat as read by the user.
func (m *Manager) MarkRead(ctx context.Context, chatID, userID string) (int, error) {
	const op = "chat.mark_read"
	if _, err := m.participantChat(ctx, op, chatID, userID); err != nil {
		return 0, err
	}
	n, err := m.store.MarkRead(ctx, chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	return n, nil
}
