package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
)

// Chats is an in-memory chat.Store and chat.Transactor.
type Chats struct {
	mu       sync.RWMutex
	chats    map[string]*chat.Chat
	messages map[string]*chat.Message
	byChat   map[string][]string // chat id -> message ids, oldest first
	tx       txGuard
}

// NewChats creates an empty chat store.
func NewChats() *Chats {
	return &Chats{
		chats:    make(map[string]*chat.Chat),
		messages: make(map[string]*chat.Message),
		byChat:   make(map[string][]string),
	}
}

// WithTx runs fn with exclusive access to compound writes.
func (s *Chats) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.run(ctx, fn)
}

func (s *Chats) CreateChat(_ context.Context, c *chat.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[c.ID]; ok {
		return apperr.Conflict("chat.create", "chat id already exists")
	}
	if !c.IsGroupChat && len(c.Participants) == 2 {
		if s.findDirect(c.Participants[0], c.Participants[1]) != nil {
			return apperr.Conflict("chat.create", "direct chat already exists")
		}
	}
	s.chats[c.ID] = copyChat(c)
	return nil
}

func (s *Chats) GetChat(_ context.Context, id string) (*chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, apperr.NotFound("chat.get", "chat not found")
	}
	return copyChat(c), nil
}

func (s *Chats) FindDirect(_ context.Context, userA, userB string) (*chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.findDirect(userA, userB); c != nil {
		return copyChat(c), nil
	}
	return nil, nil
}

func (s *Chats) findDirect(userA, userB string) *chat.Chat {
	key := chat.DirectKey(userA, userB)
	for _, c := range s.chats {
		if c.IsGroupChat || c.IsArchived || len(c.Participants) != 2 {
			continue
		}
		if chat.DirectKey(c.Participants[0], c.Participants[1]) == key {
			return c
		}
	}
	return nil
}

func (s *Chats) ListByUser(_ context.Context, userID string) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []chat.Chat{}
	for _, c := range s.chats {
		if !c.IsArchived && c.HasParticipant(userID) {
			out = append(out, *copyChat(c))
		}
	}
	chat.SortByActivity(out)
	return out, nil
}

func (s *Chats) ListActiveTripChats(_ context.Context) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []chat.Chat{}
	for _, c := range s.chats {
		if c.IsGroupChat && c.TripID != "" && !c.IsArchived {
			out = append(out, *copyChat(c))
		}
	}
	chat.SortByActivity(out)
	return out, nil
}

func (s *Chats) SetArchived(_ context.Context, chatID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat.archive", "chat not found")
	}
	c.IsArchived = archived
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Chats) SetParticipants(_ context.Context, chatID string, participants []string, groupAdmin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat.set_participants", "chat not found")
	}
	c.Participants = slices.Clone(participants)
	c.GroupAdmin = groupAdmin
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Chats) InsertMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return apperr.NotFound("chat.insert_message", "chat not found")
	}
	if _, ok := s.messages[m.ID]; ok {
		return apperr.Conflict("chat.insert_message", "message id already exists")
	}
	s.messages[m.ID] = copyMessage(m)
	s.byChat[m.ChatID] = append(s.byChat[m.ChatID], m.ID)
	return nil
}

func (s *Chats) UpdatePreview(_ context.Context, chatID, preview string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat.update_preview", "chat not found")
	}
	if at.Before(c.LastMessageAt) {
		return nil
	}
	c.LastMessagePreview = preview
	c.LastMessageAt = at
	c.UpdatedAt = at
	return nil
}

func (s *Chats) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("chat.get_message", "message not found")
	}
	return copyMessage(m), nil
}

func (s *Chats) UpdateMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return apperr.NotFound("chat.update_message", "message not found")
	}
	s.messages[m.ID] = copyMessage(m)
	return nil
}

func (s *Chats) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return apperr.NotFound("chat.delete_message", "message not found")
	}
	delete(s.messages, id)
	ids := s.byChat[m.ChatID]
	if i := slices.Index(ids, id); i >= 0 {
		s.byChat[m.ChatID] = slices.Delete(ids, i, i+1)
	}
	return nil
}

func (s *Chats) ListMessages(_ context.Context, chatID string, before time.Time, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if before.IsZero() {
		before = time.Now().Add(time.Nanosecond)
	}
	out := []chat.Message{}
	ids := s.byChat[chatID]
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if m.SentAt.Before(before) {
			out = append(out, *copyMessage(m))
		}
	}
	return out, nil
}

func (s *Chats) MarkRead(_ context.Context, chatID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.byChat[chatID] {
		m := s.messages[id]
		if !slices.Contains(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
			n++
		}
	}
	return n, nil
}

func copyChat(c *chat.Chat) *chat.Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}
