package chat_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/moderation"
	"github.com/tripmate/realtime/internal/storage/memory"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
	trip1 = "44444444-4444-4444-8444-444444444444"
)

type fixture struct {
	mgr   *chat.Manager
	store *memory.Chats
	dir   *memory.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewChats()
	dir := memory.NewDirectory()
	dir.PutTrip(directory.Trip{ID: trip1, HostID: alice})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	now := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	filter := moderation.NewFilter(moderation.Config{
		BlockedTerms: []string{"scam"},
		SpamChecks:   moderation.DefaultConfig().SpamChecks,
	})
	mgr := chat.NewManager(store, store, dir, filter, chat.DefaultConfig(), zerolog.Nop()).WithClock(now)
	return &fixture{mgr: mgr, store: store, dir: dir}
}

func (f *fixture) direct(t *testing.T, a, b string) *chat.Chat {
	t.Helper()
	c, _, err := f.mgr.FindOrCreateDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() error: %v", err)
	}
	return c
}

func (f *fixture) post(t *testing.T, chatID, sender, content string) (*chat.Chat, *chat.Message) {
	t.Helper()
	c, m, err := f.mgr.PostMessage(context.Background(), chat.PostRequest{ChatID: chatID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("PostMessage(%q) error: %v", content, err)
	}
	return c, m
}

// ---------------------------------------------------------------------------
// Direct chats
// ---------------------------------------------------------------------------

func TestFindOrCreateDirect_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.mgr.FindOrCreateDirect(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() error: %v", err)
	}
	if !created {
		t.Error("expected first call to create")
	}

	second, created, err := f.mgr.FindOrCreateDirect(ctx, bob, alice)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() error: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected same chat %s, got %s (created=%v)", first.ID, second.ID, created)
	}
}

func TestFindOrCreateDirect_Self(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.mgr.FindOrCreateDirect(context.Background(), alice, alice)
	if apperr.KindOf(err) != apperr.KindBadInput {
		t.Fatalf("expected BadInput, got %v", err)
	}
}

func TestFindOrCreateDirect_AfterArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.direct(t, alice, bob)
	if _, err := f.mgr.Archive(ctx, old.ID, alice); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}

	fresh, created, err := f.mgr.FindOrCreateDirect(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindOrCreateDirect() error: %v", err)
	}
	if !created || fresh.ID == old.ID {
		t.Errorf("expected a new chat after archive, got %s (created=%v)", fresh.ID, created)
	}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestPostMessage_UpdatesPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, alice, bob)

	updated, msg := f.post(t, c.ID, alice, "hello")
	if updated.LastMessagePreview != "hello" {
		t.Errorf("expected preview %q, got %q", "hello", updated.LastMessagePreview)
	}
	if !updated.LastMessageAt.Equal(msg.SentAt) {
		t.Errorf("LastMessageAt %v != SentAt %v", updated.LastMessageAt, msg.SentAt)
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != alice {
		t.Errorf("expected sender in ReadBy, got %v", msg.ReadBy)
	}

	chats, err := f.mgr.GetChatsByUser(ctx, bob)
	if err != nil {
		t.Fatalf("GetChatsByUser() error: %v", err)
	}
	if len(chats) != 1 || chats[0].LastMessagePreview != "hello" {
		t.Errorf("bob's listing: %+v", chats)
	}
}

func TestPostMessage_PreviewTruncated(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t, alice, bob)

	updated, _ := f.post(t, c.ID, alice, strings.Repeat("a", 150))
	if got := len([]rune(updated.LastMessagePreview)); got != 100 {
		t.Errorf("expected 100-rune preview, got %d", got)
	}
	if !strings.HasSuffix(updated.LastMessagePreview, "…") {
		t.Errorf("expected ellipsis, got %q", updated.LastMessagePreview)
	}
}

func TestPostMessage_MediaPreview(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t, alice, bob)

	updated, msg, err := f.mgr.PostMessage(context.Background(), chat.PostRequest{
		ChatID: c.ID, SenderID: alice, Type: chat.MessageImage, MediaURL: "https://cdn.example.com/a.jpg",
	})
	if err != nil {
		t.Fatalf("PostMessage() error: %v", err)
	}
	if updated.LastMessagePreview != "[image]" || msg.Type != chat.MessageImage {
		t.Errorf("unexpected preview %q type %s", updated.LastMessagePreview, msg.Type)
	}
}

func TestPostMessage_Rejections(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t, alice, bob)

	tests := []struct {
		name string
		req  chat.PostRequest
		want apperr.Kind
	}{
		{"empty content", chat.PostRequest{ChatID: c.ID, SenderID: alice}, apperr.KindBadInput},
		{"unknown type", chat.PostRequest{ChatID: c.ID, SenderID: alice, Content: "x", Type: "sticker"}, apperr.KindBadInput},
		{"image without url", chat.PostRequest{ChatID: c.ID, SenderID: alice, Type: chat.MessageImage}, apperr.KindBadInput},
		{"blocked term", chat.PostRequest{ChatID: c.ID, SenderID: alice, Content: "total scam"}, apperr.KindBadInput},
		{"malformed chat", chat.PostRequest{ChatID: "chat", SenderID: alice, Content: "x"}, apperr.KindBadInput},
		{"unknown chat", chat.PostRequest{ChatID: trip1, SenderID: alice, Content: "x"}, apperr.KindNotFound},
		{"outsider", chat.PostRequest{ChatID: c.ID, SenderID: carol, Content: "x"}, apperr.KindUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.mgr.PostMessage(context.Background(), tc.req)
			if got := apperr.KindOf(err); got != tc.want {
				t.Errorf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}

	got, _ := f.mgr.GetChat(context.Background(), c.ID)
	if got.LastMessagePreview != "" {
		t.Errorf("rejected posts changed the preview to %q", got.LastMessagePreview)
	}
}

func TestPostMessage_ArchivedStaysArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, alice, bob)
	if _, err := f.mgr.Archive(ctx, c.ID, bob); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}

	_, _, err := f.mgr.PostMessage(ctx, chat.PostRequest{ChatID: c.ID, SenderID: alice, Content: "still there?"})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
	got, _ := f.mgr.GetChat(ctx, c.ID)
	if !got.IsArchived {
		t.Error("post resurrected an archived chat")
	}
	chats, _ := f.mgr.GetChatsByUser(ctx, alice)
	if len(chats) != 0 {
		t.Errorf("archived chat still listed: %+v", chats)
	}
}

func TestPostSystemMessage(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t, alice, bob)

	updated, msg, err := f.mgr.PostSystemMessage(context.Background(), c.ID, "Try the night market")
	if err != nil {
		t.Fatalf("PostSystemMessage() error: %v", err)
	}
	if !msg.IsSystem() || len(msg.ReadBy) != 0 {
		t.Errorf("unexpected system message: %+v", msg)
	}
	if updated.LastMessagePreview != "Try the night market" {
		t.Errorf("unexpected preview %q", updated.LastMessagePreview)
	}
}

func TestMessageEditDeleteAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, alice, bob)
	_, first := f.post(t, c.ID, alice, "helo")
	f.post(t, c.ID, bob, "hi")

	if _, err := f.mgr.UpdateMessage(ctx, first.ID, bob, "hijack"); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Errorf("edit by other user: expected Unauthorized, got %v", err)
	}
	edited, err := f.mgr.UpdateMessage(ctx, first.ID, alice, "hello")
	if err != nil {
		t.Fatalf("UpdateMessage() error: %v", err)
	}
	if edited.Content != "hello" || edited.EditedAt == nil {
		t.Errorf("unexpected edited message: %+v", edited)
	}

	n, err := f.mgr.MarkRead(ctx, c.ID, bob)
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 message marked read, got %d", n)
	}

	if err := f.mgr.DeleteMessage(ctx, first.ID, alice); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	msgs, err := f.mgr.Messages(ctx, c.ID, alice, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("unexpected history: %+v", msgs)
	}
	if _, err := f.mgr.Messages(ctx, c.ID, carol, time.Time{}, 0); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("outsider history: expected NotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Group chats
// ---------------------------------------------------------------------------

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	unknownTrip := "55555555-5555-4555-8555-555555555555"

	tests := []struct {
		name string
		req  chat.GroupRequest
		want apperr.Kind
	}{
		{"one participant", chat.GroupRequest{Participants: []string{alice, alice}, Name: "Lisbon", TripID: trip1}, apperr.KindBadInput},
		{"no name", chat.GroupRequest{Participants: []string{alice, bob}, Name: "  ", TripID: trip1}, apperr.KindBadInput},
		{"no trip", chat.GroupRequest{Participants: []string{alice, bob}, Name: "Lisbon"}, apperr.KindBadInput},
		{"unknown trip", chat.GroupRequest{Participants: []string{alice, bob}, Name: "Lisbon", TripID: unknownTrip}, apperr.KindNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.CreateGroup(context.Background(), tc.req)
			if got := apperr.KindOf(err); got != tc.want {
				t.Errorf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestCreateGroupAndRemoveParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.mgr.CreateGroup(ctx, chat.GroupRequest{
		Participants: []string{alice, bob, carol},
		Name:         "Lisbon crew",
		TripID:       trip1,
		AdminID:      alice,
	})
	if err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	if !g.IsGroupChat || g.GroupAdmin != alice || len(g.Participants) != 3 {
		t.Errorf("unexpected group: %+v", g)
	}
	f.post(t, g.ID, bob, "see you there")

	updated, err := f.mgr.RemoveParticipant(ctx, g.ID, alice)
	if err != nil {
		t.Fatalf("RemoveParticipant() error: %v", err)
	}
	if updated.HasParticipant(alice) || updated.GroupAdmin != bob {
		t.Errorf("unexpected group after leave: %+v", updated)
	}
	if _, err := f.mgr.RemoveParticipant(ctx, g.ID, alice); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("second leave: expected NotFound, got %v", err)
	}

	history, err := f.mgr.Messages(ctx, g.ID, bob, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history lost on leave: %+v", history)
	}

	trips, err := f.mgr.ActiveTripChats(ctx)
	if err != nil {
		t.Fatalf("ActiveTripChats() error: %v", err)
	}
	if len(trips) != 1 || trips[0].ID != g.ID {
		t.Errorf("unexpected trip chats: %+v", trips)
	}
}

func TestRemoveParticipant_DirectChat(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t, alice, bob)
	_, err := f.mgr.RemoveParticipant(context.Background(), c.ID, alice)
	if apperr.KindOf(err) != apperr.KindBadInput {
		t.Fatalf("expected BadInput, got %v", err)
	}
}
