// Command smoke runs an end-to-end check against a running gateway: health,
// setup, direct chat creation, messaging between two live connections and
// history. With -match it also exercises mutual match requests, which need
// both users to exist in the directory.
//
// Usage:
//
//	go run ./cmd/smoke [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-user1 id -user2 id] [-match]
//
// Exit code 0 when every step passes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tripmate/realtime/internal/protocol"
	"github.com/tripmate/realtime/internal/wsclient"
)

type step struct {
	name string
	err  error
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	apiBase := flag.String("api", "http://localhost:8080", "gateway HTTP base URL")
	user1 := flag.String("user1", uuid.NewString(), "first user id")
	user2 := flag.String("user2", uuid.NewString(), "second user id")
	withMatch := flag.Bool("match", false, "also run mutual match requests")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	steps := run(ctx, *wsURL, *apiBase, *user1, *user2, *withMatch)
	failed := 0
	for _, s := range steps {
		if s.err != nil {
			failed++
			fmt.Printf("FAIL  %-24s %v\n", s.name, s.err)
			continue
		}
		fmt.Printf("PASS  %s\n", s.name)
	}
	if failed > 0 {
		fmt.Printf("\n%d of %d steps failed\n", failed, len(steps))
		os.Exit(1)
	}
	fmt.Printf("\nall %d steps passed\n", len(steps))
}

func run(ctx context.Context, wsURL, apiBase, user1, user2 string, withMatch bool) []step {
	var steps []step
	record := func(name string, err error) bool {
		steps = append(steps, step{name: name, err: err})
		return err == nil
	}

	if !record("health", checkHealth(ctx, apiBase)) {
		return steps
	}

	a, err := wsclient.Dial(ctx, wsURL)
	if !record("connect user1", err) {
		return steps
	}
	defer a.Close()
	b, err := wsclient.Dial(ctx, wsURL)
	if !record("connect user2", err) {
		return steps
	}
	defer b.Close()

	if !record("setup", errors.Join(a.Setup(ctx, user1, ""), b.Setup(ctx, user2, ""))) {
		return steps
	}

	if withMatch {
		record("mutual match", mutualMatch(ctx, a, b, user1, user2))
	}

	data, err := a.Request(ctx, protocol.TypeAddNewChat, protocol.AddNewChatMsg{User1ID: user1, User2ID: user2})
	if !record("add_new_chat", err) {
		return steps
	}
	var c struct {
		ID string `json:"id"`
	}
	if !record("decode chat", json.Unmarshal(data, &c)) {
		return steps
	}

	received := b.Expect(protocol.TypeMessageReceived)
	_, err = a.Request(ctx, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID:   c.ID,
		SenderID: user1,
		Content:  "smoke test " + time.Now().UTC().Format(time.RFC3339),
	})
	if !record("send_message", err) {
		return steps
	}
	_, err = received(ctx)
	record("message_received", err)

	data, err = b.Request(ctx, protocol.TypeGetMessages, protocol.GetMessagesMsg{ChatID: c.ID, Limit: 10})
	if record("get_messages", err) {
		var msgs []json.RawMessage
		err := json.Unmarshal(data, &msgs)
		if err == nil && len(msgs) == 0 {
			err = errors.New("history is empty")
		}
		record("history has message", err)
	}

	_, err = b.Request(ctx, protocol.TypeMarkRead, protocol.MarkReadMsg{ChatID: c.ID})
	record("mark_read", err)
	return steps
}

func checkHealth(ctx context.Context, apiBase string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// mutualMatch has each user request the other; the second request must
// come back accepted and both sides must see match_accepted.
func mutualMatch(ctx context.Context, a, b *wsclient.Client, user1, user2 string) error {
	if _, err := a.Request(ctx, protocol.TypeRequestMatch, protocol.RequestMatchMsg{TargetID: user2}); err != nil {
		return err
	}
	accepted := a.Expect(protocol.TypeMatchAccepted)
	data, err := b.Request(ctx, protocol.TypeRequestMatch, protocol.RequestMatchMsg{TargetID: user1})
	if err != nil {
		return err
	}
	var res struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	if !res.Accepted {
		return errors.New("second request did not accept the match")
	}
	_, err = accepted(ctx)
	return err
}
