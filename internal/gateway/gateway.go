// Package gateway binds client intents to the match, chat and discovery
// services and fans results out to live connections. A connection is bound
// to a user by the setup intent; every later intent acts as that user.
//
// Fan-out goes through a messaging.Bus so that several gateway processes can
// share rooms. Delivery on each node resolves audiences against the local
// presence registry and room table.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/discovery"
	"github.com/tripmate/realtime/internal/match"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/presence"
	"github.com/tripmate/realtime/internal/protocol"
	"github.com/tripmate/realtime/internal/ws"
)

// IntentLimiter throttles intents per user.
type IntentLimiter interface {
	AllowIntent(ctx context.Context, userID, intent string) (bool, time.Duration, error)
}

// TokenVerifier resolves a setup token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Deps are the collaborators of a Gateway. Limiter and Tokens are optional.
type Deps struct {
	Matches   *match.Service
	Chats     *chat.Manager
	Discovery *discovery.Service
	Users     directory.UserDirectory
	Trips     directory.TripDirectory
	Presence  *presence.Registry
	Bus       messaging.Bus
	Sender    ws.Sender
	Limiter   IntentLimiter
	Tokens    TokenVerifier
}

// Gateway handles intents for one process.
type Gateway struct {
	Deps
	rooms *Rooms
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a Gateway and subscribes it to the bus.
func New(deps Deps, logger zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		Deps:  deps,
		rooms: NewRooms(),
		log:   logger,
		now:   time.Now,
	}
	if err := deps.Bus.Subscribe(g.deliver); err != nil {
		return nil, fmt.Errorf("gateway: subscribe: %w", err)
	}
	return g, nil
}

// Rooms returns the local room table.
func (g *Gateway) Rooms() *Rooms { return g.rooms }

// Register installs the intent handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSetup, g.setup)
	d.Register(protocol.TypeJoinRoom, handle(g, "", g.joinRoom))
	d.Register(protocol.TypeGetChats, handle(g, "", g.getChats))
	d.Register(protocol.TypeGetConfirmedMatches, handle(g, "", g.getConfirmedMatches))
	d.Register(protocol.TypeAddNewChat, handle(g, "", g.addNewChat))
	d.Register(protocol.TypeSendMessage, handle(g, protocol.TypeSendMessage, g.sendMessage))
	d.Register(protocol.TypeCreateTrip, handle(g, "", g.createTrip))
	d.Register(protocol.TypeGetTrip, handle(g, "", g.getTrip))
	d.Register(protocol.TypeBlockUser, handle(g, "", g.blockUser))
	d.Register(protocol.TypeLeaveTrip, handle(g, "", g.leaveTrip))
	d.Register(protocol.TypeGetNearby, handle(g, protocol.TypeGetNearby, g.getNearby))
	d.Register(protocol.TypeRequestMatch, handle(g, protocol.TypeRequestMatch, g.requestMatch))
	d.Register(protocol.TypeAcceptMatch, handle(g, "", g.acceptMatch))
	d.Register(protocol.TypeDeclineMatch, handle(g, "", g.declineMatch))
	d.Register(protocol.TypeGetPendingMatches, handle(g, "", g.getPendingMatches))
	d.Register(protocol.TypeGetMessages, handle(g, "", g.getMessages))
	d.Register(protocol.TypeMarkRead, handle(g, "", g.markRead))
}

// Disconnect drops the connection from presence and every room. In-flight
// intents of the connection keep running.
func (g *Gateway) Disconnect(connID string) {
	userID := g.Presence.Unregister(connID)
	g.rooms.LeaveAll(connID)
	g.log.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("connection left")
}

// HealthInfo reports presence and room counts for the health endpoint.
func (g *Gateway) HealthInfo() map[string]any {
	return map[string]any{
		"online_users": g.Presence.Count(),
		"rooms":        g.rooms.Count(),
	}
}

// session is the acting identity of an intent.
type session struct {
	connID string
	userID string
}

// handle adapts a typed handler: it checks the payload type, resolves the
// acting user and applies the rate limit of limitIntent when set.
func handle[T any](g *Gateway, limitIntent string, fn func(ctx context.Context, s session, msg T) (any, error)) ws.MessageHandler {
	return func(ctx context.Context, connID string, payload any) (any, error) {
		msg, ok := payload.(T)
		if !ok {
			return nil, fmt.Errorf("gateway: unexpected payload %T", payload)
		}
		userID, ok := g.Presence.UserOf(connID)
		if !ok {
			return nil, apperr.Unauthorized("gateway", "connection is not registered, send setup first")
		}
		s := session{connID: connID, userID: userID}

		if limitIntent != "" && g.Limiter != nil {
			allowed, retry, err := g.Limiter.AllowIntent(ctx, userID, limitIntent)
			if err != nil {
				g.log.Warn().Err(err).Str("intent", limitIntent).Msg("rate limiter unavailable")
			}
			if !allowed {
				g.sendTo(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
					Intent:     limitIntent,
					RetryAfter: retryAfterSeconds(retry),
				})
				return nil, rateLimitedError{intent: limitIntent, retry: retry}
			}
		}
		return fn(ctx, s, msg)
	}
}

// actAs rejects payload ids that name someone other than the acting user.
func actAs(s session, op, userID string) error {
	if userID != s.userID {
		return apperr.Unauthorized(op, "acting user does not match the connection")
	}
	return nil
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

type rateLimitedError struct {
	intent string
	retry  time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("too many %s requests, retry in %ds", e.intent, retryAfterSeconds(e.retry))
}

func (e rateLimitedError) Code() string { return "rate_limited" }

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// publishRoom broadcasts a server message to a chat room. Connections of the
// users in join are subscribed first. Failures are logged only.
func (g *Gateway) publishRoom(ctx context.Context, chatID, msgType string, payload any, join ...string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error().Err(err).Str("type", msgType).Msg("failed to encode room event")
		return
	}
	if err := g.Bus.Publish(ctx, messaging.Room(chatID, data, join...)); err != nil {
		g.log.Warn().Err(err).Str("chat_id", chatID).Str("type", msgType).Msg("room publish failed")
	}
}

// publishUsers sends a server message to every connection of each user.
func (g *Gateway) publishUsers(ctx context.Context, msgType string, payload any, userIDs ...string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error().Err(err).Str("type", msgType).Msg("failed to encode user event")
		return
	}
	for _, userID := range userIDs {
		if err := g.Bus.Publish(ctx, messaging.User(userID, data)); err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Str("type", msgType).Msg("user publish failed")
		}
	}
}

// deliver is the bus subscription: it resolves the audience on this node.
func (g *Gateway) deliver(env messaging.Envelope) {
	switch env.Kind {
	case messaging.KindUser:
		for _, connID := range g.Presence.Connections(env.Target) {
			g.write(connID, env.Payload)
		}
	case messaging.KindRoom:
		for _, userID := range env.Join {
			for _, connID := range g.Presence.Connections(userID) {
				g.rooms.Join(env.Target, connID)
			}
		}
		for _, connID := range g.rooms.Members(env.Target) {
			g.write(connID, env.Payload)
		}
	}
}

func (g *Gateway) sendTo(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return
	}
	g.write(connID, data)
}

func (g *Gateway) write(connID string, data []byte) {
	if g.Sender == nil {
		return
	}
	if err := g.Sender.SendMessage(connID, data); err != nil {
		g.log.Debug().Err(err).Str("conn_id", connID).Msg("delivery failed")
	}
}
