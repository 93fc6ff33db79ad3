package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/compat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/match"
	"github.com/tripmate/realtime/internal/protocol"
)

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// setup binds the connection to a user. A connection that was bound to
// another user leaves all its rooms.
func (g *Gateway) setup(ctx context.Context, connID string, payload any) (any, error) {
	const op = "gateway.setup"
	msg, ok := payload.(protocol.SetupMsg)
	if !ok {
		return nil, fmt.Errorf("gateway: unexpected payload %T", payload)
	}

	if g.Tokens != nil {
		sub, err := g.Tokens.Verify(msg.Token)
		if err != nil {
			return nil, err
		}
		if sub != msg.UserID {
			return nil, apperr.Unauthorized(op, "token does not belong to user")
		}
	}
	if _, err := g.Users.GetUser(ctx, msg.UserID); err != nil {
		return nil, err
	}

	if prev, ok := g.Presence.UserOf(connID); ok && prev != msg.UserID {
		g.rooms.LeaveAll(connID)
	}
	g.Presence.Register(msg.UserID, connID)

	g.log.Debug().Str("conn_id", connID).Str("user_id", msg.UserID).Msg("user registered")
	return map[string]string{"user_id": msg.UserID}, nil
}

func (g *Gateway) joinRoom(ctx context.Context, s session, msg protocol.JoinRoomMsg) (any, error) {
	c, err := g.Chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(s.userID) {
		return nil, apperr.Unauthorized("gateway.join_room", "user is not a participant of this chat")
	}
	g.rooms.Join(msg.ChatID, s.connID)
	return map[string]string{"chat_id": msg.ChatID}, nil
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

func (g *Gateway) getChats(ctx context.Context, s session, msg protocol.GetChatsMsg) (any, error) {
	if err := actAs(s, "gateway.get_chats", msg.UserID); err != nil {
		return nil, err
	}
	return g.Chats.GetChatsByUser(ctx, msg.UserID)
}

// addNewChat finds or creates the direct chat of the pair and tells both
// users their chat list changed.
func (g *Gateway) addNewChat(ctx context.Context, s session, msg protocol.AddNewChatMsg) (any, error) {
	if s.userID != msg.User1ID && s.userID != msg.User2ID {
		return nil, apperr.Unauthorized("gateway.add_new_chat", "acting user is not part of the pair")
	}
	c, _, err := g.Chats.FindOrCreateDirect(ctx, msg.User1ID, msg.User2ID)
	if err != nil {
		return nil, err
	}
	g.publishUsers(ctx, protocol.TypeChatListChanged, protocol.ChatListChangedMsg{Chat: c}, msg.User1ID, msg.User2ID)
	return c, nil
}

// sendMessage posts to the chat, subscribes every participant's live
// connections to the room and broadcasts the message to it.
func (g *Gateway) sendMessage(ctx context.Context, s session, msg protocol.SendMessageMsg) (any, error) {
	if err := actAs(s, "gateway.send_message", msg.SenderID); err != nil {
		return nil, err
	}
	c, m, err := g.Chats.PostMessage(ctx, chat.PostRequest{
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		Type:     chat.MessageType(msg.MessageType),
		MediaURL: msg.MediaURL,
	})
	if err != nil {
		return nil, err
	}
	g.publishRoom(ctx, c.ID, protocol.TypeMessageReceived,
		protocol.MessageReceivedMsg{ChatID: c.ID, Message: m}, c.Participants...)
	return m, nil
}

func (g *Gateway) getMessages(ctx context.Context, s session, msg protocol.GetMessagesMsg) (any, error) {
	var before time.Time
	if msg.Before != "" {
		t, err := time.Parse(time.RFC3339, msg.Before)
		if err != nil {
			return nil, apperr.BadInput("gateway.get_messages", "before must be an RFC 3339 timestamp")
		}
		before = t
	}
	return g.Chats.Messages(ctx, msg.ChatID, s.userID, before, msg.Limit)
}

func (g *Gateway) markRead(ctx context.Context, s session, msg protocol.MarkReadMsg) (any, error) {
	n, err := g.Chats.MarkRead(ctx, msg.ChatID, s.userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": msg.ChatID, "updated": n}, nil
}

// blockUser blocks the pair's match rows and archives their direct chat. A
// group chat stays live for the other participants; only the pair is
// blocked. The blocked user is told if present. A pair that never matched
// only gets the direct chat archived.
func (g *Gateway) blockUser(ctx context.Context, s session, msg protocol.BlockUserMsg) (any, error) {
	const op = "gateway.block_user"
	if err := actAs(s, op, msg.User1ID); err != nil {
		return nil, err
	}
	current, err := g.Chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !current.HasParticipant(msg.User2ID) {
		return nil, apperr.BadInput(op, "blocked user is not a participant of this chat")
	}

	c := current
	if current.IsGroupChat {
		if !current.HasParticipant(msg.User1ID) {
			return nil, apperr.Unauthorized(op, "user is not a participant of this chat")
		}
	} else {
		c, err = g.Chats.Archive(ctx, msg.ChatID, msg.User1ID)
		if err != nil {
			return nil, err
		}
	}
	blocked, err := g.Matches.BlockPair(ctx, msg.User1ID, msg.User2ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	g.publishUsers(ctx, protocol.TypeBlocked, protocol.BlockedMsg{ChatID: msg.ChatID, By: msg.User1ID}, msg.User2ID)
	return map[string]any{"chat": c, "blocked_matches": blocked}, nil
}

// ---------------------------------------------------------------------------
// Trips
// ---------------------------------------------------------------------------

// createTrip creates the trip, then its group chat, and tells every
// participant. The host is always a participant.
func (g *Gateway) createTrip(ctx context.Context, s session, msg protocol.CreateTripMsg) (any, error) {
	const op = "gateway.create_trip"
	p := msg.Trip
	if err := actAs(s, op, p.HostID); err != nil {
		return nil, err
	}

	now := g.now()
	trip := &directory.Trip{
		ID:     uuid.NewString(),
		HostID: p.HostID,
		Destination: directory.Destination{
			Country: p.Destination.Country,
			City:    p.Destination.City,
		},
		GroupSize:   p.GroupSize,
		Description: p.Description,
		Tags:        p.Tags,
		CreatedAt:   now,
	}
	if loc := p.Destination.Location; loc != nil {
		trip.Destination.Location = &directory.Point{Lon: loc.Lon, Lat: loc.Lat}
	}
	if d := p.TravelDates; d != nil {
		dates, err := parseDates(d.Start, d.End)
		if err != nil {
			return nil, apperr.BadInput(op, err.Error())
		}
		trip.TravelDates = dates
	}

	seen := map[string]bool{p.HostID: true}
	trip.Participants = append(trip.Participants, directory.TripParticipant{
		UserID: p.HostID, IsConfirmed: true, IsActive: true, JoinedAt: now,
	})
	for _, id := range p.Participants {
		if seen[id] {
			continue
		}
		seen[id] = true
		trip.Participants = append(trip.Participants, directory.TripParticipant{
			UserID: id, IsConfirmed: true, IsActive: true, JoinedAt: now,
		})
	}
	if len(trip.Participants) < 2 {
		return nil, apperr.BadInput(op, "a trip needs at least one participant besides the host")
	}

	if err := g.Trips.CreateTrip(ctx, trip); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(msg.ChatName)
	if name == "" {
		name = "Trip to " + trip.Destination.City
	}
	c, err := g.Chats.CreateGroup(ctx, chat.GroupRequest{
		Participants: trip.ParticipantIDs(),
		Name:         name,
		TripID:       trip.ID,
		AdminID:      trip.HostID,
	})
	if err != nil {
		return nil, err
	}

	g.publishUsers(ctx, protocol.TypeTripCreated, protocol.TripCreatedMsg{Trip: trip, Chat: c}, c.Participants...)
	return map[string]any{"trip": trip, "chat": c}, nil
}

func parseDates(start, end string) (*directory.DateRange, error) {
	from, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date")
	}
	to, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return nil, fmt.Errorf("invalid end date")
	}
	if to.Before(from) {
		return nil, fmt.Errorf("travel dates end before they start")
	}
	return &directory.DateRange{Start: from, End: to}, nil
}

func (g *Gateway) getTrip(ctx context.Context, _ session, msg protocol.GetTripMsg) (any, error) {
	return g.Trips.GetTrip(ctx, msg.TripID)
}

// leaveTrip removes the user from the trip's group chat and marks their
// participation inactive. Their connections leave the room.
func (g *Gateway) leaveTrip(ctx context.Context, s session, msg protocol.LeaveTripMsg) (any, error) {
	const op = "gateway.leave_trip"
	if err := actAs(s, op, msg.UserID); err != nil {
		return nil, err
	}
	c, err := g.Chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if c.TripID != msg.TripID {
		return nil, apperr.BadInput(op, "chat is not bound to this trip")
	}

	if _, err := g.Chats.RemoveParticipant(ctx, msg.ChatID, msg.UserID); err != nil {
		return nil, err
	}
	if err := g.Trips.MarkParticipantInactive(ctx, msg.TripID, msg.UserID); err != nil {
		return nil, err
	}
	for _, connID := range g.Presence.Connections(msg.UserID) {
		g.rooms.Leave(msg.ChatID, connID)
	}
	return map[string]string{"trip_id": msg.TripID, "chat_id": msg.ChatID}, nil
}

// ---------------------------------------------------------------------------
// Matches
// ---------------------------------------------------------------------------

func (g *Gateway) getConfirmedMatches(ctx context.Context, s session, msg protocol.GetConfirmedMatchesMsg) (any, error) {
	if err := actAs(s, "gateway.get_confirmed_matches", msg.UserID); err != nil {
		return nil, err
	}
	return g.Matches.Confirmed(ctx, msg.UserID)
}

func (g *Gateway) getNearby(ctx context.Context, s session, msg protocol.GetNearbyMsg) (any, error) {
	distance := msg.MaxDistance
	if distance == 0 {
		distance = g.Discovery.DefaultMaxDistance()
	}
	return g.Discovery.Nearby(ctx, s.userID, distance)
}

// requestMatch scores the pair and records the request. The target is told
// about a new request; on acceptance both users are told.
func (g *Gateway) requestMatch(ctx context.Context, s session, msg protocol.RequestMatchMsg) (any, error) {
	me, err := g.Users.GetUser(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	target, err := g.Users.GetUser(ctx, msg.TargetID)
	if err != nil {
		return nil, err
	}
	compatibility, location, interests := compat.Score(me.Profile(), target.Profile()).SubScores()

	m, accepted, err := g.Matches.CreateOrAccept(ctx, match.Request{
		User1ID: s.userID,
		User2ID: msg.TargetID,
		TripID:  msg.TripID,
		Scores: match.Scores{
			Compatibility:     compatibility,
			LocationProximity: location,
			SharedInterests:   interests,
		},
	})
	if err != nil {
		return nil, err
	}

	if accepted {
		g.publishUsers(ctx, protocol.TypeMatchAccepted, protocol.MatchEventMsg{Match: m}, s.userID, msg.TargetID)
	} else {
		g.publishUsers(ctx, protocol.TypeMatchRequested, protocol.MatchEventMsg{Match: m}, msg.TargetID)
	}
	return map[string]any{"match": m, "accepted": accepted}, nil
}

func (g *Gateway) acceptMatch(ctx context.Context, s session, msg protocol.AcceptMatchMsg) (any, error) {
	m, err := g.Matches.Accept(ctx, msg.MatchID, s.userID)
	if err != nil {
		return nil, err
	}
	g.publishUsers(ctx, protocol.TypeMatchAccepted, protocol.MatchEventMsg{Match: m}, m.User1ID, m.User2ID)
	return m, nil
}

func (g *Gateway) declineMatch(ctx context.Context, s session, msg protocol.DeclineMatchMsg) (any, error) {
	return g.Matches.Decline(ctx, msg.MatchID, s.userID)
}

func (g *Gateway) getPendingMatches(ctx context.Context, s session, _ protocol.GetPendingMatchesMsg) (any, error) {
	received, err := g.Matches.PendingReceived(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	sent, err := g.Matches.PendingSent(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"received": received, "sent": sent}, nil
}
