// Package protocol defines the WebSocket messages exchanged between travellers'
// clients and the realtime gateway. Every frame is a JSON object with a "type"
// discriminator; client intents may carry a "req_id" that the gateway echoes
// in the matching "<type>_result" acknowledgement.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server intents.
const (
	TypeSetup               = "setup"
	TypeJoinRoom            = "join_room"
	TypeGetChats            = "get_chats"
	TypeGetConfirmedMatches = "get_confirmed_matches"
	TypeAddNewChat          = "add_new_chat"
	TypeSendMessage         = "send_message"
	TypeCreateTrip          = "create_trip"
	TypeGetTrip             = "get_trip"
	TypeBlockUser           = "block_user"
	TypeLeaveTrip           = "leave_trip"
	TypeGetNearby           = "get_nearby"
	TypeRequestMatch        = "request_match"
	TypeAcceptMatch         = "accept_match"
	TypeDeclineMatch        = "decline_match"
	TypeGetPendingMatches   = "get_pending_matches"
	TypeGetMessages         = "get_messages"
	TypeMarkRead            = "mark_read"
	TypePing                = "ping"
)

// Server -> Client events.
const (
	TypeChatListChanged = "chat_list_changed"
	TypeMessageReceived = "message_received"
	TypeTripCreated     = "trip_created"
	TypeBlocked         = "blocked"
	TypeMatchRequested  = "match_requested"
	TypeMatchAccepted   = "match_accepted"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ResultSuffix is appended to an intent name to form its acknowledgement type.
const ResultSuffix = "_result"

// ResultType returns the acknowledgement type for an intent.
func ResultType(intent string) string { return intent + ResultSuffix }

// ErrUnknownType is returned by ParseClientMessage for unsupported intents.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the discriminator, the request id and the raw frame for
// deferred decoding into a concrete struct.
type Envelope struct {
	Type  string          `json:"type"`
	ReqID string          `json:"req_id,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full frame and extracts only the header fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type  string `json:"type"`
		ReqID string `json:"req_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.ReqID = partial.ReqID
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetupMsg binds the connection to a user. Token is required when the
// gateway verifies identities.
type SetupMsg struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Token  string `json:"token,omitempty"`
}

// JoinRoomMsg subscribes the connection to a chat's broadcasts.
type JoinRoomMsg struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// GetChatsMsg lists a user's active chats.
type GetChatsMsg struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// GetConfirmedMatchesMsg lists a user's accepted matches.
type GetConfirmedMatchesMsg struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// AddNewChatMsg finds or creates the direct chat of two users.
type AddNewChatMsg struct {
	User1ID string `json:"user1_id" validate:"required,uuid"`
	User2ID string `json:"user2_id" validate:"required,uuid,nefield=User1ID"`
}

// SendMessageMsg posts a message to a chat.
type SendMessageMsg struct {
	ChatID      string `json:"chat_id" validate:"required,uuid"`
	SenderID    string `json:"sender_id" validate:"required,uuid"`
	Content     string `json:"content" validate:"max=4096"`
	MessageType string `json:"message_type,omitempty" validate:"omitempty,oneof=text image video file location"`
	MediaURL    string `json:"media_url,omitempty" validate:"omitempty,url,max=2048"`
}

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64 `json:"lon" validate:"longitude"`
	Lat float64 `json:"lat" validate:"latitude"`
}

// DestinationPayload is where a new trip goes.
type DestinationPayload struct {
	Country  string `json:"country" validate:"required,max=100"`
	City     string `json:"city" validate:"required,max=100"`
	Location *Point `json:"location,omitempty"`
}

// DateRangePayload bounds a trip in time.
type DateRangePayload struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
	End   string `json:"end" validate:"required,datetime=2006-01-02"`
}

// TripPayload describes a trip to create.
type TripPayload struct {
	HostID       string             `json:"host_id" validate:"required,uuid"`
	Destination  DestinationPayload `json:"destination"`
	TravelDates  *DateRangePayload  `json:"travel_dates,omitempty"`
	GroupSize    int                `json:"group_size,omitempty" validate:"gte=0,lte=64"`
	Description  string             `json:"description,omitempty" validate:"max=2000"`
	Tags         []string           `json:"tags,omitempty" validate:"max=20,dive,max=50"`
	Participants []string           `json:"participants" validate:"min=1,dive,uuid"`
}

// CreateTripMsg creates a trip and its group chat.
type CreateTripMsg struct {
	Trip     TripPayload `json:"trip"`
	ChatName string      `json:"chat_name,omitempty" validate:"max=100"`
}

// GetTripMsg reads a trip.
type GetTripMsg struct {
	TripID string `json:"trip_id" validate:"required,uuid"`
}

// BlockUserMsg archives the shared chat and blocks the match. User1ID is the
// blocker.
type BlockUserMsg struct {
	ChatID  string `json:"chat_id" validate:"required,uuid"`
	User1ID string `json:"user1_id" validate:"required,uuid"`
	User2ID string `json:"user2_id" validate:"required,uuid,nefield=User1ID"`
}

// LeaveTripMsg removes a user from a trip and its group chat.
type LeaveTripMsg struct {
	TripID string `json:"trip_id" validate:"required,uuid"`
	ChatID string `json:"chat_id" validate:"required,uuid"`
	UserID string `json:"user_id" validate:"required,uuid"`
}

// GetNearbyMsg runs discovery for the connected user. Zero distance uses the
// server default.
type GetNearbyMsg struct {
	MaxDistance float64 `json:"max_distance,omitempty" validate:"gte=0,lte=500000"`
}

// RequestMatchMsg expresses interest in another user.
type RequestMatchMsg struct {
	TargetID string `json:"target_id" validate:"required,uuid"`
	TripID   string `json:"trip_id,omitempty" validate:"omitempty,uuid"`
}

// AcceptMatchMsg explicitly accepts a pending match.
type AcceptMatchMsg struct {
	MatchID string `json:"match_id" validate:"required,uuid"`
}

// DeclineMatchMsg declines a pending match.
type DeclineMatchMsg struct {
	MatchID string `json:"match_id" validate:"required,uuid"`
}

// GetPendingMatchesMsg lists the connected user's pending requests.
type GetPendingMatchesMsg struct{}

// GetMessagesMsg pages through a chat's history, newest first.
type GetMessagesMsg struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
	Before string `json:"before,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0,lte=200"`
}

// MarkReadMsg marks a chat as read by the connected user.
type MarkReadMsg struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ErrorBody describes a failed intent.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultMsg acknowledges an intent. Exactly one of Data and Error is set.
type ResultMsg struct {
	ReqID string     `json:"req_id,omitempty"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ChatListChangedMsg tells a user one of their chats was created or changed.
type ChatListChangedMsg struct {
	Chat any `json:"chat"`
}

// MessageReceivedMsg delivers a new message to a room.
type MessageReceivedMsg struct {
	ChatID  string `json:"chat_id"`
	Message any    `json:"message"`
}

// TripCreatedMsg tells participants about a new trip and its group chat.
type TripCreatedMsg struct {
	Trip any `json:"trip"`
	Chat any `json:"chat"`
}

// BlockedMsg tells a user they were blocked in a chat.
type BlockedMsg struct {
	ChatID string `json:"chat_id"`
	By     string `json:"by"`
}

// MatchEventMsg carries a match row for match_requested and match_accepted.
type MatchEventMsg struct {
	Match any `json:"match"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Intent     string `json:"intent"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition that is
// not tied to a request id.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ClientMessage is a decoded and validated client frame.
type ClientMessage struct {
	Type    string
	ReqID   string
	Payload any // one of the *Msg structs above, by value
}

// ParseClientMessage decodes raw WebSocket bytes into a typed client message
// and validates it. The returned message carries Type and ReqID whenever the
// envelope could be read, even if decoding or validation failed, so callers
// can still acknowledge the request.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	out := ClientMessage{Type: env.Type, ReqID: env.ReqID}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeSetup:
		msg, err = decode[SetupMsg](env.Raw)
	case TypeJoinRoom:
		msg, err = decode[JoinRoomMsg](env.Raw)
	case TypeGetChats:
		msg, err = decode[GetChatsMsg](env.Raw)
	case TypeGetConfirmedMatches:
		msg, err = decode[GetConfirmedMatchesMsg](env.Raw)
	case TypeAddNewChat:
		msg, err = decode[AddNewChatMsg](env.Raw)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env.Raw)
	case TypeCreateTrip:
		msg, err = decode[CreateTripMsg](env.Raw)
	case TypeGetTrip:
		msg, err = decode[GetTripMsg](env.Raw)
	case TypeBlockUser:
		msg, err = decode[BlockUserMsg](env.Raw)
	case TypeLeaveTrip:
		msg, err = decode[LeaveTripMsg](env.Raw)
	case TypeGetNearby:
		msg, err = decode[GetNearbyMsg](env.Raw)
	case TypeRequestMatch:
		msg, err = decode[RequestMatchMsg](env.Raw)
	case TypeAcceptMatch:
		msg, err = decode[AcceptMatchMsg](env.Raw)
	case TypeDeclineMatch:
		msg, err = decode[DeclineMatchMsg](env.Raw)
	case TypeGetPendingMatches:
		msg, err = decode[GetPendingMatchesMsg](env.Raw)
	case TypeGetMessages:
		msg, err = decode[GetMessagesMsg](env.Raw)
	case TypeMarkRead:
		msg, err = decode[MarkReadMsg](env.Raw)
	case TypePing:
		msg = PingMsg{}
	default:
		return out, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return out, err
	}
	out.Payload = msg
	return out, nil
}

func decode[T any](raw []byte) (T, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("protocol: failed to decode payload: %w", err)
	}
	if err := Validate(&m); err != nil {
		return m, err
	}
	return m, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewResult builds the acknowledgement of a successful intent.
func NewResult(intent, reqID string, data any) ([]byte, error) {
	return NewServerMessage(ResultType(intent), ResultMsg{ReqID: reqID, OK: true, Data: data})
}

// NewErrorResult builds the acknowledgement of a failed intent.
func NewErrorResult(intent, reqID, code, message string) ([]byte, error) {
	return NewServerMessage(ResultType(intent), ResultMsg{
		ReqID: reqID,
		Error: &ErrorBody{Code: code, Message: message},
	})
}
