package ws

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
)

// Wire codes for failures detected before an intent reaches its handler.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// Sender delivers an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// MessageHandler handles one decoded intent. payload is the concrete struct
// produced by protocol.ParseClientMessage (e.g. protocol.SendMessageMsg). The
// returned value becomes the data of the "<intent>_result" reply; a non-nil
// error becomes its error body.
type MessageHandler func(ctx context.Context, connID string, payload any) (any, error)

// CodedError lets a handler choose the wire code of its failure instead of
// the one derived from its apperr kind.
type CodedError interface {
	error
	Code() string
}

// MessageDispatcher routes incoming frames to registered handlers by intent
// name and acknowledges each one. Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	log      zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher. The sender may be nil and set
// later with SetSender, since the server needs Dispatch before it exists.
func NewMessageDispatcher(sender Sender, logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		log:      logger,
	}
}

// SetSender assigns the frame sender.
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a handler with an intent, replacing any previous one.
func (d *MessageDispatcher) Register(intent string, handler MessageHandler) {
	d.handlers[intent] = handler
}

// Dispatch is the server's onMessage callback. It parses and validates the
// frame, runs the handler and writes the acknowledgement. A failing or
// panicking handler never takes the connection down.
func (d *MessageDispatcher) Dispatch(connID string, data []byte) {
	start := time.Now()

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.reject(connID, msg, err)
		return
	}

	if msg.Type == protocol.TypePing {
		d.send(connID, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msg.Type]
	if !ok {
		d.log.Debug().Str("conn_id", connID).Str("intent", msg.Type).Msg("unsupported intent")
		d.ack(connID, msg, nil, codeError{code: CodeUnsupportedType, msg: "unsupported message type"})
		return
	}

	result, err := d.invoke(handler, connID, msg)
	d.ack(connID, msg, result, err)

	metrics.IntentLatency.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
}

func (d *MessageDispatcher) invoke(handler MessageHandler, connID string, msg protocol.ClientMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("conn_id", connID).
				Str("intent", msg.Type).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("intent handler panicked")
			result, err = nil, fmt.Errorf("ws: handler panic: %v", r)
		}
	}()
	return handler(context.Background(), connID, msg.Payload)
}

// reject answers a frame that failed to parse or validate.
func (d *MessageDispatcher) reject(connID string, msg protocol.ClientMessage, err error) {
	var verr *protocol.ValidationError
	switch {
	case msg.Type == "":
		d.log.Debug().Err(err).Str("conn_id", connID).Msg("unparseable frame")
		d.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: CodeParseError, Message: "invalid message format"})
	case errors.Is(err, protocol.ErrUnknownType):
		d.ack(connID, msg, nil, codeError{code: CodeUnsupportedType, msg: "unsupported message type"})
	case errors.As(err, &verr):
		d.ack(connID, msg, nil, apperr.BadInput(msg.Type, verr.Error()))
	default:
		d.ack(connID, msg, nil, codeError{code: CodeParseError, msg: "invalid message format"})
	}
}

// ack writes "<intent>_result" and counts the outcome.
func (d *MessageDispatcher) ack(connID string, msg protocol.ClientMessage, result any, err error) {
	if err == nil {
		metrics.IntentsTotal.WithLabelValues(msg.Type, "ok").Inc()
		data, encErr := protocol.NewResult(msg.Type, msg.ReqID, result)
		if encErr != nil {
			d.log.Error().Err(encErr).Str("intent", msg.Type).Msg("failed to encode result")
			return
		}
		d.write(connID, data)
		return
	}

	code, text := ErrorCode(err)
	metrics.IntentsTotal.WithLabelValues(msg.Type, code).Inc()

	ev := d.log.Debug()
	if code == apperr.KindInternal.String() || code == apperr.KindUpstream.String() {
		ev = d.log.Error()
	}
	ev.Err(err).Str("conn_id", connID).Str("intent", msg.Type).Str("code", code).Msg("intent failed")

	data, encErr := protocol.NewErrorResult(msg.Type, msg.ReqID, code, text)
	if encErr != nil {
		d.log.Error().Err(encErr).Str("intent", msg.Type).Msg("failed to encode error result")
		return
	}
	d.write(connID, data)
}

// ErrorCode maps a handler error to its wire code and caller-safe message.
func ErrorCode(err error) (code, message string) {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code(), coded.Error()
	}
	return apperr.KindOf(err).String(), apperr.Message(err)
}

func (d *MessageDispatcher) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return
	}
	d.write(connID, data)
}

func (d *MessageDispatcher) write(connID string, data []byte) {
	if d.sender == nil {
		return
	}
	if err := d.sender.SendMessage(connID, data); err != nil {
		d.log.Debug().Err(err).Str("conn_id", connID).Msg("failed to send reply")
	}
}

type codeError struct {
	code string
	msg  string
}

func (e codeError) Error() string { return e.msg }
func (e codeError) Code() string  { return e.code }
