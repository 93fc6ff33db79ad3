// Package wsclient is a small WebSocket client for the gateway protocol. It
// speaks the same gobwas/ws framing as the server, correlates intents with
// their "<intent>_result" replies by request id and hands server pushes to
// registered handlers.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tripmate/realtime/internal/protocol"
)

// ErrClosed is returned by calls made after the connection went away.
var ErrClosed = errors.New("wsclient: connection closed")

// ResultError is a failed intent as reported by the server.
type ResultError struct {
	Intent  string
	Code    string
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Intent, e.Message, e.Code)
}

// Result is the decoded "<intent>_result" reply.
type Result struct {
	ReqID string              `json:"req_id"`
	OK    bool                `json:"ok"`
	Data  json.RawMessage     `json:"data"`
	Error *protocol.ErrorBody `json:"error,omitempty"`
}

// Metrics counts traffic on one connection.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesSent     int
	MessagesReceived int
	Errors           int
}

// Client is one connection to the gateway.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Result
	handlers map[string]func(json.RawMessage)
	waiters  map[string][]chan json.RawMessage
	metrics  Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts reading frames in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[string]chan Result),
		handlers: make(map[string]func(json.RawMessage)),
		waiters:  make(map[string][]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)
	go c.readLoop()
	return c, nil
}

// Request sends an intent and waits for its result. A reply with ok=false is
// returned as a *ResultError.
func (c *Client) Request(ctx context.Context, intent string, payload any) (json.RawMessage, error) {
	reqID := uuid.NewString()
	frame, err := encodeFrame(intent, reqID, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan Result, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case res := <-ch:
		if !res.OK {
			e := &ResultError{Intent: intent}
			if res.Error != nil {
				e.Code, e.Message = res.Error.Code, res.Error.Message
			}
			return nil, e
		}
		return res.Data, nil
	}
}

// Setup binds the connection to userID.
func (c *Client) Setup(ctx context.Context, userID, token string) error {
	_, err := c.Request(ctx, protocol.TypeSetup, protocol.SetupMsg{UserID: userID, Token: token})
	return err
}

// On registers the handler for a server push type, replacing any previous
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Wait blocks until the next push of msgType arrives.
func (c *Client) Wait(ctx context.Context, msgType string) (json.RawMessage, error) {
	return c.Expect(msgType)(ctx)
}

// Expect registers interest in the next push of msgType right away and
// returns a function that blocks until it arrives. Use it to avoid missing
// a push triggered by a request sent in between.
func (c *Client) Expect(msgType string) func(ctx context.Context) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()

	return func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			c.dropWaiter(msgType, ch)
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case data := <-ch:
			return data, nil
		}
	}
}

func (c *Client) dropWaiter(msgType string, ch chan json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[msgType]
	for i, w := range list {
		if w == ch {
			c.waiters[msgType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Metrics returns a copy of the connection counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, frame); err != nil {
		return fmt.Errorf("wsclient: write: %w", err)
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}
		c.route(data)
	}
}

// route hands one server frame to its waiter: a pending request for results,
// otherwise a Wait call or the registered handler.
func (c *Client) route(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	if env.ReqID != "" {
		if ch, ok := c.pending[env.ReqID]; ok {
			c.mu.Unlock()
			var res Result
			if err := json.Unmarshal(data, &res); err != nil {
				res = Result{ReqID: env.ReqID, Error: &protocol.ErrorBody{Code: "decode_error", Message: err.Error()}}
			}
			ch <- res
			return
		}
	}
	var waiter chan json.RawMessage
	if list := c.waiters[env.Type]; len(list) > 0 {
		waiter = list[0]
		c.waiters[env.Type] = list[1:]
	}
	handler := c.handlers[env.Type]
	c.mu.Unlock()

	if waiter != nil {
		waiter <- json.RawMessage(data)
	}
	if handler != nil {
		handler(json.RawMessage(data))
	}
}

// encodeFrame builds a client frame: the payload fields plus type and req_id.
func encodeFrame(intent, reqID string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wsclient: marshal %s: %w", intent, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("wsclient: %s payload is not an object: %w", intent, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	fields["type"], _ = json.Marshal(intent)
	fields["req_id"], _ = json.Marshal(reqID)
	return json.Marshal(fields)
}
