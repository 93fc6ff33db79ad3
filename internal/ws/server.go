// Package ws handles WebSocket connection management: upgrading HTTP
// connections, multiplexing reads over epoll, and handing complete text
// frames to the intent dispatcher.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string          `koanf:"listen_addr" validate:"required"`
	WorkerPoolSize  int             `koanf:"worker_pool_size" validate:"gte=1"`
	MaxConnections  int             `koanf:"max_connections" validate:"gte=1"`
	MaxMessageBytes int64           `koanf:"max_message_bytes" validate:"gte=1"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	Heartbeat       HeartbeatConfig `koanf:"heartbeat"`
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxMessageBytes: 64 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. Upgraded
// connections are registered with the poller and ready connections are read
// by a bounded worker pool.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(connID string, data []byte)
	onDisconnect func(connID string)
	healthInfo   func() map[string]any
	log          zerolog.Logger

	mu        sync.Mutex
	epoll     *Epoll
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame; frames of one connection are never handled
// concurrently.
func NewServer(config ServerConfig, onMessage func(connID string, data []byte), logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        logger,
	}
}

// SetOnDisconnect registers a callback invoked once per removed connection,
// after it has been closed.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetHealthInfo adds fields to the /health response.
func (s *Server) SetHealthInfo(fn func() map[string]any) {
	s.healthInfo = fn
}

// String names the server for the supervisor.
func (s *Server) String() string { return "ws-server" }

// Router returns the HTTP routes served by the gateway.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Serve starts the poller, the event loop and the heartbeat, then serves
// HTTP until ctx is cancelled. All connections are closed on return.
func (s *Server) Serve(ctx context.Context) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.mu.Lock()
	s.epoll = ep
	s.startedAt = time.Now()
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.eventLoop(loopCtx, ep)
	go s.runHeartbeat(loopCtx, s.config.Heartbeat)

	httpServer := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			err = fmt.Errorf("ws: http server error: %w", err)
		}
	}

	cancel()
	s.shutdown(httpServer, ep)
	return err
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader and registers it with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	ep := s.epoll
	s.mu.Unlock()
	if ep == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, r.RemoteAddr)
	s.conns.Add(c)
	if err := ep.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID).Msg("poller add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.Connections.Inc()

	s.log.Debug().
		Str("conn_id", c.ID).
		Str("remote", c.RemoteAddr).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

// handleHealth reports connection count, uptime and any fields added by
// SetHealthInfo.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	resp := map[string]any{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(started).Round(time.Second).String(),
	}
	if s.healthInfo != nil {
		for k, v := range s.healthInfo() {
			resp[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop waits for ready connections and hands each one to a worker,
// bounded by the worker pool semaphore.
func (s *Server) eventLoop(ctx context.Context, ep *Epoll) {
	for {
		conns, err := ep.Wait()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("poller wait failed")
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-ctx.Done():
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				defer ep.Done(conn)
				s.handleConn(ep, conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Read
// failures remove the connection; control frames are answered in place.
func (s *Server) handleConn(ep *Epoll, netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same connection again while a
	// worker is still reading it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(ep.Reader(netConn), ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.Length > s.config.MaxMessageBytes {
		s.log.Warn().Str("conn_id", c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c.ID, data)
	}
}

func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		if err := c.writePong(payload); err != nil {
			s.RemoveConnection(c)
		}
	}
}

// RemoveConnection unregisters a connection from the poller and the manager
// and closes it. Concurrent calls for the same connection notify
// onDisconnect once.
func (s *Server) RemoveConnection(c *Connection) {
	s.mu.Lock()
	ep := s.epoll
	s.mu.Unlock()
	if ep != nil {
		_ = ep.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. Safe for concurrent use.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) shutdown(httpServer *http.Server, ep *Epoll) {
	s.log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	s.mu.Lock()
	s.epoll = nil
	s.mu.Unlock()
	_ = ep.Close()

	s.log.Info().Msg("server stopped, all connections closed")
}
