// Package server is the reference sync server: a websocket hub in front of
// internal/store.
//
// A connection opens with a hello frame carrying the account token and the
// client's protocol version; the server answers with a welcome. After that
// the client sends request frames, answered in order with response frames,
// and subscribe frames selecting the push topics it wants. Every successful
// write is broadcast as a change event to the account's connections that
// subscribed to the topic, the writing connection included, stamped with
// the writer's device id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/store"
	"github.com/joltapp/jolt-sync/internal/transport"
)

const (
	maxFrameSize     = 8 << 20
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787). Port 0 picks a free port.
	Addr string

	// Store backs every request. Required.
	Store *store.Store

	// WakeInterval is how often expired snoozes are returned to active
	// (default: 30s, negative disables).
	WakeInterval time.Duration

	// MutationRetention is how long applied mutation ids are remembered for
	// idempotent replay (default: 30 days, negative disables pruning).
	MutationRetention time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// Server manages websocket connections and broadcasts change events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    *store.Store
	handler  *Handler
	wake     time.Duration
	retain   time.Duration

	clients   map[*client]bool
	clientsMu sync.RWMutex

	broadcast chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// client is one authenticated connection.
type client struct {
	conn     *websocket.Conn
	user     model.User
	deviceID string

	mu     sync.Mutex
	topics map[transport.Topic]bool
}

func (c *client) subscribed(t transport.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[t]
}

// outbound is an event addressed to one account's connections.
type outbound struct {
	userID string
	event  transport.Event
}

// New creates a server. It does not listen until Start.
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8787"
	}
	if config.WakeInterval == 0 {
		config.WakeInterval = 30 * time.Second
	}
	if config.MutationRetention == 0 {
		config.MutationRetention = 30 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      config.Addr,
		store:     config.Store,
		wake:      config.WakeInterval,
		retain:    config.MutationRetention,
		clients:   make(map[*client]bool),
		broadcast: make(chan outbound, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
	s.handler = NewHandler(config.Store, config.Logger)
	return s, nil
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	// Websocket connections are long-lived: only the request header is
	// bounded here, frames are bounded per read and write.
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	if s.wake > 0 {
		s.wg.Add(1)
		go s.wakeLoop()
	}
	if s.retain > 0 {
		s.wg.Add(1)
		go s.pruneLoop()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return shutdownErr
}

// Broadcast queues an event for userID's subscribed connections. It never
// blocks; when the queue is full the event is dropped and clients converge
// on their next refetch.
func (s *Server) Broadcast(userID string, ev transport.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.broadcast <- outbound{userID: userID, event: ev}:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("WARNING: broadcast channel full, dropping %s %s event", ev.Topic, ev.Action)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case out := <-s.broadcast:
			data, err := json.Marshal(transport.Frame{Type: transport.FrameEvent, Event: &out.event})
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				if c.user.ID == out.userID && c.subscribed(out.event.Topic) {
					targets = append(targets, c)
				}
			}
			s.clientsMu.RUnlock()

			for _, c := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
				err := c.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to %s: %v", c.user.Email, err)
					s.removeClient(c)
				}
			}
		}
	}
}

// wakeLoop returns expired snoozes to active and announces them.
func (s *Server) wakeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.wake)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			woken, err := s.store.WakeSnoozed(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Printf("WARNING: failed to wake snoozed reminders: %v", err)
				}
				continue
			}
			for userID, reminders := range woken {
				for _, r := range reminders {
					s.Broadcast(userID, reminderEvent(transport.ActionUpdated, r))
				}
			}
		}
	}
}

// pruneLoop forgets applied mutation ids older than the retention window,
// once at start and then hourly.
func (s *Server) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := s.store.PruneApplied(s.ctx, time.Now().Add(-s.retain))
		switch {
		case err != nil && s.ctx.Err() == nil:
			s.logger.Printf("WARNING: failed to prune applied mutations: %v", err)
		case n > 0:
			s.logger.Printf("Pruned %d applied mutation records", n)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleWebSocket authenticates the connection and serves it until it
// closes. A bearer token in the upgrade request is checked before the
// upgrade so a bad token surfaces as HTTP 401.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var headerUser *model.User
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		u, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, transport.ErrUnauthorized) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			} else {
				s.logger.Printf("WARNING: token lookup failed: %v", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
		headerUser = &u
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c, err := s.handshake(conn, headerUser)
	if err != nil {
		s.logger.Printf("Handshake rejected: %v", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client %s (%s) connected (total: %d)", c.user.Email, c.deviceID, clientCount)

	s.wg.Add(1)
	defer s.wg.Done()
	s.readLoop(c)
}

// handshake reads the hello and answers with a welcome, or with an error
// frame when the token or protocol version is unacceptable.
func (s *Server) handshake(conn *websocket.Conn, headerUser *model.User) (*client, error) {
	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	var hello transport.Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != transport.FrameHello {
		err = fmt.Errorf("%w: expected hello", transport.ErrProtocol)
		s.reject(ctx, conn, err)
		return nil, err
	}
	if err := transport.CheckVersion(transport.ProtocolVersion, hello.Version); err != nil {
		s.reject(ctx, conn, err)
		return nil, err
	}

	var user model.User
	switch {
	case hello.Token != "":
		if user, err = s.store.UserByToken(ctx, hello.Token); err != nil {
			s.reject(ctx, conn, err)
			return nil, err
		}
		if headerUser != nil && headerUser.ID != user.ID {
			err = fmt.Errorf("%w: header and hello tokens name different accounts", transport.ErrUnauthorized)
			s.reject(ctx, conn, err)
			return nil, err
		}
	case headerUser != nil:
		user = *headerUser
	default:
		err = fmt.Errorf("%w: no token", transport.ErrUnauthorized)
		s.reject(ctx, conn, err)
		return nil, err
	}

	welcome := transport.Frame{Type: transport.FrameWelcome, Version: transport.ProtocolVersion, User: &user}
	if err := writeFrame(ctx, conn, welcome); err != nil {
		return nil, fmt.Errorf("failed to send welcome: %w", err)
	}
	return &client{
		conn:     conn,
		user:     user,
		deviceID: hello.DeviceID,
		topics:   make(map[transport.Topic]bool),
	}, nil
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, cause error) {
	f := transport.Frame{Type: transport.FrameWelcome, Version: transport.ProtocolVersion, Error: transport.ToWire(cause)}
	if err := writeFrame(ctx, conn, f); err != nil {
		s.logger.Printf("WARNING: failed to send rejection: %v", err)
	}
}

// readLoop serves frames in arrival order, so one device's writes apply in
// the order it sent them.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Printf("WARNING: skipping malformed frame from %s: %v", c.user.Email, err)
			continue
		}

		switch f.Type {
		case transport.FrameRequest:
			resp, events := s.handler.Handle(s.ctx, c.user, c.deviceID, f)
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := writeFrame(ctx, c.conn, resp)
			cancel()
			for _, ev := range events {
				s.Broadcast(c.user.ID, ev)
			}
			if err != nil {
				s.logger.Printf("Failed to answer %s from %s: %v", f.Op, c.user.Email, err)
				return
			}
		case transport.FrameSubscribe, transport.FrameUnsubscribe:
			c.mu.Lock()
			for _, t := range f.Topics {
				c.topics[t] = f.Type == transport.FrameSubscribe
			}
			c.mu.Unlock()
		default:
			s.logger.Printf("WARNING: skipping unexpected %q frame from %s", f.Type, c.user.Email)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client %s disconnected (total: %d)", c.user.Email, clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"protocol": transport.ProtocolVersion,
	})
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket endpoint clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// ClientCount returns the number of authenticated connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f transport.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
