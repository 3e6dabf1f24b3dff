// Package dashboard provides the real-time operations surface for the
// vote engine: a WebSocket server broadcasting tally changes, sync
// results and drift alerts, plus the administrative HTTP endpoints for
// force-lock, force-close, force-resync and reset.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/podiumhq/podium/internal/syncd"
	"github.com/podiumhq/podium/internal/vote"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeTallyUpdate carries a debate's fresh results after a
	// tally-affecting cast.
	MessageTypeTallyUpdate MessageType = "tally_update"

	// MessageTypeSyncComplete indicates one debate's batch committed.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncError indicates a batch failed and was requeued.
	MessageTypeSyncError MessageType = "sync_error"

	// MessageTypeDrift indicates the auditor found a durable tally that
	// disagrees with the cache.
	MessageTypeDrift MessageType = "drift_detected"

	// MessageTypeDebateState indicates a lock state transition or reset.
	MessageTypeDebateState MessageType = "debate_state"

	// MessageTypeAlert carries an operator-visible escalation.
	MessageTypeAlert MessageType = "alert"

	// MessageTypeStats carries aggregate engine statistics.
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Admin is the operational surface the HTTP endpoints drive; the sync
// scheduler implements it.
type Admin interface {
	ForceLock(debateID string) error
	ForceClose(ctx context.Context, debateID string) error
	ForceSync(ctx context.Context, debateID string) error
	ForceReset(ctx context.Context, debateID string) (int, error)
}

// Server manages WebSocket connections, message broadcasting and the
// admin HTTP surface.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	admin Admin
	cache *vote.Cache

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default :8080).
	Addr string

	// Logger for server activity (default log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: log.Default(),
	}
}

// NewServer creates a dashboard server. admin and cache may be nil in
// broadcast-only deployments; admin endpoints then return 503.
func NewServer(config *Config, admin Admin, cache *vote.Cache) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		admin:     admin,
		cache:     cache,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server, WebSocket handler and broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("GET /admin/debates/{id}", s.handleDebateGet)
	mux.HandleFunc("POST /admin/debates/{id}/lock", s.handleLock)
	mux.HandleFunc("POST /admin/debates/{id}/close", s.handleClose)
	mux.HandleFunc("POST /admin/debates/{id}/resync", s.handleResync)
	mux.HandleFunc("POST /admin/debates/{id}/reset", s.handleReset)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a message for all connected clients. Drops the
// message when the channel is full rather than blocking the vote path.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans queued messages out to every client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects;
// client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// debateStatus is the GET /admin/debates/{id} response body.
type debateStatus struct {
	DebateID      string       `json:"debate_id"`
	LockState     string       `json:"lock_state"`
	DirtyCount    int          `json:"dirty_count"`
	UnsyncedCount int          `json:"unsynced_count"`
	VoteCount     int          `json:"vote_count"`
	Results       vote.Results `json:"results"`
}

func (s *Server) handleDebateGet(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no cache attached"))
		return
	}
	debateID := r.PathValue("id")

	state, err := s.cache.State(debateID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	results, err := s.cache.Results(debateID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	dirty, _ := s.cache.DirtyCount(debateID)
	unsynced, _ := s.cache.UnsyncedCount(debateID)
	votes, _ := s.cache.VoteCount(debateID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(debateStatus{
		DebateID:      debateID,
		LockState:     state.String(),
		DirtyCount:    dirty,
		UnsyncedCount: unsynced,
		VoteCount:     votes,
		Results:       results,
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "locked", func(ctx context.Context, id string) error {
		return s.admin.ForceLock(id)
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "closed", func(ctx context.Context, id string) error {
		return s.admin.ForceClose(ctx, id)
	})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "resynced", func(ctx context.Context, id string) error {
		return s.admin.ForceSync(ctx, id)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "reset", func(ctx context.Context, id string) error {
		_, err := s.admin.ForceReset(ctx, id)
		return err
	})
}

// adminCall runs one operational action and maps its error to a status.
func (s *Server) adminCall(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	if s.admin == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no admin surface attached"))
		return
	}
	debateID := r.PathValue("id")

	if err := fn(r.Context(), debateID); err != nil {
		s.logger.Printf("Admin %s failed for debate %s: %v", action, debateID, err)
		writeError(w, statusFor(err), err)
		return
	}

	s.logger.Printf("Admin %s debate %s", action, debateID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"debate_id": debateID,
		"result":    action,
	})
}

// statusFor maps the engine's error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var storeErr *syncd.StoreError
	switch {
	case errors.Is(err, vote.ErrUnknownDebate):
		return http.StatusNotFound
	case errors.Is(err, vote.ErrDebateLocked),
		errors.Is(err, vote.ErrBadTransition),
		errors.Is(err, vote.ErrDirty),
		errors.Is(err, vote.ErrNotClosed):
		return http.StatusConflict
	case errors.Is(err, vote.ErrInvalidChoice),
		errors.Is(err, vote.ErrChangeLimit):
		return http.StatusBadRequest
	case errors.As(err, &storeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
