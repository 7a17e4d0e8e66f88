// Package dashboard provides a local HTTP/WebSocket server exposing sync
// status to UI clients.
//
// Clients can poll GET /status for a JSON snapshot of the current sync
// state and store contents, or connect to /ws to be pushed every status
// transition as it happens. The server observes the status broadcaster;
// it never talks to the replicator directly.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/localfirst/todosync/internal/status"
	"github.com/localfirst/todosync/internal/store"
)

// StatusMessage is pushed to websocket clients on every sync status
// transition and returned by GET /status.
type StatusMessage struct {
	Status    status.SyncStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	DocCount  int               `json:"doc_count"`
	LastSeq   int64             `json:"last_seq"`
	Timestamp time.Time         `json:"timestamp"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server serves status snapshots over HTTP and pushes transitions over
// WebSocket.
type Server struct {
	addr        string
	listener    net.Listener
	server      *http.Server
	store       *store.Store
	broadcaster *status.Broadcaster

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan StatusMessage

	removeListener func()
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server over the given store and
// broadcaster.
func NewServer(config *Config, st *store.Store, b *status.Broadcaster) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:        fmt.Sprintf(":%d", config.Port),
		store:       st,
		broadcaster: b,
		clients:     make(map[*websocket.Conn]bool),
		broadcast:   make(chan StatusMessage, 100),
		ctx:         ctx,
		cancel:      cancel,
		logger:      config.Logger,
	}
}

// Start begins serving. It registers with the status broadcaster and
// returns once the listener is up.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.removeListener = s.broadcaster.AddListener(func(st status.SyncStatus, err error) {
		msg := StatusMessage{Status: st, Timestamp: time.Now()}
		if err != nil {
			msg.Error = err.Error()
		}

		select {
		case s.broadcast <- msg:
		case <-s.ctx.Done():
		default:
			s.logger.Println("Warning: broadcast channel full, dropping status update")
		}
	})

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	if s.removeListener != nil {
		s.removeListener()
	}
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
		return fmt.Errorf("dashboard shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// broadcastLoop pushes queued status messages to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			s.fillStoreInfo(&msg)

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal status message: %v", err)
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
					s.removeClient(conn)
				}
			}
		}
	}
}

// fillStoreInfo attaches the current store counters to a status message.
func (s *Server) fillStoreInfo(msg *StatusMessage) {
	info, err := s.store.Info(s.ctx)
	if err != nil {
		s.logger.Printf("Failed to read store info: %v", err)
		return
	}
	msg.DocCount = info.DocCount
	msg.LastSeq = info.LastSeq
}

// handleStatus returns a JSON snapshot of the current sync status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, lastErr := s.broadcaster.Current()

	msg := StatusMessage{Status: st, Timestamp: time.Now()}
	if lastErr != nil {
		msg.Error = lastErr.Error()
	}
	s.fillStoreInfo(&msg)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
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

// handleWebSocket upgrades the connection and streams status transitions.
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

	s.logger.Printf("Status client connected (total: %d)", clientCount)

	// Send the current status immediately so clients don't wait for the
	// next transition.
	st, lastErr := s.broadcaster.Current()
	welcome := StatusMessage{Status: st, Timestamp: time.Now()}
	if lastErr != nil {
		welcome.Error = lastErr.Error()
	}
	s.fillStoreInfo(&welcome)

	data, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, data)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient drops a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Status client disconnected (total: %d)", clientCount)
	}
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
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
