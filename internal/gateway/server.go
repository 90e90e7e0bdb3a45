// Package gateway is the server side of synchronization.
//
// Each websocket connection on /sync is authenticated before the upgrade,
// then processes its operations strictly in arrival order: apply through the
// generated table action, publish the converged change to the broadcast
// topic, and acknowledge the sender. Failures are reported to the sender only
// and never broadcast.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/lofi/internal/actions"
	"github.com/Mschirtzinger/lofi/internal/auth"
	"github.com/Mschirtzinger/lofi/internal/schema"
)

// Scope selects which connections receive a broadcast.
type Scope string

const (
	// ScopeOwner delivers a change to the connections of the record's owner.
	ScopeOwner Scope = "owner"
	// ScopeGlobal delivers every change to every connection.
	ScopeGlobal Scope = "global"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":7420")
	Addr string

	// TopicBuffer is the per-connection broadcast buffer (default: 256)
	TopicBuffer int

	// Scope of broadcasts (default: ScopeOwner)
	Scope Scope

	// OriginPatterns accepted for browser clients (default: same origin only)
	OriginPatterns []string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:        ":7420",
		TopicBuffer: 256,
		Scope:       ScopeOwner,
	}
}

// Stats counts processed operations.
type Stats struct {
	Applied  int64 `json:"applied"`
	Rejected int64 `json:"rejected"`
}

// Server manages sync connections.
type Server struct {
	cfg      Config
	listener net.Listener
	server   *http.Server
	auth     auth.Authenticator
	registry atomic.Pointer[actions.Registry]
	topic    *Topic

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	applied  atomic.Int64
	rejected atomic.Int64

	logger *log.Logger
}

// NewServer creates a gateway applying operations through reg.
func NewServer(config *Config, authn auth.Authenticator, reg *actions.Registry) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Addr == "" {
		cfg.Addr = ":7420"
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeOwner
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		auth:    authn,
		topic:   NewTopic(cfg.TopicBuffer),
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}
	s.registry.Store(reg)
	return s
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tables", s.handleTables)
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync gateway listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync gateway")

	s.cancel()

	// Going-away is an abnormal close for clients, so they reconnect.
	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync gateway stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Registry returns the action registry in use.
func (s *Server) Registry() *actions.Registry {
	return s.registry.Load()
}

// SetRegistry swaps the action registry. Operations already being applied
// finish with the registry they started with.
func (s *Server) SetRegistry(reg *actions.Registry) {
	s.registry.Store(reg)
}

// Stats returns the operation counters.
func (s *Server) Stats() Stats {
	return Stats{Applied: s.applied.Load(), Rejected: s.rejected.Load()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := 0
	if reg := s.Registry(); reg != nil {
		version = reg.Schema().Version
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"clients":        s.ClientCount(),
		"schema_version": version,
		"stats":          s.Stats(),
	})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	tables := []*schema.Table{}
	if reg := s.Registry(); reg != nil {
		tables = append(tables, reg.Schema().SyncTables()...)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tables)
}

func (s *Server) addClient(c *client) int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = true
	return len(s.clients)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client %s disconnected (total: %d)", c.id.UserID, count)
}
