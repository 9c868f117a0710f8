// Package server implements the Parley chat server: connection and room
// registries, session lifecycle, and the message router over WebSocket.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/datastore"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string // HTTP bind address for the /ws endpoint (e.g. ":9600")
	MetricsAddr string // HTTP bind address for /metrics endpoint (empty = disabled)
	DBPath      string // SQLite database path
	JWTSecret   string // HMAC secret for bearer tokens
	GroupsFile  string // YAML file defining groups to provision on startup
	AdminEmail  string // admin account seeded on first run

	PingInterval   time.Duration // informational heartbeat interval
	SendBuffer     int           // per-connection outbound queue length
	RateBurst      int           // inbound events allowed in a burst
	RateInterval   time.Duration // interval over which the burst refills
	TokenTTL       time.Duration // lifetime of issued bearer tokens
	AllowedOrigins []string      // WebSocket Origin allowlist (empty = same-host only)

	// CLI-only actions (run and exit)
	ExportUsers  bool // export all users as YAML and exit
	ExportGroups bool // export all groups as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":9600",
		MetricsAddr:  ":9602",
		DBPath:       "parley.db",
		AdminEmail:   "admin@localhost",
		PingInterval: 30 * time.Second,
		SendBuffer:   256,
		RateBurst:    20,
		RateInterval: 10 * time.Second,
		TokenTTL:     24 * time.Hour,
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	Auth  *auth.Authenticator
}

// Server is the main Parley server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	auth     *auth.Authenticator
	presence *ConnectionRegistry
	rooms    *RoomRegistry
	metrics  *Metrics

	connMu sync.RWMutex
	conns  map[string]*Session // connID -> session

	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		auth:     deps.Auth,
		presence: NewConnectionRegistry(),
		rooms:    NewRoomRegistry(),
		metrics:  NewMetrics(),
		conns:    make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Presence returns the connection registry.
func (s *Server) Presence() *ConnectionRegistry {
	return s.presence
}

// Rooms returns the room registry.
func (s *Server) Rooms() *RoomRegistry {
	return s.rooms
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// addSession records a live session under its connection ID.
func (s *Server) addSession(sess *Session) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[sess.ID] = sess
}

// removeSession drops the session table entry for connID.
func (s *Server) removeSession(connID string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, connID)
}

// session returns the live session for connID.
func (s *Server) session(connID string) *Session {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conns[connID]
}

// sessionForUser resolves a user ID to its live session, if any.
func (s *Server) sessionForUser(userID string) *Session {
	connID, ok := s.presence.Lookup(userID)
	if !ok {
		return nil
	}
	return s.session(connID)
}
