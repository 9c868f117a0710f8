package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if s.auth == nil {
		return fmt.Errorf("server: missing auth dependency")
	}
	st := s.store
	defer func() { _ = st.NonTx().Close() }()

	// Seed an admin account on first run
	if err := s.ensureAdminUser(st); err != nil {
		return err
	}

	// Provision groups from YAML config if provided
	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFromYAML(s.cfg.GroupsFile, st); err != nil {
			slog.Error("failed to load groups config", "err", err)
		}
	}

	if err := s.StartWS(); err != nil {
		return err
	}

	slog.Info("Parley server running", "addr", s.cfg.ListenAddr)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: no new connections, then every
// live session is closed, which drains the registries.
func (s *Server) Shutdown() {
	s.cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}

	s.connMu.RLock()
	open := make([]*Session, 0, len(s.conns))
	for _, sess := range s.conns {
		open = append(open, sess)
	}
	s.connMu.RUnlock()

	for _, sess := range open {
		sess.Close()
	}
}

// ensureAdminUser creates the admin account only on first run (no users
// exist) and prints a signed token for it.
func (s *Server) ensureAdminUser(st datastore.DataProviderFactory) error {
	users, err := st.NonTx().ListUsers()
	if err != nil {
		return fmt.Errorf("server: list users: %w", err)
	}
	if len(users) > 0 {
		return nil // accounts already exist, nothing to seed
	}

	admin, err := st.NonTx().CreateUser(s.cfg.AdminEmail, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("server: seed admin: %w", err)
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), admin, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("server: issue admin token: %w", err)
	}

	slog.Info("========================================")
	slog.Info("ADMIN TOKEN (save this!):", "email", admin.Email, "token", token)
	slog.Info("========================================")
	return nil
}
