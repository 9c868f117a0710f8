package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parley-chat/parley/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.999999999"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all Parley entities.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE CHECK(length(email) > 0),
		role       INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 1),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL CHECK(length(name) > 0 AND length(name) <= 64),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id   TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role       INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 1),
		created_at TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		content     TEXT NOT NULL,
		sender_id   TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT,
		group_id    TEXT,
		created_at  TEXT NOT NULL,
		CHECK ((receiver_id IS NULL) != (group_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(sender_id, receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_group  ON messages(group_id);
	CREATE INDEX IF NOT EXISTS idx_members_user    ON group_members(user_id);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate: %w", err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser creates a new user with a generated ID.
func (s *baseProvider) CreateUser(email string, role model.Role) (*model.User, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: create user: invalid role %d", int(role))
	}
	u := &model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO users (id, email, role, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, int(u.Role), formatDBTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	var roleInt int
	var createdAt string
	err := row.Scan(&u.ID, &u.Email, &roleInt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("datastore: get user: %w", ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.Role = model.Role(roleInt)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parsed
	return u, nil
}

// GetUserByID retrieves a user by ID. Returns ErrUserNotFound when absent.
func (s *baseProvider) GetUserByID(id string) (*model.User, error) {
	return s.scanUser(s.QueryRowContext(context.Background(),
		"SELECT id, email, role, created_at FROM users WHERE id = ?", id))
}

// GetUserByEmail retrieves a user by email. Returns ErrUserNotFound when absent.
func (s *baseProvider) GetUserByEmail(email string) (*model.User, error) {
	return s.scanUser(s.QueryRowContext(context.Background(),
		"SELECT id, email, role, created_at FROM users WHERE email = ?", email))
}

// ListUsers returns all users in creation order.
func (s *baseProvider) ListUsers() ([]model.User, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, email, role, created_at FROM users ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var roleInt int
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Email, &roleInt, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.Role = model.Role(roleInt)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.CreatedAt = parsed
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Groups ----

// CreateGroup creates a group and the creator's ADMIN membership atomically.
func (s *baseProvider) CreateGroup(name, creatorID string) (*model.Group, error) {
	g := &model.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}

	ctx := context.Background()
	createdAt := formatDBTime(g.CreatedAt)
	// Callers needing full atomicity run this through the txProvider.
	if _, err := s.ExecContext(ctx,
		"INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)",
		g.ID, g.Name, createdAt); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	if _, err := s.ExecContext(ctx,
		"INSERT INTO group_members (group_id, user_id, role, created_at) VALUES (?, ?, ?, ?)",
		g.ID, creatorID, int(model.GroupRoleAdmin), createdAt); err != nil {
		return nil, fmt.Errorf("datastore: create group membership: %w", err)
	}
	return g, nil
}

func (s *baseProvider) scanGroup(row *sql.Row) (*model.Group, error) {
	g := &model.Group{}
	var createdAt string
	err := row.Scan(&g.ID, &g.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("datastore: get group: %w", ErrGroupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	g.CreatedAt = parsed
	return g, nil
}

// GetGroup retrieves a group by ID. Returns ErrGroupNotFound when absent.
func (s *baseProvider) GetGroup(id string) (*model.Group, error) {
	return s.scanGroup(s.QueryRowContext(context.Background(),
		"SELECT id, name, created_at FROM groups WHERE id = ?", id))
}

// GetGroupByName retrieves a group by name. Returns ErrGroupNotFound when absent.
func (s *baseProvider) GetGroupByName(name string) (*model.Group, error) {
	return s.scanGroup(s.QueryRowContext(context.Background(),
		"SELECT id, name, created_at FROM groups WHERE name = ? ORDER BY rowid LIMIT 1", name))
}

// ListGroups returns all groups in creation order.
func (s *baseProvider) ListGroups() ([]model.Group, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, name, created_at FROM groups ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanGroups(rows)
}

func scanGroups(rows *sql.Rows) ([]model.Group, error) {
	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		g.CreatedAt = parsed
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ---- Memberships ----

// IsMember reports whether the user currently holds a membership row.
func (s *baseProvider) IsMember(groupID, userID string) (bool, error) {
	var one int
	err := s.QueryRowContext(context.Background(),
		"SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: is member: %w", err)
	}
	return true, nil
}

// GetMembership retrieves one membership row. Returns ErrNotAMember when absent.
func (s *baseProvider) GetMembership(groupID, userID string) (*model.Membership, error) {
	m := &model.Membership{}
	var roleInt int
	var createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT group_id, user_id, role, created_at FROM group_members WHERE group_id = ? AND user_id = ?",
		groupID, userID).Scan(&m.GroupID, &m.UserID, &roleInt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("datastore: get membership: %w", ErrNotAMember)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get membership: %w", err)
	}
	m.Role = model.GroupRole(roleInt)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get membership: %w", err)
	}
	m.CreatedAt = parsed
	return m, nil
}

// ListMembers returns all memberships of a group in join order.
func (s *baseProvider) ListMembers(groupID string) ([]model.Membership, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT group_id, user_id, role, created_at FROM group_members WHERE group_id = ? ORDER BY created_at, rowid",
		groupID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []model.Membership
	for rows.Next() {
		var m model.Membership
		var roleInt int
		var createdAt string
		if err := rows.Scan(&m.GroupID, &m.UserID, &roleInt, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan membership: %w", err)
		}
		m.Role = model.GroupRole(roleInt)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan membership: %w", err)
		}
		m.CreatedAt = parsed
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListGroupsFor returns all groups the user is a member of.
func (s *baseProvider) ListGroupsFor(userID string) ([]model.Group, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT g.id, g.name, g.created_at FROM groups g
		 JOIN group_members m ON m.group_id = g.id
		 WHERE m.user_id = ? ORDER BY g.created_at, g.rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups for user: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanGroups(rows)
}

// AddMember creates a membership row.
func (s *baseProvider) AddMember(groupID, userID string, role model.GroupRole) (*model.Membership, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: add member: invalid role %d", int(role))
	}
	if _, err := s.GetGroup(groupID); err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			return nil, fmt.Errorf("datastore: add member: %w", ErrGroupNotFound)
		}
		return nil, err
	}
	_, err := s.GetMembership(groupID, userID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("datastore: add member: %w", ErrAlreadyMember)
	case !errors.Is(err, ErrNotAMember):
		return nil, err
	}

	m := &model.Membership{
		GroupID:   groupID,
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.ExecContext(context.Background(),
		"INSERT INTO group_members (group_id, user_id, role, created_at) VALUES (?, ?, ?, ?)",
		m.GroupID, m.UserID, int(m.Role), formatDBTime(m.CreatedAt)); err != nil {
		return nil, fmt.Errorf("datastore: add member: %w", err)
	}
	return m, nil
}

// RemoveMember deletes a membership row, refusing to orphan a group's
// remaining members without an admin. Run inside a transaction to make
// the check-then-remove atomic.
func (s *baseProvider) RemoveMember(groupID, userID string) error {
	if _, err := s.GetGroup(groupID); err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			return fmt.Errorf("datastore: remove member: %w", ErrGroupNotFound)
		}
		return err
	}
	m, err := s.GetMembership(groupID, userID)
	if err != nil {
		if errors.Is(err, ErrNotAMember) {
			return fmt.Errorf("datastore: remove member: %w", ErrNotAMember)
		}
		return err
	}

	if m.Role == model.GroupRoleAdmin {
		var admins, total int
		err := s.QueryRowContext(context.Background(),
			"SELECT COUNT(*) FILTER (WHERE role = ?), COUNT(*) FROM group_members WHERE group_id = ?",
			int(model.GroupRoleAdmin), groupID).Scan(&admins, &total)
		if err != nil {
			return fmt.Errorf("datastore: remove member: %w", err)
		}
		if admins == 1 && total > 1 {
			return fmt.Errorf("datastore: remove member: %w", ErrLastAdmin)
		}
	}

	if _, err := s.ExecContext(context.Background(),
		"DELETE FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID); err != nil {
		return fmt.Errorf("datastore: remove member: %w", err)
	}
	return nil
}

// ---- Messages ----

// CreateMessage validates the message, assigns ID and CreatedAt, and appends it.
func (s *baseProvider) CreateMessage(message *model.Message) error {
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}

	receiver := sql.NullString{String: message.ReceiverID, Valid: message.ReceiverID != ""}
	group := sql.NullString{String: message.GroupID, Valid: message.GroupID != ""}
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO messages (id, content, sender_id, receiver_id, group_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		message.ID, message.Content, message.SenderID, receiver, group, formatDBTime(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var receiver, group sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Content, &m.SenderID, &receiver, &group, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.ReceiverID = receiver.String
		m.GroupID = group.String
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListDirectMessages returns the full conversation between two users,
// both directions, in creation order.
func (s *baseProvider) ListDirectMessages(userID, otherUserID string) ([]model.Message, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT id, content, sender_id, receiver_id, group_id, created_at FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at, rowid`,
		userID, otherUserID, otherUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list direct messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ListGroupMessages returns a group's full history in creation order.
func (s *baseProvider) ListGroupMessages(groupID string) ([]model.Message, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT id, content, sender_id, receiver_id, group_id, created_at FROM messages
		 WHERE group_id = ? ORDER BY created_at, rowid`, groupID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list group messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}
