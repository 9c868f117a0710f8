package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
)

// GroupYAML represents a group in YAML config.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Owner   string   `yaml:"owner"`             // email of the creating admin
	Members []string `yaml:"members,omitempty"` // emails of additional members
}

// GroupsConfig is the top-level YAML config for groups.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        string `yaml:"id"`
	Email     string `yaml:"email"`
	Role      string `yaml:"role"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadGroupsFromYAML reads a groups YAML file and provisions groups in the store.
func LoadGroupsFromYAML(path string, st datastore.DataProviderFactory) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}
	return ImportGroupsFromYAML(data, st)
}

// ImportGroupsFromYAML parses YAML data and provisions groups in the
// store. Existing groups are left alone; missing members are added.
func ImportGroupsFromYAML(data []byte, st datastore.DataProviderFactory) error {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups config: %w", err)
	}

	for _, g := range cfg.Groups {
		if err := ensureGroup(st.NonTx(), g); err != nil {
			slog.Error("failed to provision group from config", "name", g.Name, "err", err)
		}
	}

	slog.Info("imported groups from YAML", "count", len(cfg.Groups))
	return nil
}

func ensureGroup(st datastore.DataStore, g GroupYAML) error {
	group, err := st.GetGroupByName(g.Name)
	if errors.Is(err, datastore.ErrGroupNotFound) {
		owner, oerr := st.GetUserByEmail(g.Owner)
		if oerr != nil {
			return fmt.Errorf("owner %q: %w", g.Owner, oerr)
		}
		group, err = st.CreateGroup(g.Name, owner.ID)
		if err != nil {
			return err
		}
		slog.Debug("created group from config", "name", g.Name, "owner", g.Owner)
	} else if err != nil {
		return err
	}

	for _, email := range g.Members {
		user, err := st.GetUserByEmail(email)
		if err != nil {
			slog.Warn("skipping unknown member in groups config", "group", g.Name, "email", email)
			continue
		}
		if _, err := st.AddMember(group.ID, user.ID, model.GroupRoleUser); err != nil &&
			!errors.Is(err, datastore.ErrAlreadyMember) {
			return fmt.Errorf("add member %q: %w", email, err)
		}
	}
	return nil
}

// ExportGroupsYAML exports all groups with their members as YAML.
func ExportGroupsYAML(st datastore.DataStore) ([]byte, error) {
	groups, err := st.ListGroups()
	if err != nil {
		return nil, err
	}

	cfg := GroupsConfig{}
	for _, g := range groups {
		entry := GroupYAML{Name: g.Name}
		members, err := st.ListMembers(g.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			user, err := st.GetUserByID(m.UserID)
			if err != nil {
				continue
			}
			if m.Role == model.GroupRoleAdmin && entry.Owner == "" {
				entry.Owner = user.Email
				continue
			}
			entry.Members = append(entry.Members, user.Email)
		}
		cfg.Groups = append(cfg.Groups, entry)
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Email:     u.Email,
			Role:      u.Role.String(),
			CreatedAt: u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
