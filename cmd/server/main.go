package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/logging"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/server"
	"github.com/parley-chat/parley/pkg/version"
)

// envSettings is the environment layer, read before flags so flags can
// override. Variables are prefixed PARLEY_ (e.g. PARLEY_JWT_SECRET).
type envSettings struct {
	ListenAddr  string `split_words:"true" default:":9600"`
	MetricsAddr string `split_words:"true" default:":9602"`
	DBPath      string `envconfig:"DB_PATH" default:"parley.db"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	GroupsFile  string `split_words:"true"`
	AdminEmail  string `split_words:"true" default:"admin@localhost"`
	LogLevel    string `split_words:"true" default:"info"`
	LogFormat   string `split_words:"true" default:"text"`
}

func main() {
	_ = godotenv.Load() // .env is optional

	var env envSettings
	if err := envconfig.Process("parley", &env); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment config: %v\n", err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	cfg.ListenAddr = env.ListenAddr
	cfg.MetricsAddr = env.MetricsAddr
	cfg.DBPath = env.DBPath
	cfg.JWTSecret = env.JWTSecret
	cfg.GroupsFile = env.GroupsFile
	cfg.AdminEmail = env.AdminEmail

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP bind address for the /ws endpoint")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for bearer tokens")
	flag.StringVar(&cfg.GroupsFile, "groups-file", cfg.GroupsFile, "YAML file defining groups to provision on startup")
	flag.StringVar(&cfg.AdminEmail, "admin-email", cfg.AdminEmail, "admin account seeded on first run")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportGroups, "export-groups", false, "Export all groups as YAML and exit")

	createUser := flag.String("create-user", "", "Create a user with this email and exit")
	asAdmin := flag.Bool("admin", false, "Give -create-user the admin role")
	issueToken := flag.String("issue-token", "", "Issue a bearer token for this email and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")

	logLevel := flag.String("log-level", env.LogLevel, "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", env.LogFormat, "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("parley " + version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Handle CLI actions (run and exit)
	if cfg.ExportUsers || cfg.ExportGroups || *createUser != "" || *issueToken != "" {
		st, err := datastore.NewProviderFactory(cfg.DBPath)
		if err != nil {
			slog.Error("open database", "err", err)
			os.Exit(1)
		}
		defer func() { _ = st.Close() }()
		runAction(cfg, st, *createUser, *asAdmin, *issueToken)
		return
	}

	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "a JWT secret is required: set PARLEY_JWT_SECRET or -jwt-secret")
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	deps := server.Dependencies{
		Store: st,
		Auth:  auth.NewAuthenticator([]byte(cfg.JWTSecret), st),
	}
	srv := server.New(cfg, deps)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// runAction executes one CLI action against an open store.
func runAction(cfg server.Config, st *datastore.ProviderFactory, createUser string, asAdmin bool, issueToken string) {
	switch {
	case cfg.ExportUsers:
		data, err := server.ExportUsersYAML(st.NonTx())
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))

	case cfg.ExportGroups:
		data, err := server.ExportGroupsYAML(st.NonTx())
		if err != nil {
			slog.Error("export groups", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))

	case createUser != "":
		role := model.RoleUser
		if asAdmin {
			role = model.RoleAdmin
		}
		user, err := st.NonTx().CreateUser(createUser, role)
		if err != nil {
			slog.Error("create user", "err", err)
			os.Exit(1)
		}
		fmt.Printf("created %s user %s (%s)\n", user.Role, user.ID, user.Email)

	case issueToken != "":
		if cfg.JWTSecret == "" {
			fmt.Fprintln(os.Stderr, "a JWT secret is required: set PARLEY_JWT_SECRET or -jwt-secret")
			os.Exit(1)
		}
		user, err := st.NonTx().GetUserByEmail(issueToken)
		if err != nil {
			slog.Error("lookup user", "email", issueToken, "err", err)
			os.Exit(1)
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), user, cfg.TokenTTL)
		if err != nil {
			slog.Error("issue token", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
	}
}
