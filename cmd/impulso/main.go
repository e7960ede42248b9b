// Command impulso runs the multi-tenant assistant engine: an HTTP API that
// answers tenant questions with retrieved context and dispatches the
// structured actions the model emits (bookings, lead capture, escalations).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/impulso-labs/impulso/internal/api"
	"github.com/impulso-labs/impulso/internal/calendar"
	"github.com/impulso-labs/impulso/internal/flow"
	"github.com/impulso-labs/impulso/internal/genai"
	"github.com/impulso-labs/impulso/internal/messaging"
	"github.com/impulso-labs/impulso/internal/retrieval"
	"github.com/impulso-labs/impulso/internal/store"
	"github.com/impulso-labs/impulso/internal/util"
)

const (
	// DefaultStateDir is the default directory for Impulso state data.
	DefaultStateDir = "/var/lib/impulso"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "impulso.db"
)

// Config holds environment configuration.
type Config struct {
	DatabaseURL      string
	VectorURL        string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	CalendarURL      string
	SupportContact   string
	DefaultTenant    string
	Timezone         string
	SystemPromptFile string
	LogLevel         string
}

// Flags holds command line flag values.
type Flags struct {
	stateDir       *string
	dbDSN          *string
	vectorURL      *string
	openaiKey      *string
	apiAddr        *string
	calendarURL    *string
	supportContact *string
	defaultTenant  *string
	timezone       *string
	promptFile     *string
}

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("Impulso failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Impulso exited successfully")
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	calendarClient, err := calendar.NewClient(buildCalendarOptions(flags)...)
	if err != nil {
		return err
	}

	// Messaging is only exercised on escalation; a missing Twilio config
	// degrades that path instead of blocking startup.
	var messenger flow.MessagingService
	sender, err := messaging.NewTwilioSender()
	if err != nil {
		slog.Warn("Twilio sender not configured, escalation delivery disabled", "error", err)
		messenger = nil
	} else {
		messenger = sender
	}
	supportContact := *flags.supportContact
	if messenger == nil {
		supportContact = ""
		messenger = noopMessenger{}
	}

	var knowledge *retrieval.Store
	if *flags.vectorURL != "" {
		pool, err := pgxpool.New(ctx, *flags.vectorURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		knowledge, err = retrieval.NewStore(ctx, pool, genaiClient)
		if err != nil {
			return err
		}
		slog.Info("Vector store connected")
	} else {
		slog.Warn("No VECTOR_DATABASE_URL configured, running without retrieved context")
	}

	composer := flow.NewPromptComposer()
	if *flags.promptFile != "" {
		if err := composer.LoadSystemPromptFile(*flags.promptFile); err != nil {
			return err
		}
	}

	dispatcher := flow.NewDispatcher(calendarClient, messenger, st, supportContact)
	orchestrator := flow.NewOrchestrator(composer, genaiClient, searcherOrNil(knowledge), dispatcher, st,
		flow.WithDefaultTenant(*flags.defaultTenant),
		flow.WithTimezone(*flags.timezone),
	)

	var documents api.DocumentStore
	if knowledge != nil {
		documents = knowledge
	}
	server := api.NewServer(orchestrator, documents, st, api.WithAddr(*flags.apiAddr))

	slog.Info("Bootstrapping Impulso",
		"api_addr", *flags.apiAddr,
		"dsn_set", *flags.dbDSN != "",
		"vector_store", knowledge != nil,
		"support_contact_set", supportContact != "",
		"default_tenant", *flags.defaultTenant)
	return server.Run(ctx)
}

// searcherOrNil avoids handing the orchestrator a non-nil interface wrapping
// a nil *retrieval.Store.
func searcherOrNil(knowledge *retrieval.Store) flow.Searcher {
	if knowledge == nil {
		return nil
	}
	return knowledge
}

// noopMessenger stands in when Twilio is not configured. The dispatcher never
// reaches it because the support contact is cleared alongside.
type noopMessenger struct{}

func (noopMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (noopMessenger) SendText(ctx context.Context, to string, body string) error {
	slog.Warn("noopMessenger.SendText: dropping message, messaging not configured", "to", to)
	return nil
}

// initializeLogger sets up structured logging on stdout. LOG_JSON switches
// to the JSON handler for log shippers.
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if util.ParseBoolEnv("LOG_JSON", false) {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and a
// .env file when present.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		VectorURL:        os.Getenv("VECTOR_DATABASE_URL"),
		StateDir:         util.GetenvDefault("IMPULSO_STATE_DIR", DefaultStateDir),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		CalendarURL:      os.Getenv("CALENDAR_API_URL"),
		SupportContact:   os.Getenv("SUPPORT_CONTACT_NUMBER"),
		DefaultTenant:    os.Getenv("DEFAULT_TENANT_ID"),
		Timezone:         os.Getenv("ASSISTANT_TIMEZONE"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}
	return config
}

// parseCommandLineFlags parses flags with environment values as defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "Directory for Impulso state data"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "Database DSN (Postgres URL or SQLite path)"),
		vectorURL:      flag.String("vector-url", config.VectorURL, "Postgres URL of the pgvector knowledge store"),
		openaiKey:      flag.String("openai-key", config.OpenAIKey, "OpenAI API key"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server listen address"),
		calendarURL:    flag.String("calendar-url", config.CalendarURL, "Calendar service base URL"),
		supportContact: flag.String("support-contact", config.SupportContact, "Phone number escalations are delivered to"),
		defaultTenant:  flag.String("default-tenant", config.DefaultTenant, "Tenant used when a request omits one"),
		timezone:       flag.String("timezone", config.Timezone, "Timezone embedded into prompts and event times"),
		promptFile:     flag.String("prompt-file", config.SystemPromptFile, "File overriding the built-in system prompt"),
	}
	flag.Parse()
	return flags
}

// buildStore picks the persistence backend from the DSN: a Postgres URL uses
// lib/pq, anything else is treated as a SQLite path under the state dir.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		slog.Debug("Using Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dsn)
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	return opts
}

func buildCalendarOptions(flags Flags) []calendar.Option {
	var opts []calendar.Option
	if *flags.calendarURL != "" {
		opts = append(opts, calendar.WithBaseURL(*flags.calendarURL))
	}
	return opts
}
