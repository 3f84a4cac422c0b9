package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/caredesk/intakeflow/internal/flow"
	"github.com/caredesk/intakeflow/internal/genai"
	"github.com/caredesk/intakeflow/internal/messaging"
	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
	"github.com/caredesk/intakeflow/internal/twiliowhatsapp"
	"github.com/caredesk/intakeflow/internal/util"
	"github.com/caredesk/intakeflow/internal/whatsapp"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for intakeflow state data.
	DefaultStateDir = "/var/lib/intakeflow"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "intakeflow.db"
	// DefaultSessionTTLMinutes is the idle window after which an open
	// session is treated as expired.
	DefaultSessionTTLMinutes = 30
	// DefaultMaxQuestions bounds the numbered questions per session.
	DefaultMaxQuestions = 5
	// DefaultDebounceSeconds is the configured debounce window. It is
	// carried as a knob; the effective dedup policy never resends.
	DefaultDebounceSeconds = 90
)

const (
	defaultSystemContext = "Eres un asistente de triaje médico por WhatsApp. Haz una pregunta a la vez, " +
		"sé breve y empático, y nunca des diagnósticos."
	defaultWelcomeText = "¡Hola! Soy el asistente de admisión de tu centro de salud. " +
		"Para empezar, envíame tu número de documento (DNI)."
	defaultClosingTemplate = "Gracias por tus respuestas. Un profesional revisará tu caso en breve.\n\nResumen: {summary}"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("intakeflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("intakeflow exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DbDriver         string
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	MessagingBackend string
	WhatsAppDSN      string
}

// Flags holds command line flag values.
type Flags struct {
	stateDir         *string
	dbDriver         *string
	dbDSN            *string
	openaiKey        *string
	messagingBackend *string
	whatsappDSN      *string
	qrOutput         *string
	numericCode      *bool
}

// initializeLogger sets up the default structured logger. INTAKEFLOW_DEBUG
// switches on debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("INTAKEFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads .env (if present) and reads the environment.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	return Config{
		DbDriver:         os.Getenv("DATABASE_DRIVER"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("INTAKEFLOW_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
	}
}

// parseCommandLineFlags defines flags with environment-derived defaults.
func parseCommandLineFlags(config Config) Flags {
	stateDir := config.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	backend := config.MessagingBackend
	if backend == "" {
		backend = "whatsapp"
	}

	flags := Flags{
		stateDir:         flag.String("state-dir", stateDir, "directory for intakeflow state data"),
		dbDriver:         flag.String("db-driver", config.DbDriver, "database driver (sqlite3 or postgres)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database connection string"),
		openaiKey:        flag.String("openai-key", config.OpenAIKey, "OpenAI API key"),
		messagingBackend: flag.String("messaging", backend, "delivery backend (whatsapp or twilio)"),
		whatsappDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database connection string"),
		qrOutput:         flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numericCode:      flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
	}
	flag.Parse()
	return flags
}

// buildFlowDefinition assembles the deployment's flow configuration from
// the environment.
func buildFlowDefinition() models.FlowDefinition {
	return models.FlowDefinition{
		ID:              "intake-default",
		InitialNodeID:   flow.NodeIDCapture,
		SessionTTL:      time.Duration(util.ParseIntEnv("FLOW_SESSION_TTL_MINUTES", DefaultSessionTTLMinutes)) * time.Minute,
		SystemContext:   envOr("FLOW_SYSTEM_CONTEXT", defaultSystemContext),
		WelcomeText:     envOr("FLOW_WELCOME_TEXT", defaultWelcomeText),
		MaxQuestions:    util.ParseIntEnv("FLOW_MAX_QUESTIONS", DefaultMaxQuestions),
		DebounceWindow:  time.Duration(util.ParseIntEnv("FLOW_DEBOUNCE_SECONDS", DefaultDebounceSeconds)) * time.Second,
		ClosingTemplate: envOr("FLOW_CLOSING_TEMPLATE", defaultClosingTemplate),
	}
}

func envOr(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// buildStore selects and opens the persistence backend.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	driver := *flags.dbDriver
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if driver == "" {
		driver = store.DetectDSNType(dsn)
	}

	switch driver {
	case "postgres":
		return store.NewPostgresStore(store.WithDSN(dsn))
	case "sqlite3":
		return store.NewSQLiteStore(store.WithDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// buildMessagingService selects and connects the delivery backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.messagingBackend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil

	case "whatsapp":
		opts := []whatsapp.Option{}
		if *flags.whatsappDSN != "" {
			opts = append(opts, whatsapp.WithDBDSN(*flags.whatsappDSN))
		} else {
			opts = append(opts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		}
		if *flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil

	default:
		return nil, fmt.Errorf("unsupported messaging backend %q", *flags.messagingBackend)
	}
}

// run wires all modules and blocks until a shutdown signal arrives.
func run(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	st, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	genaiOpts := []genai.Option{}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	flowDef := buildFlowDefinition()
	ledger := flow.NewQuestionLedger(st, flowDef.MaxQuestions)
	registry, err := flow.DefaultRegistry(st, genaiClient, ledger)
	if err != nil {
		return fmt.Errorf("failed to build node registry: %w", err)
	}
	lifecycle := flow.NewLifecycleManager(st)
	guard := flow.NewContinuityGuard(lifecycle, st)
	runner := flow.NewRunner(registry)
	engine := flow.NewEngine(st, guard, lifecycle, runner, msgService, flowDef)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}()

	handler := messaging.NewResponseHandler(msgService, engine)
	handler.Start(ctx)

	slog.Info("intakeflow running",
		"flow", flowDef.ID,
		"session_ttl", flowDef.SessionTTL,
		"max_questions", flowDef.MaxQuestions,
		"messaging", *flags.messagingBackend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("Shutdown signal received")
	return nil
}
