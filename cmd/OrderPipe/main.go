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

	"github.com/BTreeMap/OrderPipe/internal/api"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/scheduler"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/util"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OrderPipe state data
	DefaultStateDir = "/var/lib/orderpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "orderpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Messaging backends.
const (
	BackendWAMe      = "wame"
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OrderPipe", "messaging", *flags.messaging, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("OrderPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OrderPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	OpenAIKey       string
	OpenAIModel     string
	APIAddr         string
	Messaging       string
	WAMeAPIKey      string
	WAMeBaseURL     string
	WhatsAppDSN     string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	DeliveryFee     string
	DeliveryDelay   string
	SeedFile        string
	LedgerRetention string
	MaintenanceCron string
	LogLevel        string
	GenAIDebug      bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	messaging     *string
	whatsappDSN   *string
	deliveryFee   *string
	deliveryDelay *string
	seedFile      *string
	logLevel      *string
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	if level != "" && !strings.EqualFold(lvl.String(), level) {
		slog.Warn("unknown LOG_LEVEL, using info", "value", level)
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        util.EnvOrDefault("ORDERPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     util.EnvOrDefault("OPENAI_MODEL", genai.DefaultModel),
		APIAddr:         util.EnvOrDefault("API_ADDR", api.DefaultAddr),
		Messaging:       util.EnvOrDefault("MESSAGING_BACKEND", BackendWAMe),
		WAMeAPIKey:      os.Getenv("WAME_API_KEY"),
		WAMeBaseURL:     os.Getenv("WAME_BASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		DeliveryFee:     os.Getenv("DELIVERY_FEE"),
		DeliveryDelay:   os.Getenv("DELIVERY_DELAY"),
		SeedFile:        os.Getenv("SEED_FILE"),
		LedgerRetention: os.Getenv("LEDGER_RETENTION"),
		MaintenanceCron: util.EnvOrDefault("MAINTENANCE_CRON", scheduler.DefaultMaintenanceCron),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		GenAIDebug:      util.ParseBoolEnv("OPENAI_DEBUG", false),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = whatsAppDSNFor(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"ORDERPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Messaging,
		"WAME_API_KEY_SET", config.WAMeAPIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"SEED_FILE", config.SeedFile,
		"MAINTENANCE_CRON", config.MaintenanceCron)

	return config
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	fs := flag.CommandLine
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for OrderPipe data (overrides $ORDERPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "model for dialogue, summaries and keyword checks (overrides $OPENAI_MODEL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		messaging:     fs.String("messaging", config.Messaging, "messaging backend: wame, whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session store DSN (overrides $WHATSAPP_DB_DSN)"),
		deliveryFee:   fs.String("delivery-fee", config.DeliveryFee, "delivery fee added to proposals, e.g. 5.00 (overrides $DELIVERY_FEE)"),
		deliveryDelay: fs.String("delivery-delay", config.DeliveryDelay, "pause between order confirmation and delivery notice (overrides $DELIVERY_DELAY)"),
		seedFile:      fs.String("seed-file", config.SeedFile, "YAML seed file applied at startup (overrides $SEED_FILE)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(2)
	}

	// Follow a -state-dir override when the file paths were derived from the default.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.whatsappDSN == whatsAppDSNFor(config.StateDir) {
			*flags.whatsappDSN = whatsAppDSNFor(*flags.stateDir)
		}
	}
	return flags
}

// usesStateDir reports whether file-backed state lives in the state directory.
func usesStateDir(flags Flags) bool {
	return store.DetectDSNType(*flags.dbDSN) != "postgres" || *flags.messaging == BackendWhatsmeow
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating directory for file-based database", "dir", dir)
	return os.MkdirAll(dir, 0755)
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	opts := []genai.Option{genai.WithModel(*flags.openaiModel), genai.WithStateDir(*flags.stateDir)}
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true))
	}
	return opts
}

// buildFlowOptions converts the delivery settings into flow options.
func buildFlowOptions(flags Flags) ([]flow.Option, error) {
	opts := []flow.Option{flow.WithModel(*flags.openaiModel)}
	if *flags.deliveryFee != "" {
		fee, err := models.ParseMoney(*flags.deliveryFee)
		if err != nil {
			return nil, fmt.Errorf("invalid delivery fee: %w", err)
		}
		opts = append(opts, flow.WithDeliveryFee(fee))
	}
	if *flags.deliveryDelay != "" {
		d, err := time.ParseDuration(*flags.deliveryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid delivery delay: %w", err)
		}
		opts = append(opts, flow.WithDeliveryDelay(d))
	}
	return opts, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// parseRetention reads LEDGER_RETENTION; empty means the scheduler default.
func parseRetention(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid LEDGER_RETENTION: %w", err)
	}
	if d <= 0 {
		return 0, scheduler.ErrInvalidRetention
	}
	return d, nil
}
