package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Brenda state data
	DefaultStateDir = "/var/lib/brenda"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "brenda.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPrivacyMaxAttempts is how many unclear consent replies are
	// tolerated before the gate advances with consent assumed.
	DefaultPrivacyMaxAttempts = 3

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds the resolved process configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	Transport   string
	QRPath      string
	NumericCode bool

	OpenAIKey         string
	OpenAIModel       string
	OpenAIAssistantID string
	OpenAIRPS         float64

	APIAddr     string
	RedisAddr   string
	CatalogFile string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	PrivacyMaxAttempts int
	RunTimeout         time.Duration
	RunPollInterval    time.Duration
	MessageTimeout     time.Duration
	TurnWindow         int
	LogLevel           slog.Level
}

// loadEnvironmentConfig reads .env (if present) and the environment. Values
// that fail to parse fall back to their defaults with a warning.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	cfg := Config{
		StateDir:          util.GetenvDefault("BRENDA_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Transport:         strings.ToLower(util.GetenvDefault("TRANSPORT", TransportWhatsApp)),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		OpenAIAssistantID: os.Getenv("OPENAI_ASSISTANT_ID"),
		OpenAIRPS:         util.ParseFloatEnv("OPENAI_RPS", 0),
		APIAddr:           util.GetenvDefault("API_ADDR", ":8080"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		CatalogFile:       os.Getenv("CATALOG_FILE"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),

		PrivacyMaxAttempts: util.ParseIntEnv("PRIVACY_MAX_ATTEMPTS", DefaultPrivacyMaxAttempts),
		RunTimeout:         util.ParseDurationEnv("RUN_TIMEOUT", 25*time.Second),
		RunPollInterval:    util.ParseDurationEnv("RUN_POLL_INTERVAL", 500*time.Millisecond),
		MessageTimeout:     util.ParseDurationEnv("MESSAGE_TIMEOUT", 60*time.Second),
		TurnWindow:         util.ParseIntEnv("TURN_WINDOW", 20),
		LogLevel:           parseLogLevel(os.Getenv("LOG_LEVEL")),
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills the paths derived from the state directory.
func (c *Config) applyDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// validate reports configuration that cannot start.
func (c *Config) validate() error {
	switch c.Transport {
	case TransportWhatsApp:
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			return fmt.Errorf("twilio transport requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWhatsApp, TransportTwilio)
	}
	if c.PrivacyMaxAttempts < 0 {
		return fmt.Errorf("PRIVACY_MAX_ATTEMPTS must be >= 0, got %d", c.PrivacyMaxAttempts)
	}
	if c.TurnWindow <= 0 {
		return fmt.Errorf("TURN_WINDOW must be positive, got %d", c.TurnWindow)
	}
	return nil
}

// parseCommandLineFlags overrides cfg with command line flags.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) (Config, error) {
	stateDir := fs.String("state-dir", cfg.StateDir, "state directory for Brenda data (overrides $BRENDA_STATE_DIR)")
	dbDSN := fs.String("db-dsn", "", "application store DSN (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "messaging transport: whatsapp or twilio (overrides $TRANSPORT)")
	fs.StringVar(&cfg.QRPath, "qr-output", cfg.QRPath, "path to write login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-process user locks (overrides $REDIS_ADDR)")
	fs.StringVar(&cfg.CatalogFile, "catalog", cfg.CatalogFile, "YAML catalog with seed courses and campaigns (overrides $CATALOG_FILE)")
	fs.IntVar(&cfg.PrivacyMaxAttempts, "privacy-max-attempts", cfg.PrivacyMaxAttempts, "unclear consent replies before advancing; 0 never advances")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// Derived paths follow a state dir given on the command line.
	if *stateDir != cfg.StateDir {
		if cfg.DatabaseURL == filepath.Join(cfg.StateDir, DefaultDBFileName) {
			cfg.DatabaseURL = ""
		}
		if cfg.WhatsAppDSN == "file:"+filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			cfg.WhatsAppDSN = ""
		}
		cfg.StateDir = *stateDir
	}
	if *dbDSN != "" {
		cfg.DatabaseURL = *dbDSN
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	cfg.applyDefaults()
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if s == "" {
		return slog.LevelDebug
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		slog.Warn("parseLogLevel: unknown level, using debug", "value", s)
		return slog.LevelDebug
	}
	return level
}
