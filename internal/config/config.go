package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/validation"
)

const (
	// TransportHTTP reads peer data from pubky-style homeservers over HTTPS.
	TransportHTTP = "http"
	// TransportNostr reads peer data from a Nostr relay.
	TransportNostr = "nostr"
)

type Config struct {
	Development bool
	// API configuration
	APIPort  int
	APIToken string
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Identity of the local wallet; requests and proposals addressed to it are discovered.
	IdentityPubkey string

	// Directory configuration
	DirectoryTransport   string
	HomeserverURL        string
	NostrRelayURL        string
	DiscoveryConcurrency int

	// Payment executor configuration
	ExecutorURL      string
	ExecutorMacaroon string

	// Cycle configuration
	SubscriptionCheckInterval time.Duration
	PeerPollInterval          time.Duration
	DiscoveryTimeout          time.Duration
	PaymentTimeout            time.Duration
	NodeReadyTimeout          time.Duration
	UpcomingWindow            time.Duration
	MaxCycleFailures          int
	RequestTTL                time.Duration

	// AutoPaySeedFile is an optional YAML file with initial settings, limits and rules.
	AutoPaySeedFile string

	// SMTP configuration
	SMTPHost            string
	SMTPPort            int
	SMTPAlternativePort int
	SMTPUser            string
	SMTPPassword        string
	SMTPSender          string
	NotifyEmail         string

	// Notification configuration
	TelegramBotToken string
	TelegramChatID   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		APIPort:          getEnvAsInt("API_PORT", 6533),
		APIToken:         getEnv("API_TOKEN", ""),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "paykit"),

		IdentityPubkey: getEnv("IDENTITY_PUBKEY", ""),

		DirectoryTransport:   getEnv("DIRECTORY_TRANSPORT", TransportHTTP),
		HomeserverURL:        getEnv("HOMESERVER_URL", "https://homeserver.pubky.app"),
		NostrRelayURL:        getEnv("NOSTR_RELAY_URL", ""),
		DiscoveryConcurrency: getEnvAsInt("DISCOVERY_CONCURRENCY", 8),

		ExecutorURL:      getEnv("EXECUTOR_URL", "http://localhost:8280"),
		ExecutorMacaroon: getEnv("EXECUTOR_MACAROON", ""),

		SubscriptionCheckInterval: getEnvAsDuration("SUBSCRIPTION_CHECK_INTERVAL", 15*time.Minute),
		PeerPollInterval:          getEnvAsDuration("PEER_POLL_INTERVAL", 5*time.Minute),
		DiscoveryTimeout:          getEnvAsDuration("DISCOVERY_TIMEOUT", 20*time.Second),
		PaymentTimeout:            getEnvAsDuration("PAYMENT_TIMEOUT", 45*time.Second),
		NodeReadyTimeout:          getEnvAsDuration("NODE_READY_TIMEOUT", 60*time.Second),
		UpcomingWindow:            time.Duration(getEnvAsInt("UPCOMING_WINDOW_HOURS", 24)) * time.Hour,
		MaxCycleFailures:          getEnvAsInt("MAX_CYCLE_FAILURES", 3),
		RequestTTL:                getEnvAsDuration("REQUEST_TTL", 7*24*time.Hour),

		AutoPaySeedFile: getEnv("AUTOPAY_SEED_FILE", ""),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),
		SMTPHost:            getEnv("SMTP_HOST", "smtp.example.com"),
		SMTPPort:            getEnvAsInt("SMTP_PORT", 587),
		SMTPAlternativePort: getEnvAsInt("SMTP_ALTERNATIVE_PORT", 465),
		SMTPUser:            getEnv("SMTP_USER", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		SMTPSender:          getEnv("SMTP_SENDER", ""),
		NotifyEmail:         getEnv("NOTIFY_EMAIL", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.IdentityPubkey == "" {
		return fmt.Errorf("IDENTITY_PUBKEY is required")
	}

	normalized, err := validation.ValidateAndNormalizePubkey(c.IdentityPubkey)
	if err != nil {
		return fmt.Errorf("invalid IDENTITY_PUBKEY format: %w", err)
	}
	c.IdentityPubkey = normalized

	switch c.DirectoryTransport {
	case TransportHTTP:
		if c.HomeserverURL == "" {
			return fmt.Errorf("HOMESERVER_URL is required for the http directory transport")
		}
	case TransportNostr:
		if c.NostrRelayURL == "" {
			return fmt.Errorf("NOSTR_RELAY_URL is required for the nostr directory transport")
		}
	default:
		return fmt.Errorf("unknown DIRECTORY_TRANSPORT %q", c.DirectoryTransport)
	}

	if c.ExecutorURL == "" {
		return fmt.Errorf("EXECUTOR_URL is required")
	}

	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.SubscriptionCheckInterval <= 0 || c.PeerPollInterval <= 0 {
		return fmt.Errorf("cycle intervals must be positive")
	}

	if c.MaxCycleFailures < 1 {
		return fmt.Errorf("MAX_CYCLE_FAILURES must be at least 1")
	}

	if c.DiscoveryConcurrency < 1 {
		return fmt.Errorf("DISCOVERY_CONCURRENCY must be at least 1")
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
