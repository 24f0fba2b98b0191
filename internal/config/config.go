// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken       = "TELEGRAM_TOKEN"
	KeyMongoURI            = "MONGO_URI"
	KeyMongoDB             = "MONGO_DB"
	KeyJWTSecret           = "JWT_SECRET"
	KeyAppEnv              = "APP_ENV"
	KeyLogLevel            = "LOG_LEVEL"
	KeyHTTPPort            = "HTTP_PORT"
	KeyRedisURL            = "REDIS_URL"
	KeyBroadcastGroupID    = "BROADCAST_GROUP_ID"
	KeyBotUsername         = "BOT_USERNAME"
	KeyValidationAPIURL    = "VALIDATION_API_URL"
	KeyExpiryCheckAt       = "EXPIRY_CHECK_AT"
	KeyExpiryCheckTZ       = "EXPIRY_CHECK_TZ"
	KeyTransportTimeout    = "TRANSPORT_TIMEOUT"
	KeyPaymentCurrency     = "PAYMENT_CURRENCY"
	KeyPaymentInstructions = "PAYMENT_INSTRUCTIONS"
	KeyTutorialURL         = "TUTORIAL_URL"
	KeyAdminEmail          = "ADMIN_EMAIL"
	KeyAdminName           = "ADMIN_NAME"
	KeyGroupInviteLink     = "GROUP_INVITE_LINK"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv           = EnvProduction
	DefaultLogLevel         = "info"
	DefaultHTTPPort         = 8080
	DefaultExpiryCheckAt    = "09:00"
	DefaultExpiryCheckTZ    = "UTC"
	DefaultTransportTimeout = 10 * time.Second
	DefaultPaymentCurrency  = "USD"

	// Recommended database names by environment.
	DefaultMongoDBProd = "member_bot"
	DefaultMongoDBDev  = "member_bot_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyJWTSecret,
		Example:     "change-me",
		Required:    true,
		Description: "HMAC secret used to verify web session tokens on the token endpoint.",
		Notes:       "Must match the secret the web API signs sessions with.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP port for the token endpoints and health probe.",
	},
	{
		Key:         KeyRedisURL,
		Example:     "redis://localhost:6379/0",
		Description: "Redis backing for connection tokens and service selections.",
		Notes:       "When unset, tokens live in process memory and are lost on restart.",
	},
	{
		Key:         KeyBroadcastGroupID,
		Example:     "-1001234567890",
		Description: "Chat ID of the broadcast group. Enables membership gating.",
	},
	{
		Key:         KeyBotUsername,
		Example:     "member_portal_bot",
		Description: "Bot username used for private-chat deep links from the group.",
	},
	{
		Key:         KeyValidationAPIURL,
		Example:     "https://api.example.com",
		Description: "Base URL of the token validation API.",
		Notes:       "When unset, the bot redeems tokens in-process.",
	},
	{
		Key:         KeyExpiryCheckAt,
		Example:     DefaultExpiryCheckAt,
		Default:     DefaultExpiryCheckAt,
		Description: "Daily time of day (HH:MM) for the expiration check.",
	},
	{
		Key:         KeyExpiryCheckTZ,
		Example:     "Europe/Madrid",
		Default:     DefaultExpiryCheckTZ,
		Description: "IANA time zone for the daily expiration check and calendar-day comparisons.",
	},
	{
		Key:         KeyTransportTimeout,
		Example:     DefaultTransportTimeout.String(),
		Default:     DefaultTransportTimeout.String(),
		Description: "Upper bound for every Telegram API call.",
	},
	{
		Key:         KeyPaymentCurrency,
		Example:     DefaultPaymentCurrency,
		Default:     DefaultPaymentCurrency,
		Description: "Currency recorded on receipt payments.",
	},
	{
		Key:         KeyPaymentInstructions,
		Example:     "IBAN ES00 0000 0000 0000",
		Description: "Bank transfer details shown after a service is selected.",
	},
	{
		Key:         KeyTutorialURL,
		Example:     "https://example.com/tutorial",
		Description: "Onboarding tutorial shown to users without a linked account.",
	},
	{
		Key:         KeyAdminEmail,
		Example:     "admin@example.com",
		Description: "Administrator account ensured at startup.",
	},
	{
		Key:         KeyAdminName,
		Example:     "Admin",
		Description: "Display name for the bootstrapped administrator.",
	},
	{
		Key:         KeyGroupInviteLink,
		Example:     "https://t.me/+abcdef",
		Description: "Broadcast group invite link stored on the administrator record.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken       string
	MongoURI            string
	MongoDB             string
	JWTSecret           string
	AppEnv              string
	LogLevel            string
	HTTPPort            int
	RedisURL            string
	BroadcastGroupID    int64
	BotUsername         string
	ValidationAPIURL    string
	ExpiryCheckAt       string
	ExpiryCheckTZ       string
	TransportTimeout    time.Duration
	PaymentCurrency     string
	PaymentInstructions string
	TutorialURL         string
	AdminEmail          string
	AdminName           string
	GroupInviteLink     string
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:              firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:       strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:            strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:             strings.TrimSpace(os.Getenv(KeyMongoDB)),
		JWTSecret:           strings.TrimSpace(os.Getenv(KeyJWTSecret)),
		LogLevel:            firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:            DefaultHTTPPort,
		RedisURL:            strings.TrimSpace(os.Getenv(KeyRedisURL)),
		BotUsername:         strings.TrimPrefix(strings.TrimSpace(os.Getenv(KeyBotUsername)), "@"),
		ValidationAPIURL:    strings.TrimRight(strings.TrimSpace(os.Getenv(KeyValidationAPIURL)), "/"),
		ExpiryCheckAt:       firstNonEmpty(os.Getenv(KeyExpiryCheckAt), DefaultExpiryCheckAt),
		ExpiryCheckTZ:       firstNonEmpty(os.Getenv(KeyExpiryCheckTZ), DefaultExpiryCheckTZ),
		TransportTimeout:    DefaultTransportTimeout,
		PaymentCurrency:     strings.ToUpper(firstNonEmpty(os.Getenv(KeyPaymentCurrency), DefaultPaymentCurrency)),
		PaymentInstructions: strings.TrimSpace(os.Getenv(KeyPaymentInstructions)),
		TutorialURL:         strings.TrimSpace(os.Getenv(KeyTutorialURL)),
		AdminEmail:          strings.ToLower(strings.TrimSpace(os.Getenv(KeyAdminEmail))),
		AdminName:           strings.TrimSpace(os.Getenv(KeyAdminName)),
		GroupInviteLink:     strings.TrimSpace(os.Getenv(KeyGroupInviteLink)),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}
	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}
	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, KeyJWTSecret)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if !strings.HasPrefix(cfg.MongoURI, "mongodb://") && !strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		return Config{}, fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	groupRaw := strings.TrimSpace(os.Getenv(KeyBroadcastGroupID))
	if groupRaw != "" {
		groupID, parseErr := strconv.ParseInt(groupRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBroadcastGroupID, parseErr)
		}
		cfg.BroadcastGroupID = groupID
	}

	timeoutRaw := strings.TrimSpace(os.Getenv(KeyTransportTimeout))
	if timeoutRaw != "" {
		timeout, parseErr := time.ParseDuration(timeoutRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyTransportTimeout, parseErr)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyTransportTimeout)
		}
		cfg.TransportTimeout = timeout
	}

	if _, _, err := ParseClock(cfg.ExpiryCheckAt); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyExpiryCheckAt, err)
	}
	if _, err := time.LoadLocation(cfg.ExpiryCheckTZ); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyExpiryCheckTZ, err)
	}

	if cfg.ValidationAPIURL != "" {
		if _, err := url.ParseRequestURI(cfg.ValidationAPIURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyValidationAPIURL, err)
		}
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// Location returns the configured expiration-check time zone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(firstNonEmpty(c.ExpiryCheckTZ, DefaultExpiryCheckTZ))
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses an HH:MM time of day.
func ParseClock(value string) (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

// FormatRedacted renders the configuration with secrets masked, for -config-only output.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"telegram_token: " + maskSecret(cfg.TelegramToken),
		"jwt_secret: " + maskSecret(cfg.JWTSecret),
		"mongo_uri: " + redactURL(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		"redis_url: " + redactURL(cfg.RedisURL),
		"broadcast_group_id: " + strconv.FormatInt(cfg.BroadcastGroupID, 10),
		"bot_username: " + cfg.BotUsername,
		"validation_api_url: " + cfg.ValidationAPIURL,
		"expiry_check: " + cfg.ExpiryCheckAt + " " + cfg.ExpiryCheckTZ,
		"transport_timeout: " + cfg.TransportTimeout.String(),
		"payment_currency: " + cfg.PaymentCurrency,
		"admin_email: " + cfg.AdminEmail,
	}

	return strings.Join(lines, "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "redacted"
	}
	return value[:4] + "...redacted"
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	parsed.User = nil

	return parsed.String()
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
