package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Бэкенды хранилища документов.
const (
	DocstoreMemory    = "memory"
	DocstorePostgres  = "postgres"
	DocstoreMongo     = "mongo"
	DocstoreFirestore = "firestore"
)

// Бэкенды хранилища сессий.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	Env       string // dev|prod
	SentryDSN string
	Location  *time.Location

	Docstore             string
	DocstoreURL          string // DSN postgres или URI mongo
	MongoDB              string
	FirestoreProject     string
	FirestoreCredentials string // путь к json сервисного аккаунта
	UsersCollection      string
	StoreTimeout         time.Duration

	SessionStore  string
	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration
	SessionCookie string
	CookieSecure  bool

	// пустой: журнал синхронизации выключен
	JournalDatabaseURL   string
	JournalFlushInterval time.Duration

	IdentitySecret    string
	IdentityPublicKey string // PEM
	IdentityIssuer    string
}

func Load() (*Config, error) {
	tz := getenv("TZ", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	cfg := &Config{
		HTTPAddr:  getenv("HTTP_ADDR", ":8080"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		Env:       getenv("ENV", "dev"),
		SentryDSN: os.Getenv("SENTRY_DSN"),
		Location:  loc,

		Docstore:             strings.ToLower(getenv("DOCSTORE", DocstoreMemory)),
		DocstoreURL:          os.Getenv("DOCSTORE_URL"),
		MongoDB:              getenv("MONGO_DB", "healthed"),
		FirestoreProject:     os.Getenv("FIRESTORE_PROJECT"),
		FirestoreCredentials: os.Getenv("FIRESTORE_CREDENTIALS"),
		UsersCollection:      getenv("USERS_COLLECTION", "users"),

		SessionStore:  strings.ToLower(getenv("SESSION_STORE", SessionMemory)),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SessionCookie: getenv("SESSION_COOKIE", "healthed_session"),

		JournalDatabaseURL: os.Getenv("JOURNAL_DATABASE_URL"),

		IdentitySecret:    os.Getenv("IDENTITY_JWT_SECRET"),
		IdentityPublicKey: os.Getenv("IDENTITY_JWT_PUBLIC_KEY"),
		IdentityIssuer:    os.Getenv("IDENTITY_ISSUER"),
	}

	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.JournalFlushInterval, err = getDuration("JOURNAL_FLUSH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CookieSecure, err = getBool("COOKIE_SECURE", false); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Docstore {
	case DocstoreMemory:
	case DocstorePostgres, DocstoreMongo:
		if c.DocstoreURL == "" {
			return fmt.Errorf("DOCSTORE_URL: required for DOCSTORE=%s", c.Docstore)
		}
	case DocstoreFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT: required for DOCSTORE=firestore")
		}
	default:
		return fmt.Errorf("DOCSTORE: unknown backend %q", c.Docstore)
	}
	switch c.SessionStore {
	case SessionMemory, SessionRedis:
	default:
		return fmt.Errorf("SESSION_STORE: unknown backend %q", c.SessionStore)
	}
	if c.IdentitySecret == "" && c.IdentityPublicKey == "" {
		return fmt.Errorf("IDENTITY_JWT_SECRET: either it or IDENTITY_JWT_PUBLIC_KEY must be set")
	}
	return nil
}

// JournalEnabled: включён ли локальный журнал синхронизации.
func (c *Config) JournalEnabled() bool { return c.JournalDatabaseURL != "" }

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", k, v)
	}
	return d, nil
}

func getBool(k string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
