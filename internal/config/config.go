package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr      string
	AppEnv    string
	JWTSecret string
	JWTTTLMin int

	DBDriver    string
	SQLITEDsn   string
	PostgresDsn string

	// Redis backs the chat pair cache. An empty address disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChatCacheTTL  time.Duration

	PresenceFanout string
	EditWindow     time.Duration
	AllowedOrigins []string
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func MustLoad() Config {
	cfg := Config{
		Addr:           getenv("HTTP_ADDR", ":8080"),
		AppEnv:         getenv("APP_ENV", "development"),
		JWTSecret:      getenv("JWT_SECRET", ""),
		JWTTTLMin:      getint("JWT_TTL_MIN", 1440),
		DBDriver:       getenv("DB_DRIVER", "sqlite"),
		SQLITEDsn:      getenv("SQLITE_DSN", "file:dmcore.db"),
		PostgresDsn:    getenv("POSTGRES_DSN", ""),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getint("REDIS_DB", 0),
		ChatCacheTTL:   time.Duration(getint("CHAT_CACHE_TTL_SEC", 600)) * time.Second,
		PresenceFanout: getenv("PRESENCE_FANOUT", "contacts"),
		EditWindow:     time.Duration(getint("EDIT_WINDOW_HOURS", 48)) * time.Hour,
		AllowedOrigins: splitList(getenv("ALLOWED_ORIGINS", "")),
	}
	return cfg
}

// DSN returns the connection string of the selected driver.
func (c Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.PostgresDsn
	}
	return c.SQLITEDsn
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.JWTTTLMin <= 0 {
		errs = append(errs, fmt.Errorf("JWT_TTL_MIN must be positive, got %d", c.JWTTTLMin))
	}
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDsn == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when DB_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	switch c.PresenceFanout {
	case "contacts", "all":
	default:
		errs = append(errs, fmt.Errorf("PRESENCE_FANOUT must be contacts or all, got %q", c.PresenceFanout))
	}
	if c.EditWindow <= 0 {
		errs = append(errs, errors.New("EDIT_WINDOW_HOURS must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
