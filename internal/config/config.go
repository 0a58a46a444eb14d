package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ErrMissingSecret is returned when JWT_SECRET is unset. The server must not
// start without it.
var ErrMissingSecret = errors.New("JWT_SECRET must be set")

var supportedAlgorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	LogFormat  string

	JwtSecret         string
	JwtAlgorithm      string
	JwtExpirationDays int
	BcryptCost        int
	HashConcurrency   int

	AuthRateLimitPerMinute int
	AllowedOrigins         []string
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed when
	// keying the auth rate limit.
	TrustedProxies []string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

// TokenTTL is the lifetime of every issued access token.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JwtExpirationDays) * 24 * time.Hour
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or DATABASE_URL must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New reads the process configuration from the environment and validates it.
func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8000"),
		DBAdapter:  getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/todo.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFormat:  getenv("LOG_FORMAT", "json"),

		JwtSecret:    os.Getenv("JWT_SECRET"),
		JwtAlgorithm: strings.ToUpper(getenv("JWT_ALGORITHM", "HS256")),

		AllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS",
			"http://localhost:3000,http://localhost:3001,http://127.0.0.1:3000,http://127.0.0.1:3001")),

		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),

		PostgresDSN:      getenv("DATABASE_URL", getenv("POSTGRES_DSN", "")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "todo")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "todo")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	if strings.TrimSpace(c.JwtSecret) == "" {
		return nil, ErrMissingSecret
	}
	if !supportedAlgorithms[c.JwtAlgorithm] {
		return nil, fmt.Errorf("unsupported JWT_ALGORITHM: %s (supported: HS256, HS384, HS512)", c.JwtAlgorithm)
	}

	var err error
	if c.JwtExpirationDays, err = getenvInt("JWT_EXPIRATION_DAYS", 7); err != nil {
		return nil, err
	}
	if c.JwtExpirationDays <= 0 {
		return nil, fmt.Errorf("JWT_EXPIRATION_DAYS must be positive, got %d", c.JwtExpirationDays)
	}
	if c.BcryptCost, err = getenvInt("BCRYPT_COST", 10); err != nil {
		return nil, err
	}
	// bcrypt.MinCost..bcrypt.MaxCost
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return nil, fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}
	if c.HashConcurrency, err = getenvInt("HASH_CONCURRENCY", runtime.NumCPU()); err != nil {
		return nil, err
	}
	if c.HashConcurrency <= 0 {
		return nil, fmt.Errorf("HASH_CONCURRENCY must be positive, got %d", c.HashConcurrency)
	}
	if c.AuthRateLimitPerMinute, err = getenvInt("AUTH_RATE_LIMIT_PER_MINUTE", 20); err != nil {
		return nil, err
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
