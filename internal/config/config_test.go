package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DB_ADAPTER", "SQLITE_FILE", "JWT_ALGORITHM", "JWT_EXPIRATION_DAYS",
		"BCRYPT_COST", "HASH_CONCURRENCY", "AUTH_RATE_LIMIT_PER_MINUTE",
		"CORS_ALLOWED_ORIGINS", "DATABASE_URL", "POSTGRES_DSN",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestNew_Defaults(t *testing.T) {
	setBaseEnv(t)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "8000", c.Port)
	assert.Equal(t, "sqlite", c.DBAdapter)
	assert.Equal(t, "HS256", c.JwtAlgorithm)
	assert.Equal(t, 7, c.JwtExpirationDays)
	assert.Equal(t, 7*24*time.Hour, c.TokenTTL())
	assert.Equal(t, 10, c.BcryptCost)
	assert.Positive(t, c.HashConcurrency)
	assert.Contains(t, c.AllowedOrigins, "http://localhost:3000")
}

func TestNew_MissingSecretIsFatal(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JWT_SECRET", "")

	c, err := New()
	require.ErrorIs(t, err, ErrMissingSecret)
	assert.Nil(t, c)

	t.Setenv("JWT_SECRET", "   ")
	_, err = New()
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestNew_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JWT_ALGORITHM", "hs512")
	t.Setenv("JWT_EXPIRATION_DAYS", "30")
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "HS512", c.JwtAlgorithm)
	assert.Equal(t, 30*24*time.Hour, c.TokenTTL())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, c.TrustedProxies)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"algorithm", "JWT_ALGORITHM", "RS256"},
		{"none algorithm", "JWT_ALGORITHM", "none"},
		{"expiry not a number", "JWT_EXPIRATION_DAYS", "seven"},
		{"expiry zero", "JWT_EXPIRATION_DAYS", "0"},
		{"bcrypt cost", "BCRYPT_COST", "2"},
		{"hash concurrency", "HASH_CONCURRENCY", "0"},
		{"adapter", "DB_ADAPTER", "mongo"},
		{"port", "PORT", "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := New()
			require.Error(t, err)
		})
	}
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "u", PostgresDB: "todo", PostgresPassword: "p"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u dbname=todo sslmode=disable password=p", dsn)

	c = &Config{PostgresDSN: "postgres://x"}
	dsn, err = c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = (&Config{}).BuildPostgresDSN()
	require.Error(t, err)
}
