package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/todoapi/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// bcrypt ignores everything past 72 bytes; reject instead of truncating.
const maxPasswordBytes = 72

// PasswordHasher hashes and verifies passwords with bcrypt. Concurrent hashing
// is bounded so a burst of logins cannot occupy every CPU.
type PasswordHasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

func NewPasswordHasher(cost, concurrency int) *PasswordHasher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PasswordHasher{cost: cost, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (h *PasswordHasher) Hash(ctx context.Context, p string) (string, error) {
	if p == "" || len(p) > maxPasswordBytes {
		return "", ErrInvalidPassword
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	b, err := bcrypt.GenerateFromPassword([]byte(p), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether p matches hash. Malformed hashes and cancelled
// contexts yield false.
func (h *PasswordHasher) Verify(ctx context.Context, p, hash string) bool {
	if p == "" || len(p) > maxPasswordBytes || hash == "" {
		return false
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

// VerifyMissing spends the same work as Verify for a login whose email does
// not exist, so response timing does not reveal registered addresses.
func (h *PasswordHasher) VerifyMissing(ctx context.Context, p string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), h.cost)
	})
	_ = h.Verify(ctx, p, string(h.dummy))
}

// TokenIssuer mints and verifies HMAC-signed access tokens. It is immutable
// after construction and safe for concurrent use.
type TokenIssuer struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret, algorithm string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, config.ErrMissingSecret
	}
	var method jwt.SigningMethod
	switch algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &TokenIssuer{secret: []byte(secret), method: method, ttl: ttl, now: time.Now}, nil
}

func NewTokenIssuerFromConfig(c *config.Config) (*TokenIssuer, error) {
	return NewTokenIssuer(c.JwtSecret, c.JwtAlgorithm, c.TokenTTL())
}

// Issue returns a signed token whose subject is userID.
func (ti *TokenIssuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("issue token: empty subject")
	}
	now := ti.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}
	return jwt.NewWithClaims(ti.method, claims).SignedString(ti.secret)
}

// Verify checks the signature and expiry of token and returns its subject.
// It returns ErrExpiredToken for an otherwise valid token past its expiry and
// ErrInvalidToken for everything else.
func (ti *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{ti.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
