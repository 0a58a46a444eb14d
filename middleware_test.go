package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOwner(t *testing.T) {
	ids := []string{"u1", "u2", "U1", "0b5f3c1e-6a7d-4c1f-9a55-1f0e2d3c4b5a", "42"}
	for _, a := range ids {
		for _, b := range ids {
			err := checkOwner(a, b)
			if a == b {
				assert.NoError(t, err, "%s vs %s", a, b)
			} else {
				assert.ErrorIs(t, err, ErrForbidden, "%s vs %s", a, b)
			}
		}
	}
	assert.ErrorIs(t, checkOwner("", ""), ErrForbidden)
	assert.ErrorIs(t, checkOwner("u1", "u1 "), ErrForbidden)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Token abc", "", false},
		{"Bearer a b", "", false},
		{"Bearer    abc", "", false},
		{"Bearer \tabc", "", false},
		{"Bearer abc ", "", false},
		{"abc.def.ghi", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := bearerToken(r)
		if tt.ok {
			require.NoError(t, err, "header %q", tt.header)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, "header %q", tt.header)
		}
	}
}

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	id, _ := userIDFromContext(r.Context())
	w.Write([]byte(id))
}

func TestRequireAuth(t *testing.T) {
	app, logs := newTestApp(t)
	h := app.RequireAuth(http.HandlerFunc(echoIdentity))

	tok, err := app.Tokens.Issue("u1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/u1/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	// identity never comes from the query or body
	r = httptest.NewRequest(http.MethodGet, "/api/u1/tasks?user_id=u1", bytes.NewBufferString(`{"user_id":"u1"}`))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Code)
	assert.Equal(t, msgUnauthenticated, body.Message)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Contains(t, logs.String(), `"reason":"missing_or_malformed"`)
}

func TestRequireAuth_ExpiredAndInvalidLookTheSame(t *testing.T) {
	app, logs := newTestApp(t)
	h := app.RequireAuth(http.HandlerFunc(echoIdentity))

	app.Tokens.now = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	expired, err := app.Tokens.Issue("u1")
	require.NoError(t, err)
	app.Tokens.now = time.Now

	var bodies []string
	for _, tok := range []string{expired, "garbage"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		bodies = append(bodies, w.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Contains(t, logs.String(), `"reason":"expired"`)
	assert.Contains(t, logs.String(), `"reason":"invalid"`)
	assert.NotContains(t, logs.String(), expired)
}

func TestRequireOwner(t *testing.T) {
	app, _ := newTestApp(t)
	reached := false
	r := mux.NewRouter()
	s := r.PathPrefix("/api/{user_id}").Subrouter()
	s.Use(app.RequireAuth)
	s.Use(app.RequireOwner)
	s.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) { reached = true })

	tok, err := app.Tokens.Issue("u1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/u2/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, reached)

	var body APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "FORBIDDEN", body.Code)
	assert.Equal(t, msgForbidden, body.Message)

	req = httptest.NewRequest(http.MethodGet, "/api/u1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reached)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_EvictsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	for i := 0; i < 100; i++ {
		rl.Allow(fmt.Sprintf("2001:db8::%x", i))
	}
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
	assert.Equal(t, 101, rl.Len())

	now = now.Add(30 * time.Second)
	rl.Allow("10.0.0.1")
	assert.Equal(t, 101, rl.Len(), "no sweep before a full window")

	now = now.Add(45 * time.Second)
	rl.Allow("10.0.0.2")
	assert.Equal(t, 2, rl.Len(), "idle keys are dropped, recent ones kept")

	// the surviving bucket still carries its history
	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestClientIP(t *testing.T) {
	trusted, err := parseTrustedProxies([]string{"10.0.0.0/8", "::1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		xff     []string
		trusted bool
		want    string
	}{
		{"direct peer", "203.0.113.7:5000", nil, true, "203.0.113.7"},
		{"untrusted peer ignores header", "203.0.113.7:5000", []string{"198.51.100.1"}, true, "203.0.113.7"},
		{"no proxies configured", "10.0.0.5:5000", []string{"198.51.100.1"}, false, "10.0.0.5"},
		{"trusted proxy", "10.0.0.5:5000", []string{"198.51.100.1"}, true, "198.51.100.1"},
		{"spoofed left hop ignored", "10.0.0.5:5000", []string{"1.2.3.4, 198.51.100.1, 10.0.0.9"}, true, "198.51.100.1"},
		{"multiple headers", "[::1]:5000", []string{"1.2.3.4", "198.51.100.2"}, true, "198.51.100.2"},
		{"only proxies", "10.0.0.5:5000", []string{"10.1.1.1"}, true, "10.0.0.5"},
		{"no port", "203.0.113.9", nil, true, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			var p []netip.Prefix
			if tt.trusted {
				p = trusted
			}
			assert.Equal(t, tt.want, clientIP(r, p))
		})
	}

	_, err = parseTrustedProxies([]string{"not-an-ip"})
	require.Error(t, err)
}

func TestCORS(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Router()

	r := httptest.NewRequest(http.MethodOptions, "/api/u1/tasks", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
