package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "text").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")

	buf.Reset()
	l := newLogger(&buf, "warn", "json")
	l.Info("dropped")
	assert.Empty(t, buf.String())
	l.Warn("kept", "k", "v")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

func TestLoggingMiddleware_RecordsStatusAndUser(t *testing.T) {
	app, logs := newTestApp(t)
	tok, err := app.Tokens.Issue("u1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/u1/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	app.Router().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "request" {
			found = true
			assert.Equal(t, "/api/u1/tasks", rec["path"])
			assert.EqualValues(t, 200, rec["status"])
			assert.Equal(t, "u1", rec["user_id"])
		}
	}
	assert.True(t, found)
	assert.NotContains(t, logs.String(), tok)
}
