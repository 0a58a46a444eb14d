package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/todoapi/internal/config"
	"github.com/example/todoapi/internal/migrations"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

const version = "1.0.0"

type App struct {
	DB             DB
	Tokens         *TokenIssuer
	Passwords      *PasswordHasher
	Log            *slog.Logger
	AllowedOrigins []string
	rateLimiter    *RateLimiter
	trustedProxies []netip.Prefix
}

// NewApp wires the auth components from c around db.
func NewApp(c *cfg.Config, db DB, log *slog.Logger) (*App, error) {
	tokens, err := NewTokenIssuerFromConfig(c)
	if err != nil {
		return nil, err
	}
	proxies, err := parseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil, err
	}
	app := &App{
		DB:             db,
		Tokens:         tokens,
		Passwords:      NewPasswordHasher(c.BcryptCost, c.HashConcurrency),
		Log:            log,
		AllowedOrigins: c.AllowedOrigins,
		trustedProxies: proxies,
	}
	if c.AuthRateLimitPerMinute > 0 {
		app.rateLimiter = NewRateLimiter(c.AuthRateLimitPerMinute)
	}
	return app, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "err", err)
	}
}

func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Welcome to Todo API",
			"version": version,
			"status":  "running",
		})
	}).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": version, "service": "todo-api"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/signup", a.RateLimit(http.HandlerFunc(a.HandleSignup))).Methods("POST")
	auth.Handle("/register", a.RateLimit(http.HandlerFunc(a.HandleSignup))).Methods("POST")
	auth.Handle("/login", a.RateLimit(http.HandlerFunc(a.HandleLogin))).Methods("POST")
	auth.Handle("/me", a.RequireAuth(http.HandlerFunc(a.HandleMe))).Methods("GET")

	tasks := r.PathPrefix("/api/{user_id}/tasks").Subrouter()
	tasks.Use(a.RequireAuth)
	tasks.Use(a.RequireOwner)
	tasks.HandleFunc("", a.HandleListTasks).Methods("GET")
	tasks.HandleFunc("", a.HandleCreateTask).Methods("POST")
	tasks.HandleFunc("/{task_id}", a.HandleGetTask).Methods("GET")
	tasks.HandleFunc("/{task_id}", a.HandleUpdateTask).Methods("PUT")
	tasks.HandleFunc("/{task_id}", a.HandleDeleteTask).Methods("DELETE")
	tasks.HandleFunc("/{task_id}/complete", a.HandleToggleTask).Methods("PATCH")

	// preflight; answered by the CORS middleware
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return r
}

func openDB(c *cfg.Config, log *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations")
		from, to, err := migrations.Apply(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("migrations applied", "from", from, "to", to)
		return NewPostgresDB(c.PostgresDSN)
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	}
	return nil, errors.New("unsupported DB_ADAPTER: " + c.DBAdapter)
}

func main() {
	bootLog := newLogger(os.Stderr, "info", "json")
	c, err := cfg.New()
	if err != nil {
		bootLog.Error("config", "err", err)
		os.Exit(1)
	}
	log := newLogger(os.Stdout, c.LogLevel, c.LogFormat)
	slog.SetDefault(log)

	db, err := openDB(c, log)
	if err != nil {
		log.Error("database init", "adapter", c.DBAdapter, "err", err)
		os.Exit(1)
	}

	app, err := NewApp(c, db, log)
	if err != nil {
		log.Error("auth init", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Info("starting server", "port", c.Port, "adapter", c.DBAdapter, "jwt_algorithm", c.JwtAlgorithm)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	log.Info("server exited properly")
}
