package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DB interface for database operations. Task methods are always scoped by the
// owning user ID; a task owned by someone else is reported as ErrNotFound.
type DB interface {
	Init() error
	// User operations
	CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	// Task operations
	ListTasks(ctx context.Context, userID string, status TaskStatus) ([]*Task, error)
	CreateTask(ctx context.Context, userID, title, description string) (*Task, error)
	GetTask(ctx context.Context, userID string, taskID int64) (*Task, error)
	UpdateTask(ctx context.Context, userID string, taskID int64, u TaskUpdate) (*Task, error)
	ToggleTask(ctx context.Context, userID string, taskID int64) (*Task, error)
	DeleteTask(ctx context.Context, userID string, taskID int64) error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newUserID() string {
	return uuid.NewString()
}

// optional turns a nil pointer into a SQL NULL.
func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Memory DB
type MemDB struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
	tasks   map[int64]*Task
	seq     int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{users: map[string]*User{}, byEmail: map[string]string{}, tasks: map[int64]*Task{}, seq: 1}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(_ context.Context, email, name, passwordHash string) (*User, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrUserExists
	}
	u := &User{ID: newUserID(), Email: email, Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	cp := *u
	return &cp, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemDB) ListTasks(_ context.Context, userID string, status TaskStatus) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Task{}
	for _, t := range m.tasks {
		if t.UserID != userID {
			continue
		}
		if status == TaskStatusCompleted && !t.Completed || status == TaskStatusPending && t.Completed {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemDB) CreateTask(_ context.Context, userID, title, description string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t := &Task{ID: m.seq, UserID: userID, Title: title, Description: description, CreatedAt: now, UpdatedAt: now}
	m.seq++
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

// owned must be called with m.mu held.
func (m *MemDB) owned(userID string, taskID int64) (*Task, error) {
	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *MemDB) GetTask(_ context.Context, userID string, taskID int64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.owned(userID, taskID)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (m *MemDB) UpdateTask(_ context.Context, userID string, taskID int64, u TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.owned(userID, taskID)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Completed != nil {
		t.Completed = *u.Completed
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (m *MemDB) ToggleTask(_ context.Context, userID string, taskID int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.owned(userID, taskID)
	if err != nil {
		return nil, err
	}
	t.Completed = !t.Completed
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (m *MemDB) DeleteTask(_ context.Context, userID string, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.owned(userID, taskID); err != nil {
		return err
	}
	delete(m.tasks, taskID)
	return nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

// fixed width so created_at sorts lexicographically
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; avoids SQLITE_BUSY under concurrent requests
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT NOT NULL UNIQUE, name TEXT NOT NULL DEFAULT '', password TEXT NOT NULL, created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, title TEXT NOT NULL, description TEXT NOT NULL DEFAULT '', completed INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	u := &User{ID: newUserID(), Email: normalizeEmail(email), Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id,email,name,password,created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt.Format(sqliteTime))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLiteDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if u.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id,email,name,password,created_at FROM users WHERE email = ?`, normalizeEmail(email)))
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT id,email,name,password,created_at FROM users WHERE id = ?`, id))
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sqlite timestamp %q: %w", s, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(r rowScanner) (*Task, error) {
	var t Task
	var completed int
	var created, updated string
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &completed, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Completed = completed != 0
	var err error
	if t.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteTaskColumns = `id,user_id,title,description,completed,created_at,updated_at`

func (s *SQLiteDB) ListTasks(ctx context.Context, userID string, status TaskStatus) ([]*Task, error) {
	q := `SELECT ` + sqliteTaskColumns + ` FROM tasks WHERE user_id = ?`
	switch status {
	case TaskStatusCompleted:
		q += ` AND completed = 1`
	case TaskStatusPending:
		q += ` AND completed = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []*Task{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteDB) CreateTask(ctx context.Context, userID, title, description string) (*Task, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks(user_id,title,description,completed,created_at,updated_at) VALUES(?,?,?,0,?,?)`,
		userID, title, description, now.Format(sqliteTime), now.Format(sqliteTime))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &Task{ID: id, UserID: userID, Title: title, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteDB) GetTask(ctx context.Context, userID string, taskID int64) (*Task, error) {
	return scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID))
}

func (s *SQLiteDB) execOwned(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteDB) UpdateTask(ctx context.Context, userID string, taskID int64, u TaskUpdate) (*Task, error) {
	err := s.execOwned(ctx, `UPDATE tasks SET title = COALESCE(?, title), description = COALESCE(?, description), completed = COALESCE(?, completed), updated_at = ? WHERE id = ? AND user_id = ?`,
		optional(u.Title), optional(u.Description), optional(u.Completed), time.Now().UTC().Format(sqliteTime), taskID, userID)
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, userID, taskID)
}

func (s *SQLiteDB) ToggleTask(ctx context.Context, userID string, taskID int64) (*Task, error) {
	err := s.execOwned(ctx, `UPDATE tasks SET completed = 1 - completed, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC().Format(sqliteTime), taskID, userID)
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, userID, taskID)
}

func (s *SQLiteDB) DeleteTask(ctx context.Context, userID string, taskID int64) error {
	return s.execOwned(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
