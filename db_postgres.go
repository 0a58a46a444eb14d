package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(20)
	d.SetMaxIdleConns(10)
	d.SetConnMaxIdleTime(5 * time.Minute)
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func (p *PostgresDB) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	u := &User{ID: newUserID(), Email: normalizeEmail(email), Name: name, PasswordHash: passwordHash}
	err := p.db.QueryRowContext(ctx, `INSERT INTO users(id,email,name,password,created_at) VALUES($1,$2,$3,$4,now()) RETURNING created_at`,
		u.ID, u.Email, u.Name, u.PasswordHash).Scan(&u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `SELECT id,email,name,password,created_at FROM users WHERE email = $1`, normalizeEmail(email)))
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `SELECT id,email,name,password,created_at FROM users WHERE id = $1`, id))
}

const pgTaskColumns = `id,user_id,title,description,completed,created_at,updated_at`

func scanPostgresTask(r rowScanner) (*Task, error) {
	var t Task
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (p *PostgresDB) ListTasks(ctx context.Context, userID string, status TaskStatus) ([]*Task, error) {
	q := `SELECT ` + pgTaskColumns + ` FROM tasks WHERE user_id = $1`
	switch status {
	case TaskStatusCompleted:
		q += ` AND completed = true`
	case TaskStatusPending:
		q += ` AND completed = false`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []*Task{}
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *PostgresDB) CreateTask(ctx context.Context, userID, title, description string) (*Task, error) {
	return scanPostgresTask(p.db.QueryRowContext(ctx,
		`INSERT INTO tasks(user_id,title,description,completed,created_at,updated_at) VALUES($1,$2,$3,false,now(),now()) RETURNING `+pgTaskColumns,
		userID, title, description))
}

func (p *PostgresDB) GetTask(ctx context.Context, userID string, taskID int64) (*Task, error) {
	return scanPostgresTask(p.db.QueryRowContext(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID))
}

func (p *PostgresDB) UpdateTask(ctx context.Context, userID string, taskID int64, u TaskUpdate) (*Task, error) {
	return scanPostgresTask(p.db.QueryRowContext(ctx,
		`UPDATE tasks SET title = COALESCE($3, title), description = COALESCE($4, description), completed = COALESCE($5, completed), updated_at = now() WHERE id = $1 AND user_id = $2 RETURNING `+pgTaskColumns,
		taskID, userID, optional(u.Title), optional(u.Description), optional(u.Completed)))
}

func (p *PostgresDB) ToggleTask(ctx context.Context, userID string, taskID int64) (*Task, error) {
	return scanPostgresTask(p.db.QueryRowContext(ctx,
		`UPDATE tasks SET completed = NOT completed, updated_at = now() WHERE id = $1 AND user_id = $2 RETURNING `+pgTaskColumns,
		taskID, userID))
}

func (p *PostgresDB) DeleteTask(ctx context.Context, userID string, taskID int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
