// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

const (
	sqliteBackend = "sqlite"

	// sqliteTimeLayout is fixed width so that lexical order is time order.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// SQLiteStore persists sessions in a single SQLite file using the pure-Go
// modernc driver. The schema is applied with golang-migrate on open.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, wrapErr(sqliteBackend, "open", errors.New("path is required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, wrapErr(sqliteBackend, "open", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr(sqliteBackend, "open", err)
	}
	// One connection serializes writers inside the process; busy_timeout
	// covers other processes sharing the file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr(sqliteBackend, "open", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, wrapErr(sqliteBackend, "migrate", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "chatgw", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close would close db, which the store still owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                Session
		id               string
		created, updated string
	)
	if err := row.Scan(&id, &s.Title, &s.Provider, &s.Model, &created, &updated); err != nil {
		return Session{}, err
	}
	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return Session{}, fmt.Errorf("corrupt session id %q: %w", id, err)
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return Session{}, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return Session{}, err
	}
	return s, nil
}

const selectSession = `SELECT id, title, provider, model, created_at, updated_at FROM sessions`

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, false, wrapErr(sqliteBackend, "get or create session", err)
	}
	defer tx.Rollback()

	fresh := newSession(id, defaults, now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, provider, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id.String(), fresh.Title, fresh.Provider, fresh.Model,
		formatTime(fresh.CreatedAt), formatTime(fresh.UpdatedAt))
	if err != nil {
		return Session{}, false, wrapErr(sqliteBackend, "get or create session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, wrapErr(sqliteBackend, "get or create session", err)
	}

	session, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id.String()))
	if err != nil {
		return Session{}, false, wrapErr(sqliteBackend, "get or create session", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, false, wrapErr(sqliteBackend, "get or create session", err)
	}
	return session, affected == 1, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	if defaults.Title == "" {
		defaults.Title = DefaultNewTitle
	}
	session, _, err := s.GetOrCreateSession(ctx, uuid.New(), defaults)
	return session, err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, wrapErr(sqliteBackend, "get session", err)
	}
	return session, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(ts), msg.SessionID.String())
	if err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	} else if n == 0 {
		return Message{}, ErrUnknownSession
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, provider, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID.String(), string(msg.Role), msg.Content, msg.Provider, msg.Model, formatTime(ts))
	if err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, wrapErr(sqliteBackend, "append message", err)
	}

	return Message{
		ID:        id,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Provider:  msg.Provider,
		Model:     msg.Model,
		CreatedAt: ts,
	}, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` ORDER BY updated_at DESC, created_at DESC`)
	if err != nil {
		return nil, wrapErr(sqliteBackend, "list sessions", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr(sqliteBackend, "list sessions", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(sqliteBackend, "list sessions", err)
	}
	// Same-microsecond ties fall back to id order, as in every backend.
	sortByRecency(sessions)
	return sessions, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr(sqliteBackend, "list messages", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, wrapErr(sqliteBackend, "list messages", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, content, provider, model, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID.String())
	if err != nil {
		return nil, wrapErr(sqliteBackend, "list messages", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m       Message
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Provider, &m.Model, &created); err != nil {
			return nil, wrapErr(sqliteBackend, "list messages", err)
		}
		m.SessionID = sessionID
		m.Role = Role(role)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, wrapErr(sqliteBackend, "list messages", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(sqliteBackend, "list messages", err)
	}
	return messages, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	// Messages go with the session through ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return wrapErr(sqliteBackend, "delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(sqliteBackend, "delete session", err)
	}
	if n == 0 {
		return ErrUnknownSession
	}
	return nil
}

func (s *SQLiteStore) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	normalized, username, err := normalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, false, wrapErr(sqliteBackend, "login", err)
	}
	defer tx.Rollback()

	var (
		u         User
		id        string
		createdAt string
		lastLogin string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, username, email, created_at, last_login FROM users WHERE email = ?`, normalized).
		Scan(&id, &u.Username, &u.Email, &createdAt, &lastLogin)

	ts := now()
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// _txlock=immediate holds the write lock from BEGIN, so no other
		// writer can register the same email between the read and here.
		u = User{ID: uuid.New(), Username: username, Email: normalized, CreatedAt: ts, LastLogin: ts}
		created = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (id, username, email, created_at, last_login) VALUES (?, ?, ?, ?, ?)`,
			u.ID.String(), u.Username, u.Email, formatTime(ts), formatTime(ts))
	case err == nil:
		if u.ID, err = uuid.Parse(id); err != nil {
			return User{}, false, wrapErr(sqliteBackend, "login", err)
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return User{}, false, wrapErr(sqliteBackend, "login", err)
		}
		u.LastLogin = ts
		_, err = tx.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE email = ?`, formatTime(ts), normalized)
	}
	if err != nil {
		return User{}, false, wrapErr(sqliteBackend, "login", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, false, wrapErr(sqliteBackend, "login", err)
	}
	return u, created, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr(sqliteBackend, "ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
