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
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const postgresBackend = "postgres"

type sessionRow struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Title     string       `gorm:"not null"`
	Provider  string       `gorm:"not null;default:''"`
	Model     string       `gorm:"not null;default:''"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null;index:idx_sessions_recency,sort:desc"`
	Messages  []messageRow `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (sessionRow) TableName() string { return "sessions" }

func (r sessionRow) toSession() Session {
	return Session{
		ID:        r.ID,
		Title:     r.Title,
		Provider:  r.Provider,
		Model:     r.Model,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type messageRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_session,priority:1"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	Provider  string    `gorm:"not null;default:''"`
	Model     string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toMessage() Message {
	return Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      Role(r.Role),
		Content:   r.Content,
		Provider:  r.Provider,
		Model:     r.Model,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type userRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username  string    `gorm:"not null"`
	Email     string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	LastLogin time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

func (r userRow) toUser() User {
	return User{
		ID:        r.ID,
		Username:  r.Username,
		Email:     r.Email,
		CreatedAt: r.CreatedAt.UTC(),
		LastLogin: r.LastLogin.UTC(),
	}
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

// PostgresStore persists sessions in Postgres through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgresStore connects, sizes the pool and migrates the schema.
func OpenPostgresStore(ctx context.Context, cfg PostgresConfig, log *slog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, wrapErr(postgresBackend, "open", errors.New("dsn is required"))
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = time.Second
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), logger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		}),
		NowFunc: now,
	})
	if err != nil {
		return nil, wrapErr(postgresBackend, "open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrapErr(postgresBackend, "open", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.WithContext(ctx).AutoMigrate(&sessionRow{}, &messageRow{}, &userRow{}); err != nil {
		sqlDB.Close()
		return nil, wrapErr(postgresBackend, "migrate", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	var (
		row     sessionRow
		created bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s := newSession(id, defaults, now())
		fresh := sessionRow{
			ID:        s.ID,
			Title:     s.Title,
			Provider:  s.Provider,
			Model:     s.Model,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return tx.First(&row, "id = ?", id).Error
	})
	if err != nil {
		return Session{}, false, wrapErr(postgresBackend, "get or create session", err)
	}
	return row.toSession(), created, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	if defaults.Title == "" {
		defaults.Title = DefaultNewTitle
	}
	s, _, err := p.GetOrCreateSession(ctx, uuid.New(), defaults)
	return s, err
}

func (p *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var row sessionRow
	err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, wrapErr(postgresBackend, "get session", err)
	}
	return row.toSession(), nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	var row messageRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		res := tx.Model(&sessionRow{}).Where("id = ?", msg.SessionID).UpdateColumn("updated_at", ts)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUnknownSession
		}
		row = messageRow{
			SessionID: msg.SessionID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Provider:  msg.Provider,
			Model:     msg.Model,
			CreatedAt: ts,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Message{}, wrapErr(postgresBackend, "append message", err)
	}
	return row.toMessage(), nil
}

func (p *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	var rows []sessionRow
	err := p.db.WithContext(ctx).Order("updated_at DESC").Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapErr(postgresBackend, "list sessions", err)
	}
	sessions := make([]Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, r.toSession())
	}
	sortByRecency(sessions)
	return sessions, nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	var rows []messageRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrUnknownSession
		}
		return tx.Where("session_id = ?", sessionID).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, wrapErr(postgresBackend, "list messages", err)
	}
	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, r.toMessage())
	}
	return messages, nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res := p.db.WithContext(ctx).Delete(&sessionRow{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr(postgresBackend, "delete session", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownSession
	}
	return nil
}

func (p *PostgresStore) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	normalized, username, err := normalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}

	var (
		row     userRow
		created bool
	)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		fresh := userRow{ID: uuid.New(), Username: username, Email: normalized, CreatedAt: ts, LastLogin: ts}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		if !created {
			if err := tx.Model(&userRow{}).Where("email = ?", normalized).UpdateColumn("last_login", ts).Error; err != nil {
				return err
			}
		}
		return tx.First(&row, "email = ?", normalized).Error
	})
	if err != nil {
		return User{}, false, wrapErr(postgresBackend, "login", err)
	}
	return row.toUser(), created, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return wrapErr(postgresBackend, "ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapErr(postgresBackend, "ping", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*PostgresStore)(nil)
