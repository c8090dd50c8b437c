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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisBackend = "redis"

	// redisMaxTxnRetries bounds optimistic WATCH retries.
	redisMaxTxnRetries = 32
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces every key. Defaults to "chatgw".
	Prefix string `yaml:"prefix"`
}

// RedisStore keeps sessions in Redis.
//
// Layout, with P the configured prefix:
//
//	P:session:<id>    JSON session metadata, written once with SETNX
//	P:sessions        ZSET of session ids scored by UpdatedAt in microseconds
//	P:messages:<id>   LIST of JSON messages; a message's id is its position
//	P:user:<email>    JSON user
//
// Messages are never removed individually, so list position is a stable,
// gap-free id that always matches insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisSession struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

type redisMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, wrapErr(redisBackend, "open", errors.New("addr is required"))
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrapErr(redisBackend, "open", fmt.Errorf("ping redis: %w", err))
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatgw"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id uuid.UUID) string  { return r.prefix + ":session:" + id.String() }
func (r *RedisStore) messagesKey(id uuid.UUID) string { return r.prefix + ":messages:" + id.String() }
func (r *RedisStore) userKey(email string) string     { return r.prefix + ":user:" + email }
func (r *RedisStore) recencyKey() string              { return r.prefix + ":sessions" }

func micros(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func fromMicros(score float64) time.Time {
	return time.UnixMicro(int64(score)).UTC()
}

func (rs redisSession) toSession(updated time.Time) Session {
	return Session{
		ID:        rs.ID,
		Title:     rs.Title,
		Provider:  rs.Provider,
		Model:     rs.Model,
		CreatedAt: rs.CreatedAt.UTC(),
		UpdatedAt: updated,
	}
}

// withWatch runs fn under WATCH on keys, retrying when another client
// modifies a watched key before EXEC.
func (r *RedisStore) withWatch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < redisMaxTxnRetries; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d conflicting transactions: %w", redisMaxTxnRetries, redis.TxFailedErr)
}

func (r *RedisStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	fresh := newSession(id, defaults, now())
	data, err := json.Marshal(redisSession{
		ID:        fresh.ID,
		Title:     fresh.Title,
		Provider:  fresh.Provider,
		Model:     fresh.Model,
		CreatedAt: fresh.CreatedAt,
	})
	if err != nil {
		return Session{}, false, wrapErr(redisBackend, "get or create session", err)
	}

	var setNX *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setNX = pipe.SetNX(ctx, r.sessionKey(id), data, 0)
		pipe.ZAddNX(ctx, r.recencyKey(), redis.Z{Score: micros(fresh.UpdatedAt), Member: id.String()})
		return nil
	})
	if err != nil {
		return Session{}, false, wrapErr(redisBackend, "get or create session", err)
	}
	if setNX.Val() {
		return fresh, true, nil
	}

	existing, err := r.GetSession(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (r *RedisStore) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	if defaults.Title == "" {
		defaults.Title = DefaultNewTitle
	}
	s, _, err := r.GetOrCreateSession(ctx, uuid.New(), defaults)
	return s, err
}

func (r *RedisStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var (
		get   *redis.StringCmd
		score *redis.FloatCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, r.sessionKey(id))
		score = pipe.ZScore(ctx, r.recencyKey(), id.String())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, wrapErr(redisBackend, "get session", err)
	}
	if errors.Is(get.Err(), redis.Nil) {
		return Session{}, ErrUnknownSession
	}

	var rs redisSession
	if err := json.Unmarshal([]byte(get.Val()), &rs); err != nil {
		return Session{}, wrapErr(redisBackend, "get session", err)
	}
	updated := rs.CreatedAt.UTC()
	if score.Err() == nil {
		updated = fromMicros(score.Val())
	}
	return rs.toSession(updated), nil
}

func (r *RedisStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	var stored Message
	sessionKey := r.sessionKey(msg.SessionID)
	err := r.withWatch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sessionKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUnknownSession
		}

		ts := now()
		data, err := json.Marshal(redisMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			Provider:  msg.Provider,
			Model:     msg.Model,
			CreatedAt: ts,
		})
		if err != nil {
			return err
		}

		var push *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			push = pipe.RPush(ctx, r.messagesKey(msg.SessionID), data)
			pipe.ZAdd(ctx, r.recencyKey(), redis.Z{Score: micros(ts), Member: msg.SessionID.String()})
			return nil
		})
		if err != nil {
			return err
		}
		stored = Message{
			ID:        push.Val(),
			SessionID: msg.SessionID,
			Role:      msg.Role,
			Content:   msg.Content,
			Provider:  msg.Provider,
			Model:     msg.Model,
			CreatedAt: ts,
		}
		return nil
	}, sessionKey)
	if err != nil {
		return Message{}, wrapErr(redisBackend, "append message", err)
	}
	return stored, nil
}

func (r *RedisStore) ListSessions(ctx context.Context) ([]Session, error) {
	scored, err := r.client.ZRevRangeWithScores(ctx, r.recencyKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapErr(redisBackend, "list sessions", err)
	}
	sessions := []Session{}
	if len(scored) == 0 {
		return sessions, nil
	}

	keys := make([]string, 0, len(scored))
	for _, z := range scored {
		id, err := uuid.Parse(fmt.Sprint(z.Member))
		if err != nil {
			return nil, wrapErr(redisBackend, "list sessions", err)
		}
		keys = append(keys, r.sessionKey(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr(redisBackend, "list sessions", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between ZRANGE and MGET.
			continue
		}
		var rs redisSession
		if err := json.Unmarshal([]byte(raw), &rs); err != nil {
			return nil, wrapErr(redisBackend, "list sessions", err)
		}
		sessions = append(sessions, rs.toSession(fromMicros(scored[i].Score)))
	}
	sortByRecency(sessions)
	return sessions, nil
}

func (r *RedisStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	var (
		exists *redis.IntCmd
		items  *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, r.sessionKey(sessionID))
		items = pipe.LRange(ctx, r.messagesKey(sessionID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, wrapErr(redisBackend, "list messages", err)
	}
	if exists.Val() == 0 {
		return nil, ErrUnknownSession
	}

	messages := make([]Message, 0, len(items.Val()))
	for i, raw := range items.Val() {
		var rm redisMessage
		if err := json.Unmarshal([]byte(raw), &rm); err != nil {
			return nil, wrapErr(redisBackend, "list messages", err)
		}
		messages = append(messages, Message{
			ID:        int64(i + 1),
			SessionID: sessionID,
			Role:      rm.Role,
			Content:   rm.Content,
			Provider:  rm.Provider,
			Model:     rm.Model,
			CreatedAt: rm.CreatedAt.UTC(),
		})
	}
	return messages, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.sessionKey(id))
		pipe.Del(ctx, r.messagesKey(id))
		pipe.ZRem(ctx, r.recencyKey(), id.String())
		return nil
	})
	if err != nil {
		return wrapErr(redisBackend, "delete session", err)
	}
	if del.Val() == 0 {
		return ErrUnknownSession
	}
	return nil
}

func (r *RedisStore) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	normalized, username, err := normalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}

	var (
		user    User
		created bool
	)
	key := r.userKey(normalized)
	err = r.withWatch(ctx, func(tx *redis.Tx) error {
		created = false
		ts := now()
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			user = User{ID: uuid.New(), Username: username, Email: normalized, CreatedAt: ts, LastLogin: ts}
			created = true
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &user); err != nil {
				return err
			}
			user.LastLogin = ts
		}

		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return User{}, false, wrapErr(redisBackend, "login", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.LastLogin = user.LastLogin.UTC()
	return user, created, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapErr(redisBackend, "ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
