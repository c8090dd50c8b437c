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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/ChatGateway/services/gateway/store/badgerdb"
)

// Key layout:
//
//	s/<session-id>               JSON Session
//	q/<session-id>               big-endian uint64, last message id
//	m/<session-id>/<%020d id>    JSON Message
//	u/<email>                    JSON User
const (
	sessionPrefix = "s/"
	seqPrefix     = "q/"
	messagePrefix = "m/"
	userPrefix    = "u/"
	badgerBackend = "badger"
)

// BadgerStore persists sessions in an embedded BadgerDB.
//
// Atomicity comes from Badger's optimistic transactions: two concurrent
// creators of the same session id both read a miss, but only the first
// commit succeeds; the loser is retried on a fresh snapshot and finds the
// winner's row.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadgerStore opens the database described by cfg.
func OpenBadgerStore(cfg badgerdb.Config) (*BadgerStore, error) {
	db, err := badgerdb.Open(cfg)
	if err != nil {
		return nil, wrapErr(badgerBackend, "open", err)
	}
	return &BadgerStore{db: db}, nil
}

func sessionKey(id uuid.UUID) []byte { return []byte(sessionPrefix + id.String()) }
func seqKey(id uuid.UUID) []byte     { return []byte(seqPrefix + id.String()) }
func userKey(email string) []byte    { return []byte(userPrefix + email) }

func messageKeyPrefix(id uuid.UUID) []byte {
	return []byte(messagePrefix + id.String() + "/")
}

func messageKey(id uuid.UUID, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", messagePrefix, id.String(), seq))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (b *BadgerStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	var (
		session Session
		created bool
	)
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		created = false
		err := getJSON(txn, sessionKey(id), &session)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		session = newSession(id, defaults, now())
		created = true
		return setJSON(txn, sessionKey(id), session)
	})
	if err != nil {
		return Session{}, false, wrapErr(badgerBackend, "get or create session", err)
	}
	return session, created, nil
}

func (b *BadgerStore) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	if defaults.Title == "" {
		defaults.Title = DefaultNewTitle
	}
	s, _, err := b.GetOrCreateSession(ctx, uuid.New(), defaults)
	return s, err
}

func (b *BadgerStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var session Session
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(id), &session)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, wrapErr(badgerBackend, "get session", err)
	}
	return session, nil
}

func (b *BadgerStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}

	var stored Message
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		var session Session
		if err := getJSON(txn, sessionKey(msg.SessionID), &session); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownSession
			}
			return err
		}

		var last uint64
		item, err := txn.Get(seqKey(msg.SessionID))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				last = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		ts := now()
		stored = Message{
			ID:        int64(last + 1),
			SessionID: msg.SessionID,
			Role:      msg.Role,
			Content:   msg.Content,
			Provider:  msg.Provider,
			Model:     msg.Model,
			CreatedAt: ts,
		}

		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, last+1)
		if err := txn.Set(seqKey(msg.SessionID), seq); err != nil {
			return err
		}
		if err := setJSON(txn, messageKey(msg.SessionID, stored.ID), stored); err != nil {
			return err
		}
		session.UpdatedAt = ts
		return setJSON(txn, sessionKey(msg.SessionID), session)
	})
	if err != nil {
		return Message{}, wrapErr(badgerBackend, "append message", err)
	}
	return stored, nil
}

// ListSessions scans every session in one read transaction.
func (b *BadgerStore) ListSessions(ctx context.Context) ([]Session, error) {
	sessions := []Session{}
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(badgerBackend, "list sessions", err)
	}
	sortByRecency(sessions)
	return sessions, nil
}

func (b *BadgerStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	messages := []Message{}
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownSession
			}
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageKeyPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(badgerBackend, "list messages", err)
	}
	return messages, nil
}

func (b *BadgerStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownSession
			}
			return err
		}

		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageKeyPrefix(id)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		keys = append(keys, seqKey(id), sessionKey(id))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr(badgerBackend, "delete session", err)
	}
	return nil
}

func (b *BadgerStore) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	normalized, username, err := normalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}

	var (
		user    User
		created bool
	)
	err = b.db.Update(ctx, func(txn *badger.Txn) error {
		created = false
		ts := now()
		err := getJSON(txn, userKey(normalized), &user)
		switch {
		case err == nil:
			user.LastLogin = ts
		case errors.Is(err, badger.ErrKeyNotFound):
			user = User{ID: uuid.New(), Username: username, Email: normalized, CreatedAt: ts, LastLogin: ts}
			created = true
		default:
			return err
		}
		return setJSON(txn, userKey(normalized), user)
	})
	if err != nil {
		return User{}, false, wrapErr(badgerBackend, "login", err)
	}
	return user, created, nil
}

func (b *BadgerStore) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return wrapErr(badgerBackend, "ping", errors.New("database closed"))
	}
	return ctx.Err()
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BadgerStore)(nil)
