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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChatGateway/services/gateway/store/badgerdb"
)

// backends returns a constructor per backend available in this environment.
// Postgres and Redis run only when their connection settings are exported.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			cfg := badgerdb.InMemoryConfig()
			cfg.MaxTxnRetries = 1000
			s, err := OpenBadgerStore(cfg)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chatgw.db"))
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("CHATGW_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgresStore(context.Background(), PostgresConfig{DSN: dsn}, nil)
			require.NoError(t, err)
			return s
		}
	}
	if addr := os.Getenv("CHATGW_TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) Store {
			s, err := OpenRedisStore(context.Background(), RedisConfig{
				Addr:   addr,
				Prefix: "chatgw-test-" + uuid.NewString(),
			})
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

var testDefaults = SessionDefaults{Title: DefaultAutoTitle, Provider: "gemini", Model: "default"}

func TestStore_GetOrCreateSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.New()

		first, created, err := s.GetOrCreateSession(ctx, id, testDefaults)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, id, first.ID)
		assert.Equal(t, "New Session", first.Title)
		assert.Equal(t, "gemini", first.Provider)
		assert.Equal(t, "default", first.Model)
		assert.False(t, first.CreatedAt.IsZero())

		second, created, err := s.GetOrCreateSession(ctx, id, SessionDefaults{Title: "other"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.Title, second.Title)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

		got, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
	})
}

func TestStore_GetOrCreateSession_ConcurrentCreatesOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.New()

		const callers = 16
		var (
			wg      sync.WaitGroup
			created atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, c, err := s.GetOrCreateSession(ctx, id, testDefaults)
				assert.NoError(t, err)
				if c {
					created.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
	})
}

func TestStore_CreateSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, err := s.CreateSession(ctx, SessionDefaults{Provider: "gemini", Model: "gemini-pro"})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, session.ID)
		assert.Equal(t, "New Chat", session.Title)
		assert.Equal(t, "gemini-pro", session.Model)
	})
}

func TestStore_GetSession_Unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.GetSession(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestStore_AppendMessage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)

		time.Sleep(2 * time.Millisecond)
		userMsg, err := s.AppendMessage(ctx, NewMessage{
			SessionID: session.ID,
			Role:      RoleUser,
			Content:   "Hi",
			Provider:  ProviderUser,
		})
		require.NoError(t, err)
		assert.Equal(t, RoleUser, userMsg.Role)
		assert.Equal(t, "", userMsg.Model)

		assistant, err := s.AppendMessage(ctx, NewMessage{
			SessionID: session.ID,
			Role:      RoleAssistant,
			Content:   "Hello world",
			Provider:  "openai",
			Model:     "gpt-4o-mini",
		})
		require.NoError(t, err)
		assert.Greater(t, assistant.ID, userMsg.ID)

		msgs, err := s.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Hi", msgs[0].Content)
		assert.Equal(t, ProviderUser, msgs[0].Provider)
		assert.Equal(t, "Hello world", msgs[1].Content)
		assert.Equal(t, "openai", msgs[1].Provider)
		assert.Equal(t, "gpt-4o-mini", msgs[1].Model)
		assert.Equal(t, session.ID, msgs[1].SessionID)
		assert.Equal(t, assistant.ID, msgs[1].ID)

		got, err := s.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(session.UpdatedAt), "append must bump updated_at")
	})
}

func TestStore_AppendMessage_PreservesContentExactly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)

		content := "  leading space, unicode ✓, newline\nand trailing  "
		_, err = s.AppendMessage(ctx, NewMessage{SessionID: session.ID, Role: RoleAssistant, Content: content, Provider: "scripted"})
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, content, msgs[0].Content)
	})
}

func TestStore_AppendMessage_UnknownSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.AppendMessage(context.Background(), NewMessage{
			SessionID: uuid.New(),
			Role:      RoleUser,
			Content:   "orphan",
		})
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestStore_AppendMessage_InvalidRole(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, NewMessage{SessionID: session.ID, Role: "system", Content: "x"})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestStore_AppendMessage_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)

		const writers = 12
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, NewMessage{
					SessionID: session.ID,
					Role:      RoleUser,
					Content:   fmt.Sprintf("msg-%d", i),
					Provider:  ProviderUser,
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		msgs, err := s.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, msgs, writers)
		for i := 1; i < len(msgs); i++ {
			assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
		}
	})
}

func TestStore_ListMessages_EmptyAndUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, err = s.ListMessages(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestStore_ListSessions_MostRecentFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		b, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		_, err = s.AppendMessage(ctx, NewMessage{SessionID: a.ID, Role: RoleUser, Content: "bump", Provider: ProviderUser})
		require.NoError(t, err)

		all, err := s.ListSessions(ctx)
		require.NoError(t, err)

		var order []uuid.UUID
		for _, sess := range all {
			if sess.ID == a.ID || sess.ID == b.ID {
				order = append(order, sess.ID)
			}
		}
		assert.Equal(t, []uuid.UUID{a.ID, b.ID}, order)
	})
}

func TestStore_ListSessions_IndependentOfConcurrentListers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Listers with already-cancelled contexts.
				cancelled, cancel := context.WithCancel(context.Background())
				cancel()
				for {
					select {
					case <-stop:
						return
					default:
						_, _ = s.ListSessions(cancelled)
						_, _ = s.ListSessions(context.Background())
					}
				}
			}()
		}
		defer func() {
			close(stop)
			wg.Wait()
		}()

		ctx := context.Background()
		for i := 0; i < 20; i++ {
			created, err := s.CreateSession(ctx, testDefaults)
			require.NoError(t, err)

			all, err := s.ListSessions(ctx)
			require.NoError(t, err)
			ids := make([]uuid.UUID, 0, len(all))
			for _, sess := range all {
				ids = append(ids, sess.ID)
			}
			require.Contains(t, ids, created.ID, "list after create %d", i)
		}
	})
}

func TestStore_DeleteSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, NewMessage{SessionID: session.ID, Role: RoleUser, Content: "bye", Provider: ProviderUser})
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(ctx, session.ID))

		_, err = s.GetSession(ctx, session.ID)
		assert.ErrorIs(t, err, ErrUnknownSession)
		_, err = s.ListMessages(ctx, session.ID)
		assert.ErrorIs(t, err, ErrUnknownSession)
		assert.ErrorIs(t, s.DeleteSession(ctx, session.ID), ErrUnknownSession)

		all, err := s.ListSessions(ctx)
		require.NoError(t, err)
		for _, sess := range all {
			assert.NotEqual(t, session.ID, sess.ID)
		}

		// Re-creating the id starts an empty history.
		_, created, err := s.GetOrCreateSession(ctx, session.ID, testDefaults)
		require.NoError(t, err)
		assert.True(t, created)
		msgs, err := s.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_LoginOrRegister(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		email := "Ada." + uuid.NewString()[:8] + "@Example.com"

		first, created, err := s.LoginOrRegister(ctx, email)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.Email[:len(first.Username)], first.Username)
		assert.NotContains(t, first.Username, "@")
		assert.Equal(t, first.Email, normalizedOrFail(t, email))

		time.Sleep(2 * time.Millisecond)
		second, created, err := s.LoginOrRegister(ctx, email)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, second.LastLogin.After(first.LastLogin))

		_, _, err = s.LoginOrRegister(ctx, "not-an-email")
		assert.ErrorIs(t, err, ErrInvalidEmail)
	})
}

func TestStore_Ping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func normalizedOrFail(t *testing.T, email string) string {
	t.Helper()
	n, _, err := normalizeEmail(email)
	require.NoError(t, err)
	return n
}

func TestNormalizeEmail(t *testing.T) {
	n, user, err := normalizeEmail("  Grace@Navy.MIL ")
	require.NoError(t, err)
	assert.Equal(t, "grace@navy.mil", n)
	assert.Equal(t, "grace", user)

	for _, bad := range []string{"", "@x.com", "nobody@", "plain"} {
		_, _, err := normalizeEmail(bad)
		assert.ErrorIs(t, err, ErrInvalidEmail, bad)
	}
}

func TestWrapErr_PassesDomainErrorsThrough(t *testing.T) {
	assert.Nil(t, wrapErr("x", "op", nil))
	assert.Same(t, ErrUnknownSession, wrapErr("x", "op", ErrUnknownSession))

	err := wrapErr("sqlite", "append message", assert.AnError)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "sqlite", se.Backend)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "sqlite store: append message: "+assert.AnError.Error(), err.Error())
}

func TestOpen_SelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "SQLITE", SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "x.db")}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Badger: badgerdb.InMemoryConfig()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "cassandra"}, nil)
	assert.Error(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, NewMessage{SessionID: session.ID, Role: RoleUser, Content: "kept", Provider: ProviderUser})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)
}

func TestBadgerStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := badgerdb.DefaultConfig(filepath.Join(t.TempDir(), "badger"))
	cfg.GCInterval = 0

	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	session, _, err := s.GetOrCreateSession(ctx, uuid.New(), testDefaults)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, NewMessage{SessionID: session.ID, Role: RoleAssistant, Content: "durable", Provider: "scripted"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable", msgs[0].Content)
	assert.Equal(t, int64(1), msgs[0].ID)
}
