// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedPublisher blocks every publish until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	got    []string
	closed bool
}

func (p *gatedPublisher) PublishTurn(_ context.Context, event TurnEvent) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, event.ID)
	return nil
}

func (p *gatedPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *gatedPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func TestAsyncPublisher_DoesNotWaitForBroker(t *testing.T) {
	next := &gatedPublisher{release: make(chan struct{})}
	pub := NewAsyncPublisher(next, 2, time.Second, quietLogger())

	start := time.Now()
	// One event is held by the worker, two fill the queue, the fourth drops.
	var errs []error
	for _, id := range []string{"a", "b", "c", "d"} {
		errs = append(errs, pub.PublishTurn(context.Background(), TurnEvent{ID: id}))
		if id == "a" {
			require.Eventually(t, func() bool { return len(pub.queue) == 0 }, time.Second, time.Millisecond)
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NoError(t, errors.Join(errs[:3]...))
	assert.ErrorIs(t, errs[3], ErrQueueFull)
	assert.Equal(t, int64(1), pub.Dropped())

	close(next.release)
	require.NoError(t, pub.Close())
	assert.Equal(t, []string{"a", "b", "c"}, next.published())
	assert.True(t, next.closed)

	assert.ErrorIs(t, pub.PublishTurn(context.Background(), TurnEvent{ID: "late"}), ErrPublisherClosed)
	assert.NoError(t, pub.Close())
}

func TestAsyncPublisher_CloseGivesUpAfterDrain(t *testing.T) {
	next := &gatedPublisher{release: make(chan struct{})}
	defer close(next.release)
	pub := NewAsyncPublisher(next, 4, 50*time.Millisecond, quietLogger())

	require.NoError(t, pub.PublishTurn(context.Background(), TurnEvent{ID: "stuck"}))

	start := time.Now()
	require.NoError(t, pub.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, next.closed)
}

func TestAsyncPublisher_ForwardsToNATS(t *testing.T) {
	srv := startTestServer(t)
	pub := NewAsyncPublisher(newTestPublisher(t, srv.ClientURL()), 0, 5*time.Second, quietLogger())

	require.NoError(t, pub.PublishTurn(context.Background(), TurnEvent{ID: "evt-1", Outcome: OutcomeCompleted, State: "Completed"}))
	require.NoError(t, pub.Close())

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := js.Stream(ctx, "CHATGW")
	require.NoError(t, err)
	raw, err := stream.GetMsg(ctx, 1)
	require.NoError(t, err)

	var got TurnEvent
	require.NoError(t, json.Unmarshal(raw.Data, &got))
	assert.Equal(t, "evt-1", got.ID)
}
