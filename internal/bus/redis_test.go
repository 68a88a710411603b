package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.PublishProject(ctx, "p1", "message", map[string]any{"x": 1}, "_c1"))
	assert.NoError(t, svc.PublishClient(ctx, "_c1", "message", nil, ""))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	assert.NotPanics(t, func() {
		svc.SubscribeProject(ctx, "p1", func(Envelope) {})
	})
}

func TestNewServiceFailsWhenRedisUnreachable(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	svc.SubscribeProject(ctx, "p1", func(env Envelope) {
		received <- env
	})

	// Give the subscriber goroutine a moment to attach.
	require.Eventually(t, func() bool {
		err := svc.PublishProject(ctx, "p1", "room-roles", map[string]any{"version": 7}, "_c1")
		if err != nil {
			return false
		}
		select {
		case env := <-received:
			assert.Equal(t, "p1", env.ProjectID)
			assert.Equal(t, "room-roles", env.Event)
			assert.Equal(t, "_c1", env.Origin)

			var payload map[string]any
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			assert.EqualValues(t, 7, payload["version"])
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPublishClientUsesClientChannel(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := svc.Client().Subscribe(ctx, "netsblox:client:_c9")
	defer sub.Close()
	ch := sub.Channel()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.PublishClient(ctx, "_c9", "eviction", map[string]any{"type": "eviction"}, ""))

	select {
	case msg := <-ch:
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "_c9", env.ClientID)
		assert.Equal(t, "eviction", env.Event)
		assert.Empty(t, env.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope on the client channel")
	}
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	svc, mr := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	svc.SubscribeProject(ctx, "p2", func(env Envelope) {
		received <- env
	})
	time.Sleep(50 * time.Millisecond)

	mr.Publish("netsblox:project:p2", "{not json")
	require.NoError(t, svc.PublishProject(ctx, "p2", "message", map[string]any{}, ""))

	select {
	case env := <-received:
		// Only the well-formed envelope arrives.
		assert.Equal(t, "message", env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the well-formed envelope to be delivered")
	}
}

func TestPing(t *testing.T) {
	svc, mr := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))

	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
