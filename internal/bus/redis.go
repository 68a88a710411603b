// Package bus is the optional cross-instance relay: when several topology
// servers share a Redis deployment, each republishes the frames it delivers
// locally on per-project and per-client channels. SubscribeProject is the
// receiving half; the server in cmd/cloudtopology only publishes and does
// not subscribe, so it does not forward frames relayed by siblings. All
// operations degrade to no-ops in single-instance mode (nil Service) and
// are wrapped in a circuit breaker so a Redis outage never blocks local
// delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/netsblox/cloud-topology/internal/metrics"
)

// Envelope wraps one relayed frame. Origin carries the client id (or
// instance id) that produced the frame so the receiving instance can skip
// re-delivering to the sender.
type Envelope struct {
	ProjectID string          `json:"projectId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin,omitempty"`
}

func projectChannel(projectID string) string {
	return "netsblox:project:" + projectID
}

func clientChannel(clientID string) string {
	return "netsblox:client:" + clientID
}

// Service is the Redis-backed relay. A nil *Service is valid and disables
// every operation, so callers never need to branch on configuration.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService connects to Redis and verifies the connection with a ping
// before returning.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	slog.Info("connected to redis relay", "addr", addr)
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

// Client exposes the underlying connection for components that share the
// deployment (the rate limiter store).
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

func (s *Service) execute(operation string, fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperations.WithLabelValues(operation, "rejected").Inc()
			slog.Warn("redis circuit breaker open, dropping operation", "operation", operation)
			return nil
		}
		metrics.RedisOperations.WithLabelValues(operation, "error").Inc()
		return err
	}
	metrics.RedisOperations.WithLabelValues(operation, "success").Inc()
	return nil
}

// PublishProject relays an event to every sibling instance tracking the
// given project. Relay failures are logged, never fatal: local delivery has
// already happened by the time this is called.
func (s *Service) PublishProject(ctx context.Context, projectID, event string, payload any, origin string) error {
	if s == nil || s.client == nil {
		return nil
	}

	err := s.execute("publish", func() error {
		data, err := marshalEnvelope(Envelope{ProjectID: projectID, Event: event, Origin: origin}, payload)
		if err != nil {
			return err
		}
		return s.client.Publish(ctx, projectChannel(projectID), data).Err()
	})
	if err != nil {
		slog.Error("redis project publish failed", "project_id", projectID, "event", event, "error", err)
	}
	return err
}

// PublishClient relays an event addressed to one client, for the instance
// that holds its socket.
func (s *Service) PublishClient(ctx context.Context, clientID, event string, payload any, origin string) error {
	if s == nil || s.client == nil {
		return nil
	}

	err := s.execute("publish", func() error {
		data, err := marshalEnvelope(Envelope{ClientID: clientID, Event: event, Origin: origin}, payload)
		if err != nil {
			return err
		}
		return s.client.Publish(ctx, clientChannel(clientID), data).Err()
	})
	if err != nil {
		slog.Error("redis client publish failed", "client_id", clientID, "event", event, "error", err)
	}
	return err
}

func marshalEnvelope(env Envelope, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal relay payload: %w", err)
	}
	env.Payload = inner
	return json.Marshal(env)
}

// SubscribeProject listens for relayed envelopes on one project's channel
// until ctx is cancelled, invoking handler for each. The subscription runs
// on its own goroutine; malformed envelopes are dropped.
func (s *Service) SubscribeProject(ctx context.Context, projectID string, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := projectChannel(projectID)
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		slog.Info("subscribed to relay channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("relay subscription closed", "channel", channel)
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("dropping malformed relay envelope", "channel", channel, "error", err)
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping verifies connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.execute("ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close shuts down the connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
