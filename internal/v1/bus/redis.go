package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/flylive/msab/internal/v1/metrics"
)

// Envelope is the standardized container for room messages moving between
// instances. Origin carries the publishing instance id so the publisher can
// skip its own fan-out echo; ExceptSocketID optionally excludes one local
// socket on the receiving side.
type Envelope struct {
	RoomID         string          `json:"roomId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Origin         string          `json:"origin"`
	ExceptSocketID string          `json:"exceptSocketId,omitempty"`
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client. Shared by the seat scripts,
// registries, gift buffer, and rate-limit store so the whole instance runs
// on one connection pool.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(opts Options) (*Service, error) {
	ro := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if opts.UseTLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(ro)

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB, "tls", opts.UseTLS)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(breakerSettings("redis")),
	}, nil
}

// NewServiceWithClient wraps an existing client (tests use miniredis here).
func NewServiceWithClient(rdb *redis.Client) *Service {
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(breakerSettings("redis")),
	}
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("msab:room:%s", roomID)
}

// PublishRoom broadcasts a room event to all other instances serving this room.
func (s *Service) PublishRoom(ctx context.Context, env Envelope) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(env.RoomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "roomID", env.RoomID)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish Failed", "roomID", env.RoomID, "error", err)
		return err
	}

	return nil
}

// SubscribeRoom starts a background goroutine that listens for room messages
// from OTHER instances. handler runs for every valid message received.
func (s *Service) SubscribeRoom(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return // Stop listening if the room closes
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(env)
			}
		}
	}()
}

// SubscribeChannel subscribes to a raw channel and hands every message's
// bytes to handler. The event relay uses this for the business-backend
// events channel, whose schema is not the room envelope.
func (s *Service) SubscribeChannel(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
