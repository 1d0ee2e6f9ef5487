package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arcanarift/duelsync/internal/models"
)

// RedisBus implements Bus over Redis Pub/Sub so snapshots reach clients
// connected to any server instance.
type RedisBus struct {
	rdb *redis.Client
}

// ConnectRedis dials Redis using environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() (*RedisBus, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisBus{rdb: rdb}, nil
}

// NewRedisBus wraps an existing client, mostly for tests against a local Redis.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) PublishRoom(ctx context.Context, room *models.GameRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room snapshot: %w", err)
	}
	if err := b.rdb.Publish(ctx, roomTopic(room.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish room snapshot: %w", err)
	}
	return nil
}

func (b *RedisBus) PublishMatchFound(ctx context.Context, playerID, roomID uuid.UUID) error {
	data, err := json.Marshal(MatchFound{GameRoomID: roomID})
	if err != nil {
		return fmt.Errorf("failed to marshal match notification: %w", err)
	}
	if err := b.rdb.Publish(ctx, queueTopic(playerID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish match notification: %w", err)
	}
	return nil
}

func (b *RedisBus) SubscribeRoom(ctx context.Context, roomID uuid.UUID) (Subscription, error) {
	return b.subscribe(ctx, roomTopic(roomID))
}

func (b *RedisBus) SubscribeQueue(ctx context.Context, playerID uuid.UUID) (Subscription, error) {
	return b.subscribe(ctx, queueTopic(playerID))
}

func (b *RedisBus) subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)
	// Force the SUBSCRIBE round trip so a dead broker fails here, not on Recv.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Recv(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
