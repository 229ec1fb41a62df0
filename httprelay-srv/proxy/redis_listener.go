package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/redis/go-redis/v9"
)

// redisEvent is the JSON form published for every observed head.
type redisEvent struct {
	Direction    string              `json:"direction"`
	Host         string              `json:"host"`
	Port         int                 `json:"port"`
	ConnectionID int64               `json:"connection_id"`
	Time         time.Time           `json:"time"`
	Method       string              `json:"method,omitempty"`
	URI          string              `json:"uri,omitempty"`
	StatusCode   int                 `json:"status_code,omitempty"`
	Headers      map[string][]string `json:"headers"`
}

func newRedisEvent(ev Event) (redisEvent, bool) {
	re := redisEvent{
		Direction:    ev.Direction.String(),
		Host:         ev.Endpoint.Host,
		Port:         ev.Endpoint.Port,
		ConnectionID: ev.ConnectionID,
		Time:         ev.Time.UTC(),
	}
	switch {
	case ev.Request != nil:
		re.Method = ev.Request.Method
		re.URI = ev.Request.URI
		re.Headers = ev.Request.Header.ToMap()
	case ev.Response != nil:
		re.StatusCode = ev.Response.StatusCode
		re.Headers = ev.Response.Header.ToMap()
	default:
		return re, false
	}
	return re, true
}

// RedisListener publishes every observed head as JSON on a Redis channel.
type RedisListener struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisListener connects to the configured Redis server. The connection
// is checked with PING; a failing server is reported but not fatal, since
// publishing retries on every event.
func NewRedisListener(cfg config.RedisConfig) *RedisListener {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis interception sink %s not reachable: %v", cfg.Address, err)
	}
	return &RedisListener{client: rdb, channel: cfg.Channel, timeout: 2 * time.Second}
}

func (r *RedisListener) Notify(ev Event) {
	re, ok := newRedisEvent(ev)
	if !ok {
		return
	}
	payload, err := json.Marshal(re)
	if err != nil {
		logger.Error("Failed to encode interception event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		logger.Error("Failed to publish interception event to %s: %v", r.channel, err)
	}
}

// Close closes the Redis client.
func (r *RedisListener) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
