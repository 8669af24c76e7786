package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "agentspend:audit"

// RedisStreamSink appends each entry to a Redis stream with XADD. The entry
// is stored whole under the "entry" field plus a few indexable fields.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) (*RedisStreamSink, error) {
	if client == nil {
		return nil, errors.New("audit: redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// DialRedisStreamSink owns the client it creates and closes it on Close.
func DialRedisStreamSink(addr, password, stream string) (*RedisStreamSink, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("audit: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStreamSink(client, stream, 0)
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Stream() string { return s.stream }

func (s *RedisStreamSink) Write(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":     entry.ID,
			"action": string(entry.Action),
			"status": string(entry.Status),
			"entry":  string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
