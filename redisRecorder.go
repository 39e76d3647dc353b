package sshreverse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// tunnelRecord is the JSON document stored per live session.
type tunnelRecord struct {
	Hostname    string    `json:"hostname"`
	Server      string    `json:"server"`
	Destination string    `json:"destination"`
	BoundPort   int       `json:"bound_port"`
	CreatedAt   time.Time `json:"created_at"`
}

// redisRecorder publishes session markers to a shared redis, one key per
// tunnel, so a whole fleet of boxes can be surveyed in one place. Keys
// carry a TTL as a safety net for processes that die without cleaning up.
type redisRecorder struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRecorder connects to addr and verifies the connection before
// returning. ttl <= 0 stores keys without expiry.
func NewRedisRecorder(addr, password string, db int, ttl time.Duration) (StatusRecorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Annotatef(err, "connecting to redis at %s", addr)
	}
	if ttl < 0 {
		ttl = 0
	}
	return &redisRecorder{client: client, prefix: "sshreverse", ttl: ttl}, nil
}

func (r *redisRecorder) key(info SessionInfo) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, localHostname(), info.Destination, info.BoundPort)
}

func (r *redisRecorder) Record(s *Session) (string, error) {
	info := s.Info()
	payload, err := json.Marshal(tunnelRecord{
		Hostname:    localHostname(),
		Server:      info.Server.String(),
		Destination: info.Destination.String(),
		BoundPort:   info.BoundPort,
		CreatedAt:   info.CreatedAt,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	key := r.key(info)
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return "", errors.Annotatef(err, "storing %s", key)
	}
	return key, nil
}

func (r *redisRecorder) Clear(s *Session) error {
	key := s.Info().StatusPath
	if key == "" {
		key = r.key(s.Info())
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Annotatef(err, "removing %s", key)
	}
	return nil
}
