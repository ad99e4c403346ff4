package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"melink/internal/mpio"

	"github.com/redis/go-redis/v9"
)

var ErrNoAddress = errors.New("no address known for engine")

const engineKeyPrefix = "melink:engine:"

// EngineRecord is what an engine publishes about itself.
type EngineRecord struct {
	Engine       mpio.EngineID `json:"engine_id"`
	Name         string        `json:"name"`
	Bus          string        `json:"bus"`
	Addr         string        `json:"addr"`
	AdvertisedAt time.Time     `json:"advertised_at"`
}

// RedisDirectory publishes engine transport addresses in Redis hashes that
// expire unless refreshed.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDirectory accepts either a redis:// URL or a host:port address.
func NewRedisDirectory(redisURL, password string, ttl time.Duration) (*RedisDirectory, error) {
	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}
	if password != "" {
		opts.Password = password
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	rdb := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDirectory{client: rdb, ttl: ttl}, nil
}

func engineKey(engine mpio.EngineID) string {
	return engineKeyPrefix + engine.String()
}

// Advertise publishes rec and resets its expiry.
func (d *RedisDirectory) Advertise(ctx context.Context, rec EngineRecord) error {
	key := engineKey(rec.Engine)
	fields := map[string]any{
		"engine_id":     rec.Engine.String(),
		"name":          rec.Name,
		"bus":           rec.Bus,
		"addr":          rec.Addr,
		"advertised_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := d.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to advertise engine %s: %w", rec.Engine, err)
	}
	return d.client.Expire(ctx, key, d.ttl).Err()
}

// Lookup returns the transport address of engine.
func (d *RedisDirectory) Lookup(ctx context.Context, engine mpio.EngineID) (string, error) {
	addr, err := d.client.HGet(ctx, engineKey(engine), "addr").Result()
	if errors.Is(err, redis.Nil) || (err == nil && addr == "") {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, engine)
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}

// Withdraw removes the record of engine.
func (d *RedisDirectory) Withdraw(ctx context.Context, engine mpio.EngineID) error {
	return d.client.Del(ctx, engineKey(engine)).Err()
}

// List returns every advertised engine.
func (d *RedisDirectory) List(ctx context.Context) ([]EngineRecord, error) {
	var results []EngineRecord
	var cursor uint64

	for {
		// SCAN returns keys in batches without blocking
		keys, nextCursor, err := d.client.Scan(ctx, cursor, engineKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			fields, err := d.client.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			engine, err := mpio.ParseEngineID(fields["engine_id"])
			if err != nil {
				continue
			}
			rec := EngineRecord{
				Engine: engine,
				Name:   fields["name"],
				Bus:    fields["bus"],
				Addr:   fields["addr"],
			}
			if ts, ok := fields["advertised_at"]; ok {
				rec.AdvertisedAt, _ = time.Parse(time.RFC3339Nano, ts)
			}
			results = append(results, rec)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return results, nil
}

// KeepAdvertised refreshes rec every third of the TTL until ctx is done,
// then withdraws it.
func (d *RedisDirectory) KeepAdvertised(ctx context.Context, rec EngineRecord, onError func(error)) {
	interval := d.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			withdrawCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := d.Withdraw(withdrawCtx, rec.Engine); err != nil && onError != nil {
				onError(err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := d.Advertise(ctx, rec); err != nil && onError != nil && ctx.Err() == nil {
				onError(err)
			}
		}
	}
}

func (d *RedisDirectory) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
