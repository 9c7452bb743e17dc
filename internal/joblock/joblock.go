// Package joblock provides a Redis lock that keeps two workers from running
// the same discovery at once: SET NX PX to take it, a token-checked Lua
// script to release it.
package joblock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHeld is returned when another worker holds the lock.
var ErrHeld = eris.New("joblock: lock is held by another worker")

const defaultTTL = 2 * time.Hour

// Client is the subset of *redis.Client the lock needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Config configures the Redis connection.
type Config struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "joblock: ping redis %s", cfg.Addr)
	}
	return rdb, nil
}

// Locker takes and releases job locks.
type Locker struct {
	rdb Client
}

// New creates a Locker.
func New(rdb Client) *Locker {
	return &Locker{rdb: rdb}
}

func token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", eris.Wrap(err, "joblock: generate token")
	}
	return hex.EncodeToString(b[:]), nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Acquire takes key for ttl and returns a release func that only deletes
// the key while this holder still owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, eris.New("joblock: empty key")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	tok, err := token()
	if err != nil {
		return nil, err
	}

	ok, err := l.rdb.SetNX(ctx, key, tok, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "joblock: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "key %s", key)
	}
	zap.L().Debug("joblock: acquired", zap.String("key", key), zap.Duration("ttl", ttl))

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.rdb, []string{key}, tok).Int64()
		if err != nil {
			return eris.Wrapf(err, "joblock: release %s", key)
		}
		if n == 0 {
			zap.L().Warn("joblock: lock expired before release", zap.String("key", key))
		}
		return nil
	}, nil
}
