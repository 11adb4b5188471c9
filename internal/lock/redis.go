// Package lock holds the deployment wide maintenance lock backed by Redis.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

const DefaultKey = "updateflow:maintenance"

// renewScript moves the entry to the next holder and extends the lease, only
// if the stored holder matches.
var renewScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, doc = pcall(cjson.decode, v)
if not ok or doc.holder ~= ARGV[1] then return 0 end
if ARGV[3] ~= ARGV[1] then
  doc.holder = ARGV[3]
  redis.call("SET", KEYS[1], cjson.encode(doc), "KEEPTTL")
end
if tonumber(ARGV[2]) > 0 then redis.call("PEXPIRE", KEYS[1], ARGV[2]) end
return 1
`)

// releaseScript deletes the entry only if the stored holder matches.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, doc = pcall(cjson.decode, v)
if not ok or doc.holder ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

type entry struct {
	Holder   string `json:"holder"`
	Acquired int64  `json:"acquired"` // unix ms
}

// RedisLock stores the lock holder under one key. The lease is the key TTL,
// so an abandoned lock disappears on its own.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	lease  time.Duration
	clock  core.Clock
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds a standalone client.
func NewRedisClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func NewRedisLock(client redis.UniversalClient, key string, lease time.Duration, clock core.Clock) *RedisLock {
	if key == "" {
		key = DefaultKey
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &RedisLock{client: client, key: key, lease: lease, clock: clock}
}

func (l *RedisLock) TryAcquire(ctx context.Context, holder string) (bool, error) {
	val, err := encodeEntry(holder, l.clock.Now())
	if err != nil {
		return false, err
	}
	return l.client.SetNX(ctx, l.key, val, l.lease).Result()
}

func (l *RedisLock) ForceAcquire(ctx context.Context, holder string) error {
	val, err := encodeEntry(holder, l.clock.Now())
	if err != nil {
		return err
	}
	return l.client.Set(ctx, l.key, val, l.lease).Err()
}

func (l *RedisLock) Renew(ctx context.Context, holder, next string) error {
	ok, err := renewScript.Run(ctx, l.client, []string{l.key}, holder, l.lease.Milliseconds(), next).Int()
	if err != nil {
		return fmt.Errorf("renew maintenance lease: %w", err)
	}
	if ok != 1 {
		return updater.ErrLockLost
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context, holder string) error {
	ok, err := releaseScript.Run(ctx, l.client, []string{l.key}, holder).Int()
	if err != nil {
		return fmt.Errorf("release maintenance lock: %w", err)
	}
	if ok != 1 {
		return updater.ErrLockLost
	}
	return nil
}

func (l *RedisLock) ForceRelease(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}

func (l *RedisLock) Status(ctx context.Context) (updater.LockStatus, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return updater.LockStatus{}, nil
	}
	if err != nil {
		return updater.LockStatus{}, err
	}
	status, err := decodeEntry(val)
	if err != nil {
		return updater.LockStatus{}, err
	}
	ttl, err := l.client.PTTL(ctx, l.key).Result()
	if err != nil {
		return updater.LockStatus{}, err
	}
	if ttl > 0 {
		status.Expires = l.clock.Now().Add(ttl).UTC()
	}
	return status, nil
}

func encodeEntry(holder string, now time.Time) (string, error) {
	b, err := json.Marshal(entry{Holder: holder, Acquired: now.UnixMilli()})
	return string(b), err
}

func decodeEntry(val string) (updater.LockStatus, error) {
	var e entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return updater.LockStatus{}, fmt.Errorf("decode maintenance lock: %w", err)
	}
	return updater.LockStatus{Locked: true, Holder: e.Holder, Acquired: time.UnixMilli(e.Acquired).UTC()}, nil
}

var _ updater.MaintenanceLock = (*RedisLock)(nil)
