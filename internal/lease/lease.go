// Package lease implements the per-test single-flight lease and the alert
// cool-down marks on redis. A lease is a time-bounded exclusive claim: it
// expires on its own if the holder crashes, so a lost worker never wedges a
// test permanently.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Leaser struct {
	client *redis.Client
}

func New(ctx context.Context, cfg Config) (*Leaser, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Leaser{client: client}, nil
}

func (l *Leaser) Close() {
	if l.client != nil {
		l.client.Close()
	}
}

// releaseScript deletes the lease only when the caller still holds it, so an
// expired-and-reacquired lease is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire claims the single-flight lease for testID, tagging it with token
// (the claiming execution id). Returns false while another holder is active.
func (l *Leaser) Acquire(ctx context.Context, testID, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(testID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease for test %s: %w", testID, err)
	}
	return ok, nil
}

func (l *Leaser) Release(ctx context.Context, testID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey(testID)}, token).Err(); err != nil {
		return fmt.Errorf("release lease for test %s: %w", testID, err)
	}
	return nil
}

// Mark records an alert cool-down window for testID. Returns true when the
// mark was set (the caller may alert) and false while a previous mark is
// still cooling down.
func (l *Leaser) Mark(ctx context.Context, testID string, window time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, cooldownKey(testID), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("mark cooldown for test %s: %w", testID, err)
	}
	return ok, nil
}

// Attempts increments and returns the fault-attempt counter for executionID.
// The counter expires after window so abandoned executions do not accumulate.
func (l *Leaser) Attempts(ctx context.Context, executionID string, window time.Duration) (int, error) {
	key := attemptKey(executionID)
	var count *redis.IntCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count attempts for execution %s: %w", executionID, err)
	}
	return int(count.Val()), nil
}

func leaseKey(testID string) string {
	return "lease:test:" + testID
}

func cooldownKey(testID string) string {
	return "cooldown:test:" + testID
}

func attemptKey(executionID string) string {
	return "attempts:execution:" + executionID
}
