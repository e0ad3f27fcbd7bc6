// internal/membership/dedup.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers recent activations so a retried request inside the window
// replays the first outcome instead of extending the expiry twice.
type Deduper interface {
	// Claim reserves key. When the key already completed, the stored result is
	// returned and claimed is false. A key claimed but not yet completed yields
	// neither a result nor a claim.
	Claim(ctx context.Context, key string) (result []byte, claimed bool, err error)
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

type dedupEntry struct {
	result  []byte
	done    bool
	expires time.Time
}

// MemoryDeduper is a single-process Deduper.
type MemoryDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]dedupEntry
}

// NewMemoryDeduper creates an in-process dedup window.
func NewMemoryDeduper(window time.Duration, now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{window: window, now: now, entries: make(map[string]dedupEntry)}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now)
	if e, ok := d.entries[key]; ok {
		if e.done {
			return e.result, false, nil
		}
		return nil, false, nil
	}
	d.entries[key] = dedupEntry{expires: now.Add(d.window)}
	return nil, true, nil
}

func (d *MemoryDeduper) Complete(_ context.Context, key string, result []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = dedupEntry{result: result, done: true, expires: d.now().Add(d.window)}
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

func (d *MemoryDeduper) sweep(now time.Time) {
	for k, e := range d.entries {
		if !e.expires.After(now) {
			delete(d.entries, k)
		}
	}
}

const (
	redisPending = "p"
	redisDone    = "d"
)

// RedisDeduper shares the dedup window between service instances.
type RedisDeduper struct {
	client redis.Cmdable
	window time.Duration
	prefix string
}

// NewRedisDeduper creates a dedup window stored in redis.
func NewRedisDeduper(client redis.Cmdable, window time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, window: window, prefix: "memberportal:dedup:"}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) ([]byte, bool, error) {
	k := d.prefix + key
	// One retry covers a key that expires between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.client.SetNX(ctx, k, redisPending, d.window).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claim dedup key: %w", err)
		}
		if ok {
			return nil, true, nil
		}

		val, err := d.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read dedup key: %w", err)
		}
		if len(val) > 0 && string(val[:1]) == redisDone {
			return val[1:], false, nil
		}
		return nil, false, nil
	}
	return nil, false, nil
}

func (d *RedisDeduper) Complete(ctx context.Context, key string, result []byte) error {
	val := append([]byte(redisDone), result...)
	if err := d.client.Set(ctx, d.prefix+key, val, d.window).Err(); err != nil {
		return fmt.Errorf("complete dedup key: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}
