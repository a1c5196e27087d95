package prefs

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lifemapper/mapfront/internal/core/observability"
)

// Memory is an in-process backend bounded by an LRU.
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, []byte]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, []byte](size)
	return &Memory{lru: c}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lru.Get(key)
	observability.ObservePrefOp("get", "memory", nil)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Save(_ context.Context, key string, val []byte, overwrite bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	observability.ObservePrefOp("set", "memory", nil)
	if !overwrite && m.lru.Contains(key) {
		return false, nil
	}
	m.lru.Add(key, append([]byte(nil), val...))
	return true, nil
}

func (m *Memory) remove(key string) {
	m.mu.Lock()
	m.lru.Remove(key)
	m.mu.Unlock()
}

type redisKV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
}

// Redis stores preferences without expiry; nothing deletes them automatically.
type Redis struct {
	kv redisKV
}

func NewRedis(kv redisKV) *Redis { return &Redis{kv: kv} }

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return r.kv.Get(ctx, key)
}

func (r *Redis) Save(ctx context.Context, key string, val []byte, overwrite bool) (bool, error) {
	if overwrite {
		if err := r.kv.Set(ctx, key, val, 0); err != nil {
			return false, err
		}
		return true, nil
	}
	return r.kv.SetNX(ctx, key, val, 0)
}

// Layered reads through an in-process LRU in front of a durable backend.
type Layered struct {
	front *Memory
	back  Backend
}

func NewLayered(front *Memory, back Backend) *Layered {
	return &Layered{front: front, back: back}
}

func (l *Layered) Name() string { return l.back.Name() + "+memory" }

func (l *Layered) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := l.front.Load(ctx, key); ok {
		return v, true, nil
	}
	v, ok, err := l.back.Load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_, _ = l.front.Save(ctx, key, v, true)
	return v, true, nil
}

func (l *Layered) Save(ctx context.Context, key string, val []byte, overwrite bool) (bool, error) {
	wrote, err := l.back.Save(ctx, key, val, overwrite)
	if err != nil {
		// the durable value is unknown now; force the next read through
		l.front.remove(key)
		return false, err
	}
	if wrote {
		_, _ = l.front.Save(ctx, key, val, true)
	} else {
		l.front.remove(key)
	}
	return wrote, nil
}

// Evict drops key from the front cache so the next read goes to the
// durable backend.
func (l *Layered) Evict(key string) { l.front.remove(key) }
