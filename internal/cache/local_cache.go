package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 支持 TTL 过期
// - 后台协程定期清理过期条目，Stop 后退出
// - GetOrLoad 在未命中时调用加载函数并回填
type LocalCache[T any] struct {
	mu   sync.RWMutex
	data map[string]cacheEntry[T]
	ttl  time.Duration
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间，小于等于 0 表示不缓存
//   - cleanupEvery: 清理间隔，小于等于 0 时不启动清理协程
func NewLocalCache[T any](ttl, cleanupEvery time.Duration) *LocalCache[T] {
	c := &LocalCache[T]{
		data: make(map[string]cacheEntry[T]),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	if cleanupEvery > 0 {
		go c.cleanupLoop(cleanupEvery)
	}

	return c
}

// Get 获取缓存值
func (c *LocalCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()

	var zero T
	if !ok {
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值
func (c *LocalCache[T]) Set(key string, value T) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.data[key] = cacheEntry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetOrLoad 命中时直接返回，否则调用 load 并缓存结果
//
// load 返回错误时不写入缓存
func (c *LocalCache[T]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete 删除缓存值
func (c *LocalCache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Clear 清空所有缓存
func (c *LocalCache[T]) Clear() {
	c.mu.Lock()
	c.data = make(map[string]cacheEntry[T])
	c.mu.Unlock()
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LocalCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stop 停止清理协程，可重复调用
func (c *LocalCache[T]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache[T]) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *LocalCache[T]) purge() {
	now := c.now()
	c.mu.Lock()
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, key)
		}
	}
	c.mu.Unlock()
}
